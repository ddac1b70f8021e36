// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Bus words", func() {
	It("should store and load little endian", func() {
		buf := make([]byte, 4)
		PutWordLE(buf, 0x11223344)

		Expect(buf).To(Equal([]byte{0x44, 0x33, 0x22, 0x11}))
		Expect(WordLE(buf)).To(Equal(uint32(0x11223344)))
	})

	It("should read a short buffer as the empty pattern", func() {
		Expect(WordLE([]byte{1, 2, 3})).To(Equal(uint32(RrdEmptyMarker)))
	})
})
