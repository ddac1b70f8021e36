// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"bytes"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("ringChannel", func() {
	var (
		ring ringChannel
		ram  []byte
	)

	BeforeEach(func() {
		ram = []byte("0123456789")
		ring.reset(0x1000, len(ram))
	})

	It("should read up to the write pointer", func() {
		var data bytes.Buffer

		ring.updateWritePointer(0x1004)
		Expect(ring.pending()).To(Equal(4))
		Expect(ring.readData(ram, &data)).To(Equal(4))
		Expect(data.String()).To(Equal("0123"))
		Expect(ring.pending()).To(BeZero())
	})

	It("should follow the write pointer around the end", func() {
		var data bytes.Buffer

		ring.updateWritePointer(0x1008)
		ring.readData(ram, &data)
		data.Reset()

		ring.updateWritePointer(0x1003)
		Expect(ring.pending()).To(Equal(5))
		Expect(ring.readData(ram, &data)).To(Equal(5))
		Expect(data.String()).To(Equal("89012"))
	})

	It("should ignore pointers outside of the fifo", func() {
		ring.updateWritePointer(0x10)
		Expect(ring.pending()).To(BeZero())
	})
})

var _ = Describe("descriptorRing", func() {
	It("should wrap and flag the last descriptor", func() {
		d := descriptorRing{ram: make([]byte, 2*transferDescriptorSize)}

		d.push(0x2000, 16, false)
		d.push(0x2010, 32, false)
		d.push(0x2030, 8, true)

		Expect(d.count).To(Equal(uint64(3)))
		Expect(d.index).To(Equal(1))
		Expect(WordLE(d.ram[0:])).To(Equal(uint32(0x2030)))
		Expect(WordLE(d.ram[4:]) & 0xffff).To(Equal(uint32(8)))
		Expect(WordLE(d.ram[4:]) >> 16 & descFlagEOT).ToNot(BeZero())
		Expect(WordLE(d.ram[12:]) >> 16 & descFlagEOT).To(BeZero())
	})
})
