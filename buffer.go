// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"math"
)

// descriptor tables and trace ram words are little endian on the bus

// PutWordLE stores a 32 bit bus word.
func PutWordLE(buf []byte, value uint32) {
	buf[0] = byte(value)
	buf[1] = byte(value >> 8)
	buf[2] = byte(value >> 16)
	buf[3] = byte(value >> 24)
}

// WordLE loads a 32 bit bus word. A short buffer yields 0xFFFFFFFF, the
// pattern an empty ram read returns.
func WordLE(buf []byte) uint32 {
	if len(buf) < 4 {
		logger.Errorf("could not read uint32 from a buffer of %d bytes", len(buf))
		return math.MaxUint32
	}

	return uint32(buf[0]) | (uint32(buf[1]) << 8) | (uint32(buf[2]) << 16) | (uint32(buf[3]) << 24)
}
