// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"bytes"
)

// hold size of a transfer descriptor to avoid working with sizeof
const (
	transferDescriptorSize = 8

	descFlagEOT = 0x4000
	descFlagINT = 0x8000
)

// ringChannel describes a circular fifo the hardware writes to and the
// streaming pump reads from
type ringChannel struct {
	buffer       uint64 // bus address of the first byte
	sizeOfBuffer uint32
	wrOff        uint32
	rdOff        uint32
}

func (r *ringChannel) reset(buffer uint64, size int) {
	r.buffer = buffer
	r.sizeOfBuffer = uint32(size)
	r.wrOff = 0
	r.rdOff = 0
}

// updateWritePointer takes over the hardware write pointer
func (r *ringChannel) updateWritePointer(rwp uint64) {
	if r.sizeOfBuffer == 0 || rwp < r.buffer {
		return
	}

	r.wrOff = uint32(rwp-r.buffer) % r.sizeOfBuffer
}

func (r *ringChannel) pending() int {
	if r.wrOff >= r.rdOff {
		return int(r.wrOff - r.rdOff)
	}
	return int(r.sizeOfBuffer - r.rdOff + r.wrOff)
}

// readData copies everything between read and write offset out of ram and
// advances the read offset
func (r *ringChannel) readData(ram []byte, data *bytes.Buffer) int {
	start := data.Len()

	for r.rdOff != r.wrOff {
		if r.wrOff > r.rdOff {
			data.Write(ram[r.rdOff:r.wrOff])
			r.rdOff = r.wrOff
		} else {
			data.Write(ram[r.rdOff:r.sizeOfBuffer])
			r.rdOff = 0
		}
	}

	return data.Len() - start
}

// descriptorRing is the descriptor fifo of a streaming session. Every pump
// cycle leaves one descriptor per contiguous chunk moved out of the data
// fifo.
type descriptorRing struct {
	ram   []byte
	index int
	count uint64
}

func (d *descriptorRing) slots() int {
	return len(d.ram) / transferDescriptorSize
}

func (d *descriptorRing) push(addr uint64, size int, last bool) {
	if d.slots() == 0 {
		return
	}

	flags := uint32(descFlagINT)
	if last {
		flags |= descFlagEOT
	}

	offset := d.index * transferDescriptorSize

	PutWordLE(d.ram[offset:], uint32(addr))
	PutWordLE(d.ram[offset+4:], uint32(size)&0xffff|flags<<16)

	d.index++
	if d.index > d.slots()-1 {
		d.index = 0
	}

	d.count++
}
