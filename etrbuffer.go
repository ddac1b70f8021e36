// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

// TraceBuffer is the system memory an ETR writes trace data to, either one
// contiguous region or a scatter-gather table of fixed size blocks.
type TraceBuffer struct {
	mem     Allocator
	memType MemType
	size    int
	contig  *Region
	sg      *sgTable
}

// AllocateTraceBuffer reserves a buffer of at least size bytes with the
// given strategy. blockSize is only used for scatter-gather buffers and has
// to be a multiple of PageSize. On failure nothing stays allocated.
func AllocateTraceBuffer(mem Allocator, size int, memType MemType, blockSize int) (*TraceBuffer, error) {
	if size <= 0 {
		return nil, newEtrError(ErrorInvalidArgument, "invalid trace buffer size %d", size)
	}

	buf := &TraceBuffer{
		mem:     mem,
		memType: memType,
	}

	switch memType {
	case MemTypeContig:
		region, err := mem.AllocCoherent(size)

		if err != nil {
			return nil, newEtrError(ErrorOutOfMemory, "could not allocate contiguous trace buffer of %d bytes: %v", size, err)
		}

		buf.contig = region
		buf.size = region.Size()

		logger.Debugf("contiguous trace buffer of %d bytes at 0x%x", buf.size, region.PhysAddr())

	case MemTypeSG:
		table, err := newSgTable(mem, size, blockSize)

		if err != nil {
			return nil, err
		}

		buf.sg = table
		buf.size = table.size()

	default:
		return nil, newEtrError(ErrorInvalidArgument, "unknown memory type %d", memType)
	}

	return buf, nil
}

// Size is the capacity of the buffer; for scatter-gather buffers it is the
// sum of all block sizes.
func (b *TraceBuffer) Size() int {
	return b.size
}

func (b *TraceBuffer) MemType() MemType {
	return b.memType
}

// BlockCount is the number of scatter-gather blocks, 1 for contiguous buffers.
func (b *TraceBuffer) BlockCount() int {
	if b.sg != nil {
		return len(b.sg.blocks)
	}
	return 1
}

// BaseAddr is the value programmed into DBALO/DBAHI: the buffer itself for
// contiguous buffers and the first table page for scatter-gather buffers.
func (b *TraceBuffer) BaseAddr() uint64 {
	if b.sg != nil {
		return b.sg.baseAddr()
	}
	if b.contig != nil {
		return b.contig.PhysAddr()
	}
	return 0
}

// StartAddr is the bus address of logical offset 0, the reset value of the
// read and write pointers.
func (b *TraceBuffer) StartAddr() uint64 {
	if b.sg != nil && len(b.sg.blocks) > 0 {
		return b.sg.blocks[0].PhysAddr()
	}
	if b.contig != nil {
		return b.contig.PhysAddr()
	}
	return 0
}

// OffsetOf translates a hardware write pointer into a logical offset.
func (b *TraceBuffer) OffsetOf(addr uint64) (int, error) {
	if b.sg != nil {
		return b.sg.offsetOf(addr)
	}

	if b.contig != nil {
		start := b.contig.PhysAddr()

		if addr >= start && addr <= start+uint64(b.size) {
			return int(addr - start), nil
		}
	}

	return 0, newEtrError(ErrorInvalidArgument, "write pointer 0x%x is outside of the trace buffer", addr)
}

// ComputeReadWindow returns the bytes at the logical offset, at most length
// of them. A scatter-gather window never crosses a block boundary, a
// contiguous window only stops at the end of the buffer; callers loop until
// they got everything they asked for.
func (b *TraceBuffer) ComputeReadWindow(offset int, length int) ([]byte, int) {
	if offset < 0 || offset >= b.size || length <= 0 {
		return nil, 0
	}

	var window []byte

	if b.sg != nil {
		window = b.sg.window(offset, length)
	} else {
		end := minInt(offset+length, b.size)
		window = b.contig.Bytes()[offset:end]
	}

	return window, len(window)
}

// matches reports whether an allocation with these parameters would give
// the same buffer layout
func (b *TraceBuffer) matches(size int, memType MemType, blockSize int) bool {
	if b == nil || b.size == 0 || b.memType != memType {
		return false
	}

	if b.sg != nil {
		return b.sg.blockSize == blockSize && len(b.sg.blocks) == divRoundUp(size, blockSize)
	}

	return b.size == size
}

// Clear zeroes the buffer contents.
func (b *TraceBuffer) Clear() {
	if b.sg != nil {
		b.sg.clear()
	} else if b.contig != nil {
		data := b.contig.Bytes()
		for i := range data {
			data[i] = 0
		}
	}
}

// Release frees all regions; calling it again is a no-op.
func (b *TraceBuffer) Release() {
	if b == nil {
		return
	}

	if b.sg != nil {
		b.sg.release()
		b.sg = nil
	}

	if b.contig != nil {
		b.mem.Free(b.contig)
		b.contig = nil
	}

	b.size = 0
}
