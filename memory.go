// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"sync"

	"github.com/boljen/go-bitmap"
)

const DefaultMemoryBase = 0x80000000

// Region is a physically contiguous piece of DMA capable memory.
type Region struct {
	phys      uint64
	buf       []byte
	firstPage int
	pages     int
}

// PhysAddr is the bus address of the first byte of the region.
func (r *Region) PhysAddr() uint64 {
	return r.phys
}

// Bytes returns the cpu view of the region.
func (r *Region) Bytes() []byte {
	return r.buf
}

func (r *Region) Size() int {
	return len(r.buf)
}

// Allocator hands out DMA capable memory to the buffer manager.
//
// Every region returned by AllocCoherent has to be given back with Free.
type Allocator interface {
	AllocCoherent(size int) (*Region, error)
	Free(r *Region)
}

// PhysMemory is the bus side view used by bus masters (the trace hardware)
// to access memory by physical address.
type PhysMemory interface {
	ReadPhys(addr uint64, p []byte) error
	WritePhys(addr uint64, p []byte) error
}

// SystemMemory models a window of physical memory divided into pages.
//
// Consecutive allocations are spread with a gap of ScatterGap pages so that
// independently allocated blocks are not physically adjacent, which is what
// scatter-gather buffers have to cope with on a real system.
type SystemMemory struct {
	mu         sync.Mutex
	base       uint64
	numPages   int
	used       bitmap.Bitmap
	data       map[int][]byte
	cursor     int
	ScatterGap int
}

// NewSystemMemory creates a memory window of size bytes starting at base.
// size is rounded down to whole pages.
func NewSystemMemory(base uint64, size int) *SystemMemory {
	numPages := size / PageSize

	return &SystemMemory{
		base:       base &^ (PageSize - 1),
		numPages:   numPages,
		used:       bitmap.New(numPages),
		data:       make(map[int][]byte),
		ScatterGap: 1,
	}
}

// AllocCoherent reserves a physically contiguous run of pages for size bytes.
func (m *SystemMemory) AllocCoherent(size int) (*Region, error) {
	if size <= 0 {
		return nil, newEtrError(ErrorInvalidArgument, "invalid allocation size %d", size)
	}

	pages := (size + PageSize - 1) / PageSize

	m.mu.Lock()
	defer m.mu.Unlock()

	first := m.findFreeRun(pages)

	if first < 0 {
		return nil, newEtrError(ErrorOutOfMemory, "no contiguous run of %d pages available", pages)
	}

	region := &Region{
		phys:      m.base + uint64(first)*PageSize,
		buf:       make([]byte, pages*PageSize)[:size],
		firstPage: first,
		pages:     pages,
	}

	full := region.buf[:pages*PageSize]

	for i := 0; i < pages; i++ {
		m.used.Set(first+i, true)
		m.data[first+i] = full[i*PageSize : (i+1)*PageSize]
	}

	m.cursor = (first + pages + m.ScatterGap) % m.numPages

	logger.Tracef("allocated %d pages at 0x%x", pages, region.phys)

	return region, nil
}

// findFreeRun searches a free run starting at the cursor and wrapping once
func (m *SystemMemory) findFreeRun(pages int) int {
	if pages > m.numPages {
		return -1
	}

	for n := 0; n < m.numPages; n++ {
		start := (m.cursor + n) % m.numPages

		if start+pages > m.numPages {
			continue
		}

		free := true

		for i := 0; i < pages; i++ {
			if m.used.Get(start + i) {
				free = false
				break
			}
		}

		if free {
			return start
		}
	}

	return -1
}

// Free gives the pages of r back. Freeing nil or an already freed region is
// a no-op.
func (m *SystemMemory) Free(r *Region) {
	if r == nil || r.pages == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < r.pages; i++ {
		m.used.Set(r.firstPage+i, false)
		delete(m.data, r.firstPage+i)
	}

	logger.Tracef("freed %d pages at 0x%x", r.pages, r.phys)

	r.pages = 0
}

// FreePages returns the number of pages that are currently not allocated.
func (m *SystemMemory) FreePages() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := 0
	for i := 0; i < m.numPages; i++ {
		if !m.used.Get(i) {
			free++
		}
	}

	return free
}

func (m *SystemMemory) page(addr uint64) ([]byte, uint64, error) {
	if addr < m.base {
		return nil, 0, newEtrError(ErrorInvalidArgument, "bus error: address 0x%x below memory window", addr)
	}

	index := int((addr - m.base) >> PageShift)
	p, ok := m.data[index]

	if !ok {
		return nil, 0, newEtrError(ErrorInvalidArgument, "bus error: address 0x%x is not allocated", addr)
	}

	return p, (addr - m.base) & (PageSize - 1), nil
}

// ReadPhys copies len(p) bytes starting at the physical address addr.
func (m *SystemMemory) ReadPhys(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	done := 0
	for done < len(p) {
		page, inPage, err := m.page(addr + uint64(done))
		if err != nil {
			return err
		}

		done += copy(p[done:], page[inPage:])
	}

	return nil
}

// WritePhys copies p to the physical address addr.
func (m *SystemMemory) WritePhys(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	done := 0
	for done < len(p) {
		page, inPage, err := m.page(addr + uint64(done))
		if err != nil {
			return err
		}

		done += copy(page[inPage:], p[done:])
	}

	return nil
}
