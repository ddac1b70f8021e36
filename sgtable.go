// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"fmt"
)

// EncodeSgEntry builds a descriptor entry: the page frame number of phys in
// bits [31:4] and the entry type in bits [3:0].
func EncodeSgEntry(phys uint64, entryType SgEntryType) uint32 {
	return uint32((phys>>PageShift)<<4) | uint32(entryType)
}

// DecodeSgEntry splits a descriptor entry into its physical address and type.
func DecodeSgEntry(entry uint32) (uint64, SgEntryType) {
	return uint64(entry>>4) << PageShift, SgEntryType(entry & sgEntryTypeMask)
}

// sgTableCount returns the number of table pages needed to describe blocks
// data blocks; every page but the last one spends its final slot on the
// link to the next page.
func sgTableCount(blocks int) int {
	if blocks <= sgEntriesPerPage {
		return 1
	}
	return divRoundUp(blocks-1, sgEntriesPerPage-1)
}

// sgTable is the arena of a scatter-gather buffer. blocks are kept in
// logical order, tables in chain order; the in-band descriptors written to
// the table pages only mirror these slices.
type sgTable struct {
	mem       Allocator
	blockSize int
	tables    []*Region
	blocks    []*Region
}

func newSgTable(mem Allocator, size int, blockSize int) (*sgTable, error) {
	if blockSize <= 0 || blockSize%PageSize != 0 {
		return nil, newEtrError(ErrorInvalidArgument, "sg block size %d is not a multiple of the page size", blockSize)
	}

	if size <= 0 {
		return nil, newEtrError(ErrorInvalidArgument, "invalid sg buffer size %d", size)
	}

	numBlocks := divRoundUp(size, blockSize)

	t := &sgTable{
		mem:       mem,
		blockSize: blockSize,
		blocks:    make([]*Region, 0, numBlocks),
	}

	for i := 0; i < numBlocks; i++ {
		block, err := mem.AllocCoherent(blockSize)

		if err != nil {
			t.release()
			return nil, newEtrError(ErrorOutOfMemory, "could not allocate sg block %d of %d: %v", i, numBlocks, err)
		}

		t.blocks = append(t.blocks, block)
	}

	numTables := sgTableCount(numBlocks)

	for i := 0; i < numTables; i++ {
		table, err := mem.AllocCoherent(PageSize)

		if err != nil {
			t.release()
			return nil, newEtrError(ErrorOutOfMemory, "could not allocate sg table page %d of %d: %v", i, numTables, err)
		}

		t.tables = append(t.tables, table)
	}

	t.writeEntries()

	logger.Debugf("sg table with %d blocks of %d bytes in %d table pages at 0x%x",
		numBlocks, blockSize, numTables, t.baseAddr())

	return t, nil
}

func (t *sgTable) writeEntries() {
	block := 0

	for ti, table := range t.tables {
		page := table.Bytes()
		lastTable := ti == len(t.tables)-1

		for i := range page {
			page[i] = 0
		}

		for slot := 0; slot < sgEntriesPerPage && block < len(t.blocks); slot++ {
			if !lastTable && slot == sgEntriesPerPage-1 {
				PutWordLE(page[slot*sgEntrySize:], EncodeSgEntry(t.tables[ti+1].PhysAddr(), SgEntryNextTable))
				break
			}

			entryType := SgEntryData
			if block == len(t.blocks)-1 {
				entryType = SgEntryLast
			}

			PutWordLE(page[slot*sgEntrySize:], EncodeSgEntry(t.blocks[block].PhysAddr(), entryType))
			block++
		}
	}
}

func (t *sgTable) baseAddr() uint64 {
	if len(t.tables) == 0 {
		return 0
	}
	return t.tables[0].PhysAddr()
}

func (t *sgTable) size() int {
	return len(t.blocks) * t.blockSize
}

func (t *sgTable) clear() {
	for _, block := range t.blocks {
		b := block.Bytes()
		for i := range b {
			b[i] = 0
		}
	}
}

// offsetOf translates a hardware write pointer into a logical buffer offset
// by finding the block that holds it
func (t *sgTable) offsetOf(addr uint64) (int, error) {
	for i, block := range t.blocks {
		start := block.PhysAddr()

		if addr >= start && addr < start+uint64(t.blockSize) {
			return i*t.blockSize + int(addr-start), nil
		}
	}

	// a pointer parked right behind the last written byte of a block
	for i, block := range t.blocks {
		if addr == block.PhysAddr()+uint64(t.blockSize) {
			return (i + 1) * t.blockSize, nil
		}
	}

	return 0, newEtrError(ErrorInvalidArgument, "write pointer 0x%x is outside of the sg buffer", addr)
}

// window returns the part of the block holding offset, at most length bytes
func (t *sgTable) window(offset int, length int) []byte {
	index := offset / t.blockSize
	inBlock := offset % t.blockSize
	n := minInt(length, t.blockSize-inBlock)

	return t.blocks[index].Bytes()[inBlock : inBlock+n]
}

func (t *sgTable) release() {
	for _, block := range t.blocks {
		t.mem.Free(block)
	}

	for _, table := range t.tables {
		t.mem.Free(table)
	}

	if len(t.blocks) > 0 || len(t.tables) > 0 {
		logger.Debugf("released %d sg blocks and %d table pages", len(t.blocks), len(t.tables))
	}

	t.blocks = nil
	t.tables = nil
}

// SgWalk is the result of following a descriptor chain the way the hardware
// does it.
type SgWalk struct {
	Tables      []uint64
	Blocks      []uint64
	LastEntries int
}

// WalkSgTable follows the descriptor chain starting at the table page base
// until the last entry. maxEntries bounds the walk so a corrupted chain
// cannot loop forever.
func WalkSgTable(mem PhysMemory, base uint64, maxEntries int) (*SgWalk, error) {
	walk := &SgWalk{Tables: []uint64{base}}
	table := base
	slot := 0
	word := make([]byte, sgEntrySize)

	for n := 0; n < maxEntries; n++ {
		if slot >= sgEntriesPerPage {
			return walk, fmt.Errorf("sg table at 0x%x has no link or last entry", table)
		}

		if err := mem.ReadPhys(table+uint64(slot*sgEntrySize), word); err != nil {
			return walk, err
		}

		addr, entryType := DecodeSgEntry(WordLE(word))

		switch entryType {
		case SgEntryData:
			walk.Blocks = append(walk.Blocks, addr)
			slot++

		case SgEntryLast:
			walk.Blocks = append(walk.Blocks, addr)
			walk.LastEntries++
			return walk, nil

		case SgEntryNextTable:
			walk.Tables = append(walk.Tables, addr)
			table = addr
			slot = 0

		default:
			return walk, fmt.Errorf("invalid sg entry 0x%08x at 0x%x", WordLE(word), table+uint64(slot*sgEntrySize))
		}
	}

	return walk, fmt.Errorf("sg chain at 0x%x exceeds %d entries", base, maxEntries)
}
