// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bufferpool provides O(1) lock-free allocation and release of
// fixed-size blocks inside a named shared-memory segment, using an
// indirect free-list: pool entries are block indices into a
// shared-memory region rather than a process-heap slice, and the
// free-list itself lives inside the segment so every process mapping it
// observes the same list.
//
// A pool never blocks: allocate_block pops the free-list with CAS and
// returns mqerr.ErrPoolExhausted on an empty list rather than waiting.
package bufferpool

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/mqcore/internal"
	"code.hybscloud.com/mqcore/pkg/mqerr"
	"code.hybscloud.com/mqcore/pkg/shm"
)

// Magic and Version identify a bufferpool segment in its shm header.
const (
	Magic   uint64 = 0x4d51504f4f4c3031 // "MQPOOL01"
	Version uint32 = 1
)

// noneIndex marks an empty free-list link, the terminator for
// next_free[i].
const noneIndex uint32 = 0xFFFFFFFF

// poolHeaderSize reserves space for the packed free-list head plus
// block size/count before the next_free array begins. Rounded to the
// platform cache line so the next_free array starts on a line of its
// own; the head and size/count share the header's first line.
var poolHeaderSize = roundUp(16, internal.CacheLineSize)

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}

// Pool is a process-local mapping of a shared-memory block pool.
// Pool is not safe to copy; every method operates through the shared
// segment, not through process-local state.
type Pool struct {
	_ internal.NoCopy

	seg        *shm.Segment
	blockSize  int
	blockCount int

	freeHead *atomic.Uint64 // packed: low32 = index|noneIndex, high32 = ABA tag
	nextFree []uint32       // shared-memory-backed, length blockCount
	blocks   []byte         // shared-memory-backed, length blockCount*blockSize
}

func packHead(index, aba uint32) uint64 {
	return uint64(aba)<<32 | uint64(index)
}

func unpackHead(v uint64) (index, aba uint32) {
	return uint32(v), uint32(v >> 32)
}

// segmentSize computes the total shm.Segment size (including its
// {magic,version,size} header) needed to hold poolHeaderSize, a
// blockCount-entry next_free array, and blockCount blocks of blockSize
// bytes each.
func segmentSize(blockSize, blockCount int) int {
	return shm.HeaderSize + poolHeaderSize + blockCount*4 + blockCount*blockSize
}

// Create allocates and installs a new pool segment named segmentName
// with blockCount blocks of blockSize bytes each. The free-list is
// initialized as next_free[i] = i+1, terminated with noneIndex — the
// canonical terminator value, represented here as all-ones since
// indices are unsigned.
func Create(segmentName string, blockSize, blockCount int) (*Pool, error) {
	seg, err := shm.OpenOrCreate(segmentName, Magic, Version, segmentSize(blockSize, blockCount))
	if err != nil {
		return nil, err
	}
	p := newPool(seg, blockSize, blockCount)

	if seg.Fresh() {
		for i := 0; i < blockCount-1; i++ {
			p.nextFree[i] = uint32(i + 1)
		}
		p.nextFree[blockCount-1] = noneIndex
		p.freeHead.Store(packHead(0, 0))
	}
	return p, nil
}

// Open maps an existing pool segment created by Create. blockSize and
// blockCount must match the values Create was called with. The pool
// header holds a copy of them, but Open neither reads nor checks it;
// callers get blockSize/blockCount from the registry's Pool Entry.
func Open(segmentName string, blockSize, blockCount int) (*Pool, error) {
	seg, err := shm.OpenOrCreate(segmentName, Magic, Version, segmentSize(blockSize, blockCount))
	if err != nil {
		return nil, err
	}
	return newPool(seg, blockSize, blockCount), nil
}

func newPool(seg *shm.Segment, blockSize, blockCount int) *Pool {
	payload := seg.Payload()

	freeHeadPtr := (*atomic.Uint64)(unsafe.Pointer(&payload[0]))

	nextFreeBytes := payload[poolHeaderSize : poolHeaderSize+blockCount*4]
	nextFree := unsafe.Slice((*uint32)(unsafe.Pointer(&nextFreeBytes[0])), blockCount)

	blocksStart := poolHeaderSize + blockCount*4
	blocks := payload[blocksStart : blocksStart+blockCount*blockSize]

	binary.LittleEndian.PutUint32(payload[8:12], uint32(blockSize))
	binary.LittleEndian.PutUint32(payload[12:16], uint32(blockCount))

	return &Pool{
		seg:        seg,
		blockSize:  blockSize,
		blockCount: blockCount,
		freeHead:   freeHeadPtr,
		nextFree:   nextFree,
		blocks:     blocks,
	}
}

// BlockSize returns the fixed size of every block in the pool.
func (p *Pool) BlockSize() int { return p.blockSize }

// BlockCount returns the total number of blocks in the pool.
func (p *Pool) BlockCount() int { return p.blockCount }

// AllocateBlock pops a free block index from the lock-free free-list.
// Returns mqerr.ErrPoolExhausted if the list is empty; AllocateBlock
// never blocks: an exhausted pool is a caller-visible error, not a wait.
func (p *Pool) AllocateBlock() (int, error) {
	for {
		old := p.freeHead.Load()
		index, aba := unpackHead(old)
		if index == noneIndex {
			return 0, mqerr.ErrPoolExhausted
		}
		next := atomic.LoadUint32(&p.nextFree[index])
		newHead := packHead(next, aba+1)
		if p.freeHead.CompareAndSwap(old, newHead) {
			return int(index), nil
		}
	}
}

// FreeBlock pushes blockIndex back onto the free-list. Double-free is
// not detected here (the free-list has no per-slot "in use" bit); the
// owning buffermeta.Table is the source of truth for whether a block is
// live, so callers must only free a block once its metadata slot's
// refcount has reached zero.
func (p *Pool) FreeBlock(blockIndex int) {
	idx := uint32(blockIndex)
	for {
		old := p.freeHead.Load()
		head, aba := unpackHead(old)
		atomic.StoreUint32(&p.nextFree[idx], head)
		newHead := packHead(idx, aba+1)
		if p.freeHead.CompareAndSwap(old, newHead) {
			return
		}
	}
}

// BlockOffset returns blockIndex's byte offset relative to the pool
// segment's payload base — the value stored in BufferMetadata entries
// and resolved locally by each process's own mapping; only byte-offsets
// are ever exposed outside a process, never raw pointers.
func (p *Pool) BlockOffset(blockIndex int) int {
	blocksStart := poolHeaderSize + p.blockCount*4
	return blocksStart + blockIndex*p.blockSize
}

// Block returns the process-local byte slice backing blockIndex.
func (p *Pool) Block(blockIndex int) []byte {
	start := blockIndex * p.blockSize
	return p.blocks[start : start+p.blockSize]
}

// FreeCount walks the free-list and counts its entries. O(n); intended
// for tests and the inspector CLI, not the hot path.
func (p *Pool) FreeCount() int {
	n := 0
	index, _ := unpackHead(p.freeHead.Load())
	seen := make(map[uint32]bool, p.blockCount)
	for index != noneIndex {
		if seen[index] {
			break // corrupt free-list; avoid an infinite loop
		}
		seen[index] = true
		n++
		index = atomic.LoadUint32(&p.nextFree[index])
	}
	return n
}

// Close unmaps the pool's backing segment.
func (p *Pool) Close() error {
	return p.seg.Close()
}
