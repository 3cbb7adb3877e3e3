// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package buffermeta tracks every live buffer across processes: a fixed
// slot table keyed by buffer id, with a lock-free cross-process
// refcount per slot, plus the process-local Handle that resolves a
// buffer id to its payload bytes.
//
// Slots are cache-line padded (internal.CacheLineSize) so two
// neighboring buffers' refcounts never false-share a line.
package buffermeta

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/mqcore/internal"
	"code.hybscloud.com/mqcore/pkg/mqerr"
	"code.hybscloud.com/mqcore/pkg/mqid"
	"code.hybscloud.com/mqcore/pkg/shm"
)

// Magic and Version identify a buffermeta segment in its shm header.
const (
	Magic   uint64 = 0x4d51424d455441 // "MQBMETA" (7 bytes, top byte zero)
	Version uint32 = 1
)

// MaxBuffers bounds the metadata table.
const MaxBuffers = 4096

// slot is one cache-line-aligned row of the metadata table. refcount is
// the hot field every producer/consumer CASes; it is placed first, and
// the whole slot is padded to slotStride, so refcount shares its line
// only with this slot's own fields, never with a neighbouring slot.
type slot struct {
	refcount atomic.Uint32
	valid    uint32

	bufferID  uint64
	poolID    uint32
	blockIdx  uint32
	size      uint32
	_         uint32
	timestamp int64
	allocNs   int64
	creatorSlot int32
	nextFree    int32
}

// slotStride is the cache-line-rounded size reserved per slot, so
// adjacent slots never share a line.
var slotStride = roundUp(int(unsafe.Sizeof(slot{})), internal.CacheLineSize)

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}

// Table is a process-local mapping of the BufferMetadata segment.
type Table struct {
	_ internal.NoCopy

	seg *shm.Segment

	mu       sync.Mutex // guards freeHead and slot allocation/free only
	freeHead *int32
	base     unsafe.Pointer
	gen      *mqid.Generator

	indexMu sync.RWMutex
	index   map[uint64]int32 // process-local hash index, rebuilt on Open
}

func (t *Table) slotAt(i int32) *slot {
	return (*slot)(unsafe.Add(t.base, uintptr(i)*uintptr(slotStride)))
}

// OpenOrCreate opens or creates the metadata segment named segmentName
// for a process whose creator slot (used to stamp new buffer ids) is
// creatorSlot.
func OpenOrCreate(segmentName string, creatorSlot int) (*Table, error) {
	total := MaxBuffers * slotStride
	seg, err := shm.OpenOrCreate(segmentName, Magic, Version, shm.HeaderSize+total)
	if err != nil {
		return nil, err
	}
	payload := seg.Payload()
	t := &Table{
		seg:      seg,
		freeHead: (*int32)(unsafe.Pointer(&payload[0])),
		base:     unsafe.Pointer(&payload[roundUp(4, internal.CacheLineSize)]),
		gen:      mqid.NewGenerator(creatorSlot),
		index:    make(map[uint64]int32, MaxBuffers),
	}

	if seg.Fresh() {
		for i := 0; i < MaxBuffers; i++ {
			next := int32(i + 1)
			if i == MaxBuffers-1 {
				next = -1
			}
			t.slotAt(int32(i)).nextFree = next
		}
		*t.freeHead = 0
	} else {
		t.rebuildIndex()
	}
	return t, nil
}

func (t *Table) rebuildIndex() {
	t.indexMu.Lock()
	defer t.indexMu.Unlock()
	for i := 0; i < MaxBuffers; i++ {
		s := t.slotAt(int32(i))
		if atomic.LoadUint32(&s.valid) == 1 {
			t.index[s.bufferID] = int32(i)
		}
	}
}

// Close unmaps the metadata segment.
func (t *Table) Close() error {
	return t.seg.Close()
}

// AllocateSlot reserves a free slot and stamps it with a new buffer id.
// refcount starts at 0 and valid at false; the caller fills pool id,
// block index, size, and timestamp, then calls Publish to make the slot
// visible with refcount=1.
func (t *Table) AllocateSlot() (int32, mqid.BufferID, error) {
	t.mu.Lock()
	idx := *t.freeHead
	if idx < 0 {
		t.mu.Unlock()
		return -1, 0, mqerr.ErrNoBufferSlot
	}
	s := t.slotAt(idx)
	*t.freeHead = s.nextFree
	t.mu.Unlock()

	id := t.gen.NextBufferID()
	*s = slot{bufferID: uint64(id)}
	return idx, id, nil
}

// Publish fills in the remaining metadata fields and atomically makes
// the slot visible: refcount is set to 1, the producer's initial
// ownership, and then valid=true is release-stored.
func (t *Table) Publish(idx int32, poolID uint32, blockIdx uint32, size uint32, timestampNs, allocNs int64, creatorSlot int32) {
	s := t.slotAt(idx)
	s.poolID = poolID
	s.blockIdx = blockIdx
	s.size = size
	s.timestamp = timestampNs
	s.allocNs = allocNs
	s.creatorSlot = creatorSlot
	s.refcount.Store(1)
	atomic.StoreUint32(&s.valid, 1) // release: refcount write above is visible to any reader after this

	t.indexMu.Lock()
	t.index[s.bufferID] = idx
	t.indexMu.Unlock()
}

// FreeSlot pushes idx back onto the metadata free-list. Must only be
// called after refcount has reached 0 and the pool block has been
// released.
func (t *Table) FreeSlot(idx int32) {
	s := t.slotAt(idx)
	bufferID := s.bufferID

	t.indexMu.Lock()
	if t.index[bufferID] == idx {
		delete(t.index, bufferID)
	}
	t.indexMu.Unlock()

	atomic.StoreUint32(&s.valid, 0)

	t.mu.Lock()
	s.nextFree = *t.freeHead
	*t.freeHead = idx
	t.mu.Unlock()
}

// FindSlot resolves a buffer id to its slot index using the
// process-local hash index, for O(1) lookup on the common path. Falls
// back to ScanSlot if the index misses, which can legitimately happen
// right after a fresh Open before the index has observed a concurrent
// Publish.
func (t *Table) FindSlot(id mqid.BufferID) (int32, error) {
	t.indexMu.RLock()
	idx, ok := t.index[uint64(id)]
	t.indexMu.RUnlock()
	if ok {
		s := t.slotAt(idx)
		if atomic.LoadUint32(&s.valid) == 1 && s.bufferID == uint64(id) {
			return idx, nil
		}
	}
	return t.ScanSlot(id)
}

// ScanSlot is the baseline find_slot: a linear scan over every slot.
// FindSlot falls back to it when the hash index misses.
func (t *Table) ScanSlot(id mqid.BufferID) (int32, error) {
	for i := 0; i < MaxBuffers; i++ {
		s := t.slotAt(int32(i))
		if atomic.LoadUint32(&s.valid) == 1 && s.bufferID == uint64(id) {
			t.indexMu.Lock()
			t.index[s.bufferID] = int32(i)
			t.indexMu.Unlock()
			return int32(i), nil
		}
	}
	return -1, mqerr.ErrUnknownBuf
}

// AddRef increments id's refcount by 1. Used whenever a handle is
// cloned.
func (t *Table) AddRef(id mqid.BufferID) error {
	return t.AddRefN(id, 1)
}

// AddRefN increments id's refcount by n. Used when a buffer is pushed
// to a queue with n active consumers — it contributes n to the
// refcount, one per consumer cursor that has not yet passed it.
func (t *Table) AddRefN(id mqid.BufferID, n uint32) error {
	idx, err := t.FindSlot(id)
	if err != nil {
		return err
	}
	t.slotAt(idx).refcount.Add(n)
	return nil
}

// SubRef decrements id's refcount by n and returns the new count. The
// caller observing 0 is the unique releaser: it MUST release the pool
// block and free the metadata slot.
func (t *Table) SubRef(id mqid.BufferID, n uint32) (uint32, error) {
	idx, err := t.FindSlot(id)
	if err != nil {
		return 0, err
	}
	s := t.slotAt(idx)
	for {
		old := s.refcount.Load()
		newVal := old - n
		if s.refcount.CompareAndSwap(old, newVal) {
			return newVal, nil
		}
	}
}

// Info is a read-only snapshot of one buffer's metadata.
type Info struct {
	BufferID    mqid.BufferID
	PoolID      uint32
	BlockIndex  uint32
	Size        uint32
	Refcount    uint32
	Timestamp   int64
	AllocNs     int64
	CreatorSlot int32
}

// Lookup returns a snapshot of id's metadata.
func (t *Table) Lookup(id mqid.BufferID) (Info, error) {
	idx, err := t.FindSlot(id)
	if err != nil {
		return Info{}, err
	}
	s := t.slotAt(idx)
	return Info{
		BufferID:    mqid.BufferID(s.bufferID),
		PoolID:      s.poolID,
		BlockIndex:  s.blockIdx,
		Size:        s.size,
		Refcount:    s.refcount.Load(),
		Timestamp:   s.timestamp,
		AllocNs:     s.allocNs,
		CreatorSlot: s.creatorSlot,
	}, nil
}

// FreeCount walks the free-list and counts its entries. O(n); for tests
// and the inspector CLI only.
func (t *Table) FreeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	idx := *t.freeHead
	seen := make(map[int32]bool, MaxBuffers)
	for idx >= 0 {
		if seen[idx] {
			break
		}
		seen[idx] = true
		n++
		idx = t.slotAt(idx).nextFree
	}
	return n
}

// ScanCreator returns every valid buffer id whose creator slot matches
// creatorSlot — used by lifecycle.Reclaim to find the orphaned creator
// references of a dead process.
func (t *Table) ScanCreator(creatorSlot int32) []mqid.BufferID {
	var out []mqid.BufferID
	for i := 0; i < MaxBuffers; i++ {
		s := t.slotAt(int32(i))
		if atomic.LoadUint32(&s.valid) == 1 && s.creatorSlot == creatorSlot {
			out = append(out, mqid.BufferID(s.bufferID))
		}
	}
	return out
}
