// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import (
	"sync"
	"unsafe"

	"code.hybscloud.com/mqcore/pkg/shm"
)

// Magic and Version identify a registry segment in its shm header.
const (
	Magic   uint64 = 0x4d51475245473031 // "MQGREG01"
	Version uint32 = 1
)

// Registry is a process-local mapping of the Global Registry segment.
// Every table is a fixed-capacity array living inside the segment;
// allocation is guarded by a dedicated mutex per table.
type Registry struct {
	seg *shm.Segment

	processMu sync.Mutex
	blockMu   sync.Mutex
	connMu    sync.Mutex
	poolMu    sync.Mutex

	processes   []processEntry
	blocks      []blockEntry
	connections []connectionEntry
	pools       []poolEntry

	processFreeHead *int32
	blockFreeHead   *int32
	connFreeHead    *int32
	poolFreeHead    *int32
}

func alignUp(offset int, align uintptr) int {
	a := int(align)
	return (offset + a - 1) / a * a
}

type layout struct {
	processesOff, blocksOff, connectionsOff, poolsOff int
	headsOff                                          int
	total                                             int
}

func computeLayout() layout {
	var l layout
	// Four int32 free-list heads up front, 8-byte aligned for symmetry
	// with the cache-line-sensitive segments elsewhere in the module.
	l.headsOff = 0
	off := 16

	off = alignUp(off, unsafe.Alignof(processEntry{}))
	l.processesOff = off
	off += MaxProcesses * int(unsafe.Sizeof(processEntry{}))

	off = alignUp(off, unsafe.Alignof(blockEntry{}))
	l.blocksOff = off
	off += MaxBlocks * int(unsafe.Sizeof(blockEntry{}))

	off = alignUp(off, unsafe.Alignof(connectionEntry{}))
	l.connectionsOff = off
	off += MaxConnections * int(unsafe.Sizeof(connectionEntry{}))

	off = alignUp(off, unsafe.Alignof(poolEntry{}))
	l.poolsOff = off
	off += MaxPools * int(unsafe.Sizeof(poolEntry{}))

	l.total = off
	return l
}

// OpenOrCreate opens or creates the registry segment named segmentName.
// On first creation every table's free-list is installed; on reopen the
// existing tables are mapped as-is.
func OpenOrCreate(segmentName string) (*Registry, error) {
	if err := shm.AssertLockFreeAtomics(); err != nil {
		return nil, err
	}

	l := computeLayout()
	seg, err := shm.OpenOrCreate(segmentName, Magic, Version, shm.HeaderSize+l.total)
	if err != nil {
		return nil, err
	}

	payload := seg.Payload()
	r := &Registry{
		seg:             seg,
		processFreeHead: (*int32)(unsafe.Pointer(&payload[0])),
		blockFreeHead:   (*int32)(unsafe.Pointer(&payload[4])),
		connFreeHead:    (*int32)(unsafe.Pointer(&payload[8])),
		poolFreeHead:    (*int32)(unsafe.Pointer(&payload[12])),
		processes:       unsafe.Slice((*processEntry)(unsafe.Pointer(&payload[l.processesOff])), MaxProcesses),
		blocks:          unsafe.Slice((*blockEntry)(unsafe.Pointer(&payload[l.blocksOff])), MaxBlocks),
		connections:     unsafe.Slice((*connectionEntry)(unsafe.Pointer(&payload[l.connectionsOff])), MaxConnections),
		pools:           unsafe.Slice((*poolEntry)(unsafe.Pointer(&payload[l.poolsOff])), MaxPools),
	}

	if seg.Fresh() {
		initFreeList32(r.processFreeHead, r.processes, func(e *processEntry) *int32 { return &e.nextFree })
		initFreeList32(r.blockFreeHead, r.blocks, func(e *blockEntry) *int32 { return &e.nextFree })
		initFreeList32(r.connFreeHead, r.connections, func(e *connectionEntry) *int32 { return &e.nextFree })
		initFreeList32(r.poolFreeHead, r.pools, func(e *poolEntry) *int32 { return &e.nextFree })
	}
	return r, nil
}

func initFreeList32[T any](head *int32, entries []T, nextFreeOf func(*T) *int32) {
	n := len(entries)
	for i := 0; i < n; i++ {
		next := int32(i + 1)
		if i == n-1 {
			next = -1
		}
		*nextFreeOf(&entries[i]) = next
	}
	*head = 0
}

// popFree32 pops the head of a table's free-list, or returns (-1, false)
// if the table is full. Must be called with the table's mutex held.
func popFree32[T any](head *int32, entries []T, nextFreeOf func(*T) *int32) (int32, bool) {
	idx := *head
	if idx < 0 {
		return -1, false
	}
	*head = *nextFreeOf(&entries[idx])
	return idx, true
}

// pushFree32 pushes slot back onto a table's free-list. Must be called
// with the table's mutex held.
func pushFree32[T any](head *int32, entries []T, nextFreeOf func(*T) *int32, slot int32) {
	*nextFreeOf(&entries[slot]) = *head
	*head = slot
}

// Close unmaps the registry's backing segment.
func (r *Registry) Close() error {
	return r.seg.Close()
}
