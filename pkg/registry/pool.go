// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import (
	"code.hybscloud.com/mqcore/pkg/mqerr"
)

// RegisterPool records a pool descriptor: the bufferpool.Pool named
// segmentName, its block size/count, and a human name — so other
// processes can discover and Open() it without already knowing its
// layout. Fails with mqerr.ErrNoPoolSlot if the table is full, or
// mqerr.ErrAlreadyRegistered if name is already registered.
func (r *Registry) RegisterPool(poolID uint32, name, segmentName string, blockSize, blockCount uint32) (PoolSlot, error) {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()

	for i := range r.pools {
		if r.pools[i].inUse == 1 && r.pools[i].name.String() == name {
			return -1, mqerr.ErrAlreadyRegistered
		}
	}

	idx, ok := popFree32(r.poolFreeHead, r.pools, func(e *poolEntry) *int32 { return &e.nextFree })
	if !ok {
		return -1, mqerr.ErrNoPoolSlot
	}
	e := &r.pools[idx]
	*e = poolEntry{}
	e.poolID = poolID
	e.name.set(name)
	e.segmentName.set(segmentName)
	e.blockSize = blockSize
	e.blockCount = blockCount
	e.inUse = 1
	return PoolSlot(idx), nil
}

// LookupPool finds a pool descriptor by its registered name.
func (r *Registry) LookupPool(name string) (PoolInfo, error) {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()
	for i := range r.pools {
		e := &r.pools[i]
		if e.inUse == 1 && e.name.String() == name {
			return PoolInfo{
				Slot:        PoolSlot(i),
				PoolID:      e.poolID,
				Name:        e.name.String(),
				SegmentName: e.segmentName.String(),
				BlockSize:   e.blockSize,
				BlockCount:  e.blockCount,
			}, nil
		}
	}
	return PoolInfo{}, mqerr.ErrUnknownPool
}

// ListPools returns a snapshot of every registered pool descriptor, used
// by the inspector CLI.
func (r *Registry) ListPools() []PoolInfo {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()
	var out []PoolInfo
	for i := range r.pools {
		e := &r.pools[i]
		if e.inUse == 0 {
			continue
		}
		out = append(out, PoolInfo{
			Slot:        PoolSlot(i),
			PoolID:      e.poolID,
			Name:        e.name.String(),
			SegmentName: e.segmentName.String(),
			BlockSize:   e.blockSize,
			BlockCount:  e.blockCount,
		})
	}
	return out
}

// UnregisterPool releases a pool descriptor slot — the dedicated
// teardown path a pool's owner runs once no process is using it;
// callers are responsible
// for confirming no process still holds the pool open.
func (r *Registry) UnregisterPool(name string) {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()
	for i := range r.pools {
		e := &r.pools[i]
		if e.inUse == 1 && e.name.String() == name {
			*e = poolEntry{}
			pushFree32(r.poolFreeHead, r.pools, func(e *poolEntry) *int32 { return &e.nextFree }, int32(i))
			return
		}
	}
}
