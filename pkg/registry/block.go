// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import (
	"code.hybscloud.com/mqcore/pkg/mqerr"
	"code.hybscloud.com/mqcore/pkg/mqid"
)

// RegisterBlock reserves a block table slot owned by ownerSlot, with an
// initial port set. Fails with mqerr.ErrNoBlockSlot if the table is
// full, or mqerr.ErrDuplicatePort if ports contains a repeated name.
func (r *Registry) RegisterBlock(ownerSlot ProcessSlot, name string, kind BlockKind, ports []PortDescriptor, gen *mqid.Generator, nowNs int64) (mqid.BlockID, error) {
	if len(ports) > MaxPortsPerBlock {
		return 0, mqerr.ErrNoBlockSlot
	}
	for i := range ports {
		for j := i + 1; j < len(ports); j++ {
			if ports[i].Name == ports[j].Name {
				return 0, mqerr.ErrDuplicatePort
			}
		}
	}

	r.blockMu.Lock()
	idx, ok := popFree32(r.blockFreeHead, r.blocks, func(e *blockEntry) *int32 { return &e.nextFree })
	if !ok {
		r.blockMu.Unlock()
		return 0, mqerr.ErrNoBlockSlot
	}
	blockID := mqid.BlockID(gen.NextBufferID())

	e := &r.blocks[idx]
	*e = blockEntry{}
	e.blockID = uint64(blockID)
	e.ownerSlot = int32(ownerSlot)
	e.kind = kind
	e.active = 1
	e.inUse = 1
	e.name.set(name)
	e.lastWorkNs = nowNs
	for i, pd := range ports {
		pe := &e.ports[i]
		pe.name.set(pd.Name)
		pe.direction = pd.Direction
		pe.inUse = 1
		pe.queueOffset = -1
	}
	e.portCount = uint32(len(ports))
	r.blockMu.Unlock()

	if err := r.addOwnedBlock(ownerSlot, uint64(blockID)); err != nil {
		r.UnregisterBlock(BlockSlot(idx))
		return 0, err
	}
	return blockID, nil
}

// RegisterPort sets (or adds, if the block has capacity) blockID's port
// named name to direction with queueOffset — the byte offset of its
// bound port queue within its segment.
func (r *Registry) RegisterPort(blockID mqid.BlockID, name string, direction PortDirection, queueOffset int64) error {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()

	e := r.findBlockLocked(uint64(blockID))
	if e == nil {
		return mqerr.ErrUnknownBlock
	}
	for i := uint32(0); i < e.portCount; i++ {
		pe := &e.ports[i]
		if pe.inUse == 1 && pe.name.String() == name {
			if pe.direction != direction {
				return mqerr.ErrInvalidTransition
			}
			pe.queueOffset = queueOffset
			return nil
		}
	}
	if e.portCount >= MaxPortsPerBlock {
		return mqerr.ErrNoBlockSlot
	}
	pe := &e.ports[e.portCount]
	pe.name.set(name)
	pe.direction = direction
	pe.inUse = 1
	pe.queueOffset = queueOffset
	e.portCount++
	return nil
}

func (r *Registry) findBlockLocked(blockID uint64) *blockEntry {
	for i := range r.blocks {
		e := &r.blocks[i]
		if e.inUse == 1 && e.blockID == blockID {
			return e
		}
	}
	return nil
}

// UnregisterBlockByID looks up blockID and unregisters its slot. A
// missing block is a no-op: the cascading unregister a dead process
// triggers may reach a block that is already gone.
func (r *Registry) UnregisterBlockByID(blockID uint64) {
	r.blockMu.Lock()
	e := r.findBlockLocked(blockID)
	if e == nil {
		r.blockMu.Unlock()
		return
	}
	slot := BlockSlot(indexOfBlock(r.blocks, e))
	r.blockMu.Unlock()
	r.UnregisterBlock(slot)
}

func indexOfBlock(entries []blockEntry, e *blockEntry) int {
	for i := range entries {
		if &entries[i] == e {
			return i
		}
	}
	return -1
}

// UnregisterBlock releases slot back to the free-list. Idempotent.
func (r *Registry) UnregisterBlock(slot BlockSlot) {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()
	if slot < 0 || int(slot) >= len(r.blocks) {
		return
	}
	e := &r.blocks[slot]
	if e.inUse == 0 {
		return
	}
	*e = blockEntry{}
	pushFree32(r.blockFreeHead, r.blocks, func(e *blockEntry) *int32 { return &e.nextFree }, int32(slot))
}

// BlockPortQueueOffset returns the queue offset bound to blockID's named
// port, or mqerr.ErrUnknownPort if the block or port is not found or the
// port is unbound.
func (r *Registry) BlockPortQueueOffset(blockID mqid.BlockID, portName string) (int64, error) {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()
	e := r.findBlockLocked(uint64(blockID))
	if e == nil {
		return 0, mqerr.ErrUnknownPort
	}
	for i := uint32(0); i < e.portCount; i++ {
		pe := &e.ports[i]
		if pe.inUse == 1 && pe.name.String() == portName {
			if pe.queueOffset < 0 {
				return 0, mqerr.ErrUnknownPort
			}
			return pe.queueOffset, nil
		}
	}
	return 0, mqerr.ErrUnknownPort
}

// BlockInfo returns a snapshot of blockID's row.
func (r *Registry) BlockInfo(blockID mqid.BlockID) (BlockInfo, error) {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()
	e := r.findBlockLocked(uint64(blockID))
	if e == nil {
		return BlockInfo{}, mqerr.ErrUnknownBlock
	}
	return BlockInfo{
		BlockID:    e.blockID,
		OwnerSlot:  ProcessSlot(e.ownerSlot),
		Kind:       e.kind,
		Active:     e.active == 1,
		Name:       e.name.String(),
		LastWorkNs: e.lastWorkNs,
	}, nil
}

// ListBlocks returns a snapshot of every in-use block, for the
// inspector CLI.
func (r *Registry) ListBlocks() []BlockInfo {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()
	var out []BlockInfo
	for i := range r.blocks {
		e := &r.blocks[i]
		if e.inUse == 0 {
			continue
		}
		out = append(out, BlockInfo{
			Slot:       BlockSlot(i),
			BlockID:    e.blockID,
			OwnerSlot:  ProcessSlot(e.ownerSlot),
			Kind:       e.kind,
			Active:     e.active == 1,
			Name:       e.name.String(),
			LastWorkNs: e.lastWorkNs,
		})
	}
	return out
}

// TouchBlockWork stamps blockID's last-work timestamp and counters.
// The scheduler does not call it.
func (r *Registry) TouchBlockWork(blockID mqid.BlockID, nowNs int64, in, out uint64) {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()
	e := r.findBlockLocked(uint64(blockID))
	if e == nil {
		return
	}
	e.lastWorkNs = nowNs
	e.buffersIn += in
	e.buffersOut += out
}
