// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import (
	"code.hybscloud.com/mqcore/pkg/mqerr"
)

// RegisterProcess reserves a process table slot for pid, tagging it with
// role and a human name (truncated to 63 bytes). Fails with
// mqerr.ErrNoProcessSlot if the table is full.
func (r *Registry) RegisterProcess(pid int32, role Role, name string, nowNs int64) (ProcessSlot, error) {
	r.processMu.Lock()
	defer r.processMu.Unlock()

	idx, ok := popFree32(r.processFreeHead, r.processes, func(e *processEntry) *int32 { return &e.nextFree })
	if !ok {
		return -1, mqerr.ErrNoProcessSlot
	}
	e := &r.processes[idx]
	*e = processEntry{}
	e.pid = pid
	e.role = role
	e.liveness = 1
	e.inUse = 1
	e.name.set(name)
	e.lastHeartbeatNs = nowNs
	e.startNs = nowNs
	return ProcessSlot(idx), nil
}

// UnregisterProcess releases slot back to the free-list. Idempotent: a
// slot that is already free is a no-op.
func (r *Registry) UnregisterProcess(slot ProcessSlot) {
	r.processMu.Lock()
	defer r.processMu.Unlock()
	r.unregisterProcessLocked(slot)
}

func (r *Registry) unregisterProcessLocked(slot ProcessSlot) {
	if slot < 0 || int(slot) >= len(r.processes) {
		return
	}
	e := &r.processes[slot]
	if e.inUse == 0 {
		return
	}
	*e = processEntry{}
	pushFree32(r.processFreeHead, r.processes, func(e *processEntry) *int32 { return &e.nextFree }, int32(slot))
}

// UpdateHeartbeat stamps slot's last-heartbeat timestamp. Called roughly
// once per second by lifecycle.Heartbeat.
func (r *Registry) UpdateHeartbeat(slot ProcessSlot, nowNs int64) error {
	r.processMu.Lock()
	defer r.processMu.Unlock()
	if slot < 0 || int(slot) >= len(r.processes) || r.processes[slot].inUse == 0 {
		return mqerr.ErrUnknownBlock
	}
	r.processes[slot].lastHeartbeatNs = nowNs
	return nil
}

// addOwnedBlock records blockID as owned by slot. Called by RegisterBlock.
func (r *Registry) addOwnedBlock(slot ProcessSlot, blockID uint64) error {
	r.processMu.Lock()
	defer r.processMu.Unlock()
	e := &r.processes[slot]
	if e.inUse == 0 {
		return mqerr.ErrUnknownBlock
	}
	if e.ownedCount >= MaxOwnedBlocks {
		return mqerr.ErrNoBlockSlot
	}
	e.ownedBlocks[e.ownedCount] = uint32(blockID)
	e.ownedCount++
	return nil
}

// ProcessInfo returns a snapshot of slot's row.
func (r *Registry) ProcessInfo(slot ProcessSlot) (ProcessInfo, error) {
	r.processMu.Lock()
	defer r.processMu.Unlock()
	if slot < 0 || int(slot) >= len(r.processes) || r.processes[slot].inUse == 0 {
		return ProcessInfo{}, mqerr.ErrUnknownBlock
	}
	e := &r.processes[slot]
	owned := make([]uint64, e.ownedCount)
	for i := range owned {
		owned[i] = uint64(e.ownedBlocks[i])
	}
	return ProcessInfo{
		Slot:            slot,
		Pid:             e.pid,
		Role:            e.role,
		Name:            e.name.String(),
		Liveness:        e.liveness == 1,
		LastHeartbeatNs: e.lastHeartbeatNs,
		StartNs:         e.startNs,
		OwnedBlocks:     owned,
	}, nil
}

// ListProcesses returns a snapshot of every in-use process slot, used by
// the inspector CLI.
func (r *Registry) ListProcesses() []ProcessInfo {
	r.processMu.Lock()
	defer r.processMu.Unlock()
	var out []ProcessInfo
	for i := range r.processes {
		e := &r.processes[i]
		if e.inUse == 0 {
			continue
		}
		owned := make([]uint64, e.ownedCount)
		for j := range owned {
			owned[j] = uint64(e.ownedBlocks[j])
		}
		out = append(out, ProcessInfo{
			Slot:            ProcessSlot(i),
			Pid:             e.pid,
			Role:            e.role,
			Name:            e.name.String(),
			Liveness:        e.liveness == 1,
			LastHeartbeatNs: e.lastHeartbeatNs,
			StartNs:         e.startNs,
			OwnedBlocks:     owned,
		})
	}
	return out
}

// ReclaimedProcess describes a process the reclaim pass found dead.
type ReclaimedProcess struct {
	Slot        ProcessSlot
	Pid         int32
	OwnedBlocks []uint64
}

// ReclaimDeadProcesses scans the process table for entries whose
// heartbeat is older than livenessTimeoutNs and whose OS pid alive
// reports dead, marks them inactive, and unregisters every block they
// own (cascading into that block's ports — the registry only clears its
// own port table here, since it never holds open portqueue.Queue
// handles). Returns the reclaimed processes, OwnedBlocks included, so
// the caller can finish the cascade: decrementing the buffer-metadata
// creator-ref each reclaimed process held (lifecycle.Reclaim), and
// unregistering each owned block's live queue-consumer bindings
// (mqruntime.System.Reclaim).
func (r *Registry) ReclaimDeadProcesses(livenessTimeoutNs, nowNs int64, alive func(pid int32) bool) []ReclaimedProcess {
	r.processMu.Lock()
	var candidates []ProcessSlot
	for i := range r.processes {
		e := &r.processes[i]
		if e.inUse == 0 || e.liveness == 0 {
			continue
		}
		if nowNs-e.lastHeartbeatNs <= livenessTimeoutNs {
			continue
		}
		candidates = append(candidates, ProcessSlot(i))
	}
	r.processMu.Unlock()

	var reclaimed []ReclaimedProcess
	for _, slot := range candidates {
		r.processMu.Lock()
		e := &r.processes[slot]
		if e.inUse == 0 || e.liveness == 0 {
			r.processMu.Unlock()
			continue
		}
		if alive(e.pid) {
			r.processMu.Unlock()
			continue
		}
		owned := make([]uint64, e.ownedCount)
		for i := range owned {
			owned[i] = uint64(e.ownedBlocks[i])
		}
		pid := e.pid
		e.liveness = 0
		r.processMu.Unlock()

		for _, blockID := range owned {
			r.UnregisterBlockByID(blockID)
		}

		reclaimed = append(reclaimed, ReclaimedProcess{Slot: slot, Pid: pid, OwnedBlocks: owned})
	}
	return reclaimed
}
