// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lifecycle

import (
	"code.hybscloud.com/mqcore/pkg/buffermeta"
	"code.hybscloud.com/mqcore/pkg/mqid"
	"code.hybscloud.com/mqcore/pkg/registry"
)

// PoolResolver resolves a pool id to the bufferpool this process has
// mapped for it, the same contract block.Runtime uses to resolve pool
// ids against its attached pools.
type PoolResolver = buffermeta.PoolResolver

// Report summarizes one Reclaim pass.
type Report struct {
	Reclaimed       []registry.ReclaimedProcess
	OrphanedBuffers []mqid.BufferID
	FreedBuffers    []mqid.BufferID
}

// Reclaim runs the full dead-process sweep: it asks reg to mark stale,
// OS-confirmed-dead process entries inactive and unregister their owned
// blocks (registry.ReclaimDeadProcesses), then — for each reclaimed
// process's slot — walks meta for any buffer metadata slot still
// crediting that slot as creator and drops one orphaned creator-held
// reference from each, trusting the queues it was transferred to hold
// their own refs. Any buffer whose refcount reaches zero as a result has
// its pool block and metadata slot released via resolve.
func Reclaim(reg *registry.Registry, meta *buffermeta.Table, resolve PoolResolver, livenessTimeoutNs, nowNs int64, alive func(pid int32) bool) Report {
	reclaimed := reg.ReclaimDeadProcesses(livenessTimeoutNs, nowNs, alive)

	var orphaned, freed []mqid.BufferID
	for _, rp := range reclaimed {
		for _, id := range meta.ScanCreator(int32(rp.Slot)) {
			orphaned = append(orphaned, id)
			n, err := meta.SubRef(id, 1)
			if err != nil {
				continue
			}
			if n != 0 {
				continue
			}
			idx, err := meta.FindSlot(id)
			if err != nil {
				continue
			}
			info, err := meta.Lookup(id)
			if err != nil {
				continue
			}
			pool, err := resolve(info.PoolID)
			if err != nil {
				continue
			}
			pool.FreeBlock(int(info.BlockIndex))
			meta.FreeSlot(idx)
			freed = append(freed, id)
		}
	}
	return Report{Reclaimed: reclaimed, OrphanedBuffers: orphaned, FreedBuffers: freed}
}
