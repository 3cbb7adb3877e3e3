// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mqruntime

import (
	"log/slog"

	"code.hybscloud.com/mqcore/pkg/block"
	"code.hybscloud.com/mqcore/pkg/lifecycle"
	"code.hybscloud.com/mqcore/pkg/mqid"
	"code.hybscloud.com/mqcore/pkg/portqueue"
	"code.hybscloud.com/mqcore/pkg/registry"
	"code.hybscloud.com/mqcore/pkg/scheduler"
)

// Process is one simulated process: a registry.ProcessSlot, a block
// scheduler, and a heartbeat, all hosted by goroutines that share the
// parent System's registry/metadata/pools.
type Process struct {
	sys  *System
	Slot registry.ProcessSlot

	Scheduler *scheduler.Scheduler
	heartbeat *lifecycle.Heartbeat
}

// Spawn registers a new process entry under role/name and returns a
// Process ready to host blocks. pid is a caller-chosen identifier —
// scenarios that exercise lifecycle.Reclaim pass a pid no real OS
// process holds so the liveness check reports it dead on demand.
func (sys *System) Spawn(pid int32, role registry.Role, name string) (*Process, error) {
	slot, err := sys.Registry.RegisterProcess(pid, role, name, mqid.NowNanos())
	if err != nil {
		return nil, err
	}
	p := &Process{
		sys:       sys,
		Slot:      slot,
		Scheduler: scheduler.New(slog.Default().With("process", name)),
	}
	p.heartbeat = lifecycle.NewHeartbeat(sys.Registry, slot, sys.cfg.HeartbeatInterval)
	return p, nil
}

// Start begins heartbeating and starts n scheduler workers.
func (p *Process) Start(workers int) {
	p.heartbeat.Start()
	p.Scheduler.Start(workers)
}

// Stop stops the scheduler and the heartbeat, then unregisters the
// process from the registry — a clean shutdown, as opposed to the
// crash scenarios lifecycle.Reclaim exists for.
func (p *Process) Stop() {
	p.Scheduler.Stop()
	p.heartbeat.Stop()
	p.sys.Registry.UnregisterProcess(p.Slot)
}

// AddBlock registers b in the registry under this process, builds its
// bound Runtime (every System pool attached), initializes and starts
// it, and schedules it. The Runtime is also recorded against blockID in
// the System so System.Reclaim can find its live input-port bindings if
// this process is later reclaimed as dead. Returns the Runtime so the
// caller can wire its ports via System.Connect.
func (p *Process) AddBlock(name string, kind registry.BlockKind, ports []registry.PortDescriptor, b block.Block) (*block.Runtime, mqid.BlockID, error) {
	blockID, err := p.sys.Registry.RegisterBlock(p.Slot, name, kind, ports, p.sys.gen, mqid.NowNanos())
	if err != nil {
		return nil, 0, err
	}

	rt := block.NewRuntime(blockID, p.sys.Meta, int32(p.Slot))
	for poolID, pool := range p.sys.Pools {
		rt.AttachPool(poolID, pool)
	}

	if err := b.Initialize(rt); err != nil {
		return nil, 0, err
	}
	if err := b.Start(); err != nil {
		return nil, 0, err
	}
	p.Scheduler.Add(name, b)
	p.sys.registerRuntime(blockID, rt)
	return rt, blockID, nil
}

// Connect wires srcPort on srcRT to dstPort on dstRT through q: the
// producer side binds q as an output, the consumer side registers as a
// new consumer of q, and the registry records the logical connection.
// Call it once per producer-consumer pair; a
// fan-out queue is wired by calling Connect repeatedly with the same q
// and srcRT but a different consumer each time, and a fan-in queue by
// calling it repeatedly with the same q and dstRT but a different
// producer each time.
func (sys *System) Connect(srcRT *block.Runtime, srcBlockID mqid.BlockID, srcPort string,
	dstRT *block.Runtime, dstBlockID mqid.BlockID, dstPort string, q *portqueue.Queue) (mqid.ConnectionID, error) {
	srcRT.BindOutput(srcPort, q)
	if err := dstRT.BindInput(dstPort, q); err != nil {
		return 0, err
	}
	return sys.Registry.AddConnection(srcBlockID, srcPort, dstBlockID, dstPort, sys.gen)
}
