// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mqruntime is the process-level facade that wires registry,
// bufferpool, buffermeta, portqueue, block, scheduler, and lifecycle
// into one running system: it is the orchestration layer none of those
// packages owns individually, analogous to how a server's main package
// wires its transport, storage, and worker packages together without
// being a package any of them depends on.
//
// A System holds the shared structures every simulated process in a
// scenario maps: one registry, one metadata table, and the pools
// processes publish into. portqueue.Queue and registry.Registry are
// process-local Go types (see their package docs), so "multiple
// processes" here are goroutines sharing these same instances rather
// than separate OS processes each calling OpenOrCreate — the single
// realistic substitute available without a pshared-mutex library, and
// documented as such at every layer that takes on this limitation.
package mqruntime

import (
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/mqcore/pkg/block"
	"code.hybscloud.com/mqcore/pkg/bufferpool"
	"code.hybscloud.com/mqcore/pkg/buffermeta"
	"code.hybscloud.com/mqcore/pkg/lifecycle"
	"code.hybscloud.com/mqcore/pkg/mqerr"
	"code.hybscloud.com/mqcore/pkg/mqid"
	"code.hybscloud.com/mqcore/pkg/portqueue"
	"code.hybscloud.com/mqcore/pkg/registry"
	"code.hybscloud.com/mqcore/pkg/shm"
)

// PoolSpec describes one buffer pool a System should create and
// register, mirroring a registry.PoolInfo row before it exists.
type PoolSpec struct {
	ID         uint32
	Name       string
	SegmentName string
	BlockSize  int
	BlockCount int
}

// Config names the shared-memory segments and pools a System opens.
type Config struct {
	RegistrySegment   string
	MetaSegment       string
	Pools             []PoolSpec
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
}

// System is the shared substrate every Process in one scenario maps:
// one registry, one metadata table, and every configured pool.
type System struct {
	cfg   Config
	gen   *mqid.Generator
	Registry *registry.Registry
	Meta     *buffermeta.Table
	Pools    map[uint32]*bufferpool.Pool

	runtimesMu sync.Mutex
	runtimes   map[mqid.BlockID]*block.Runtime
}

// Open creates or maps every segment cfg names and registers each pool
// in the registry so processes that only know a pool's name can
// discover its layout.
func Open(cfg Config) (*System, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 1 * time.Second
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 5 * time.Second
	}

	reg, err := registry.OpenOrCreate(cfg.RegistrySegment)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	meta, err := buffermeta.OpenOrCreate(cfg.MetaSegment, 0)
	if err != nil {
		return nil, fmt.Errorf("open metadata table: %w", err)
	}

	sys := &System{
		cfg:      cfg,
		gen:      mqid.NewGenerator(0),
		Registry: reg,
		Meta:     meta,
		Pools:    make(map[uint32]*bufferpool.Pool, len(cfg.Pools)),
		runtimes: make(map[mqid.BlockID]*block.Runtime),
	}

	for _, ps := range cfg.Pools {
		pool, err := bufferpool.Create(ps.SegmentName, ps.BlockSize, ps.BlockCount)
		if err != nil {
			return nil, fmt.Errorf("open pool %q: %w", ps.Name, err)
		}
		if _, err := reg.RegisterPool(ps.ID, ps.Name, ps.SegmentName, uint32(ps.BlockSize), uint32(ps.BlockCount)); err != nil {
			return nil, fmt.Errorf("register pool %q: %w", ps.Name, err)
		}
		sys.Pools[ps.ID] = pool
	}
	return sys, nil
}

// Close unmaps every segment the System opened: the pool segments
// first, then the metadata table, then the registry.
func (sys *System) Close() {
	for _, pool := range sys.Pools {
		pool.Close()
	}
	sys.Meta.Close()
	sys.Registry.Close()
}

// NewQueue creates a broadcast port queue of the given capacity backed
// by this System's metadata table.
func (sys *System) NewQueue(capacity int) *portqueue.Queue {
	return portqueue.New(capacity, sys.Meta)
}

// registerRuntime records rt under blockID so a later Reclaim can find
// its live queue/consumer bindings — the registry only ever stores an
// abstract queue offset per port, never the *portqueue.Queue itself.
func (sys *System) registerRuntime(blockID mqid.BlockID, rt *block.Runtime) {
	sys.runtimesMu.Lock()
	defer sys.runtimesMu.Unlock()
	sys.runtimes[blockID] = rt
}

// resolvePool implements buffermeta.PoolResolver against this System's
// attached pools, for lifecycle.Reclaim's orphaned-buffer release.
func (sys *System) resolvePool(poolID uint32) (*bufferpool.Pool, error) {
	pool, ok := sys.Pools[poolID]
	if !ok {
		return nil, mqerr.ErrUnknownPool
	}
	return pool, nil
}

// Reclaim runs the full dead-process sweep (lifecycle.Reclaim) and then
// finishes the cascade it cannot do on its own: for every block owned by
// a reclaimed process, it unregisters that block's consumer slot on
// every input queue it was bound to, releasing the pending refs those
// slots were still holding. Without this step a crashed consumer's queue
// slot stays active forever, leaking every buffer published to it after
// the crash.
func (sys *System) Reclaim(livenessTimeoutNs, nowNs int64, alive func(pid int32) bool) lifecycle.Report {
	report := lifecycle.Reclaim(sys.Registry, sys.Meta, sys.resolvePool, livenessTimeoutNs, nowNs, alive)

	sys.runtimesMu.Lock()
	defer sys.runtimesMu.Unlock()
	for _, rp := range report.Reclaimed {
		for _, blockID := range rp.OwnedBlocks {
			id := mqid.BlockID(blockID)
			rt, ok := sys.runtimes[id]
			if !ok {
				continue
			}
			rt.UnbindAllInputs()
			delete(sys.runtimes, id)
		}
	}
	return report
}

// Remove deletes every shm segment a Config names, for test teardown.
func Remove(cfg Config) {
	shm.Remove(cfg.RegistrySegment)
	shm.Remove(cfg.MetaSegment)
	for _, ps := range cfg.Pools {
		shm.Remove(ps.SegmentName)
	}
}
