// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package lifecycle implements process heartbeating and the dead-process
// reclaim pass: stamping a process's registry entry with the current
// time at a steady cadence, and sweeping entries whose heartbeat has
// gone stale and whose OS pid is confirmed gone.
package lifecycle

import (
	"sync"
	"time"

	"code.hybscloud.com/mqcore/pkg/mqid"
	"code.hybscloud.com/mqcore/pkg/registry"
)

// DefaultInterval is the default heartbeat cadence: about once a
// second.
const DefaultInterval = time.Second

// DefaultLivenessTimeout is the default staleness threshold before a
// process becomes a reclaim candidate ("default 5 s").
const DefaultLivenessTimeout = 5 * time.Second

// Heartbeat periodically stamps a process's registry entry with the
// current time so Reclaim elsewhere can tell it is still alive.
type Heartbeat struct {
	reg      *registry.Registry
	slot     registry.ProcessSlot
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewHeartbeat constructs a Heartbeat for slot on reg, ticking every
// interval (DefaultInterval if interval <= 0). Call Start to begin
// ticking and Stop to end it.
func NewHeartbeat(reg *registry.Registry, slot registry.ProcessSlot, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Heartbeat{
		reg:      reg,
		slot:     slot,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start stamps the process entry once immediately and then spawns the
// ticking goroutine.
func (h *Heartbeat) Start() {
	h.reg.UpdateHeartbeat(h.slot, mqid.NowNanos())
	go h.run()
}

func (h *Heartbeat) run() {
	defer close(h.done)
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-t.C:
			h.reg.UpdateHeartbeat(h.slot, mqid.NowNanos())
		}
	}
}

// Stop ends the ticking goroutine and waits for it to exit. Idempotent.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.done
}
