// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package scheduler drives a fixed pool of worker goroutines polling a
// set of blocks' Work methods, backing off with iox.Backoff and timer
// sleeps according to the block.Result each call returns.
package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"

	"code.hybscloud.com/mqcore/pkg/block"
)

const (
	insufficientInputBackoff = time.Millisecond
	outputFullBackoff        = 10 * time.Millisecond
)

// entry pairs a scheduled block with its CAS-guarded in-work flag: two
// workers must never call Work on the same block concurrently.
type entry struct {
	name    string
	b       block.Block
	inWork  atomic.Bool
	removed atomic.Bool
}

// Scheduler is a round-robin worker pool: any number of workers poll a
// shared set of blocks, each calling Work at most once at a time per
// block. One Scheduler runs per process; there is no cross-process
// scheduling coordination.
type Scheduler struct {
	log *slog.Logger

	mu      sync.Mutex
	entries []*entry
	next    int // round-robin cursor, guarded by mu

	running atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// New constructs an idle Scheduler. log may be nil, in which case
// slog.Default() is used.
func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log}
}

// Add registers b under name for scheduling. Safe to call before or
// after Start; a block added while workers are running becomes
// eligible on their next pass.
func (s *Scheduler) Add(name string, b block.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{name: name, b: b})
}

// Start spawns n worker goroutines, each independently round-robining
// over the registered blocks. n is clamped to at least 1.
func (s *Scheduler) Start(n int) {
	if n < 1 {
		n = 1
	}
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(n)
	for i := 0; i < n; i++ {
		go s.workerLoop()
	}
}

// Stop sets running to false and joins every worker. Safe to call more
// than once.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
}

// pickNext picks the next live entry round-robin, advancing the shared
// cursor. Returns nil if nothing is scheduled.
func (s *Scheduler) pickNext() *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := (s.next + i) % n
		e := s.entries[idx]
		if e.removed.Load() {
			continue
		}
		s.next = (idx + 1) % n
		return e
	}
	return nil
}

func (s *Scheduler) removeEntry(e *entry) {
	e.removed.Store(true)
}

func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	var aw iox.Backoff

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		e := s.pickNext()
		if e == nil {
			aw.Wait()
			continue
		}
		if !e.inWork.CompareAndSwap(false, true) {
			// Another worker already owns this block this round; move on.
			continue
		}

		result := e.b.Work()
		e.inWork.Store(false)

		switch result {
		case block.Ok:
			aw.Reset()
		case block.InsufficientInput:
			sleep(s.stopCh, insufficientInputBackoff)
		case block.OutputFull:
			sleep(s.stopCh, outputFullBackoff)
		case block.Done:
			s.removeEntry(e)
			s.log.Info("block finished", "block", e.name)
		case block.Error:
			s.removeEntry(e)
			s.log.Error("block reported a fatal error", "block", e.name)
		}
	}
}

// sleep waits for d or until stopCh closes, whichever comes first, so
// Stop doesn't have to wait out a pending backoff.
func sleep(stopCh <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stopCh:
	}
}
