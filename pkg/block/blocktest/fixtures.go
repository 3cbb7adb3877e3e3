// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package blocktest provides minimal block.Block fixtures used by the
// integration tests for the concrete runtime scenarios (one-to-one,
// fan-out, fan-in, backpressure, crash-reclaim, high-throughput): a
// source that emits a fixed number of fixed-size buffers, a sink that
// counts and records what it receives, and a relay that moves buffers
// from one input to one output unchanged. None of this is a shipped
// business block — it exists purely to give those scenarios runnable
// fixtures.
package blocktest

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/mqcore/pkg/block"
	"code.hybscloud.com/mqcore/pkg/buffermeta"
)

// NullSource produces Count buffers of BufSize bytes on its "out" port,
// each stamping the little-endian u32 loop index in its first 4 bytes.
// A buffer that AllocateOutput produced but ProduceOutput could not yet
// push (OutputFull) is held in pending and retried on the next Work
// call rather than discarded.
type NullSource struct {
	block.Base
	Count   int
	BufSize uint32

	rt      *block.Runtime
	next    atomic.Int32
	pending *buffermeta.Handle
}

func (s *NullSource) Initialize(rt *block.Runtime) error {
	s.rt = rt
	return nil
}

func (s *NullSource) Work() block.Result {
	n := s.next.Load()
	if int(n) >= s.Count {
		return block.Done
	}
	if s.pending == nil {
		h, err := s.rt.AllocateOutput(s.BufSize)
		if err != nil {
			return block.OutputFull
		}
		binary.LittleEndian.PutUint32(h.Bytes()[:4], uint32(n))
		s.pending = h
	}
	if err := s.rt.ProduceOutput("out", s.pending); err != nil {
		return block.OutputFull
	}
	s.pending = nil
	s.next.Add(1)
	return block.Ok
}

// Done reports whether the source has produced its full Count.
func (s *NullSource) Done() bool {
	return int(s.next.Load()) >= s.Count
}

// NullSink consumes every buffer on its "in" port, recording the
// 4-byte little-endian prefix of each. Safe for concurrent Received()
// reads while Work() runs on a scheduler goroutine.
type NullSink struct {
	block.Base

	rt *block.Runtime

	mu       sync.Mutex
	received []uint32
	done     bool
}

func (s *NullSink) Initialize(rt *block.Runtime) error {
	s.rt = rt
	return nil
}

func (s *NullSink) Work() block.Result {
	h, err := s.rt.GetInput("in", 0)
	if err != nil {
		if s.done {
			return block.Done
		}
		return block.InsufficientInput
	}
	prefix := binary.LittleEndian.Uint32(h.Bytes()[:4])
	s.rt.Release(h)

	s.mu.Lock()
	s.received = append(s.received, prefix)
	s.mu.Unlock()
	return block.Ok
}

// MarkUpstreamDone tells the sink its source finished, so once its
// input drains it reports Done instead of InsufficientInput forever.
func (s *NullSink) MarkUpstreamDone() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
}

// Received returns a snapshot of every prefix the sink has seen so far.
func (s *NullSink) Received() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.received))
	copy(out, s.received)
	return out
}

// Relay moves buffers unchanged from its "in" port to its "out" port,
// modelling a stage with identity processing. A buffer popped from
// "in" but not yet accepted by "out"
// is held in pending and retried, never dropped.
type Relay struct {
	block.Base
	rt      *block.Runtime
	pending *buffermeta.Handle
}

func (r *Relay) Initialize(rt *block.Runtime) error {
	r.rt = rt
	return nil
}

func (r *Relay) Work() block.Result {
	if r.pending == nil {
		h, err := r.rt.GetInput("in", 0)
		if err != nil {
			return block.InsufficientInput
		}
		r.pending = h
	}
	if err := r.rt.ProduceOutput("out", r.pending); err != nil {
		return block.OutputFull
	}
	r.pending = nil
	return block.Ok
}

// TaggedSource produces Count buffers on its "out" port, each stamping
// (ProducerID, seq) as two little-endian u32 fields — the fan-in
// fixture used by the three-producers-into-one-queue scenario.
type TaggedSource struct {
	block.Base
	ProducerID uint32
	Count      int
	BufSize    uint32

	rt      *block.Runtime
	next    atomic.Int32
	pending *buffermeta.Handle
}

func (s *TaggedSource) Initialize(rt *block.Runtime) error {
	s.rt = rt
	return nil
}

func (s *TaggedSource) Work() block.Result {
	n := s.next.Load()
	if int(n) >= s.Count {
		return block.Done
	}
	if s.pending == nil {
		h, err := s.rt.AllocateOutput(s.BufSize)
		if err != nil {
			return block.OutputFull
		}
		binary.LittleEndian.PutUint32(h.Bytes()[0:4], s.ProducerID)
		binary.LittleEndian.PutUint32(h.Bytes()[4:8], uint32(n))
		s.pending = h
	}
	if err := s.rt.ProduceOutput("out", s.pending); err != nil {
		return block.OutputFull
	}
	s.pending = nil
	s.next.Add(1)
	return block.Ok
}

// Done reports whether the source has produced its full Count.
func (s *TaggedSource) Done() bool {
	return int(s.next.Load()) >= s.Count
}

// TaggedSink consumes every buffer on its "in" port, grouping the
// sequence numbers it observes by producer id.
type TaggedSink struct {
	block.Base
	rt *block.Runtime

	mu       sync.Mutex
	byProducer map[uint32][]uint32
	total      int
}

func (s *TaggedSink) Initialize(rt *block.Runtime) error {
	s.rt = rt
	s.byProducer = make(map[uint32][]uint32)
	return nil
}

func (s *TaggedSink) Work() block.Result {
	h, err := s.rt.GetInput("in", 0)
	if err != nil {
		return block.InsufficientInput
	}
	producerID := binary.LittleEndian.Uint32(h.Bytes()[0:4])
	seq := binary.LittleEndian.Uint32(h.Bytes()[4:8])
	s.rt.Release(h)

	s.mu.Lock()
	s.byProducer[producerID] = append(s.byProducer[producerID], seq)
	s.total++
	s.mu.Unlock()
	return block.Ok
}

// Total returns the number of buffers received so far.
func (s *TaggedSink) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Sequences returns a snapshot of the sequence numbers seen from
// producerID, in arrival order.
func (s *TaggedSink) Sequences(producerID uint32) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.byProducer[producerID]))
	copy(out, s.byProducer[producerID])
	return out
}
