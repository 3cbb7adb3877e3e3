// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mqid provides the entity id encodings and clock helpers used
// across every mqcore shared-memory table: buffer ids, block ids, and
// connection ids are all dense 64-bit integers, never raw pointers —
// pointers are process-local and meaningless across an address-space
// boundary.
package mqid

import (
	"sync/atomic"
	"time"
)

// creatorSlotBits is the width of the creator-process-slot field packed
// into the high bits of a buffer id.
const creatorSlotBits = 8

// creatorSlotShift is where the counter's low bits end and the creator
// slot begins.
const creatorSlotShift = 64 - creatorSlotBits

// BufferID is a 64-bit buffer identifier. The high byte encodes the
// creator process slot; the remaining 56 bits are a per-process
// monotonic counter. lifecycle.Reclaim finds a dead process's buffers
// through the creator slot recorded in buffermeta, not through this byte.
type BufferID uint64

// NewBufferID packs a creator process slot and a monotonic counter into
// a BufferID. counter is truncated to 56 bits; callers allocate it from
// a per-process atomic.Uint64 so it never wraps in practice.
func NewBufferID(creatorSlot int, counter uint64) BufferID {
	return BufferID(uint64(uint8(creatorSlot))<<creatorSlotShift | (counter &^ (uint64(0xff) << creatorSlotShift)))
}

// CreatorSlot extracts the creator process slot packed into id's high byte.
func (id BufferID) CreatorSlot() int {
	return int(uint64(id) >> creatorSlotShift)
}

// Counter extracts the low 56 bits — the per-creator monotonic sequence.
func (id BufferID) Counter() uint64 {
	return uint64(id) &^ (uint64(0xff) << creatorSlotShift)
}

// BlockID identifies a registered block, unique within a Registry.
type BlockID uint64

// ConnectionID identifies a registered port-to-port connection.
type ConnectionID uint64

// Generator issues monotonically increasing ids for one creator process
// slot. Each buffermeta.Table owns one for buffer ids, and each
// mqruntime.System owns one for block and connection ids.
type Generator struct {
	creatorSlot int
	counter     atomic.Uint64
}

// NewGenerator returns a Generator that stamps every id it issues with
// creatorSlot.
func NewGenerator(creatorSlot int) *Generator {
	return &Generator{creatorSlot: creatorSlot}
}

// NextBufferID returns the next buffer id for this generator's process.
func (g *Generator) NextBufferID() BufferID {
	n := g.counter.Add(1)
	return NewBufferID(g.creatorSlot, n)
}

// NowNanos returns a monotonic-ish wall-clock timestamp in nanoseconds,
// used for heartbeats, buffer allocation time, and timeouts. Buffers and
// process entries store this value verbatim; it is never dereferenced as
// a pointer, so any monotonically-increasing clock source is acceptable
// across processes sharing the same host.
func NowNanos() int64 {
	return time.Now().UnixNano()
}
