// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package block

import (
	"sort"
	"time"

	"code.hybscloud.com/mqcore/pkg/bufferpool"
	"code.hybscloud.com/mqcore/pkg/buffermeta"
	"code.hybscloud.com/mqcore/pkg/mqerr"
	"code.hybscloud.com/mqcore/pkg/mqid"
	"code.hybscloud.com/mqcore/pkg/portqueue"
)

type inputBinding struct {
	queue    *portqueue.Queue
	consumer portqueue.ConsumerID
}

// poolHandle pairs a pool id with its process-local mapping, the
// pool_id -> mapped_base cache every process keeps and rebuilds on each
// open.
type poolHandle struct {
	id   uint32
	pool *bufferpool.Pool
}

// Runtime is the facade block implementations use to talk to the
// outside world: get_input, allocate_output, produce_output,
// has_input, input_size. mqruntime's Process.AddBlock creates one
// Runtime per block; System.Connect later binds its ports to queues.
type Runtime struct {
	blockID mqid.BlockID
	meta    *buffermeta.Table
	creatorSlot int32

	inputs  map[string]*inputBinding
	outputs map[string][]*portqueue.Queue

	pools []poolHandle // sorted ascending by block size
}

// NewRuntime constructs an empty Runtime for blockID. Ports and pools
// are attached afterward via BindInput/BindOutput/AttachPool, mirroring
// the contract's "runtime binds each port to a concrete queue when
// connections are established."
func NewRuntime(blockID mqid.BlockID, meta *buffermeta.Table, creatorSlot int32) *Runtime {
	return &Runtime{
		blockID:     blockID,
		meta:        meta,
		creatorSlot: creatorSlot,
		inputs:      make(map[string]*inputBinding),
		outputs:     make(map[string][]*portqueue.Queue),
	}
}

// BindInput registers this block as a consumer of q for the named input
// port: an input port registers as a consumer on its queue at bind time.
func (rt *Runtime) BindInput(port string, q *portqueue.Queue) error {
	cid, err := q.RegisterConsumer()
	if err != nil {
		return err
	}
	rt.inputs[port] = &inputBinding{queue: q, consumer: cid}
	return nil
}

// UnbindInput unregisters this block's consumer slot on the named
// input port's queue ("...and unbinds on unbind"). Any buffer whose
// refcount reaches zero as a result has its pool block and metadata
// slot released immediately.
func (rt *Runtime) UnbindInput(port string) error {
	b, ok := rt.inputs[port]
	if !ok {
		return mqerr.ErrUnknownPort
	}
	delete(rt.inputs, port)
	zeroed, err := b.queue.UnregisterConsumer(b.consumer)
	rt.freeZeroed(zeroed)
	return err
}

// UnbindAllInputs unregisters every bound input port's consumer slot,
// releasing the pending refs each one still holds and freeing any
// buffer whose refcount reaches zero as a result. Used when this
// block's owning process is gone and nothing will ever call
// UnbindInput on its behalf; errors from individual ports are collected
// rather than stopping the sweep partway through.
func (rt *Runtime) UnbindAllInputs() []error {
	var errs []error
	for port, b := range rt.inputs {
		zeroed, err := b.queue.UnregisterConsumer(b.consumer)
		if err != nil {
			errs = append(errs, err)
		}
		rt.freeZeroed(zeroed)
		delete(rt.inputs, port)
	}
	return errs
}

// freeZeroed releases the pool block and metadata slot backing each id
// in zeroed — ids UnregisterConsumer reports as having hit refcount
// zero, the same release steps lifecycle.Reclaim applies to an orphaned
// creator reference. A slot that no longer resolves (already freed by
// another path) is skipped rather than treated as an error.
func (rt *Runtime) freeZeroed(zeroed []mqid.BufferID) {
	for _, id := range zeroed {
		idx, err := rt.meta.FindSlot(id)
		if err != nil {
			continue
		}
		info, err := rt.meta.Lookup(id)
		if err != nil {
			continue
		}
		pool, err := rt.resolvePool(info.PoolID)
		if err != nil {
			continue
		}
		pool.FreeBlock(int(info.BlockIndex))
		rt.meta.FreeSlot(idx)
	}
}

// BindOutput adds q to the named output port's downstream fan-out set.
// A broadcast queue already bound to this port (the usual fan-out
// shape, where every consumer registers on the same queue) is not
// added twice.
func (rt *Runtime) BindOutput(port string, q *portqueue.Queue) {
	for _, existing := range rt.outputs[port] {
		if existing == q {
			return
		}
	}
	rt.outputs[port] = append(rt.outputs[port], q)
}

// AttachPool makes poolID available to AllocateOutput's smallest-fit
// search. Pools are kept sorted by block size ascending.
func (rt *Runtime) AttachPool(poolID uint32, pool *bufferpool.Pool) {
	rt.pools = append(rt.pools, poolHandle{id: poolID, pool: pool})
	sort.Slice(rt.pools, func(i, j int) bool {
		return rt.pools[i].pool.BlockSize() < rt.pools[j].pool.BlockSize()
	})
}

func (rt *Runtime) resolvePool(poolID uint32) (*bufferpool.Pool, error) {
	for _, ph := range rt.pools {
		if ph.id == poolID {
			return ph.pool, nil
		}
	}
	return nil, mqerr.ErrUnknownPool
}

// GetInput pops the next buffer handle from port's bound queue, waiting
// up to timeout (0 means non-blocking). Returns mqerr.ErrWouldBlock or
// mqerr.ErrTimeout when nothing is available in time.
func (rt *Runtime) GetInput(port string, timeout time.Duration) (*buffermeta.Handle, error) {
	b, ok := rt.inputs[port]
	if !ok {
		return nil, mqerr.ErrUnknownPort
	}
	id, err := b.queue.Pop(b.consumer, timeout)
	if err != nil {
		return nil, err
	}
	return buffermeta.Adopt(rt.meta, id, rt.resolvePool)
}

// HasInput reports whether port currently has at least one buffer ready.
func (rt *Runtime) HasInput(port string) bool {
	n, err := rt.InputSize(port)
	return err == nil && n > 0
}

// InputSize returns the number of buffers currently queued for port
// that this block has not yet consumed.
func (rt *Runtime) InputSize(port string) (int, error) {
	b, ok := rt.inputs[port]
	if !ok {
		return 0, mqerr.ErrUnknownPort
	}
	return b.queue.Pending(b.consumer)
}

// AllocateOutput allocates a buffer of at least size bytes from the
// smallest attached pool whose block size is sufficient, publishes its
// metadata slot, and returns a handle carrying the producer's initial
// ownership: allocation goes through the registered pool allocator,
// selecting the smallest pool whose block size is >= size.
func (rt *Runtime) AllocateOutput(size uint32) (*buffermeta.Handle, error) {
	var chosen *poolHandle
	for i := range rt.pools {
		if uint32(rt.pools[i].pool.BlockSize()) >= size {
			chosen = &rt.pools[i]
			break
		}
	}
	if chosen == nil {
		return nil, mqerr.ErrPoolExhausted
	}

	blockIdx, err := chosen.pool.AllocateBlock()
	if err != nil {
		return nil, err
	}
	idx, id, err := rt.meta.AllocateSlot()
	if err != nil {
		chosen.pool.FreeBlock(blockIdx)
		return nil, err
	}
	now := mqid.NowNanos()
	rt.meta.Publish(idx, chosen.id, uint32(blockIdx), size, now, now, rt.creatorSlot)
	return buffermeta.Adopt(rt.meta, id, rt.resolvePool)
}

// Release drops h, resolving pool lookups through this Runtime's
// attached pools. Blocks use this instead of calling h.Drop directly so
// they never need to know how pool ids resolve to mappings.
func (rt *Runtime) Release(h *buffermeta.Handle) error {
	return h.Drop(rt.resolvePool)
}

// ProduceOutput pushes h's buffer id to every queue downstream of port,
// each push contributing that queue's active-consumer count to the
// refcount, then drops the block's own reference — ownership transfers
// into the downstream queues. If any downstream queue currently has no
// room, no queue is pushed to and mqerr.ErrOutputFull
// is returned so the caller's Work() can retry; h remains valid and
// owned by the caller in that case.
func (rt *Runtime) ProduceOutput(port string, h *buffermeta.Handle) error {
	queues, ok := rt.outputs[port]
	if !ok {
		return mqerr.ErrUnknownPort
	}
	for _, q := range queues {
		if !q.HasRoom() {
			return mqerr.ErrOutputFull
		}
	}
	for _, q := range queues {
		if err := q.Push(h.ID(), 0); err != nil {
			return err
		}
	}
	return h.Drop(rt.resolvePool)
}
