// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package buffermeta

import (
	"code.hybscloud.com/mqcore/pkg/bufferpool"
	"code.hybscloud.com/mqcore/pkg/mqerr"
	"code.hybscloud.com/mqcore/pkg/mqid"
)

// PoolResolver maps a pool id to the process-local bufferpool.Pool
// mapping. Each process keeps its own pool_id -> mapped_base cache,
// rebuilt on each open; the Table does not own this map since pools are
// opened independently of metadata.
type PoolResolver func(poolID uint32) (*bufferpool.Pool, error)

// Handle wraps a buffer id together with the process-local payload
// bytes it resolves to. Construction and Drop modify the shared
// refcount; Clone increments it.
type Handle struct {
	table *Table
	id    mqid.BufferID
	data  []byte
	size  uint32
	dropped bool
}

// NewHandle constructs a handle from a buffer id: looks up the metadata
// slot (failing if not valid), increments the refcount, and resolves the
// payload pointer via resolve. Use this when a new reference to an
// already-published buffer is needed —
// for example, a block inspecting a buffer id it learned about outside
// the normal produce/consume path.
func NewHandle(table *Table, id mqid.BufferID, resolve PoolResolver) (*Handle, error) {
	if err := table.AddRef(id); err != nil {
		return nil, err
	}
	h, err := Adopt(table, id, resolve)
	if err != nil {
		table.SubRef(id, 1)
		return nil, err
	}
	return h, nil
}

// Adopt wraps a buffer id in a handle without touching the refcount.
// Use this when the caller already holds a counted reference it is
// transferring into the handle: the producer's initial ownership
// (AllocateSlot/Publish set refcount=1 for exactly this purpose) or a
// consumer's cursor ref that a queue Pop just passed (the queue push
// contributed that ref; popping spends it).
func Adopt(table *Table, id mqid.BufferID, resolve PoolResolver) (*Handle, error) {
	idx, err := table.FindSlot(id)
	if err != nil {
		return nil, err
	}
	s := table.slotAt(idx)
	pool, err := resolve(s.poolID)
	if err != nil {
		return nil, err
	}
	block := pool.Block(int(s.blockIdx))
	return &Handle{table: table, id: id, data: block[:s.size], size: s.size}, nil
}

// ID returns the wrapped buffer id.
func (h *Handle) ID() mqid.BufferID { return h.id }

// Bytes returns the process-local payload bytes. Never call after Drop.
func (h *Handle) Bytes() []byte {
	if h.dropped {
		panic("buffermeta: Bytes called on a dropped Handle")
	}
	return h.data
}

// Size returns the buffer's logical size.
func (h *Handle) Size() uint32 { return h.size }

// Clone increments the shared refcount and returns a second handle to
// the same buffer.
func (h *Handle) Clone() (*Handle, error) {
	if h.dropped {
		return nil, mqerr.ErrUnknownBuf
	}
	if err := h.table.AddRef(h.id); err != nil {
		return nil, err
	}
	return &Handle{table: h.table, id: h.id, data: h.data, size: h.size}, nil
}

// Drop decrements the shared refcount. If this decrement observes the
// count reach zero, it is the unique releaser: the underlying pool
// block is freed and the metadata slot is returned to the free-list.
// release is the PoolResolver used to find the owning pool for block
// release; pass the same resolver used at construction.
func (h *Handle) Drop(release PoolResolver) error {
	if h.dropped {
		return nil
	}
	h.dropped = true

	idx, err := h.table.FindSlot(h.id)
	if err != nil {
		return err
	}
	s := h.table.slotAt(idx)
	poolID, blockIdx := s.poolID, s.blockIdx

	newCount, err := h.table.SubRef(h.id, 1)
	if err != nil {
		return err
	}
	if newCount != 0 {
		return nil
	}

	pool, err := release(poolID)
	if err != nil {
		return err
	}
	pool.FreeBlock(int(blockIdx))
	h.table.FreeSlot(idx)
	return nil
}
