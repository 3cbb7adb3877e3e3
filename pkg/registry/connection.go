// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import (
	"code.hybscloud.com/mqcore/pkg/mqerr"
	"code.hybscloud.com/mqcore/pkg/mqid"
)

// AddConnection links srcBlock's srcPort (an output) to dstBlock's
// dstPort (an input). Fails with mqerr.ErrUnknownPort if either port is
// not registered on its block, or mqerr.ErrNoConnSlot if the table is
// full.
func (r *Registry) AddConnection(srcBlock mqid.BlockID, srcPort string, dstBlock mqid.BlockID, dstPort string, gen *mqid.Generator) (mqid.ConnectionID, error) {
	r.blockMu.Lock()
	srcSlot, err := r.portSlotLocked(srcBlock, srcPort, PortOut)
	if err != nil {
		r.blockMu.Unlock()
		return 0, err
	}
	dstSlot, err := r.portSlotLocked(dstBlock, dstPort, PortIn)
	r.blockMu.Unlock()
	if err != nil {
		return 0, err
	}

	r.connMu.Lock()
	defer r.connMu.Unlock()
	idx, ok := popFree32(r.connFreeHead, r.connections, func(e *connectionEntry) *int32 { return &e.nextFree })
	if !ok {
		return 0, mqerr.ErrNoConnSlot
	}
	connID := mqid.ConnectionID(gen.NextBufferID())
	e := &r.connections[idx]
	*e = connectionEntry{}
	e.connID = uint64(connID)
	e.srcBlockSlot = int32(srcSlot)
	e.dstBlockSlot = int32(dstSlot)
	e.srcPort.set(srcPort)
	e.dstPort.set(dstPort)
	e.active = 1
	e.inUse = 1
	return connID, nil
}

func (r *Registry) portSlotLocked(blockID mqid.BlockID, portName string, want PortDirection) (BlockSlot, error) {
	e := r.findBlockLocked(uint64(blockID))
	if e == nil {
		return -1, mqerr.ErrUnknownPort
	}
	found := false
	for i := uint32(0); i < e.portCount; i++ {
		pe := &e.ports[i]
		if pe.inUse == 1 && pe.name.String() == portName {
			if pe.direction != want {
				return -1, mqerr.ErrUnknownPort
			}
			found = true
			break
		}
	}
	if !found {
		return -1, mqerr.ErrUnknownPort
	}
	return BlockSlot(indexOfBlock(r.blocks, e)), nil
}

// UnregisterConnection releases a connection slot. Idempotent.
func (r *Registry) UnregisterConnection(connID mqid.ConnectionID) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	for i := range r.connections {
		e := &r.connections[i]
		if e.inUse == 1 && e.connID == uint64(connID) {
			*e = connectionEntry{}
			pushFree32(r.connFreeHead, r.connections, func(e *connectionEntry) *int32 { return &e.nextFree }, int32(i))
			return
		}
	}
}

// DownstreamConnections returns the destination block id of every active
// connection whose source is (srcBlock, srcPort).
func (r *Registry) DownstreamConnections(srcBlock mqid.BlockID, srcPort string) []mqid.BlockID {
	r.blockMu.Lock()
	srcEntry := r.findBlockLocked(uint64(srcBlock))
	if srcEntry == nil {
		r.blockMu.Unlock()
		return nil
	}
	srcSlot := BlockSlot(indexOfBlock(r.blocks, srcEntry))
	r.blockMu.Unlock()

	r.connMu.Lock()
	defer r.connMu.Unlock()
	var out []mqid.BlockID
	for i := range r.connections {
		e := &r.connections[i]
		if e.inUse == 1 && e.active == 1 && BlockSlot(e.srcBlockSlot) == srcSlot && e.srcPort.String() == srcPort {
			r.blockMu.Lock()
			dst := &r.blocks[e.dstBlockSlot]
			if dst.inUse == 1 {
				out = append(out, mqid.BlockID(dst.blockID))
			}
			r.blockMu.Unlock()
		}
	}
	return out
}

// ConnectionCount reports the number of in-use connection slots.
func (r *Registry) ConnectionCount() int {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	n := 0
	for i := range r.connections {
		if r.connections[i].inUse == 1 {
			n++
		}
	}
	return n
}
