// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry_test

import (
	"fmt"
	"testing"

	"code.hybscloud.com/mqcore/pkg/mqid"
	"code.hybscloud.com/mqcore/pkg/registry"
	"code.hybscloud.com/mqcore/pkg/shm"
)

func uniqueName(t *testing.T) string {
	return fmt.Sprintf("mqcore-test-registry-%s-%p", t.Name(), t)
}

func open(t *testing.T) *registry.Registry {
	name := uniqueName(t)
	t.Cleanup(func() { shm.Remove(name) })
	reg, err := registry.OpenOrCreate(name)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterUnregisterProcessRoundTrip(t *testing.T) {
	reg := open(t)

	before := len(reg.ListProcesses())
	slot, err := reg.RegisterProcess(1234, registry.RoleStandalone, "alpha", 1000)
	if err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}
	if len(reg.ListProcesses()) != before+1 {
		t.Fatalf("ListProcesses count after register = %d, want %d", len(reg.ListProcesses()), before+1)
	}

	info, err := reg.ProcessInfo(slot)
	if err != nil {
		t.Fatalf("ProcessInfo: %v", err)
	}
	if info.Pid != 1234 || info.Name != "alpha" {
		t.Errorf("ProcessInfo = %+v, want pid=1234 name=alpha", info)
	}

	reg.UnregisterProcess(slot)
	if len(reg.ListProcesses()) != before {
		t.Errorf("ListProcesses count after unregister = %d, want %d (free count restored)", len(reg.ListProcesses()), before)
	}

	// Idempotent second unregister.
	reg.UnregisterProcess(slot)
}

func TestRegisterProcessTableFull(t *testing.T) {
	reg := open(t)
	for i := 0; i < registry.MaxProcesses; i++ {
		if _, err := reg.RegisterProcess(int32(i+1), registry.RoleWorker, "p", 0); err != nil {
			t.Fatalf("RegisterProcess[%d]: %v", i, err)
		}
	}
	if _, err := reg.RegisterProcess(9999, registry.RoleWorker, "overflow", 0); err == nil {
		t.Fatal("expected ErrNoProcessSlot at capacity+1, got nil")
	}
}

func TestRegisterBlockAndConnectionFlow(t *testing.T) {
	reg := open(t)
	gen := mqid.NewGenerator(0)

	srcProc, err := reg.RegisterProcess(1, registry.RoleStandalone, "producer", 0)
	if err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}
	dstProc, err := reg.RegisterProcess(2, registry.RoleStandalone, "consumer", 0)
	if err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	srcBlock, err := reg.RegisterBlock(srcProc, "source", registry.BlockKindSource,
		[]registry.PortDescriptor{{Name: "out", Direction: registry.PortOut}}, gen, 0)
	if err != nil {
		t.Fatalf("RegisterBlock(source): %v", err)
	}
	dstBlock, err := reg.RegisterBlock(dstProc, "sink", registry.BlockKindSink,
		[]registry.PortDescriptor{{Name: "in", Direction: registry.PortIn}}, gen, 0)
	if err != nil {
		t.Fatalf("RegisterBlock(sink): %v", err)
	}

	if err := reg.RegisterPort(srcBlock, "out", registry.PortOut, 64); err != nil {
		t.Fatalf("RegisterPort(out): %v", err)
	}
	if err := reg.RegisterPort(dstBlock, "in", registry.PortIn, 64); err != nil {
		t.Fatalf("RegisterPort(in): %v", err)
	}

	connID, err := reg.AddConnection(srcBlock, "out", dstBlock, "in", gen)
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if connID == 0 {
		t.Fatal("AddConnection returned zero connection id")
	}

	downstream := reg.DownstreamConnections(srcBlock, "out")
	if len(downstream) != 1 || downstream[0] != dstBlock {
		t.Errorf("DownstreamConnections = %v, want [%v]", downstream, dstBlock)
	}

	offset, err := reg.BlockPortQueueOffset(dstBlock, "in")
	if err != nil || offset != 64 {
		t.Errorf("BlockPortQueueOffset = (%d, %v), want (64, nil)", offset, err)
	}
}

func TestAddConnectionUnknownPort(t *testing.T) {
	reg := open(t)
	gen := mqid.NewGenerator(0)
	proc, _ := reg.RegisterProcess(1, registry.RoleStandalone, "p", 0)
	block, _ := reg.RegisterBlock(proc, "b", registry.BlockKindSource, nil, gen, 0)

	if _, err := reg.AddConnection(block, "missing", block, "also-missing", gen); err == nil {
		t.Fatal("expected ErrUnknownPort, got nil")
	}
}

func TestUnregisterBlockCascadesFromProcess(t *testing.T) {
	reg := open(t)
	gen := mqid.NewGenerator(0)
	proc, _ := reg.RegisterProcess(1, registry.RoleStandalone, "p", 0)
	blockID, err := reg.RegisterBlock(proc, "b", registry.BlockKindProcessing, nil, gen, 0)
	if err != nil {
		t.Fatalf("RegisterBlock: %v", err)
	}

	reclaimed := reg.ReclaimDeadProcesses(1, 100, func(pid int32) bool { return false })
	if len(reclaimed) != 1 || reclaimed[0].Slot != proc {
		t.Fatalf("ReclaimDeadProcesses = %+v, want one entry for slot %v", reclaimed, proc)
	}
	if len(reclaimed[0].OwnedBlocks) != 1 || reclaimed[0].OwnedBlocks[0] != uint64(blockID) {
		t.Errorf("reclaimed owned blocks = %v, want [%d]", reclaimed[0].OwnedBlocks, blockID)
	}

	if _, err := reg.BlockInfo(blockID); err == nil {
		t.Error("expected block to be unregistered after reclaim")
	}
}

func TestReclaimSkipsLiveProcesses(t *testing.T) {
	reg := open(t)
	proc, _ := reg.RegisterProcess(1, registry.RoleStandalone, "p", 0)

	reclaimed := reg.ReclaimDeadProcesses(1000, 100, func(pid int32) bool { return true })
	if len(reclaimed) != 0 {
		t.Errorf("ReclaimDeadProcesses with alive pid = %v, want none", reclaimed)
	}

	reclaimed = reg.ReclaimDeadProcesses(1000, 50, func(pid int32) bool { return false })
	if len(reclaimed) != 0 {
		t.Errorf("ReclaimDeadProcesses before timeout elapsed = %v, want none", reclaimed)
	}
	_ = proc
}

func TestPoolRegistryRoundTrip(t *testing.T) {
	reg := open(t)
	slot, err := reg.RegisterPool(1, "small", "mqcore-test-small-pool", 1024, 64)
	if err != nil {
		t.Fatalf("RegisterPool: %v", err)
	}
	info, err := reg.LookupPool("small")
	if err != nil {
		t.Fatalf("LookupPool: %v", err)
	}
	if info.Slot != slot || info.BlockSize != 1024 || info.BlockCount != 64 {
		t.Errorf("LookupPool = %+v", info)
	}

	if _, err := reg.RegisterPool(2, "small", "dup", 1, 1); err == nil {
		t.Error("expected ErrAlreadyRegistered for duplicate pool name")
	}

	reg.UnregisterPool("small")
	if _, err := reg.LookupPool("small"); err == nil {
		t.Error("expected pool to be gone after UnregisterPool")
	}
}
