// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mqruntime_test

import (
	"testing"
	"time"

	"code.hybscloud.com/mqcore/pkg/block"
	"code.hybscloud.com/mqcore/pkg/block/blocktest"
	"code.hybscloud.com/mqcore/pkg/bufferpool"
	"code.hybscloud.com/mqcore/pkg/lifecycle"
	"code.hybscloud.com/mqcore/pkg/mqid"
	"code.hybscloud.com/mqcore/pkg/mqruntime"
	"code.hybscloud.com/mqcore/pkg/registry"
)

// S5 — Crash reclaim: a producer publishes 10 buffers, transferring
// ownership to the queue for 9 of them, then is treated as dead before
// it can produce_output the 10th — the "final Work call never
// transferred the initial ownership" case. A reclaim
// pass must release that 10th buffer's orphaned creator reference while
// leaving the 9 queue-held buffers untouched until the live consumer
// drains and releases them.
func TestS5CrashReclaim(t *testing.T) {
	cfg := testConfig(t, 64, 16)
	sys, err := mqruntime.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sys.Close()

	gen := mqid.NewGenerator(0)

	producer, err := sys.Spawn(501, registry.RoleStandalone, "doomed-producer")
	if err != nil {
		t.Fatalf("Spawn(producer): %v", err)
	}
	producerBlockID, err := sys.Registry.RegisterBlock(producer.Slot, "source", registry.BlockKindSource,
		[]registry.PortDescriptor{{Name: "out", Direction: registry.PortOut}}, gen, mqid.NowNanos())
	if err != nil {
		t.Fatalf("RegisterBlock(producer): %v", err)
	}
	producerRT := block.NewRuntime(producerBlockID, sys.Meta, int32(producer.Slot))
	for poolID, pool := range sys.Pools {
		producerRT.AttachPool(poolID, pool)
	}

	consumer, err := sys.Spawn(502, registry.RoleStandalone, "consumer")
	if err != nil {
		t.Fatalf("Spawn(consumer): %v", err)
	}
	consumerBlockID, err := sys.Registry.RegisterBlock(consumer.Slot, "sink", registry.BlockKindSink,
		[]registry.PortDescriptor{{Name: "in", Direction: registry.PortIn}}, gen, mqid.NowNanos())
	if err != nil {
		t.Fatalf("RegisterBlock(consumer): %v", err)
	}
	consumerRT := block.NewRuntime(consumerBlockID, sys.Meta, int32(consumer.Slot))
	for poolID, pool := range sys.Pools {
		consumerRT.AttachPool(poolID, pool)
	}

	q := sys.NewQueue(16)
	producerRT.BindOutput("out", q)
	if err := consumerRT.BindInput("in", q); err != nil {
		t.Fatalf("BindInput: %v", err)
	}

	for i := 0; i < 9; i++ {
		h, err := producerRT.AllocateOutput(64)
		if err != nil {
			t.Fatalf("AllocateOutput[%d]: %v", i, err)
		}
		if err := producerRT.ProduceOutput("out", h); err != nil {
			t.Fatalf("ProduceOutput[%d]: %v", i, err)
		}
	}

	// The 10th buffer is allocated and published (refcount=1, credited
	// to the producer's process slot) but the crash happens before
	// ProduceOutput ever runs — ownership never transfers out.
	orphan, err := producerRT.AllocateOutput(64)
	if err != nil {
		t.Fatalf("AllocateOutput[orphan]: %v", err)
	}
	orphanID := orphan.ID()

	if got := sys.Pools[1].FreeCount(); got != 6 {
		t.Fatalf("pool free count before reclaim = %d, want 6 (16 - 10 allocated)", got)
	}

	resolve := func(poolID uint32) (*bufferpool.Pool, error) {
		return sys.Pools[poolID], nil
	}
	// Only the producer (pid 501) is treated as gone; the consumer
	// (pid 502) is alive and must survive the reclaim pass untouched.
	alive := func(pid int32) bool { return pid != 501 }
	// livenessTimeoutNs=0 with nowNs pushed an hour past the real
	// registration time reliably exceeds the threshold regardless of how
	// fast this test runs.
	report := lifecycle.Reclaim(sys.Registry, sys.Meta, resolve, 0, mqid.NowNanos()+int64(time.Hour), alive)

	found := false
	for _, slot := range report.Reclaimed {
		if slot.Pid == 501 {
			found = true
		}
	}
	if !found {
		t.Fatalf("Reclaimed = %+v, want the producer's slot (stale heartbeat, pid reported dead)", report.Reclaimed)
	}
	freedOrphan := false
	for _, id := range report.FreedBuffers {
		if id == orphanID {
			freedOrphan = true
		}
	}
	if !freedOrphan {
		t.Fatalf("FreedBuffers = %v, want to include the untransferred buffer %v", report.FreedBuffers, orphanID)
	}

	if got := sys.Pools[1].FreeCount(); got != 7 {
		t.Errorf("pool free count after reclaim = %d, want 7 (orphan released, 9 still queue-held)", got)
	}
	if _, err := sys.Meta.FindSlot(orphanID); err == nil {
		t.Error("orphaned buffer's metadata slot should no longer resolve after reclaim")
	}

	// The 9 transferred buffers are untouched by reclaim: the consumer
	// can still drain and release every one of them.
	for i := 0; i < 9; i++ {
		h, err := consumerRT.GetInput("in", 0)
		if err != nil {
			t.Fatalf("GetInput[%d]: %v", i, err)
		}
		if err := consumerRT.Release(h); err != nil {
			t.Fatalf("Release[%d]: %v", i, err)
		}
	}
	if got := sys.Pools[1].FreeCount(); got != 16 {
		t.Errorf("pool free count after full drain = %d, want 16", got)
	}
}

// TestS5CrashReclaimConsumer covers the other half of crash reclaim: a
// consumer dies with buffers still sitting in its queue, unconsumed. A
// reclaim pass must unregister that consumer's slot so the queue stops
// crediting it — otherwise every buffer published after the crash is
// permanently stuck, and the ones already published never get their
// pool block back.
func TestS5CrashReclaimConsumer(t *testing.T) {
	cfg := testConfig(t, 64, 16)
	sys, err := mqruntime.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sys.Close()

	producer, err := sys.Spawn(601, registry.RoleStandalone, "producer")
	if err != nil {
		t.Fatalf("Spawn(producer): %v", err)
	}
	consumer, err := sys.Spawn(602, registry.RoleStandalone, "doomed-consumer")
	if err != nil {
		t.Fatalf("Spawn(consumer): %v", err)
	}

	src := &blocktest.NullSource{Count: 5, BufSize: 64}
	srcRT, srcID, err := producer.AddBlock("source", registry.BlockKindSource,
		[]registry.PortDescriptor{{Name: "out", Direction: registry.PortOut}}, src)
	if err != nil {
		t.Fatalf("AddBlock(source): %v", err)
	}

	sink := &blocktest.NullSink{}
	dstRT, dstID, err := consumer.AddBlock("sink", registry.BlockKindSink,
		[]registry.PortDescriptor{{Name: "in", Direction: registry.PortIn}}, sink)
	if err != nil {
		t.Fatalf("AddBlock(sink): %v", err)
	}

	q := sys.NewQueue(16)
	if _, err := sys.Connect(srcRT, srcID, "out", dstRT, dstID, "in", q); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Only the producer runs; the consumer never starts its scheduler,
	// so every published buffer sits unconsumed when it "crashes".
	producer.Start(1)
	waitFor(t, 5*time.Second, src.Done)
	producer.Stop()

	if got := q.Len(); got != 5 {
		t.Fatalf("queue len before reclaim = %d, want 5", got)
	}
	if got := sys.Pools[1].FreeCount(); got != 11 {
		t.Fatalf("pool free count before reclaim = %d, want 11 (16 - 5 queued)", got)
	}

	alive := func(pid int32) bool { return pid != 602 }
	report := sys.Reclaim(0, mqid.NowNanos()+int64(time.Hour), alive)

	found := false
	for _, rp := range report.Reclaimed {
		if rp.Pid == 602 {
			found = true
		}
	}
	if !found {
		t.Fatalf("Reclaimed = %+v, want the consumer's slot", report.Reclaimed)
	}

	if got := q.Len(); got != 0 {
		t.Errorf("queue len after reclaim = %d, want 0 (no active consumers left)", got)
	}
	if got := sys.Pools[1].FreeCount(); got != 16 {
		t.Errorf("pool free count after reclaim = %d, want 16 (all 5 queued buffers released)", got)
	}
}
