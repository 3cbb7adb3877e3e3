// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mqruntime_test

import (
	"fmt"
	"testing"
	"time"

	"code.hybscloud.com/mqcore/pkg/block/blocktest"
	"code.hybscloud.com/mqcore/pkg/mqruntime"
	"code.hybscloud.com/mqcore/pkg/registry"
)

func testConfig(t *testing.T, poolBlockSize, poolBlockCount int) mqruntime.Config {
	tag := fmt.Sprintf("%s-%p", t.Name(), t)
	cfg := mqruntime.Config{
		RegistrySegment: "mqcore-test-scn-reg-" + tag,
		MetaSegment:     "mqcore-test-scn-meta-" + tag,
		Pools: []mqruntime.PoolSpec{{
			ID:          1,
			Name:        "main",
			SegmentName: "mqcore-test-scn-pool-" + tag,
			BlockSize:   poolBlockSize,
			BlockCount:  poolBlockCount,
		}},
	}
	t.Cleanup(func() { mqruntime.Remove(cfg) })
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true within timeout")
		}
		time.Sleep(time.Millisecond)
	}
}

// S1 — One-to-one: a source publishes 1000 buffers to one sink on a
// single queue; every prefix arrives in order and the pool/metadata
// free-counts return to their initial values once the sink releases
// every handle.
func TestS1OneToOne(t *testing.T) {
	cfg := testConfig(t, 1024, 32)
	sys, err := mqruntime.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sys.Close()

	producer, err := sys.Spawn(101, registry.RoleStandalone, "producer")
	if err != nil {
		t.Fatalf("Spawn(producer): %v", err)
	}
	consumer, err := sys.Spawn(102, registry.RoleStandalone, "consumer")
	if err != nil {
		t.Fatalf("Spawn(consumer): %v", err)
	}

	src := &blocktest.NullSource{Count: 1000, BufSize: 1024}
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

	producer.Start(1)
	consumer.Start(1)

	waitFor(t, 5*time.Second, src.Done)
	sink.MarkUpstreamDone()
	waitFor(t, 5*time.Second, func() bool { return len(sink.Received()) == 1000 })

	producer.Stop()
	consumer.Stop()

	received := sink.Received()
	if len(received) != 1000 {
		t.Fatalf("received %d buffers, want 1000", len(received))
	}
	for i, v := range received {
		if int(v) != i {
			t.Fatalf("received[%d] = %d, want %d", i, v, i)
		}
	}
	if got := sys.Pools[1].FreeCount(); got != 32 {
		t.Errorf("pool free count = %d, want 32 (all blocks released)", got)
	}
	if got := sys.Meta.FreeCount(); got != 4096 {
		t.Errorf("metadata free count = %d, want 4096 (all slots released)", got)
	}
}

// S2 — Fan-out 1→3: one producer, three independent consumers on the
// same broadcast queue, each registered before publication begins. All
// three see every buffer; the pool only drains back to its initial
// free-count once every consumer has released its handles.
func TestS2FanOutOneToThree(t *testing.T) {
	cfg := testConfig(t, 64, 16)
	sys, err := mqruntime.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sys.Close()

	producer, err := sys.Spawn(201, registry.RoleStandalone, "producer")
	if err != nil {
		t.Fatalf("Spawn(producer): %v", err)
	}
	src := &blocktest.NullSource{Count: 100, BufSize: 64}
	srcRT, srcID, err := producer.AddBlock("source", registry.BlockKindSource,
		[]registry.PortDescriptor{{Name: "out", Direction: registry.PortOut}}, src)
	if err != nil {
		t.Fatalf("AddBlock(source): %v", err)
	}

	q := sys.NewQueue(16)
	sinks := make([]*blocktest.NullSink, 3)
	consumers := make([]*mqruntime.Process, 3)
	for i := range sinks {
		consumers[i], err = sys.Spawn(int32(202+i), registry.RoleStandalone, fmt.Sprintf("consumer-%d", i))
		if err != nil {
			t.Fatalf("Spawn(consumer-%d): %v", i, err)
		}
		sinks[i] = &blocktest.NullSink{}
		dstRT, dstID, err := consumers[i].AddBlock(fmt.Sprintf("sink-%d", i), registry.BlockKindSink,
			[]registry.PortDescriptor{{Name: "in", Direction: registry.PortIn}}, sinks[i])
		if err != nil {
			t.Fatalf("AddBlock(sink-%d): %v", i, err)
		}
		if _, err := sys.Connect(srcRT, srcID, "out", dstRT, dstID, "in", q); err != nil {
			t.Fatalf("Connect(sink-%d): %v", i, err)
		}
	}

	producer.Start(1)
	for _, c := range consumers {
		c.Start(1)
	}

	waitFor(t, 5*time.Second, src.Done)
	for _, s := range sinks {
		s.MarkUpstreamDone()
	}
	for _, s := range sinks {
		waitFor(t, 5*time.Second, func() bool { return len(s.Received()) == 100 })
	}

	producer.Stop()
	for _, c := range consumers {
		c.Stop()
	}

	var first []uint32
	for i, s := range sinks {
		got := s.Received()
		if len(got) != 100 {
			t.Fatalf("sink %d received %d, want 100", i, len(got))
		}
		if i == 0 {
			first = got
			continue
		}
		for j := range got {
			if got[j] != first[j] {
				t.Fatalf("sink %d diverged from sink 0 at index %d: %d != %d", i, j, got[j], first[j])
			}
		}
	}
	if got := sys.Pools[1].FreeCount(); got != 16 {
		t.Errorf("pool free count = %d, want 16 (all three sinks released)", got)
	}
}

// S3 — Fan-in 3→1: three producers each publish 50 (producer_id, seq)
// pairs into one shared queue; the sink receives 150 buffers total, and
// each producer's subsequence is strictly monotonic 0..49.
func TestS3FanInThreeToOne(t *testing.T) {
	cfg := testConfig(t, 64, 16)
	sys, err := mqruntime.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sys.Close()

	q := sys.NewQueue(8)

	sink := &blocktest.TaggedSink{}
	consumer, err := sys.Spawn(301, registry.RoleStandalone, "consumer")
	if err != nil {
		t.Fatalf("Spawn(consumer): %v", err)
	}
	dstRT, dstID, err := consumer.AddBlock("sink", registry.BlockKindSink,
		[]registry.PortDescriptor{{Name: "in", Direction: registry.PortIn}}, sink)
	if err != nil {
		t.Fatalf("AddBlock(sink): %v", err)
	}

	sources := make([]*blocktest.TaggedSource, 3)
	producers := make([]*mqruntime.Process, 3)
	for i := range sources {
		producers[i], err = sys.Spawn(int32(302+i), registry.RoleStandalone, fmt.Sprintf("producer-%d", i))
		if err != nil {
			t.Fatalf("Spawn(producer-%d): %v", i, err)
		}
		sources[i] = &blocktest.TaggedSource{ProducerID: uint32(i), Count: 50, BufSize: 64}
		srcRT, srcID, err := producers[i].AddBlock(fmt.Sprintf("source-%d", i), registry.BlockKindSource,
			[]registry.PortDescriptor{{Name: "out", Direction: registry.PortOut}}, sources[i])
		if err != nil {
			t.Fatalf("AddBlock(source-%d): %v", i, err)
		}
		if _, err := sys.Connect(srcRT, srcID, "out", dstRT, dstID, "in", q); err != nil {
			t.Fatalf("Connect(source-%d): %v", i, err)
		}
	}

	for _, p := range producers {
		p.Start(1)
	}
	consumer.Start(1)

	waitFor(t, 5*time.Second, func() bool { return sink.Total() == 150 })

	for _, p := range producers {
		p.Stop()
	}
	consumer.Stop()

	for i := range sources {
		seq := sink.Sequences(uint32(i))
		if len(seq) != 50 {
			t.Fatalf("producer %d: got %d buffers, want 50", i, len(seq))
		}
		for j, v := range seq {
			if int(v) != j {
				t.Fatalf("producer %d: sequence[%d] = %d, want %d (not monotonic)", i, j, v, j)
			}
		}
	}
}

// S4 — Slowest-reader backpressure: capacity 16, two consumers, one
// paused. After 16 publishes the 17th push blocks until the paused
// consumer resumes; once it does, both consumers see every buffer.
func TestS4SlowestReaderBackpressure(t *testing.T) {
	cfg := testConfig(t, 64, 64)
	sys, err := mqruntime.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sys.Close()

	producer, err := sys.Spawn(401, registry.RoleStandalone, "producer")
	if err != nil {
		t.Fatalf("Spawn(producer): %v", err)
	}
	src := &blocktest.NullSource{Count: 32, BufSize: 64}
	srcRT, srcID, err := producer.AddBlock("source", registry.BlockKindSource,
		[]registry.PortDescriptor{{Name: "out", Direction: registry.PortOut}}, src)
	if err != nil {
		t.Fatalf("AddBlock(source): %v", err)
	}

	q := sys.NewQueue(16)

	fast, err := sys.Spawn(402, registry.RoleStandalone, "fast")
	if err != nil {
		t.Fatalf("Spawn(fast): %v", err)
	}
	fastSink := &blocktest.NullSink{}
	fastRT, fastID, err := fast.AddBlock("fast-sink", registry.BlockKindSink,
		[]registry.PortDescriptor{{Name: "in", Direction: registry.PortIn}}, fastSink)
	if err != nil {
		t.Fatalf("AddBlock(fast-sink): %v", err)
	}
	if _, err := sys.Connect(srcRT, srcID, "out", fastRT, fastID, "in", q); err != nil {
		t.Fatalf("Connect(fast): %v", err)
	}

	slow, err := sys.Spawn(403, registry.RoleStandalone, "slow")
	if err != nil {
		t.Fatalf("Spawn(slow): %v", err)
	}
	slowSink := &blocktest.NullSink{}
	slowRT, slowID, err := slow.AddBlock("slow-sink", registry.BlockKindSink,
		[]registry.PortDescriptor{{Name: "in", Direction: registry.PortIn}}, slowSink)
	if err != nil {
		t.Fatalf("AddBlock(slow-sink): %v", err)
	}
	if _, err := sys.Connect(srcRT, srcID, "out", slowRT, slowID, "in", q); err != nil {
		t.Fatalf("Connect(slow): %v", err)
	}

	producer.Start(1)
	fast.Start(1)
	// slow consumer's scheduler is not started yet — it never pops,
	// so the queue fills to capacity (16) and the 17th push blocks.

	waitFor(t, 5*time.Second, func() bool { return q.Len() == 16 })
	if src.Done() {
		t.Fatal("source finished producing all 32 buffers without ever blocking on the paused consumer")
	}

	slow.Start(1)
	waitFor(t, 5*time.Second, src.Done)
	fastSink.MarkUpstreamDone()
	slowSink.MarkUpstreamDone()
	waitFor(t, 5*time.Second, func() bool { return len(fastSink.Received()) == 32 })
	waitFor(t, 5*time.Second, func() bool { return len(slowSink.Received()) == 32 })

	producer.Stop()
	fast.Stop()
	slow.Stop()

	if len(fastSink.Received()) != 32 || len(slowSink.Received()) != 32 {
		t.Fatalf("fast=%d slow=%d, want 32/32", len(fastSink.Received()), len(slowSink.Received()))
	}
}

// S6 — High throughput: one producer publishes 10,000 buffers to three
// consumers within a single process (multiple scheduler worker
// goroutines). All three report 10,000 with no drops or duplicates.
func TestS6HighThroughput(t *testing.T) {
	cfg := testConfig(t, 32, 128)
	sys, err := mqruntime.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sys.Close()

	proc, err := sys.Spawn(601, registry.RoleStandalone, "all-in-one")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	src := &blocktest.NullSource{Count: 10000, BufSize: 32}
	srcRT, srcID, err := proc.AddBlock("source", registry.BlockKindSource,
		[]registry.PortDescriptor{{Name: "out", Direction: registry.PortOut}}, src)
	if err != nil {
		t.Fatalf("AddBlock(source): %v", err)
	}

	q := sys.NewQueue(64)
	sinks := make([]*blocktest.NullSink, 3)
	for i := range sinks {
		sinks[i] = &blocktest.NullSink{}
		dstRT, dstID, err := proc.AddBlock(fmt.Sprintf("sink-%d", i), registry.BlockKindSink,
			[]registry.PortDescriptor{{Name: "in", Direction: registry.PortIn}}, sinks[i])
		if err != nil {
			t.Fatalf("AddBlock(sink-%d): %v", i, err)
		}
		if _, err := sys.Connect(srcRT, srcID, "out", dstRT, dstID, "in", q); err != nil {
			t.Fatalf("Connect(sink-%d): %v", i, err)
		}
	}

	proc.Start(4)

	waitFor(t, 20*time.Second, src.Done)
	for _, s := range sinks {
		s.MarkUpstreamDone()
	}
	for _, s := range sinks {
		waitFor(t, 20*time.Second, func() bool { return len(s.Received()) == 10000 })
	}
	proc.Stop()

	for i, s := range sinks {
		got := s.Received()
		if len(got) != 10000 {
			t.Fatalf("sink %d received %d, want 10000", i, len(got))
		}
		seen := make(map[uint32]bool, 10000)
		for j, v := range got {
			if int(v) != j {
				t.Fatalf("sink %d: received[%d] = %d, want %d (out of order)", i, j, v, j)
			}
			if seen[v] {
				t.Fatalf("sink %d: duplicate value %d", i, v)
			}
			seen[v] = true
		}
	}
}
