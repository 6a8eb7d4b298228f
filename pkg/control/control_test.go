package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gwillem/mecharm/pkg/protocol"
	"github.com/gwillem/mecharm/pkg/session"
)

// fakeSender records messages. When disconnected, Send returns false.
type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []protocol.Outgoing
	// when set, Send blocks until it is closed
	block chan struct{}
	// signalled on every Send call
	calls chan struct{}
}

func newFakeSender(connected bool) *fakeSender {
	return &fakeSender{connected: connected, calls: make(chan struct{}, 100)}
}

func (s *fakeSender) Send(msg protocol.Outgoing) bool {
	select {
	case s.calls <- struct{}{}:
	default:
	}
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return false
	}
	s.sent = append(s.sent, msg)
	return true
}

func (s *fakeSender) messages() []protocol.Outgoing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Outgoing(nil), s.sent...)
}

func (s *fakeSender) ofType(t protocol.Type) []protocol.Outgoing {
	var out []protocol.Outgoing
	for _, m := range s.messages() {
		if m.MessageType() == t {
			out = append(out, m)
		}
	}
	return out
}

// fakeFallback records HTTP fallback calls.
type fakeFallback struct {
	mu      sync.Mutex
	joints  []map[int]int
	gripper []int
	resets  int
	syncs   int
	err     error
	reply   protocol.SyncReply
	// when set, Sync blocks until it is closed
	syncBlock chan struct{}
}

func (f *fakeFallback) UpdateJoints(_ context.Context, joints map[int]int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joints = append(f.joints, joints)
	if f.err != nil {
		return "", f.err
	}
	return "J1 → 5°", nil
}

func (f *fakeFallback) SetGripper(_ context.Context, value int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gripper = append(f.gripper, value)
	if f.err != nil {
		return "", f.err
	}
	return "Gripper Open → 100%", nil
}

func (f *fakeFallback) Reset(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return "All Reset", f.err
}

func (f *fakeFallback) Sync(context.Context) (protocol.SyncReply, error) {
	f.mu.Lock()
	f.syncs++
	block := f.syncBlock
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reply, f.err
}

func (f *fakeFallback) counts() (joints, gripper, resets, syncs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joints), len(f.gripper), f.resets, f.syncs
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestCoalescer(t *testing.T, sender *fakeSender, fb Fallback, window time.Duration) (*Coalescer, *Store) {
	t.Helper()
	store := NewStore()
	c, err := NewCoalescer(CoalescerOptions{Window: window, Store: store, Sender: sender, Fallback: fb})
	if err != nil {
		t.Fatalf("NewCoalescer: %v", err)
	}
	t.Cleanup(c.Close)
	return c, store
}

func TestStore_SetJointClamps(t *testing.T) {
	s := NewStore()
	if v, ok := s.SetJoint(3, 90); !ok || v != 45 {
		t.Errorf("SetJoint(3, 90) = %d, %v, want 45, true", v, ok)
	}
	if _, ok := s.SetJoint(7, 1); ok {
		t.Error("SetJoint(7, 1) should fail")
	}
	if got := s.SetGripper(150); got != 100 {
		t.Errorf("SetGripper(150) = %d, want 100", got)
	}
	snap := s.Snapshot()
	if snap.Angles[2] != 45 || snap.Gripper != 100 || snap.Status != StatusReady {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestStore_ApplySyncPartial(t *testing.T) {
	s := NewStore()
	s.SetJoint(1, 10)
	s.SetGripper(40)

	g := 12.6
	s.ApplySync(nil, &g)
	snap := s.Snapshot()
	if snap.Angles[0] != 10 {
		t.Errorf("angles changed by gripper-only sync: %v", snap.Angles)
	}
	if snap.Gripper != 13 || snap.Status != StatusSynced {
		t.Errorf("Snapshot() = %+v, want gripper 13 and status synced", snap)
	}

	s.ApplySync([]float64{1.4, -2.5, 200}, nil)
	snap = s.Snapshot()
	if snap.Angles[0] != 1 || snap.Angles[1] != -3 || snap.Angles[2] != 200 {
		t.Errorf("Angles = %v, want [1 -3 200 ...]", snap.Angles)
	}
	if snap.Gripper != 13 {
		t.Errorf("Gripper = %d, want 13", snap.Gripper)
	}
}

func TestStore_Subscribe(t *testing.T) {
	s := NewStore()
	var got []Snapshot
	unsubscribe := s.Subscribe(func(snap Snapshot) { got = append(got, snap) })
	s.SetStatus("hello")
	unsubscribe()
	s.SetStatus("ignored")
	if len(got) != 1 || got[0].Status != "hello" {
		t.Errorf("notifications = %+v", got)
	}
}

func TestCoalescer_LastWriteWins(t *testing.T) {
	sender := newFakeSender(true)
	c, store := newTestCoalescer(t, sender, nil, 30*time.Millisecond)

	c.SetJointValue(1, 10)
	c.SetJointValue(2, 5)
	c.SetJointValue(1, 20)
	c.SetJointValue(1, 30)

	if got := store.Snapshot().Angles[0]; got != 30 {
		t.Errorf("display angle = %d, want 30 before flush", got)
	}
	if len(sender.messages()) != 0 {
		t.Fatal("flushed before the window elapsed")
	}

	waitFor(t, func() bool { return len(sender.messages()) == 1 }, "one flush")
	time.Sleep(60 * time.Millisecond)

	msgs := sender.ofType(protocol.TypeAngles)
	if len(msgs) != 1 {
		t.Fatalf("got %d angle messages, want 1", len(msgs))
	}
	joints := msgs[0].(protocol.Angles).Joints
	if len(joints) != 2 || joints[1] != 30 || joints[2] != 5 {
		t.Errorf("joints = %v, want map[1:30 2:5]", joints)
	}
}

func TestCoalescer_IndependentChannels(t *testing.T) {
	sender := newFakeSender(true)
	c, _ := newTestCoalescer(t, sender, nil, 20*time.Millisecond)

	c.SetGripperValue(40)
	c.SetJointValue(4, -10)
	c.SetGripperValue(60)

	waitFor(t, func() bool { return len(sender.messages()) == 2 }, "two flushes")
	grips := sender.ofType(protocol.TypeGripper)
	if len(grips) != 1 || grips[0].(protocol.Gripper).Value != 60 {
		t.Errorf("gripper messages = %v, want one with value 60", grips)
	}
	if len(sender.ofType(protocol.TypeAngles)) != 1 {
		t.Error("expected one angles message")
	}
}

func TestCoalescer_InputDuringFlushGoesToNextCycle(t *testing.T) {
	sender := newFakeSender(true)
	block := make(chan struct{})
	sender.block = block
	c, _ := newTestCoalescer(t, sender, nil, 10*time.Millisecond)

	c.SetJointValue(1, 1)
	<-sender.calls // first flush has started and is blocked

	c.SetJointValue(1, 2)
	c.SetJointValue(2, 3)
	time.Sleep(40 * time.Millisecond) // several windows pass while blocked

	sender.mu.Lock()
	sender.block = nil
	sender.mu.Unlock()
	close(block)

	waitFor(t, func() bool { return len(sender.messages()) == 2 }, "second flush")
	time.Sleep(40 * time.Millisecond)

	msgs := sender.ofType(protocol.TypeAngles)
	if len(msgs) != 2 {
		t.Fatalf("got %d flushes, want 2", len(msgs))
	}
	first := msgs[0].(protocol.Angles).Joints
	second := msgs[1].(protocol.Angles).Joints
	if len(first) != 1 || first[1] != 1 {
		t.Errorf("first flush = %v, want map[1:1]", first)
	}
	if len(second) != 2 || second[1] != 2 || second[2] != 3 {
		t.Errorf("second flush = %v, want map[1:2 2:3]", second)
	}
}

func TestCoalescer_HTTPFallback(t *testing.T) {
	sender := newFakeSender(false)
	fb := &fakeFallback{}
	c, store := newTestCoalescer(t, sender, fb, 10*time.Millisecond)

	c.SetJointValue(1, 5)
	waitFor(t, func() bool { j, _, _, _ := fb.counts(); return j == 1 }, "joint fallback")
	waitFor(t, func() bool { return store.Snapshot().Status == "J1 → 5°" }, "status from fallback")

	fb.mu.Lock()
	joints := fb.joints[0]
	fb.mu.Unlock()
	if joints[1] != 5 {
		t.Errorf("fallback joints = %v", joints)
	}
}

func TestCoalescer_HTTPFallbackFailure(t *testing.T) {
	sender := newFakeSender(false)
	fb := &fakeFallback{err: errors.New("connection refused")}
	c, store := newTestCoalescer(t, sender, fb, 10*time.Millisecond)

	c.SetGripperValue(30)
	waitFor(t, func() bool {
		return store.Snapshot().Status == "Request failed: connection refused"
	}, "failure status")
}

func TestCoalescer_OpenGripperIsImmediate(t *testing.T) {
	sender := newFakeSender(true)
	c, store := newTestCoalescer(t, sender, nil, time.Hour)

	c.SetGripperValue(30) // staged, window never elapses
	c.OpenGripper()

	waitFor(t, func() bool { return len(sender.messages()) == 1 }, "immediate flush")
	msg := sender.messages()[0].(protocol.Gripper)
	if msg.Value != 100 {
		t.Errorf("gripper value = %d, want 100", msg.Value)
	}
	if got := store.Snapshot().Gripper; got != 100 {
		t.Errorf("display gripper = %d, want 100", got)
	}

	c.CloseGripper()
	waitFor(t, func() bool { return len(sender.messages()) == 2 }, "close flush")
	if msg := sender.messages()[1].(protocol.Gripper); msg.Value != 0 {
		t.Errorf("gripper value = %d, want 0", msg.Value)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(sender.messages()); n != 2 {
		t.Errorf("got %d messages, staged slider value should have been dropped", n)
	}
}

func TestCoalescer_ResetDropsPending(t *testing.T) {
	sender := newFakeSender(true)
	c, store := newTestCoalescer(t, sender, nil, 20*time.Millisecond)

	c.SetJointValue(1, 50)
	c.SetGripperValue(70)
	c.Reset()

	snap := store.Snapshot()
	if snap.Angles != [6]int{} || snap.Gripper != 0 {
		t.Errorf("after reset = %+v, want zero pose", snap.ArmState)
	}

	time.Sleep(60 * time.Millisecond)
	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0].MessageType() != protocol.TypeReset {
		t.Errorf("messages = %v, want only reset", msgs)
	}
}

func TestCoalescer_ResetFallback(t *testing.T) {
	sender := newFakeSender(false)
	fb := &fakeFallback{}
	c, store := newTestCoalescer(t, sender, fb, 20*time.Millisecond)

	c.Reset()
	waitFor(t, func() bool { return store.Snapshot().Status == "All Reset" }, "reset status")
}

func TestCoalescer_CloseDropsStaged(t *testing.T) {
	sender := newFakeSender(true)
	c, _ := newTestCoalescer(t, sender, nil, 10*time.Millisecond)

	c.SetJointValue(1, 10)
	c.Close()
	time.Sleep(40 * time.Millisecond)
	if n := len(sender.messages()); n != 0 {
		t.Errorf("got %d messages after Close, want 0", n)
	}
}

func newTestSynchronizer(t *testing.T, sender *fakeSender, fb Fallback, store *Store) *Synchronizer {
	t.Helper()
	s, err := NewSynchronizer(SynchronizerOptions{Store: store, Sender: sender, Fallback: fb, Interval: time.Hour})
	if err != nil {
		t.Fatalf("NewSynchronizer: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSynchronizer_IncomingSyncWins(t *testing.T) {
	sender := newFakeSender(true)
	store := NewStore()
	c, err := NewCoalescer(CoalescerOptions{Window: time.Hour, Store: store, Sender: sender})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	s := newTestSynchronizer(t, sender, nil, store)

	for id := 1; id <= 6; id++ {
		c.SetJointValue(id, 10)
	}
	s.HandleMessage(protocol.Incoming{Type: protocol.TypeSync, A: []float64{0, 0, 0, 0, 0, 0}})

	snap := store.Snapshot()
	if snap.Angles != [6]int{} {
		t.Errorf("Angles = %v, want all zero", snap.Angles)
	}
	if snap.Status != StatusSynced {
		t.Errorf("Status = %q, want %q", snap.Status, StatusSynced)
	}
}

func TestSynchronizer_Acks(t *testing.T) {
	store := NewStore()
	s := newTestSynchronizer(t, newFakeSender(true), nil, store)
	store.SetJoint(1, 10)

	tests := []struct {
		msg     protocol.Incoming
		handled bool
		status  string
	}{
		{protocol.Incoming{Type: protocol.TypeAck, M: "J1 → 10°"}, true, "J1 → 10°"},
		{protocol.Incoming{Type: protocol.TypeTargetAck, M: "Target: cup at (1, 2)", Status: "received"}, true, "Target: cup at (1, 2)"},
		{protocol.Incoming{Type: protocol.TypePong}, false, "Target: cup at (1, 2)"},
	}
	for _, tt := range tests {
		if got := s.HandleMessage(tt.msg); got != tt.handled {
			t.Errorf("HandleMessage(%s) = %v, want %v", tt.msg.Type, got, tt.handled)
		}
		if got := store.Snapshot().Status; got != tt.status {
			t.Errorf("after %s status = %q, want %q", tt.msg.Type, got, tt.status)
		}
	}
	if store.Snapshot().Angles[0] != 10 {
		t.Error("ack changed arm state")
	}
}

func TestSynchronizer_RequestOverSession(t *testing.T) {
	sender := newFakeSender(true)
	fb := &fakeFallback{}
	s := newTestSynchronizer(t, sender, fb, NewStore())

	s.RequestSync()
	if msgs := sender.ofType(protocol.TypeSync); len(msgs) != 1 {
		t.Errorf("got %d sync requests, want 1", len(msgs))
	}
	if _, _, _, syncs := fb.counts(); syncs != 0 {
		t.Errorf("HTTP sync called %d times while connected", syncs)
	}
}

func TestSynchronizer_HTTPPull(t *testing.T) {
	g := 55.0
	fb := &fakeFallback{reply: protocol.SyncReply{A: []float64{1, 2, 3, 4, 5, 6.6}, G: &g}}
	store := NewStore()
	s := newTestSynchronizer(t, newFakeSender(false), fb, store)

	s.RequestSync()
	waitFor(t, func() bool { return store.Snapshot().Status == StatusSynced }, "synced")
	snap := store.Snapshot()
	if snap.Angles != [6]int{1, 2, 3, 4, 5, 7} || snap.Gripper != 55 {
		t.Errorf("Snapshot() = %+v", snap.ArmState)
	}
}

func TestSynchronizer_HTTPPullInFlightGuard(t *testing.T) {
	fb := &fakeFallback{syncBlock: make(chan struct{})}
	s := newTestSynchronizer(t, newFakeSender(false), fb, NewStore())

	s.RequestSync()
	waitFor(t, func() bool { _, _, _, n := fb.counts(); return n == 1 }, "first pull")
	s.RequestSync()
	s.RequestSync()
	close(fb.syncBlock)
	time.Sleep(20 * time.Millisecond)

	if _, _, _, n := fb.counts(); n != 1 {
		t.Errorf("HTTP sync called %d times, want 1", n)
	}
}

func TestSynchronizer_PeriodicAndOnConnect(t *testing.T) {
	sender := newFakeSender(true)
	store := NewStore()
	s, err := NewSynchronizer(SynchronizerOptions{Store: store, Sender: sender, Interval: 15 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	waitFor(t, func() bool { return len(sender.ofType(protocol.TypeSync)) >= 2 }, "periodic syncs")
	cancel()
	<-done

	before := len(sender.ofType(protocol.TypeSync))
	s.HandleStateChange(session.Disconnected)
	s.HandleStateChange(session.Connecting)
	if got := len(sender.ofType(protocol.TypeSync)); got != before {
		t.Errorf("sync sent without a connection")
	}
	s.HandleStateChange(session.Connected)
	if got := len(sender.ofType(protocol.TypeSync)); got != before+1 {
		t.Errorf("got %d syncs after connect, want %d", got, before+1)
	}
}
