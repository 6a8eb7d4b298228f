package target

import (
	"testing"

	"github.com/gwillem/mecharm/pkg/protocol"
	"github.com/gwillem/mecharm/pkg/vision"
)

type fakeSender struct {
	connected bool
	sent      []protocol.Outgoing
	calls     int
}

func (s *fakeSender) Send(msg protocol.Outgoing) bool {
	s.calls++
	if !s.connected {
		return false
	}
	s.sent = append(s.sent, msg)
	return true
}

func bottle() vision.Selection {
	d := vision.Detection{Class: "bottle", Score: 0.7, BBox: vision.BBox{100, 50, 41, 60}}
	return vision.Selection{Detection: d, Center: d.BBox.Center()}
}

func TestBuild(t *testing.T) {
	got := Build(bottle())
	want := protocol.Target{
		Class:      "bottle",
		Confidence: 0.7,
		Center:     [2]int{121, 80},
		ImageSize:  [2]int{480, 360},
	}
	if got != want {
		t.Errorf("Build() = %+v, want %+v", got, want)
	}
}

func TestBuildRoundsConfidence(t *testing.T) {
	tests := []struct {
		score float64
		want  float64
	}{
		{0.5, 0.5},
		{0.704, 0.7},
		{0.706, 0.71},
		{0.999, 1},
	}
	for _, tt := range tests {
		sel := bottle()
		sel.Detection.Score = tt.score
		if got := Build(sel).Confidence; got != tt.want {
			t.Errorf("Build(score=%v).Confidence = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestSendOncePerCall(t *testing.T) {
	s := &fakeSender{connected: true}
	d := NewDispatcher(s, nil)

	if !d.Send(bottle()) {
		t.Fatal("Send() = false, want true")
	}
	if len(s.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(s.sent))
	}
	if s.sent[0].MessageType() != protocol.TypeTarget {
		t.Errorf("sent type %q, want %q", s.sent[0].MessageType(), protocol.TypeTarget)
	}

	// repeated sends of the same selection are allowed
	d.Send(bottle())
	if len(s.sent) != 2 {
		t.Errorf("sent %d messages after second Send, want 2", len(s.sent))
	}
}

func TestSendDisconnected(t *testing.T) {
	s := &fakeSender{}
	d := NewDispatcher(s, nil)

	if d.Send(bottle()) {
		t.Error("Send() = true while disconnected, want false")
	}
	if s.calls != 1 {
		t.Errorf("Send attempted %d writes, want 1", s.calls)
	}
}
