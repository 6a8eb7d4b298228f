// Package control holds the operator-facing arm state and the components that
// move it to and from the peer: the command coalescer, the state synchronizer
// and the HTTP fallback client.
package control

import (
	"math"
	"sync"

	"github.com/gwillem/mecharm/pkg/robot"
)

// Status lines set by the client itself. Everything else comes from the peer.
const (
	StatusReady  = "Ready"
	StatusSynced = "Synced"
)

// ArmState is the displayed arm pose.
type ArmState struct {
	Angles  [robot.JointCount]int // degrees, index 0 is joint 1
	Gripper int                   // 0-100
}

// Snapshot is a copy of the store contents.
type Snapshot struct {
	ArmState
	Status string
}

// Store owns the displayed arm state. Local input updates it optimistically;
// sync messages overwrite it.
type Store struct {
	mu     sync.Mutex
	state  ArmState
	status string

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Snapshot)
}

// NewStore returns a store at the zero pose with status "Ready".
func NewStore() *Store {
	return &Store{
		status: StatusReady,
		subs:   map[int]func(Snapshot){},
	}
}

// SetJoint sets joint id to deg, clamped to the joint's travel, and returns the
// stored value. ok is false for unknown ids.
func (s *Store) SetJoint(id, deg int) (value int, ok bool) {
	j, ok := robot.JointByID(id)
	if !ok {
		return 0, false
	}
	value = j.Clamp(deg)
	s.update(func() { s.state.Angles[id-1] = value })
	return value, true
}

// SetGripper sets the gripper, clamped to 0-100, and returns the stored value.
func (s *Store) SetGripper(v int) int {
	v = robot.ClampGripper(v)
	s.update(func() { s.state.Gripper = v })
	return v
}

// Reset zeroes all joints and the gripper.
func (s *Store) Reset() {
	s.update(func() { s.state = ArmState{} })
}

// ApplySync overwrites local state with authoritative values. Only the fields
// present are applied. Angles are rounded to whole degrees and not clamped.
func (s *Store) ApplySync(angles []float64, gripper *float64) {
	s.update(func() {
		for i := 0; i < len(angles) && i < robot.JointCount; i++ {
			s.state.Angles[i] = int(math.Round(angles[i]))
		}
		if gripper != nil {
			s.state.Gripper = int(math.Round(*gripper))
		}
		s.status = StatusSynced
	})
}

// SetStatus replaces the status line.
func (s *Store) SetStatus(status string) {
	s.update(func() { s.status = status })
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{ArmState: s.state, Status: s.status}
}

// Subscribe registers fn to receive a snapshot after every change and returns
// a function that removes it.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) update(mutate func()) {
	s.mu.Lock()
	mutate()
	snap := Snapshot{ArmState: s.state, Status: s.status}
	s.mu.Unlock()

	s.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
