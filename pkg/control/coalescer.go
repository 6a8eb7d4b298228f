package control

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/gwillem/mecharm/pkg/log"
	"github.com/gwillem/mecharm/pkg/protocol"
)

// DefaultWindow is the coalescing window for joint and gripper input.
const DefaultWindow = 40 * time.Millisecond

// Sender writes a message over the live session and reports whether it did.
type Sender interface {
	Send(msg protocol.Outgoing) bool
}

// Fallback is the HTTP degrade path. *HTTPClient implements it.
type Fallback interface {
	UpdateJoints(ctx context.Context, joints map[int]int) (string, error)
	SetGripper(ctx context.Context, value int) (string, error)
	Reset(ctx context.Context) (string, error)
	Sync(ctx context.Context) (protocol.SyncReply, error)
}

// CoalescerOptions configures NewCoalescer.
type CoalescerOptions struct {
	Window   time.Duration
	Store    *Store
	Sender   Sender
	Fallback Fallback // optional
	Logger   log.Logger
}

// Coalescer turns rapid joint and gripper input into at most one write per
// channel per window. Joints and gripper use independent timers.
type Coalescer struct {
	store    *Store
	sender   Sender
	fallback Fallback
	logger   log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	joints  *channel[map[int]int]
	gripper *channel[int]
}

// NewCoalescer creates a coalescer writing through opts.Sender.
func NewCoalescer(opts CoalescerOptions) (*Coalescer, error) {
	if opts.Store == nil || opts.Sender == nil {
		return nil, errors.New("coalescer needs a store and a sender")
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coalescer{
		store:    opts.Store,
		sender:   opts.Sender,
		fallback: opts.Fallback,
		logger:   log.OrNop(opts.Logger),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.joints = newChannel(opts.Window,
		func() map[int]int { return map[int]int{} },
		func(dst, v map[int]int) map[int]int {
			maps.Copy(dst, v)
			return dst
		},
		c.flushJoints,
	)
	c.gripper = newChannel(opts.Window,
		func() int { return 0 },
		func(_, v int) int { return v },
		c.flushGripper,
	)
	return c, nil
}

// SetJointValue updates the displayed joint at once and stages the value for
// the next joint flush. Unknown joint ids are ignored.
func (c *Coalescer) SetJointValue(id, deg int) {
	v, ok := c.store.SetJoint(id, deg)
	if !ok {
		c.logger.Warnf("ignoring unknown joint %d", id)
		return
	}
	c.joints.stage(map[int]int{id: v})
}

// SetGripperValue updates the displayed gripper at once and stages the value
// for the next gripper flush.
func (c *Coalescer) SetGripperValue(value int) {
	c.gripper.stage(c.store.SetGripper(value))
}

// OpenGripper fully opens the gripper without waiting for the window.
func (c *Coalescer) OpenGripper() {
	c.gripper.immediate(c.store.SetGripper(100))
}

// CloseGripper fully closes the gripper without waiting for the window.
func (c *Coalescer) CloseGripper() {
	c.gripper.immediate(c.store.SetGripper(0))
}

// Reset zeroes the displayed pose, drops anything staged and sends a reset.
func (c *Coalescer) Reset() {
	c.store.Reset()
	c.joints.cancel()
	c.gripper.cancel()
	if c.sender.Send(protocol.Reset{}) {
		return
	}
	go c.degrade("reset", func(ctx context.Context) (string, error) {
		return c.fallback.Reset(ctx)
	})
}

// Close stops all timers, drops staged values and aborts HTTP fallbacks in flight.
func (c *Coalescer) Close() {
	c.joints.close()
	c.gripper.close()
	c.cancel()
}

func (c *Coalescer) flushJoints(joints map[int]int) {
	if c.sender.Send(protocol.Angles{Joints: joints}) {
		return
	}
	c.degrade("joints", func(ctx context.Context) (string, error) {
		return c.fallback.UpdateJoints(ctx, joints)
	})
}

func (c *Coalescer) flushGripper(value int) {
	if c.sender.Send(protocol.Gripper{Value: value}) {
		return
	}
	c.degrade("gripper", func(ctx context.Context) (string, error) {
		return c.fallback.SetGripper(ctx, value)
	})
}

// degrade runs an HTTP fallback and applies its status text.
func (c *Coalescer) degrade(what string, call func(ctx context.Context) (string, error)) {
	if c.fallback == nil {
		c.logger.Debugf("%s not sent: session down and no fallback", what)
		return
	}
	status, err := call(c.ctx)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warnf("%s fallback failed: %v", what, err)
		c.store.SetStatus(fmt.Sprintf("Request failed: %v", err))
		return
	}
	c.store.SetStatus(status)
}

// channel debounces one stream of values. The first staged value arms the
// timer; later values within the window merge into the same batch. At most
// one flush runs at a time. Values staged during a flush go to the next batch.
type channel[T any] struct {
	window time.Duration
	empty  func() T
	merge  func(dst, v T) T
	flush  func(T)

	mu       sync.Mutex
	pending  T
	dirty    bool
	timer    *time.Timer
	gen      uint64 // bumped whenever timer is replaced or stopped
	inflight bool
	urgent   bool
	closed   bool
}

func newChannel[T any](window time.Duration, empty func() T, merge func(dst, v T) T, flush func(T)) *channel[T] {
	return &channel[T]{
		window:  window,
		empty:   empty,
		merge:   merge,
		flush:   flush,
		pending: empty(),
	}
}

func (c *channel[T]) stage(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending = c.merge(c.pending, v)
	c.dirty = true
	if c.timer == nil && !c.inflight {
		c.arm()
	}
}

// immediate replaces anything staged with v and flushes without waiting for
// the window. If a flush is running, v goes out right after it.
func (c *channel[T]) immediate(v T) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopTimer()
	c.pending = c.merge(c.empty(), v)
	c.dirty = true
	if c.inflight {
		c.urgent = true
		c.mu.Unlock()
		return
	}
	batch := c.take()
	c.inflight = true
	c.mu.Unlock()
	go c.run(batch)
}

func (c *channel[T]) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		// stopped or replaced while waiting for mu
		c.mu.Unlock()
		return
	}
	c.timer = nil
	if c.closed || !c.dirty || c.inflight {
		c.mu.Unlock()
		return
	}
	batch := c.take()
	c.inflight = true
	c.mu.Unlock()
	c.run(batch)
}

func (c *channel[T]) run(batch T) {
	for {
		c.flush(batch)

		c.mu.Lock()
		if c.closed || !c.dirty {
			c.inflight = false
			c.urgent = false
			c.mu.Unlock()
			return
		}
		if c.urgent {
			c.urgent = false
			batch = c.take()
			c.mu.Unlock()
			continue
		}
		c.inflight = false
		c.arm()
		c.mu.Unlock()
		return
	}
}

// cancel drops staged values. A flush already running is not interrupted.
func (c *channel[T]) cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimer()
	c.pending = c.empty()
	c.dirty = false
	c.urgent = false
}

func (c *channel[T]) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopTimer()
	c.pending = c.empty()
	c.dirty = false
}

// take must be called with mu held.
func (c *channel[T]) take() T {
	batch := c.pending
	c.pending = c.empty()
	c.dirty = false
	return batch
}

// arm must be called with mu held.
func (c *channel[T]) arm() {
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(c.window, func() { c.fire(gen) })
}

func (c *channel[T]) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
		c.gen++
	}
}
