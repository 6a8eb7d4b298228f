// Package teleop wires the session, control, vision and target components
// into one controller for the MechArm.
package teleop

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gwillem/mecharm/pkg/config"
	"github.com/gwillem/mecharm/pkg/control"
	"github.com/gwillem/mecharm/pkg/log"
	"github.com/gwillem/mecharm/pkg/protocol"
	"github.com/gwillem/mecharm/pkg/robot"
	"github.com/gwillem/mecharm/pkg/session"
	"github.com/gwillem/mecharm/pkg/target"
	"github.com/gwillem/mecharm/pkg/vision"
)

// State is a combined snapshot for the UI.
type State struct {
	Arm       control.Snapshot
	Session   session.State
	Detection vision.Snapshot
	Timestamp time.Time
}

// Leader is a leader arm used as a continuous joint input device.
// *robot.Arm implements it.
type Leader interface {
	ReadTargets(ctx context.Context) (robot.Targets, error)
	Release(ctx context.Context) error
	Close() error
}

// Config holds configuration for the controller.
type Config struct {
	Settings *config.Config

	// Optional overrides. Nil values are built from Settings.
	Loader     vision.Loader
	Video      vision.FrameSource
	Leader     Leader
	HTTPClient *http.Client

	Logger log.Logger
}

// Controller owns every component of a control client.
type Controller struct {
	settings *config.Config
	logger   log.Logger

	session     *session.Session
	store       *control.Store
	coalescer   *control.Coalescer
	sync        *control.Synchronizer
	pipeline    *vision.Pipeline
	dispatcher  *target.Dispatcher
	stream      *vision.MJPEGStream
	leader      Leader
	leaderEvery time.Duration

	mu      sync.RWMutex
	running bool
	stateCh chan State
	logCh   chan string
	unsub   []func()
}

// NewController creates a new controller. It does not connect until Start.
func NewController(cfg Config) (*Controller, error) {
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	logger := log.OrNop(cfg.Logger)

	sess, err := session.New(session.Options{
		URL:               settings.WebSocketURL(),
		ReconnectDelay:    settings.Timing.Reconnect(),
		HeartbeatInterval: settings.Timing.Heartbeat(),
		HandshakeTimeout:  settings.Timing.Handshake(),
		Logger:            log.WithField(logger, "component", "session"),
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	fallback := control.NewHTTPClient(settings.BaseURL(), cfg.HTTPClient)
	store := control.NewStore()

	coalescer, err := control.NewCoalescer(control.CoalescerOptions{
		Window:   settings.Timing.Debounce(),
		Store:    store,
		Sender:   sess,
		Fallback: fallback,
		Logger:   log.WithField(logger, "component", "coalescer"),
	})
	if err != nil {
		return nil, fmt.Errorf("create coalescer: %w", err)
	}

	synchronizer, err := control.NewSynchronizer(control.SynchronizerOptions{
		Interval: settings.Timing.Sync(),
		Store:    store,
		Sender:   sess,
		Fallback: fallback,
		Logger:   log.WithField(logger, "component", "sync"),
	})
	if err != nil {
		coalescer.Close()
		return nil, fmt.Errorf("create synchronizer: %w", err)
	}

	c := &Controller{
		settings:   settings,
		logger:     logger,
		session:    sess,
		store:      store,
		coalescer:  coalescer,
		sync:       synchronizer,
		dispatcher: target.NewDispatcher(sess, log.WithField(logger, "component", "target")),
		leader:     cfg.Leader,
		stateCh:    make(chan State, 1),
		logCh:      make(chan string, 32),
	}

	source := cfg.Video
	if source == nil {
		c.stream = vision.NewMJPEGStream(settings.VideoURL(), cfg.HTTPClient, settings.Timing.Reconnect(),
			log.WithField(logger, "component", "video"))
		source = c.stream
	}
	loader := cfg.Loader
	if loader == nil {
		loader = vision.NewSSDLoader(vision.SSDConfig{
			Model:  settings.Detection.Model,
			Config: settings.Detection.Graph,
			Labels: settings.Detection.Labels,
		})
	}
	c.pipeline, err = vision.NewPipeline(vision.Options{
		Loader:   loader,
		Source:   source,
		Interval: settings.Detection.Interval(),
		MinScore: settings.Detection.MinScore,
		Logger:   log.WithField(logger, "component", "vision"),
	})
	if err != nil {
		c.closeComponents()
		return nil, fmt.Errorf("create detection pipeline: %w", err)
	}

	if c.leader == nil && settings.Leader.Enabled() {
		arm, err := robot.NewArm(settings.Leader.Port, settings.Leader.Calibration)
		if err != nil {
			c.closeComponents()
			return nil, fmt.Errorf("create leader arm: %w", err)
		}
		c.leader = arm
	}
	if c.leader != nil {
		c.leaderEvery = settings.Leader.Interval()
		if c.leaderEvery <= 0 {
			c.leaderEvery = time.Second / 30
		}
	}

	c.unsub = []func(){
		sess.Subscribe(c.route),
		sess.OnStateChange(c.handleStateChange),
		store.Subscribe(func(control.Snapshot) { c.publish() }),
		c.pipeline.Subscribe(func(vision.Snapshot) { c.publish() }),
	}
	return c, nil
}

// States returns a channel that receives state updates. Only the latest
// state is kept.
func (c *Controller) States() <-chan State {
	return c.stateCh
}

// Logs returns a channel that receives log messages.
func (c *Controller) Logs() <-chan string {
	return c.logCh
}

// Snapshot returns the current combined state.
func (c *Controller) Snapshot() State {
	return State{
		Arm:       c.store.Snapshot(),
		Session:   c.session.State(),
		Detection: c.pipeline.Snapshot(),
		Timestamp: time.Now(),
	}
}

// HasLeader reports whether a leader arm drives the joints.
func (c *Controller) HasLeader() bool {
	return c.leader != nil
}

func (c *Controller) log(format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	c.logger.Infof(format, args...)
	select {
	case c.logCh <- msg:
	default:
		// Drop if channel full
	}
}

// Start runs every component until ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("already running")
	}
	c.running = true
	c.mu.Unlock()

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(func(ctx context.Context) { c.session.Run(ctx) })
	run(c.sync.Run)
	if c.stream != nil {
		run(func(ctx context.Context) { c.stream.Run(ctx) })
	}
	if c.settings.Detection.Prewarm {
		c.pipeline.Prewarm(ctx)
	}
	if c.leader != nil {
		if err := c.leader.Release(ctx); err != nil {
			c.log("Warning: failed to release leader: %v", err)
		} else {
			c.log("Leader arm: torque disabled (passive mode)")
		}
		run(c.leaderLoop)
	}

	c.log("Connecting to %s", c.settings.WebSocketURL())
	c.publish()

	<-ctx.Done()
	c.shutdown()
	wg.Wait()
	return ctx.Err()
}

// leaderLoop stages leader arm positions as joint input. Only values that
// changed since the last read are staged.
func (c *Controller) leaderLoop(ctx context.Context) {
	ticker := time.NewTicker(c.leaderEvery)
	defer ticker.Stop()

	last := robot.Targets{Joints: map[int]int{}}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t, err := c.leader.ReadTargets(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log("Read error: %v", err)
			}
			continue
		}
		for id, deg := range t.Joints {
			if prev, ok := last.Joints[id]; ok && prev == deg {
				continue
			}
			last.Joints[id] = deg
			c.coalescer.SetJointValue(id, deg)
		}
		if t.HasGripper && (!last.HasGripper || last.Gripper != t.Gripper) {
			last.Gripper, last.HasGripper = t.Gripper, true
			c.coalescer.SetGripperValue(t.Gripper)
		}
	}
}

func (c *Controller) route(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Debugf("drop malformed message: %v", err)
		return
	}
	if c.sync.HandleMessage(msg) {
		if msg.Type == protocol.TypeTargetAck {
			c.log("%s (%s)", msg.M, msg.Status)
		}
		return
	}
	if msg.Type != protocol.TypePong {
		c.logger.Debugf("ignore message type %q", msg.Type)
	}
}

func (c *Controller) handleStateChange(st session.State) {
	switch st {
	case session.Connected:
		c.log("Connected (session %s)", c.session.ID())
	case session.Disconnected:
		c.log("Disconnected")
	}
	c.sync.HandleStateChange(st)
	c.publish()
}

func (c *Controller) publish() {
	s := c.Snapshot()
	select {
	case c.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-c.stateCh:
		default:
		}
		select {
		case c.stateCh <- s:
		default:
		}
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.closeComponents()
	if c.leader != nil {
		if err := c.leader.Close(); err != nil {
			c.log("Warning: failed to close leader: %v", err)
		}
	}
	c.log("Control stopped")
}

func (c *Controller) closeComponents() {
	for _, fn := range c.unsub {
		fn()
	}
	c.unsub = nil
	c.coalescer.Close()
	c.sync.Close()
	if c.pipeline != nil {
		if err := c.pipeline.Close(); err != nil {
			c.logger.Warnf("close detection model: %v", err)
		}
	}
	c.session.Close()
}
