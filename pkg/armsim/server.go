// Package armsim simulates the MechArm peer: the control WebSocket, the HTTP
// fallback endpoints, diagnostics and an MJPEG video feed.
package armsim

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/gwillem/mecharm/pkg/log"
	"github.com/gwillem/mecharm/pkg/protocol"
)

const (
	// DefaultHeartbeatTimeout is how long every client may stay silent before
	// the arm goes to the safe position.
	DefaultHeartbeatTimeout = 5 * time.Second
	// DefaultCheckInterval is the heartbeat monitor cadence.
	DefaultCheckInterval = time.Second
)

// Options configures New.
type Options struct {
	HeartbeatTimeout time.Duration
	CheckInterval    time.Duration
	FPS              int
	Quality          int
	Width, Height    int
	// AccessLog receives one line per HTTP request when set.
	AccessLog io.Writer
	Logger    log.Logger
}

// Server is the simulated peer.
type Server struct {
	app    *fiber.App
	arm    *Arm
	video  *video
	logger log.Logger

	heartbeatTimeout time.Duration
	checkInterval    time.Duration

	mu      sync.Mutex
	clients map[*websocket.Conn]time.Time

	done      chan struct{}
	closeOnce sync.Once
}

type clientMessage struct {
	Type       protocol.Type      `json:"type"`
	Joints     map[string]float64 `json:"joints"`
	Value      float64            `json:"value"`
	Class      string             `json:"class"`
	Confidence float64            `json:"confidence"`
	Center     []int              `json:"center"`
}

// New builds the server and its routes. Nothing listens until Listen or Serve.
func New(opts Options) *Server {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.FPS <= 0 {
		opts.FPS = 15
	}
	if opts.Quality <= 0 {
		opts.Quality = 70
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 640, 480
	}

	s := &Server{
		arm:              &Arm{},
		video:            newVideo(opts.Width, opts.Height, opts.FPS, opts.Quality),
		logger:           log.OrNop(opts.Logger),
		heartbeatTimeout: opts.HeartbeatTimeout,
		checkInterval:    opts.CheckInterval,
		clients:          map[*websocket.Conn]time.Time{},
		done:             make(chan struct{}),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "mecharm-sim",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	s.app.Use(recover.New())
	if opts.AccessLog != nil {
		s.app.Use(logger.New(logger.Config{Output: opts.AccessLog}))
	}
	s.routes()
	return s
}

// App returns the fiber app, for tests and embedding.
func (s *Server) App() *fiber.App { return s.app }

// Arm returns the simulated arm.
func (s *Server) Arm() *Arm { return s.arm }

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Listen serves on addr and runs the heartbeat monitor until ctx is done.
func (s *Server) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Listen on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.monitor(ctx)
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.logger.Infof("simulator listening on %s", ln.Addr())
	err := s.app.Listener(ln)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close stops streams and shuts the server down.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.app.ShutdownWithTimeout(time.Second)
	})
	return err
}

func (s *Server) routes() {
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.handleWS))

	s.app.Post("/update", func(c *fiber.Ctx) error {
		var req struct {
			Joints map[string]float64 `json:"joints"`
		}
		if err := parseBody(c, &req); err != nil {
			return err
		}
		return c.JSON(protocol.StatusReply{M: s.arm.SetAngles(req.Joints)})
	})
	s.app.Post("/gripper", func(c *fiber.Ctx) error {
		var req struct {
			Value float64 `json:"value"`
		}
		if err := parseBody(c, &req); err != nil {
			return err
		}
		return c.JSON(protocol.StatusReply{M: s.arm.SetGripper(req.Value)})
	})
	s.app.Post("/reset", func(c *fiber.Ctx) error {
		return c.JSON(protocol.StatusReply{M: s.arm.Reset()})
	})
	s.app.Get("/sync", func(c *fiber.Ctx) error {
		return c.JSON(s.syncReply())
	})
	s.app.Get("/diagnostics", s.handleDiagnostics)
	s.app.Get("/video", s.handleVideo)
}

func (s *Server) handleWS(c *websocket.Conn) {
	s.mu.Lock()
	s.clients[c] = time.Now()
	s.mu.Unlock()
	s.logger.Infof("client connected: %s session=%s", c.RemoteAddr(), c.Headers("X-Session-Id"))

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		s.logger.Infof("client disconnected: %s", c.RemoteAddr())
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warnf("ws read: %v", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warnf("skip malformed message: %v", err)
			continue
		}
		reply, ok := s.handleMessage(c, msg)
		if !ok {
			continue
		}
		if err := c.WriteJSON(reply); err != nil {
			s.logger.Warnf("ws write: %v", err)
			return
		}
	}
}

// handleMessage applies one client message and returns the reply.
// Unknown types get no reply.
func (s *Server) handleMessage(c *websocket.Conn, msg clientMessage) (protocol.Incoming, bool) {
	switch msg.Type {
	case protocol.TypePing:
		s.mu.Lock()
		s.clients[c] = time.Now()
		s.mu.Unlock()
		return protocol.Incoming{Type: protocol.TypePong}, true
	case protocol.TypeAngles:
		return protocol.Incoming{Type: protocol.TypeAck, M: s.arm.SetAngles(msg.Joints)}, true
	case protocol.TypeGripper:
		return protocol.Incoming{Type: protocol.TypeAck, M: s.arm.SetGripper(msg.Value)}, true
	case protocol.TypeReset:
		return protocol.Incoming{Type: protocol.TypeAck, M: s.arm.Reset()}, true
	case protocol.TypeTarget:
		center := []int{0, 0}
		if len(msg.Center) == 2 {
			center = msg.Center
		}
		class := msg.Class
		if class == "" {
			class = "unknown"
		}
		s.logger.Infof("target: %s (%.0f%%) at pixel (%d, %d)", class, msg.Confidence*100, center[0], center[1])
		return protocol.Incoming{
			Type:   protocol.TypeTargetAck,
			M:      fmt.Sprintf("Target: %s at (%d, %d)", class, center[0], center[1]),
			Status: "received",
		}, true
	case protocol.TypeSync:
		r := s.syncReply()
		return protocol.Incoming{Type: protocol.TypeSync, A: r.A, G: r.G}, true
	}
	return protocol.Incoming{}, false
}

func (s *Server) syncReply() protocol.SyncReply {
	angles, gripper := s.arm.State()
	return protocol.SyncReply{A: angles, G: &gripper}
}

func (s *Server) handleDiagnostics(c *fiber.Ctx) error {
	angles, gripper := s.arm.State()
	return c.JSON(fiber.Map{
		"arm": fiber.Map{
			"angles":  angles,
			"gripper": gripper,
		},
		"video":               s.video.Stats(),
		"clients":             s.Clients(),
		"heartbeat_timeout_s": s.heartbeatTimeout.Seconds(),
	})
}

func (s *Server) handleVideo(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "multipart/x-mixed-replace; boundary="+frameBoundary)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		s.video.stream(w, s.arm, s.done)
	})
	return nil
}

// monitor moves the arm to the safe position when every connected client
// has been silent for longer than the heartbeat timeout.
func (s *Server) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.allStale(now) {
				s.logger.Warnf("heartbeat timeout, moving arm to safe position")
				s.arm.GoSafe()
			}
		}
	}
}

func (s *Server) allStale(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) == 0 {
		return false
	}
	for _, last := range s.clients {
		if now.Sub(last) <= s.heartbeatTimeout {
			return false
		}
	}
	return true
}

func parseBody(c *fiber.Ctx, v interface{}) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Body(), v); err != nil {
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	}
	return nil
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{"detail": err.Error()})
}
