package control

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gwillem/mecharm/pkg/log"
	"github.com/gwillem/mecharm/pkg/protocol"
	"github.com/gwillem/mecharm/pkg/session"
)

// DefaultSyncInterval is how often state is pulled regardless of connectivity.
const DefaultSyncInterval = 30 * time.Second

// SynchronizerOptions configures NewSynchronizer.
type SynchronizerOptions struct {
	Interval time.Duration
	Store    *Store
	Sender   Sender
	Fallback Fallback // optional
	Logger   log.Logger
}

// Synchronizer pulls authoritative arm state from the peer and applies it.
// Incoming state always replaces local state, including values still staged
// in the coalescer.
type Synchronizer struct {
	interval time.Duration
	store    *Store
	sender   Sender
	fallback Fallback
	logger   log.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inflight atomic.Bool
}

// NewSynchronizer creates a synchronizer.
func NewSynchronizer(opts SynchronizerOptions) (*Synchronizer, error) {
	if opts.Store == nil || opts.Sender == nil {
		return nil, errors.New("synchronizer needs a store and a sender")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultSyncInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		interval: opts.Interval,
		store:    opts.Store,
		sender:   opts.Sender,
		fallback: opts.Fallback,
		logger:   log.OrNop(opts.Logger),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// RequestSync asks for the arm state over the session, or pulls it over HTTP
// when the session is down. At most one HTTP pull runs at a time.
func (s *Synchronizer) RequestSync() {
	if s.sender.Send(protocol.SyncRequest{}) {
		return
	}
	if s.fallback == nil {
		return
	}
	if !s.inflight.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.inflight.Store(false)
		reply, err := s.fallback.Sync(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warnf("sync fallback failed: %v", err)
				s.store.SetStatus(fmt.Sprintf("Request failed: %v", err))
			}
			return
		}
		s.store.ApplySync(reply.A, reply.G)
	}()
}

// HandleMessage applies one incoming message. It reports whether the message
// was for the arm state.
func (s *Synchronizer) HandleMessage(msg protocol.Incoming) bool {
	switch msg.Type {
	case protocol.TypeSync:
		s.store.ApplySync(msg.A, msg.G)
	case protocol.TypeAck, protocol.TypeTargetAck:
		s.store.SetStatus(msg.M)
	default:
		return false
	}
	return true
}

// HandleStateChange resyncs on every transition into Connected.
func (s *Synchronizer) HandleStateChange(st session.State) {
	if st == session.Connected {
		s.RequestSync()
	}
}

// Run requests a sync every interval until ctx is done.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RequestSync()
		}
	}
}

// Close aborts an HTTP pull in flight.
func (s *Synchronizer) Close() {
	s.cancel()
}
