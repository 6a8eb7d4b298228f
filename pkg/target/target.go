// Package target turns a selected detection into a move-to-target command.
package target

import (
	"math"

	"github.com/gwillem/mecharm/pkg/log"
	"github.com/gwillem/mecharm/pkg/protocol"
	"github.com/gwillem/mecharm/pkg/vision"
)

// Sender writes a message over the live session and reports whether it did.
// *session.Session implements it.
type Sender interface {
	Send(msg protocol.Outgoing) bool
}

// Build converts a selection into a target command. The confidence is
// rounded to two decimals and the image size is the sample buffer size.
func Build(sel vision.Selection) protocol.Target {
	return protocol.Target{
		Class:      sel.Detection.Class,
		Confidence: math.Round(sel.Detection.Score*100) / 100,
		Center:     sel.Center,
		ImageSize:  [2]int{vision.SampleWidth, vision.SampleHeight},
	}
}

// Dispatcher sends target commands. Every call writes at most once and there
// is no HTTP fallback: a target is stale once its frame is gone.
type Dispatcher struct {
	sender Sender
	logger log.Logger
}

// NewDispatcher creates a dispatcher writing through sender.
func NewDispatcher(sender Sender, logger log.Logger) *Dispatcher {
	return &Dispatcher{sender: sender, logger: log.OrNop(logger)}
}

// Send writes the target for sel and reports whether it went out.
// The selection is left untouched so the same target can be sent again.
func (d *Dispatcher) Send(sel vision.Selection) bool {
	msg := Build(sel)
	if !d.sender.Send(msg) {
		d.logger.Warnf("target %s dropped: session not connected", msg.Class)
		return false
	}
	d.logger.Debugf("target %s %.2f at %v", msg.Class, msg.Confidence, msg.Center)
	return true
}
