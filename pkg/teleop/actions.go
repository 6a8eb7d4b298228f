package teleop

import (
	"context"

	"github.com/gwillem/mecharm/pkg/vision"
)

// SetJoint stages a joint angle. It is clamped to the joint's travel.
func (c *Controller) SetJoint(id, deg int) { c.coalescer.SetJointValue(id, deg) }

// SetGripper stages a gripper value (0 closed, 100 open).
func (c *Controller) SetGripper(v int) { c.coalescer.SetGripperValue(v) }

// OpenGripper opens the gripper at once.
func (c *Controller) OpenGripper() { c.coalescer.OpenGripper() }

// CloseGripper closes the gripper at once.
func (c *Controller) CloseGripper() { c.coalescer.CloseGripper() }

// Reset zeroes every joint and the gripper.
func (c *Controller) Reset() {
	c.coalescer.Reset()
	c.log("Reset all joints")
}

// Sync requests the arm state from the peer.
func (c *Controller) Sync() { c.sync.RequestSync() }

// ToggleDetection starts or stops detection and returns whether it is active.
func (c *Controller) ToggleDetection(ctx context.Context) bool {
	was := c.pipeline.Snapshot()
	if was.Loading {
		return false
	}
	active := c.pipeline.Toggle(ctx)
	switch {
	case active:
		c.log("Detection enabled")
	case was.Active:
		c.log("Detection disabled")
	default:
		c.log("Detection unavailable (see log file)")
	}
	return active
}

// Select picks the detection under (x, y) in sample coordinates.
func (c *Controller) Select(x, y float64) (vision.Selection, bool) {
	return c.pipeline.SelectDetection(x, y)
}

// ClearTarget drops the selection.
func (c *Controller) ClearTarget() { c.pipeline.ClearTarget() }

// MoveToTarget sends the selected detection as a target once.
func (c *Controller) MoveToTarget() bool {
	sel, ok := c.pipeline.Selected()
	if !ok {
		return false
	}
	if !c.dispatcher.Send(sel) {
		c.log("Target %s not sent: disconnected", sel.Detection.Class)
		return false
	}
	c.log("Target %s sent at (%d, %d)", sel.Detection.Class, sel.Center[0], sel.Center[1])
	return true
}
