package robot

import (
	"context"
	"fmt"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

// Targets are MechArm values derived from one leader arm reading.
type Targets struct {
	Joints     map[int]int // joint id -> degrees
	Gripper    int
	HasGripper bool
}

// Arm is a leader arm on a feetech bus, used as an input device.
type Arm struct {
	bus         *feetech.Bus
	group       *feetech.ServoGroup
	calibration Calibration
}

// NewArm opens the bus on port and prepares sync reads for the calibrated motors.
func NewArm(port string, cal Calibration) (*Arm, error) {
	if len(cal) == 0 {
		return nil, fmt.Errorf("leader arm on %s is not calibrated", port)
	}
	if err := cal.Validate(); err != nil {
		return nil, fmt.Errorf("leader calibration: %w", err)
	}

	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}

	ids := cal.MotorIDs()
	group := feetech.NewServoGroupByIDs(bus, ids...)

	return &Arm{
		bus:         bus,
		group:       group,
		calibration: cal,
	}, nil
}

// Close closes the arm's bus connection.
func (a *Arm) Close() error {
	return a.bus.Close()
}

// Release disables torque on all servos so the arm can be moved by hand.
func (a *Arm) Release(ctx context.Context) error {
	return a.group.DisableAll(ctx)
}

// ReadTargets reads all motors and maps them onto MechArm joints and gripper.
func (a *Arm) ReadTargets(ctx context.Context) (Targets, error) {
	rawPositions, err := a.group.Positions(ctx)
	if err != nil {
		return Targets{}, fmt.Errorf("read positions: %w", err)
	}
	return a.calibration.Targets(rawPositions), nil
}

// Targets maps raw servo positions keyed by servo id onto MechArm values.
func (c Calibration) Targets(raw map[int]int) Targets {
	t := Targets{Joints: make(map[int]int, JointCount)}
	for id, pos := range raw {
		_, mc, ok := c.ByID(id)
		if !ok {
			continue
		}
		v, ok := mc.Target(pos)
		if !ok {
			continue
		}
		if mc.Joint == GripperJoint {
			t.Gripper = v
			t.HasGripper = true
			continue
		}
		t.Joints[mc.Joint] = v
	}
	return t
}
