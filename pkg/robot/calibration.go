package robot

import (
	"fmt"
	"math"
)

// MotorCalibration holds calibration data for a single leader motor and the
// MechArm joint it drives.
type MotorCalibration struct {
	ID           int `yaml:"id" json:"id"`
	DriveMode    int `yaml:"drive_mode" json:"drive_mode"`
	HomingOffset int `yaml:"homing_offset" json:"homing_offset"`
	RangeMin     int `yaml:"range_min" json:"range_min"`
	RangeMax     int `yaml:"range_max" json:"range_max"`
	Joint        int `yaml:"joint" json:"joint"` // 1-6, GripperJoint or UnmappedJoint
}

// Calibration holds calibration data for all motors, keyed by motor name.
type Calibration map[MotorName]MotorCalibration

// Normalize converts a raw servo position to a normalized value in the range [-100, 100].
// DriveMode 1 inverts the direction.
func (c MotorCalibration) Normalize(raw int) float64 {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	if rangeSize == 0 {
		return 0
	}
	norm := (float64(raw-c.RangeMin)/rangeSize)*200 - 100
	if c.DriveMode == 1 {
		norm = -norm
	}
	return math.Max(-100, math.Min(100, norm))
}

// Denormalize converts a normalized value [-100, 100] to a raw servo position.
func (c MotorCalibration) Denormalize(norm float64) int {
	if c.DriveMode == 1 {
		norm = -norm
	}
	rangeSize := float64(c.RangeMax - c.RangeMin)
	return int((norm+100)/200*rangeSize) + c.RangeMin
}

// Target converts a raw servo position to a value for the mapped MechArm
// channel: degrees within the joint's travel, or a gripper percentage.
// ok is false for unmapped motors.
func (c MotorCalibration) Target(raw int) (value int, ok bool) {
	norm := c.Normalize(raw)
	if c.Joint == GripperJoint {
		return ClampGripper(int(math.Round((norm + 100) / 2))), true
	}
	j, found := JointByID(c.Joint)
	if !found {
		return 0, false
	}
	deg := float64(j.Min) + (norm+100)/200*float64(j.Max-j.Min)
	return j.Clamp(int(math.Round(deg))), true
}

// MotorIDs returns the servo IDs for all motors in the calibration.
func (c Calibration) MotorIDs() []int {
	ids := make([]int, 0, len(c))
	// Use AllMotors() to ensure consistent ordering
	for _, name := range AllMotors() {
		if mc, ok := c[name]; ok {
			ids = append(ids, mc.ID)
		}
	}
	return ids
}

// ByID returns motor name and calibration for a given servo ID.
func (c Calibration) ByID(id int) (MotorName, MotorCalibration, bool) {
	for name, mc := range c {
		if mc.ID == id {
			return name, mc, true
		}
	}
	return "", MotorCalibration{}, false
}

// Validate checks that every motor has a usable range and a known mapping,
// and that no MechArm joint is driven by two motors.
func (c Calibration) Validate() error {
	seen := map[int]MotorName{}
	for _, name := range AllMotors() {
		mc, ok := c[name]
		if !ok {
			continue
		}
		if mc.RangeMax <= mc.RangeMin {
			return fmt.Errorf("motor %s: range_max %d must exceed range_min %d", name, mc.RangeMax, mc.RangeMin)
		}
		if mc.Joint == UnmappedJoint {
			continue
		}
		if mc.Joint != GripperJoint {
			if _, ok := JointByID(mc.Joint); !ok {
				return fmt.Errorf("motor %s: unknown joint %d", name, mc.Joint)
			}
		}
		if other, dup := seen[mc.Joint]; dup {
			return fmt.Errorf("motors %s and %s both drive joint %d", other, name, mc.Joint)
		}
		seen[mc.Joint] = name
	}
	return nil
}
