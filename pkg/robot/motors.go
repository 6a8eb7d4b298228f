// Package robot describes the MechArm joints and reads an SO-101 leader arm
// that can drive them.
package robot

// MotorName identifies a motor in the leader arm.
type MotorName string

// Motor names for the SO-101 leader arm.
const (
	ShoulderPan  MotorName = "shoulder_pan"
	ShoulderLift MotorName = "shoulder_lift"
	ElbowFlex    MotorName = "elbow_flex"
	WristFlex    MotorName = "wrist_flex"
	WristRoll    MotorName = "wrist_roll"
	Gripper      MotorName = "gripper"
)

// Mapping targets for MotorCalibration.Joint besides joint ids 1-6.
const (
	GripperJoint  = 0
	UnmappedJoint = -1
)

// AllMotors returns all motor names in order (matching servo IDs 1-6).
func AllMotors() []MotorName {
	return []MotorName{
		ShoulderPan,
		ShoulderLift,
		ElbowFlex,
		WristFlex,
		WristRoll,
		Gripper,
	}
}

// DefaultJointMap maps each leader motor onto the MechArm joint it drives.
// The SO-101 has no forearm roll, so MechArm J4 is left to the sliders.
func DefaultJointMap() map[MotorName]int {
	return map[MotorName]int{
		ShoulderPan:  1,
		ShoulderLift: 2,
		ElbowFlex:    3,
		WristFlex:    5,
		WristRoll:    6,
		Gripper:      GripperJoint,
	}
}
