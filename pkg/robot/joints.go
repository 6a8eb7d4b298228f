package robot

// JointCount is the number of joints on the MechArm 270.
const JointCount = 6

// Gripper opening, in percent.
const (
	GripperMin = 0
	GripperMax = 100
)

// Joint describes one MechArm joint and its travel in degrees.
type Joint struct {
	ID    int    // 1-6
	Label string // translation key
	Min   int
	Max   int
}

var joints = [JointCount]Joint{
	{ID: 1, Label: "j1", Min: -160, Max: 160},
	{ID: 2, Label: "j2", Min: -90, Max: 90},
	{ID: 3, Label: "j3", Min: -180, Max: 45},
	{ID: 4, Label: "j4", Min: -160, Max: 160},
	{ID: 5, Label: "j5", Min: -100, Max: 100},
	{ID: 6, Label: "j6", Min: -180, Max: 180},
}

// Joints returns all joints in id order.
func Joints() []Joint {
	out := make([]Joint, JointCount)
	copy(out, joints[:])
	return out
}

// JointByID returns the joint with the given id.
func JointByID(id int) (Joint, bool) {
	if id < 1 || id > JointCount {
		return Joint{}, false
	}
	return joints[id-1], true
}

// Clamp limits deg to the joint's travel.
func (j Joint) Clamp(deg int) int {
	return clamp(deg, j.Min, j.Max)
}

// ClampJoint limits deg to the travel of joint id. Unknown ids are returned unchanged.
func ClampJoint(id, deg int) int {
	j, ok := JointByID(id)
	if !ok {
		return deg
	}
	return j.Clamp(deg)
}

// ClampGripper limits v to [GripperMin, GripperMax].
func ClampGripper(v int) int {
	return clamp(v, GripperMin, GripperMax)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
