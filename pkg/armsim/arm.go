package armsim

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/gwillem/mecharm/pkg/robot"
)

// SafeGripper is the gripper value of the safe position. All joints are 0.
const SafeGripper = 0

// Arm is a simulated MechArm. It applies targets immediately.
type Arm struct {
	mu      sync.Mutex
	angles  [robot.JointCount]float64
	gripper float64
	safes   int
}

// SetAngles applies joint targets keyed by joint id ("1".."6") and returns
// the status text for the highest joint id. Unknown ids are ignored.
func (a *Arm) SetAngles(joints map[string]float64) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	last := ""
	ids := make([]int, 0, len(joints))
	for k := range joints {
		id, err := strconv.Atoi(k)
		if err != nil || id < 1 || id > robot.JointCount {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		v := joints[strconv.Itoa(id)]
		a.angles[id-1] = v
		last = fmt.Sprintf("J%d → %s°", id, formatNumber(v))
	}
	if last == "" {
		return "J? → °"
	}
	return last
}

// SetGripper applies a gripper target and returns the status text.
func (a *Arm) SetGripper(v float64) string {
	a.mu.Lock()
	a.gripper = v
	a.mu.Unlock()

	state := "Close"
	if v > 50 {
		state = "Open"
	}
	return fmt.Sprintf("Gripper %s → %s%%", state, formatNumber(v))
}

// Reset sends every joint and the gripper to zero.
func (a *Arm) Reset() string {
	a.mu.Lock()
	a.angles = [robot.JointCount]float64{}
	a.gripper = 0
	a.mu.Unlock()
	return "All Reset"
}

// GoSafe moves to the safe position.
func (a *Arm) GoSafe() {
	a.mu.Lock()
	a.angles = [robot.JointCount]float64{}
	a.gripper = SafeGripper
	a.safes++
	a.mu.Unlock()
}

// SafeCount returns how often GoSafe ran.
func (a *Arm) SafeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.safes
}

// State returns the current angles and gripper value.
func (a *Arm) State() ([]float64, float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]float64, len(a.angles))
	copy(out, a.angles[:])
	return out, a.gripper
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
