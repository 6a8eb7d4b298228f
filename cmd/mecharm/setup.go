package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hipsterbrown/feetech-servo/feetech"

	"github.com/gwillem/mecharm/pkg/robot"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var errSetupAborted = errors.New("setup aborted")

type SetupCommand struct {
	Port string `long:"port" description:"Leader arm serial port (skips the scan)"`
	Hz   int    `long:"hz" default:"30" description:"Leader arm polling frequency"`
}

func (c *SetupCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render("MechArm Leader Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println()

	port := c.Port
	if port == "" {
		port, err = scanForLeader()
		if err != nil {
			return err
		}
	}

	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Calibrating Leader Arm ━━━"))
	fmt.Println()
	cal, err := calibrateArm(port)
	if err != nil {
		return err
	}

	cfg.Leader.Port = port
	cfg.Leader.Hz = c.Hz
	cfg.Leader.Calibration = cal
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(opts.ConfigFile); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", opts.ConfigFile)
	fmt.Println()
	fmt.Println("Start control with: " + headerStyle.Render("mecharm control"))
	return nil
}

func scanForLeader() (string, error) {
	fmt.Println("Scanning for leader arms...")
	fmt.Println()

	arms, err := findArms()
	if err != nil {
		return "", err
	}
	if len(arms) == 0 {
		return "", errors.New("no SO-101 arms found; make sure the leader arm is connected and powered on")
	}

	fmt.Printf("Found %d arm(s). Let's identify the leader...\n\n", len(arms))

	var leaderPort string
	for i, arm := range arms {
		if leaderPort != "" {
			arm.bus.Close()
			continue
		}
		ok, err := identifyArmWithWiggle(arm)
		if err != nil {
			for _, rest := range arms[i+1:] {
				rest.bus.Close()
			}
			return "", err
		}
		if ok {
			leaderPort = arm.port
		}
	}
	if leaderPort == "" {
		return "", errors.New("leader arm not identified")
	}

	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Printf("  Leader: %s\n", leaderPort)
	return leaderPort, nil
}

// identifyArmWithWiggle moves servo 1 a little and asks whether this arm is
// the leader. It closes the arm's bus.
func identifyArmWithWiggle(arm armInfo) (bool, error) {
	defer arm.bus.Close()

	ctx := context.Background()

	var servo *feetech.Servo
	for _, s := range arm.servos {
		if s.ID == 1 {
			servo = feetech.NewServo(arm.bus, s.ID, s.Model)
			break
		}
	}
	if servo == nil {
		return false, nil
	}

	originalPos, err := servo.Position(ctx)
	if err != nil {
		fmt.Printf("  Error reading position: %v\n", err)
		return false, nil
	}
	if err := servo.Enable(ctx); err != nil {
		fmt.Printf("  Error enabling servo: %v\n", err)
		return false, nil
	}

	fmt.Printf("\n  Wiggling arm on %s...\n", arm.port)

	wiggleAmount := 30
	moveTimeMs := 500
	for _, pos := range []int{originalPos + wiggleAmount, originalPos - wiggleAmount, originalPos} {
		servo.SetPositionWithTime(ctx, pos, moveTimeMs)
		time.Sleep(time.Duration(moveTimeMs+100) * time.Millisecond)
	}
	servo.Disable(ctx)

	var role string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Which arm is on %s?", arm.port)).
				Description("The arm that just wiggled").
				Options(
					huh.NewOption("Leader (the one you move by hand)", "leader"),
					huh.NewOption("Skip this arm", "skip"),
				).
				Value(&role),
		),
	)
	if err := form.Run(); err != nil {
		return false, errSetupAborted
	}
	return role == "leader", nil
}

// calibrateArm records the range of motion of every motor and maps each motor
// onto its default MechArm joint.
func calibrateArm(port string) (robot.Calibration, error) {
	fmt.Printf("Calibrating leader arm on %s\n", port)
	fmt.Println()

	bus, servos, err := connectToArm(port)
	if err != nil {
		return nil, fmt.Errorf("connect to arm: %w", err)
	}
	defer bus.Close()

	servoMap := make(map[int]*feetech.Servo)
	for _, s := range servos {
		servoMap[s.ID] = feetech.NewServo(bus, s.ID, s.Model)
	}

	// Disable all servos so the arm moves freely
	ctx := context.Background()
	for _, servo := range servoMap {
		servo.Disable(ctx)
	}

	fmt.Println(subHeaderStyle.Render("Record range of motion"))
	fmt.Println("Move each joint to its minimum AND maximum positions.")
	fmt.Println()

	motors := robot.AllMotors()
	curPositions := make(map[robot.MotorName]int)
	minPositions := make(map[robot.MotorName]int)
	maxPositions := make(map[robot.MotorName]int)
	for i, name := range motors {
		pos, _ := servoMap[i+1].Position(ctx)
		curPositions[name] = pos
		minPositions[name] = pos
		maxPositions[name] = pos
	}

	model := newCalibrationModel(motors, servoMap, curPositions, minPositions, maxPositions)
	finalModel, err := tea.NewProgram(model).Run()
	if err != nil {
		return nil, fmt.Errorf("run calibration: %w", err)
	}
	cm := finalModel.(calibrationModel)
	return buildCalibration(motors, cm.minPositions, cm.maxPositions), nil
}

// buildCalibration turns recorded ranges into a calibration using the default
// joint map. Servo ids follow motor order.
func buildCalibration(motors []robot.MotorName, minPositions, maxPositions map[robot.MotorName]int) robot.Calibration {
	jointMap := robot.DefaultJointMap()
	cal := make(robot.Calibration, len(motors))
	for i, name := range motors {
		joint, ok := jointMap[name]
		if !ok {
			joint = robot.UnmappedJoint
		}
		cal[name] = robot.MotorCalibration{
			ID:       i + 1,
			RangeMin: minPositions[name],
			RangeMax: maxPositions[name],
			Joint:    joint,
		}
	}
	return cal
}

// Calibration TUI model
type calibrationModel struct {
	motors       []robot.MotorName
	servoMap     map[int]*feetech.Servo
	curPositions map[robot.MotorName]int
	minPositions map[robot.MotorName]int
	maxPositions map[robot.MotorName]int
	quitting     bool
}

type tickMsg time.Time

func newCalibrationModel(
	motors []robot.MotorName,
	servoMap map[int]*feetech.Servo,
	curPositions, minPositions, maxPositions map[robot.MotorName]int,
) calibrationModel {
	return calibrationModel{
		motors:       motors,
		servoMap:     servoMap,
		curPositions: curPositions,
		minPositions: minPositions,
		maxPositions: maxPositions,
	}
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m calibrationModel) Init() tea.Cmd {
	return tick()
}

func (m calibrationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter", "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		ctx := context.Background()
		for i, name := range m.motors {
			servo := m.servoMap[i+1]
			if servo == nil {
				continue
			}
			pos, err := servo.Position(ctx)
			if err != nil {
				continue
			}
			m.record(name, pos)
		}
		return m, tick()
	}

	return m, nil
}

func (m calibrationModel) record(name robot.MotorName, pos int) {
	m.curPositions[name] = pos
	if pos < m.minPositions[name] {
		m.minPositions[name] = pos
	}
	if pos > m.maxPositions[name] {
		m.maxPositions[name] = pos
	}
}

func (m calibrationModel) View() string {
	if m.quitting {
		return ""
	}

	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableMotorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle := lipgloss.NewStyle().Padding(0, 1)
	tableCurrentStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	tableRangeGoodStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
	tableRangeLowStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)

	jointMap := robot.DefaultJointMap()
	rows := make([][]string, 0, len(m.motors))
	ranges := make([]int, 0, len(m.motors))
	for _, name := range m.motors {
		rangeSize := m.maxPositions[name] - m.minPositions[name]
		ranges = append(ranges, rangeSize)
		rows = append(rows, []string{
			string(name),
			jointLabel(jointMap[name]),
			fmt.Sprintf("%d", m.curPositions[name]),
			fmt.Sprintf("%d", m.minPositions[name]),
			fmt.Sprintf("%d", m.maxPositions[name]),
			fmt.Sprintf("%d", rangeSize),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Motor", "Drives", "Current", "Min", "Max", "Range").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 0:
				return tableMotorStyle
			case 2:
				return tableCurrentStyle
			case 5:
				if row >= 0 && row < len(ranges) && ranges[row] > 500 {
					return tableRangeGoodStyle
				}
				return tableRangeLowStyle
			default:
				return tableCellStyle
			}
		})

	var sb strings.Builder
	sb.WriteString(t.Render())
	sb.WriteString("\n\n")
	sb.WriteString(dimStyle.Render("Press Enter when done"))
	return sb.String()
}

func jointLabel(joint int) string {
	switch joint {
	case robot.GripperJoint:
		return "gripper"
	case robot.UnmappedJoint:
		return "-"
	}
	return fmt.Sprintf("J%d", joint)
}
