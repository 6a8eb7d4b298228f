package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/mecharm/pkg/i18n"
	"github.com/gwillem/mecharm/pkg/log"
	"github.com/gwillem/mecharm/pkg/robot"
	"github.com/gwillem/mecharm/pkg/session"
	"github.com/gwillem/mecharm/pkg/settings"
	"github.com/gwillem/mecharm/pkg/teleop"
)

type ControlCommand struct {
	Step int `long:"step" default:"5" description:"Degrees per arrow key press"`
}

const (
	headerHeight = 3 // title, banner, blank line
	panelHeight  = overlayRows + 4
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
	barWidth     = 24
	gripperRow   = robot.JointCount
)

// Joint colors, also used for the chart
var jointColors = [robot.JointCount + 1]string{
	"196", // red
	"208", // orange
	"226", // yellow
	"46",  // green
	"51",  // cyan
	"33",  // blue
	"201", // magenta, gripper
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	bannerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("160")).Padding(0, 1)
	cursorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

type controlModel struct {
	ctx      context.Context
	ctrl     *teleop.Controller
	settings *settings.Manager
	lang     i18n.Lang
	step     int

	state      teleop.State
	chart      *streamlinechart.Model
	width      int // terminal width
	height     int // terminal height
	logs       []string
	row        int // selected joint row, gripperRow for the gripper
	pick       int // index after the detection last picked with 'n'
	quitting   bool
	lastAngles *[robot.JointCount]int
}

func (m *controlModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// Messages from the controller
type stateMsg teleop.State
type logMsg string
type detectMsg bool

func waitForState(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ctrl.States())
	}
}

func waitForLog(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-ctrl.Logs())
	}
}

// toggleDetection runs off the UI goroutine: loading the model can take seconds.
func toggleDetection(ctx context.Context, ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return detectMsg(ctrl.ToggleDetection(ctx))
	}
}

func (m *controlModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 10
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - panelHeight - footerHeight - borderSize
	if height < 6 {
		height = 6
	}
	return width, height
}

func (m *controlModel) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

func seriesName(row int) string {
	if row == gripperRow {
		return "gripper"
	}
	return fmt.Sprintf("J%d", row+1)
}

func initialControlModel(ctx context.Context, ctrl *teleop.Controller, mgr *settings.Manager, step int) controlModel {
	chart := streamlinechart.New(80, 10,
		streamlinechart.WithYRange(-180, 180),
	)
	for row, color := range jointColors {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(color))
		chart.SetDataSetStyles(seriesName(row), runes.ThinLineStyle, style)
	}

	return controlModel{
		ctx:      ctx,
		ctrl:     ctrl,
		settings: mgr,
		lang:     mgr.Language(),
		step:     step,
		state:    ctrl.Snapshot(),
		chart:    &chart,
	}
}

func (m controlModel) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.ctrl),
		waitForLog(m.ctrl),
	)
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionPress && msg.Button == tea.MouseButtonLeft {
			m.click(msg.X, msg.Y)
		}
		return m, nil

	case stateMsg:
		m.state = teleop.State(msg)
		m.pushChart()
		return m, waitForState(m.ctrl)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.ctrl)

	case detectMsg:
		m.pick = 0
		return m, nil
	}

	return m, nil
}

func (m controlModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	arm := m.state.Arm
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		m.row = (m.row + gripperRow) % (gripperRow + 1)
	case "down", "j":
		m.row = (m.row + 1) % (gripperRow + 1)
	case "left", "h":
		m.nudge(arm.Angles, arm.Gripper, -m.step)
	case "right", "l":
		m.nudge(arm.Angles, arm.Gripper, m.step)
	case "[":
		m.nudge(arm.Angles, arm.Gripper, -1)
	case "]":
		m.nudge(arm.Angles, arm.Gripper, 1)
	case "o":
		m.ctrl.OpenGripper()
	case "c":
		m.ctrl.CloseGripper()
	case "r":
		m.ctrl.Reset()
	case "s":
		m.ctrl.Sync()
	case "d":
		return m, toggleDetection(m.ctx, m.ctrl)
	case "n":
		m.next()
	case "t":
		m.ctrl.MoveToTarget()
	case "x":
		m.ctrl.ClearTarget()
	case "g":
		lang, err := m.settings.Toggle()
		if err != nil {
			m.addLog(fmt.Sprintf("save settings: %v", err))
		}
		m.lang = lang
	}
	return m, nil
}

// next selects the detection after the last pick. Boxes hidden behind an
// earlier box cannot be selected and are skipped.
func (m *controlModel) next() {
	dets := m.state.Detection.Detections
	for range dets {
		i := m.pick % len(dets)
		m.pick = i + 1
		if x, y, ok := pickPoint(dets, i); ok {
			m.ctrl.Select(x, y)
			return
		}
	}
}

// overlayOrigin is the screen position of the overlay's top-left cell:
// below the header, the detection panel border and its title line, right of
// the joint panel, the border and the padding.
func (m controlModel) overlayOrigin() (x, y int) {
	return lipgloss.Width(panelStyle.Render(m.jointPanel())) + 2, headerHeight + 2
}

// click selects the detection under a mouse click on the overlay.
func (m controlModel) click(sx, sy int) {
	if !m.state.Detection.Active {
		return
	}
	ox, oy := m.overlayOrigin()
	x, y, ok := fromCell(sx-ox, sy-oy)
	if !ok {
		return
	}
	m.ctrl.Select(x, y)
}

func (m *controlModel) nudge(angles [robot.JointCount]int, gripper, delta int) {
	if m.row == gripperRow {
		m.ctrl.SetGripper(gripper + delta)
		return
	}
	m.ctrl.SetJoint(m.row+1, angles[m.row]+delta)
}

// pushChart adds a point per series when the pose changed (freeze when idle).
func (m *controlModel) pushChart() {
	angles := m.state.Arm.Angles
	if m.lastAngles != nil && *m.lastAngles == angles {
		return
	}
	for i, a := range angles {
		m.chart.PushDataSet(seriesName(i), float64(a))
	}
	m.chart.PushDataSet(seriesName(gripperRow), float64(m.state.Arm.Gripper))
	m.chart.DrawAll()
	m.lastAngles = &angles
}

func (m controlModel) t(key i18n.Key) string {
	return i18n.T(m.lang, key)
}

func (m controlModel) View() string {
	if m.quitting {
		return "Control stopped.\n"
	}

	var sb strings.Builder

	// Header
	sb.WriteString(titleStyle.Render(m.t(i18n.Header)))
	if m.state.Session == session.Connected {
		sb.WriteString(onlineStyle.Render("  ● " + m.state.Session.String()))
	} else {
		sb.WriteString(offlineStyle.Render("  ○ " + m.state.Session.String()))
	}
	if m.ctrl.HasLeader() {
		sb.WriteString(statusStyle.Render("  leader arm"))
	}
	sb.WriteString(statusStyle.Render("  [g] " + m.t(i18n.ToggleLabel)))
	sb.WriteString("\n")
	if m.state.Session != session.Connected {
		sb.WriteString(bannerStyle.Render(m.t(i18n.Disconnected)))
	}
	sb.WriteString("\n\n")

	sb.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		panelStyle.Render(m.jointPanel()),
		panelStyle.Render(m.detectionPanel()),
	))
	sb.WriteString("\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	// Log box
	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20)).
		Foreground(lipgloss.Color("9")) // bright red

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("Press 'q' to quit")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func (m controlModel) jointPanel() string {
	var sb strings.Builder
	arm := m.state.Arm

	sb.WriteString(titleStyle.Render(m.t(i18n.JointControl)))
	sb.WriteString("\n")
	for i, j := range robot.Joints() {
		color := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColors[i]))
		fmt.Fprintf(&sb, "%s %-10s %s %5d°  %s\n",
			m.cursor(i),
			m.t(i18n.JointKey(j.ID)),
			color.Render(bar(arm.Angles[i], j.Min, j.Max)),
			arm.Angles[i],
			statusStyle.Render(fmt.Sprintf("[%d, %d]", j.Min, j.Max)))
	}

	sb.WriteString("\n")
	sb.WriteString(titleStyle.Render(m.t(i18n.GripperControl)))
	sb.WriteString("\n")
	color := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColors[gripperRow]))
	fmt.Fprintf(&sb, "%s %-10s %s %5d%%\n",
		m.cursor(gripperRow),
		m.t(i18n.GripperLabel),
		color.Render(bar(arm.Gripper, robot.GripperMin, robot.GripperMax)),
		arm.Gripper)
	fmt.Fprintf(&sb, "  %s  ←  →  %s\n", statusStyle.Render(m.t(i18n.FullyClosed)), statusStyle.Render(m.t(i18n.FullyOpen)))

	sb.WriteString("\n")
	sb.WriteString(statusStyle.Render(fmt.Sprintf("[o] %s  [c] %s  [r] %s  [s] %s",
		m.t(i18n.OpenBtn), m.t(i18n.CloseBtn), m.t(i18n.ResetBtn), m.t(i18n.SyncBtn))))
	sb.WriteString("\n\n")
	sb.WriteString(i18n.Status(m.lang, arm.Status))
	return sb.String()
}

func (m controlModel) detectionPanel() string {
	var sb strings.Builder
	det := m.state.Detection

	sb.WriteString(titleStyle.Render(m.t(i18n.DetectTitle)))
	switch {
	case det.Loading:
		sb.WriteString(statusStyle.Render("  " + m.t(i18n.LoadingModel)))
	case det.Active:
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [d] %s  %dms  #%d", m.t(i18n.DisableDetect), det.InferenceMs, det.Frame)))
	default:
		sb.WriteString(statusStyle.Render("  [d] " + m.t(i18n.EnableDetect)))
	}
	sb.WriteString("\n")
	sb.WriteString(buildGrid(det).render())
	sb.WriteString("\n")

	if det.Selected != nil {
		sel := det.Selected
		fmt.Fprintf(&sb, "%s %.0f%% (%d, %d)  ", sel.Detection.Class, sel.Detection.Score*100, sel.Center[0], sel.Center[1])
		sb.WriteString(statusStyle.Render(fmt.Sprintf("[t] %s  [x] %s", m.t(i18n.MoveToTarget), m.t(i18n.ClearTarget))))
	} else {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("[n] next / click  %d", len(det.Detections))))
	}
	return sb.String()
}

func (m controlModel) cursor(row int) string {
	if row == m.row {
		return cursorStyle.Render("▸")
	}
	return " "
}

// bar renders v in [lo, hi] as a slider.
func bar(v, lo, hi int) string {
	if hi <= lo {
		return strings.Repeat("─", barWidth)
	}
	pos := (v - lo) * (barWidth - 1) / (hi - lo)
	pos = min(max(pos, 0), barWidth-1)
	return strings.Repeat("━", pos) + "●" + strings.Repeat("─", barWidth-1-pos)
}

func (c *ControlCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The TUI owns the terminal, so log to file only
	logger, err := newLogger(cfg, nil)
	if err != nil {
		return err
	}
	defer log.Close(logger)

	mgr, err := settings.NewManager("")
	if err != nil {
		return err
	}
	if _, err := mgr.Load(); err != nil {
		logger.Warnf("load settings: %v", err)
	}

	ctrl, err := teleop.NewController(teleop.Config{
		Settings: cfg,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ctrl.Start(ctx)
	}()

	p := tea.NewProgram(initialControlModel(ctx, ctrl, mgr, c.Step), tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, runErr := p.Run()

	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("controller: %v", err)
	}
	if runErr != nil {
		return fmt.Errorf("run program: %w", runErr)
	}
	return nil
}
