package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/mecharm/pkg/control"
	"github.com/gwillem/mecharm/pkg/i18n"
	"github.com/gwillem/mecharm/pkg/robot"
)

type ProbeCommand struct {
	NoSerial bool          `long:"no-serial" description:"Skip the serial port scan"`
	Timeout  time.Duration `long:"timeout" default:"3s" description:"HTTP request timeout"`
}

func (c *ProbeCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render("MechArm Probe"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━"))
	fmt.Println()

	if !c.NoSerial {
		fmt.Println(subHeaderStyle.Render("Serial ports"))
		arms, err := findArms()
		if err != nil {
			fmt.Printf("  %v\n", err)
		}
		if len(arms) == 0 {
			fmt.Println(dimStyle.Render("  no SO-101 arms found"))
		}
		for _, arm := range arms {
			marker := ""
			if arm.port == cfg.Leader.Port {
				marker = successStyle.Render(" (configured leader)")
			}
			fmt.Printf("  %s: %d servos%s\n", arm.port, len(arm.servos), marker)
			arm.bus.Close()
		}
		fmt.Println()
	}

	fmt.Println(subHeaderStyle.Render("Arm server " + cfg.BaseURL()))
	client := control.NewHTTPClient(cfg.BaseURL(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	diag, err := client.Diagnostics(ctx)
	if err != nil {
		return fmt.Errorf("diagnostics: %w", err)
	}
	fmt.Println(renderDiagnostics(diag))

	reply, err := client.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	gripper := "?"
	if reply.G != nil {
		gripper = fmt.Sprintf("%.0f%%", *reply.G)
	}
	fmt.Printf("  sync: angles %v gripper %s\n", reply.A, gripper)
	return nil
}

func renderDiagnostics(d control.Diagnostics) string {
	rows := [][]string{}
	for i, j := range robot.Joints() {
		v := "?"
		if i < len(d.Arm.Angles) {
			v = fmt.Sprintf("%.1f°", d.Arm.Angles[i])
		}
		rows = append(rows, []string{i18n.T(i18n.English, i18n.Key(j.Label)), v, fmt.Sprintf("[%d, %d]", j.Min, j.Max)})
	}
	rows = append(rows, []string{"Gripper", fmt.Sprintf("%.0f%%", d.Arm.Gripper), "[0, 100]"})

	arm := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Joint", "Angle", "Range").
		Rows(rows...)

	keys := make([]string, 0, len(d.Video))
	for k := range d.Video {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	video := make([]string, 0, len(keys))
	for _, k := range keys {
		video = append(video, fmt.Sprintf("%s=%v", k, d.Video[k]))
	}

	var sb strings.Builder
	sb.WriteString(arm.Render())
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  clients: %d  heartbeat timeout: %.0fs\n", d.Clients, d.HeartbeatTimeoutS)
	fmt.Fprintf(&sb, "  video: %s", strings.Join(video, " "))
	return sb.String()
}
