package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/gwillem/mecharm/pkg/vision"
)

// The overlay grid. Each cell covers cellW x cellH sample pixels.
const (
	overlayCols = 48
	overlayRows = 18
	cellW       = float64(vision.SampleWidth) / overlayCols
	cellH       = float64(vision.SampleHeight) / overlayRows
)

var (
	boxStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("201")).Bold(true)
	gridStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("237"))
)

type cellKind uint8

const (
	cellEmpty cellKind = iota
	cellBox
	cellSelected
)

type cell struct {
	r    rune
	kind cellKind
}

type grid [overlayRows][overlayCols]cell

func (g *grid) set(x, y int, r rune, kind cellKind) {
	if x < 0 || y < 0 || x >= overlayCols || y >= overlayRows {
		return
	}
	g[y][x] = cell{r: r, kind: kind}
}

func toCell(x, y float64) (int, int) {
	cx := int(x / cellW)
	cy := int(y / cellH)
	return min(max(cx, 0), overlayCols-1), min(max(cy, 0), overlayRows-1)
}

var (
	plainRunes    = [6]rune{'┌', '┐', '└', '┘', '─', '│'}
	selectedRunes = [6]rune{'╔', '╗', '╚', '╝', '═', '║'}
)

func (g *grid) box(d vision.Detection, kind cellKind) {
	runes := plainRunes
	if kind == cellSelected {
		runes = selectedRunes
	}
	x0, y0 := toCell(d.BBox[0], d.BBox[1])
	x1, y1 := toCell(d.BBox[0]+d.BBox[2], d.BBox[1]+d.BBox[3])

	for x := x0 + 1; x < x1; x++ {
		g.set(x, y0, runes[4], kind)
		g.set(x, y1, runes[4], kind)
	}
	for y := y0 + 1; y < y1; y++ {
		g.set(x0, y, runes[5], kind)
		g.set(x1, y, runes[5], kind)
	}
	g.set(x0, y0, runes[0], kind)
	g.set(x1, y0, runes[1], kind)
	g.set(x0, y1, runes[2], kind)
	g.set(x1, y1, runes[3], kind)

	label := fmt.Sprintf("%s %.0f%%", d.Class, d.Score*100)
	for i, r := range []rune(label) {
		if x0+1+i >= x1 {
			break
		}
		g.set(x0+1+i, y0, r, kind)
	}
}

// buildGrid draws every detection, the selected one last and on top.
func buildGrid(snap vision.Snapshot) *grid {
	g := &grid{}
	for y := range g {
		for x := range g[y] {
			g[y][x] = cell{r: '·'}
		}
	}
	for _, d := range snap.Detections {
		g.box(d, cellBox)
	}
	if snap.Selected != nil && snap.SelectionCurrent {
		g.box(snap.Selected.Detection, cellSelected)
		cx, cy := toCell(float64(snap.Selected.Center[0]), float64(snap.Selected.Center[1]))
		g.set(cx, cy, '+', cellSelected)
	}
	return g
}

// plainRows returns the grid without styling.
func (g *grid) plainRows() []string {
	rows := make([]string, overlayRows)
	for y := range g {
		var sb strings.Builder
		for _, c := range g[y] {
			sb.WriteRune(c.r)
		}
		rows[y] = sb.String()
	}
	return rows
}

// render styles runs of equal kind.
func (g *grid) render() string {
	rows := make([]string, overlayRows)
	for y := range g {
		var sb strings.Builder
		var run []rune
		kind := g[y][0].kind
		flush := func() {
			if len(run) == 0 {
				return
			}
			switch kind {
			case cellBox:
				sb.WriteString(boxStyle.Render(string(run)))
			case cellSelected:
				sb.WriteString(selectedStyle.Render(string(run)))
			default:
				sb.WriteString(gridStyle.Render(string(run)))
			}
			run = run[:0]
		}
		for _, c := range g[y] {
			if c.kind != kind {
				flush()
				kind = c.kind
			}
			run = append(run, c.r)
		}
		flush()
		rows[y] = sb.String()
	}
	return strings.Join(rows, "\n")
}

// fromCell maps an overlay cell to the sample pixel at its center. ok is
// false outside the grid.
func fromCell(cx, cy int) (x, y float64, ok bool) {
	if cx < 0 || cy < 0 || cx >= overlayCols || cy >= overlayRows {
		return 0, 0, false
	}
	return (float64(cx) + 0.5) * cellW, (float64(cy) + 0.5) * cellH, true
}

// pickPoint returns a point that selects dets[i] under first-match selection:
// inside dets[i] and outside every earlier box. The center is preferred.
func pickPoint(dets []vision.Detection, i int) (x, y float64, ok bool) {
	hitsFirst := func(x, y float64) bool {
		for _, d := range dets[:i] {
			if d.BBox.Contains(x, y) {
				return false
			}
		}
		return dets[i].BBox.Contains(x, y)
	}
	b := dets[i].BBox
	c := b.Center()
	if hitsFirst(float64(c[0]), float64(c[1])) {
		return float64(c[0]), float64(c[1]), true
	}
	for y := b[1]; y <= b[1]+b[3]; y++ {
		for x := b[0]; x <= b[0]+b[2]; x++ {
			if hitsFirst(x, y) {
				return x, y, true
			}
		}
	}
	return 0, 0, false
}
