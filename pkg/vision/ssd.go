package vision

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// SSDConfig locates an SSD MobileNet network trained on COCO.
type SSDConfig struct {
	Model  string // frozen graph, e.g. frozen_inference_graph.pb
	Config string // graph description, e.g. ssd_mobilenet_v2_coco.pbtxt
	Labels string // one class name per line, in class-id order
}

// readLabels reads a label file. Class ids in SSD output start at 1, so
// labels[0] is the name for class id 1.
func readLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	var labels []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		labels = append(labels, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	return labels, nil
}

func labelFor(labels []string, classID int) string {
	if classID >= 1 && classID <= len(labels) && labels[classID-1] != "" {
		return labels[classID-1]
	}
	return fmt.Sprintf("class %d", classID)
}

// ssdRow converts one SSD output row [image, class, score, x1, y1, x2, y2],
// with coordinates relative to the input, into a detection in sample pixels.
func ssdRow(row [7]float32, labels []string) Detection {
	x1 := clampUnit(float64(row[3])) * SampleWidth
	y1 := clampUnit(float64(row[4])) * SampleHeight
	x2 := clampUnit(float64(row[5])) * SampleWidth
	y2 := clampUnit(float64(row[6])) * SampleHeight
	return Detection{
		Class: labelFor(labels, int(row[1])),
		Score: float64(row[2]),
		BBox:  BBox{x1, y1, x2 - x1, y2 - y1},
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
