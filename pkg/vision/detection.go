// Package vision samples the live video feed, runs object detection on it and
// tracks which detection the operator has selected as a target.
package vision

import (
	"context"
	"errors"
	"image"
	"math"
	"time"
)

// The sample buffer size. Detection boxes and target centers are in this
// coordinate space.
const (
	SampleWidth  = 480
	SampleHeight = 360
)

const (
	// DefaultInterval is the sampling cadence (5 samples per second).
	DefaultInterval = 200 * time.Millisecond
	// MinScore is the lowest score kept after inference.
	MinScore = 0.5
)

// ErrModelUnavailable is returned when no detection backend is available.
var ErrModelUnavailable = errors.New("detection model unavailable")

// BBox is a box in sample-buffer pixels: x, y, width, height.
type BBox [4]float64

// Contains reports whether (x, y) is inside the box, edges included.
func (b BBox) Contains(x, y float64) bool {
	return x >= b[0] && x <= b[0]+b[2] && y >= b[1] && y <= b[1]+b[3]
}

// Center returns the box center rounded to whole pixels.
func (b BBox) Center() [2]int {
	return [2]int{
		int(math.Round(b[0] + b[2]/2)),
		int(math.Round(b[1] + b[3]/2)),
	}
}

// Detection is one inference result. It is only valid for the frame it came from.
type Detection struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
	BBox  BBox    `json:"bbox"`
}

// Selection is a detection the operator clicked, with its derived center.
// Frame is the inference cycle the detection came from.
type Selection struct {
	Detection Detection
	Center    [2]int
	Frame     uint64
}

// Model runs inference on one sample. Implementations must not retain img.
type Model interface {
	Detect(ctx context.Context, img *image.RGBA) ([]Detection, error)
	Close() error
}

// Loader loads a model. It may be slow.
type Loader func(ctx context.Context) (Model, error)

// FrameSource provides the most recent video frame, if any.
type FrameSource interface {
	Frame() (image.Image, bool)
}

// Filter keeps detections scoring at least minScore, in their original order.
func Filter(raw []Detection, minScore float64) []Detection {
	out := make([]Detection, 0, len(raw))
	for _, d := range raw {
		if d.Score >= minScore {
			out = append(out, d)
		}
	}
	return out
}
