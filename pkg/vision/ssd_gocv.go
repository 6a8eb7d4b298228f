//go:build gocv

package vision

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// ssdInput is the network's input size.
const ssdInput = 300

type ssdModel struct {
	mu     sync.Mutex
	net    gocv.Net
	labels []string
	closed bool
}

// NewSSDLoader returns a loader for an SSD MobileNet network read with OpenCV's
// dnn module.
func NewSSDLoader(cfg SSDConfig) Loader {
	return func(ctx context.Context) (Model, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		labels, err := readLabels(cfg.Labels)
		if err != nil {
			return nil, err
		}
		net := gocv.ReadNet(cfg.Model, cfg.Config)
		if net.Empty() {
			return nil, fmt.Errorf("read net %s: %w", cfg.Model, ErrModelUnavailable)
		}
		if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
			net.Close()
			return nil, fmt.Errorf("set backend: %w", err)
		}
		if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
			net.Close()
			return nil, fmt.Errorf("set target: %w", err)
		}
		return &ssdModel{net: net, labels: labels}, nil
	}
}

func (m *ssdModel) Detect(ctx context.Context, img *image.RGBA) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	rgba, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC4, img.Pix)
	if err != nil {
		return nil, fmt.Errorf("frame to mat: %w", err)
	}
	defer rgba.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(rgba, &bgr, gocv.ColorRGBAToBGR)

	blob := gocv.BlobFromImage(bgr, 1.0/127.5, image.Pt(ssdInput, ssdInput),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrModelUnavailable
	}
	m.net.SetInput(blob, "")
	out := m.net.Forward("")
	m.mu.Unlock()
	defer out.Close()

	// output shape is 1x1xNx7
	rows := out.Total() / 7
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	dets := make([]Detection, 0, rows)
	for i := 0; i < rows; i++ {
		var row [7]float32
		copy(row[:], data[i*7:i*7+7])
		if row[2] <= 0 {
			continue
		}
		dets = append(dets, ssdRow(row, m.labels))
	}
	return dets, nil
}

func (m *ssdModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.net.Close()
}
