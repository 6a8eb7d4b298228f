package armsim

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const frameBoundary = "frame"

// VideoStats mirrors the camera section of /diagnostics.
type VideoStats struct {
	FPS           int `json:"fps"`
	Quality       int `json:"quality"`
	FramesSent    int `json:"frames_sent"`
	FramesSkipped int `json:"frames_skipped"`
	BytesSent     int `json:"bytes_sent"`
}

type video struct {
	width, height int
	fps           int
	quality       int

	mu    sync.Mutex
	stats VideoStats
}

func newVideo(width, height, fps, quality int) *video {
	return &video{width: width, height: height, fps: fps, quality: quality}
}

func (v *video) Stats() VideoStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.stats
	s.FPS = v.fps
	s.Quality = v.quality
	return s
}

// render draws a frame with a moving block and the arm state overlay.
func (v *video) render(n int, angles []float64, gripper float64) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, v.width, v.height))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{40, 44, 52, 255}}, image.Point{}, draw.Src)

	// A block that sweeps across the frame gives the detector something to find.
	size := v.height / 3
	x := (n * 4) % (v.width - size)
	block := image.Rect(x, v.height/2-size/2, x+size, v.height/2+size/2)
	draw.Draw(img, block, &image.Uniform{color.RGBA{200, 120, 40, 255}}, image.Point{}, draw.Src)

	d := &font.Drawer{Dst: img, Src: image.NewUniform(color.RGBA{0, 255, 0, 255}), Face: basicfont.Face7x13}
	y := 20
	for i, a := range angles {
		d.Dot = fixed.P(10, y)
		d.DrawString(fmt.Sprintf("J%d:%.1f", i+1, a))
		y += 16
	}
	d.Src = image.NewUniform(color.RGBA{255, 255, 0, 255})
	d.Dot = fixed.P(10, y)
	d.DrawString(fmt.Sprintf("Gripper:%.0f%%", gripper))

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: v.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// stream writes frames to w until the client goes away or done closes.
func (v *video) stream(w *bufio.Writer, arm *Arm, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second / time.Duration(v.fps))
	defer ticker.Stop()

	for n := 0; ; n++ {
		angles, gripper := arm.State()
		jpg, err := v.render(n, angles, gripper)
		if err != nil {
			v.mu.Lock()
			v.stats.FramesSkipped++
			v.mu.Unlock()
		} else {
			fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\n\r\n", frameBoundary)
			w.Write(jpg)
			w.WriteString("\r\n")
			if err := w.Flush(); err != nil {
				return
			}
			v.mu.Lock()
			v.stats.FramesSent++
			v.stats.BytesSent += len(jpg)
			v.mu.Unlock()
		}

		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}
