package vision

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeModel struct {
	mu      sync.Mutex
	results []Detection
	err     error
	// when set, Detect blocks until it is closed
	block   chan struct{}
	calls   atomic.Int32
	running atomic.Int32
	maxSeen atomic.Int32
	closed  atomic.Bool
}

func (m *fakeModel) Detect(ctx context.Context, img *image.RGBA) ([]Detection, error) {
	m.calls.Add(1)
	n := m.running.Add(1)
	defer m.running.Add(-1)
	for {
		max := m.maxSeen.Load()
		if n <= max || m.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	if b := img.Bounds(); b.Dx() != SampleWidth || b.Dy() != SampleHeight {
		return nil, errors.New("unexpected sample size")
	}
	m.mu.Lock()
	block := m.block
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Detection(nil), m.results...), m.err
}

func (m *fakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *fakeModel) setResults(d []Detection) {
	m.mu.Lock()
	m.results = d
	m.mu.Unlock()
}

type staticSource struct{ img image.Image }

func (s staticSource) Frame() (image.Image, bool) { return s.img, s.img != nil }

func testFrame() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 0, 255})
		}
	}
	return img
}

// countingLoader returns model after release is closed (if set).
type countingLoader struct {
	model   Model
	err     error
	release chan struct{}
	calls   atomic.Int32
}

func (l *countingLoader) load(ctx context.Context) (Model, error) {
	l.calls.Add(1)
	if l.release != nil {
		<-l.release
	}
	if l.err != nil {
		return nil, l.err
	}
	return l.model, nil
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestPipeline(t *testing.T, loader Loader, src FrameSource) *Pipeline {
	t.Helper()
	p, err := NewPipeline(Options{Loader: loader, Source: src, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestFilter(t *testing.T) {
	raw := []Detection{
		{Class: "a", Score: 0.9},
		{Class: "b", Score: 0.4},
		{Class: "c", Score: 0.5},
	}
	got := Filter(raw, MinScore)
	if len(got) != 2 || got[0].Class != "a" || got[1].Class != "c" {
		t.Errorf("Filter() = %+v, want a and c", got)
	}
}

func TestBBox(t *testing.T) {
	b := BBox{10, 20, 31, 41}
	tests := []struct {
		x, y float64
		want bool
	}{
		{10, 20, true},  // top-left corner
		{41, 61, true},  // bottom-right corner
		{25, 40, true},  // inside
		{9.9, 30, false},
		{20, 61.1, false},
	}
	for _, tt := range tests {
		if got := b.Contains(tt.x, tt.y); got != tt.want {
			t.Errorf("Contains(%v, %v) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}
	if c := b.Center(); c != [2]int{26, 41} {
		t.Errorf("Center() = %v, want [26 41]", c)
	}
}

func TestPipeline_SelectFirstMatch(t *testing.T) {
	p := newTestPipeline(t, (&countingLoader{}).load, nil)
	p.detections = []Detection{
		{Class: "big", Score: 0.6, BBox: BBox{0, 0, 300, 300}},
		{Class: "small", Score: 0.99, BBox: BBox{90, 90, 20, 20}},
	}

	sel, ok := p.SelectDetection(100, 100)
	if !ok || sel.Detection.Class != "big" {
		t.Fatalf("SelectDetection(100, 100) = %+v, %v, want big", sel, ok)
	}
	if sel.Center != [2]int{150, 150} {
		t.Errorf("Center = %v, want [150 150]", sel.Center)
	}

	if _, ok := p.SelectDetection(400, 10); ok {
		t.Error("click outside every box selected something")
	}
	if _, ok := p.Selected(); ok {
		t.Error("miss did not clear the selection")
	}
}

func TestPipeline_IdempotentClearAndStop(t *testing.T) {
	p := newTestPipeline(t, (&countingLoader{}).load, nil)
	var notifications atomic.Int32
	p.Subscribe(func(Snapshot) { notifications.Add(1) })

	p.ClearTarget()
	p.ClearTarget()
	p.Stop()
	p.Stop()

	if n := notifications.Load(); n != 0 {
		t.Errorf("got %d notifications, want 0", n)
	}
	if snap := p.Snapshot(); snap.Active || snap.Selected != nil {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestPipeline_StartWithoutModel(t *testing.T) {
	p := newTestPipeline(t, (&countingLoader{}).load, nil)
	if err := p.Start(); !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("Start() = %v, want ErrModelUnavailable", err)
	}
}

func TestPipeline_EndToEnd(t *testing.T) {
	model := &fakeModel{}
	model.setResults([]Detection{
		{Class: "bottle", Score: 0.7, BBox: BBox{100, 50, 81, 120}},
		{Class: "cup", Score: 0.3, BBox: BBox{0, 0, 10, 10}},
	})
	loader := &countingLoader{model: model, release: make(chan struct{})}
	p := newTestPipeline(t, loader.load, staticSource{testFrame()})

	result := make(chan bool, 1)
	go func() { result <- p.Toggle(context.Background()) }()

	waitFor(t, func() bool { return p.Snapshot().Loading }, "loading flag")
	if p.Toggle(context.Background()) {
		t.Error("second toggle during load activated the pipeline")
	}
	close(loader.release)
	if !<-result {
		t.Fatal("Toggle() = false after model loaded")
	}
	if p.Snapshot().Loading {
		t.Error("loading flag still set after load")
	}

	waitFor(t, func() bool { return len(p.Snapshot().Detections) == 1 }, "first inference")
	snap := p.Snapshot()
	d := snap.Detections[0]
	if d.Class != "bottle" || d.Score != 0.7 || d.BBox != (BBox{100, 50, 81, 120}) {
		t.Errorf("detection = %+v", d)
	}
	if snap.Frame == 0 {
		t.Error("frame counter not advanced")
	}

	sel, ok := p.SelectDetection(120, 100)
	if !ok {
		t.Fatal("click inside the bottle selected nothing")
	}
	if sel.Center != [2]int{141, 110} {
		t.Errorf("Center = %v, want [141 110]", sel.Center)
	}
	if got := loader.calls.Load(); got != 1 {
		t.Errorf("loader called %d times, want 1", got)
	}

	// toggling off clears everything at once
	if p.Toggle(context.Background()) {
		t.Error("Toggle() on an active pipeline returned true")
	}
	snap = p.Snapshot()
	if snap.Active || len(snap.Detections) != 0 || snap.Selected != nil || snap.InferenceMs != 0 {
		t.Errorf("after stop = %+v", snap)
	}
}

func TestPipeline_SkipsTicksWhileInferring(t *testing.T) {
	model := &fakeModel{block: make(chan struct{})}
	loader := &countingLoader{model: model}
	p := newTestPipeline(t, loader.load, staticSource{testFrame()})

	if !p.Toggle(context.Background()) {
		t.Fatal("Toggle() = false")
	}
	waitFor(t, func() bool { return model.calls.Load() == 1 }, "first inference")
	waitFor(t, func() bool { return p.Snapshot().Skipped >= 3 }, "skipped ticks")
	if got := model.calls.Load(); got != 1 {
		t.Errorf("Detect called %d times while blocked, want 1", got)
	}

	model.mu.Lock()
	close(model.block)
	model.block = nil
	model.mu.Unlock()
	waitFor(t, func() bool { return model.calls.Load() >= 3 }, "inference to resume")
	if max := model.maxSeen.Load(); max != 1 {
		t.Errorf("saw %d concurrent inferences, want 1", max)
	}
}

func TestPipeline_StopDropsInFlightResult(t *testing.T) {
	model := &fakeModel{block: make(chan struct{})}
	model.setResults([]Detection{{Class: "bottle", Score: 0.9, BBox: BBox{0, 0, 10, 10}}})
	p := newTestPipeline(t, (&countingLoader{model: model}).load, staticSource{testFrame()})

	p.Toggle(context.Background())
	waitFor(t, func() bool { return model.calls.Load() == 1 }, "inference started")
	p.Stop()

	model.mu.Lock()
	close(model.block)
	model.block = nil
	model.mu.Unlock()
	time.Sleep(30 * time.Millisecond)

	if snap := p.Snapshot(); len(snap.Detections) != 0 || snap.Active {
		t.Errorf("stale result applied after stop: %+v", snap)
	}
}

func TestPipeline_LoadFailure(t *testing.T) {
	loader := &countingLoader{err: errors.New("no weights")}
	p := newTestPipeline(t, loader.load, nil)

	if p.Toggle(context.Background()) {
		t.Error("Toggle() = true with a failing loader")
	}
	snap := p.Snapshot()
	if snap.Active || snap.Loading {
		t.Errorf("Snapshot() = %+v, want idle", snap)
	}
	// the next explicit toggle retries
	p.Toggle(context.Background())
	if got := loader.calls.Load(); got != 2 {
		t.Errorf("loader called %d times, want 2", got)
	}
}

func TestPipeline_PrewarmSharesLoad(t *testing.T) {
	model := &fakeModel{}
	loader := &countingLoader{model: model, release: make(chan struct{})}
	p := newTestPipeline(t, loader.load, nil)

	p.Prewarm(context.Background())
	waitFor(t, func() bool { return loader.calls.Load() == 1 }, "prewarm to start")
	if p.Snapshot().Loading {
		t.Error("prewarm set the loading flag")
	}

	result := make(chan bool, 1)
	go func() { result <- p.Toggle(context.Background()) }()
	waitFor(t, func() bool { return p.Snapshot().Loading }, "toggle loading flag")
	close(loader.release)

	if !<-result {
		t.Fatal("Toggle() = false")
	}
	if got := loader.calls.Load(); got != 1 {
		t.Errorf("loader called %d times, want 1", got)
	}
}

func TestPipeline_SelectionIdentityIsFrameLocal(t *testing.T) {
	model := &fakeModel{}
	model.setResults([]Detection{{Class: "bottle", Score: 0.9, BBox: BBox{0, 0, 100, 100}}})
	p := newTestPipeline(t, (&countingLoader{model: model}).load, staticSource{testFrame()})

	p.Toggle(context.Background())
	waitFor(t, func() bool { return len(p.Snapshot().Detections) == 1 }, "detections")
	p.SelectDetection(50, 50)
	frame := p.Snapshot().Frame

	waitFor(t, func() bool { return p.Snapshot().Frame > frame }, "next frame")
	snap := p.Snapshot()
	if snap.Selected == nil {
		t.Fatal("selection dropped by a new frame")
	}
	if snap.SelectionCurrent {
		t.Error("selection from an older frame reported as current")
	}
}

func TestPipeline_CloseReleasesModel(t *testing.T) {
	model := &fakeModel{}
	p, err := NewPipeline(Options{Loader: (&countingLoader{model: model}).load})
	if err != nil {
		t.Fatal(err)
	}
	p.Toggle(context.Background())
	if err := p.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if !model.closed.Load() {
		t.Error("model not closed")
	}
}

// stubbornModel ignores ctx and returns only when release is closed.
type stubbornModel struct {
	running     atomic.Int32
	release     chan struct{}
	closed      atomic.Bool
	closedEarly atomic.Bool
}

func (m *stubbornModel) Detect(ctx context.Context, img *image.RGBA) ([]Detection, error) {
	m.running.Add(1)
	defer m.running.Add(-1)
	<-m.release
	if m.closed.Load() {
		m.closedEarly.Store(true)
	}
	return nil, nil
}

func (m *stubbornModel) Close() error {
	m.closed.Store(true)
	return nil
}

func TestPipeline_CloseWaitsForInference(t *testing.T) {
	model := &stubbornModel{release: make(chan struct{})}
	p, err := NewPipeline(Options{
		Loader:   (&countingLoader{model: model}).load,
		Source:   staticSource{testFrame()},
		Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !p.Toggle(context.Background()) {
		t.Fatal("Toggle() = false")
	}
	waitFor(t, func() bool { return model.running.Load() > 0 }, "inference to start")

	done := make(chan error, 1)
	go func() { done <- p.Close() }()

	select {
	case <-done:
		t.Fatal("Close returned while inference was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(model.release)
	if err := <-done; err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if model.closedEarly.Load() {
		t.Error("model closed while Detect was in flight")
	}
	if !model.closed.Load() {
		t.Error("model not closed")
	}
}
