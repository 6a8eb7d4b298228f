package vision

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/sync/singleflight"

	"github.com/gwillem/mecharm/pkg/log"
)

// Options configures NewPipeline.
type Options struct {
	Loader   Loader
	Source   FrameSource
	Interval time.Duration
	MinScore float64
	Logger   log.Logger
}

// Snapshot is a copy of the pipeline state for rendering.
type Snapshot struct {
	Active     bool
	Loading    bool
	Detections []Detection
	Selected   *Selection
	// SelectionCurrent is true when Selected came from the latest frame.
	SelectionCurrent bool
	InferenceMs      int64
	Frame            uint64
	Skipped          uint64
}

// Pipeline samples frames while active and keeps the latest detections and the
// operator's selection.
//
// Sampling is Idle until Start or Toggle, then Active until Stop. While active
// a tick fires every interval. A tick that finds the previous inference still
// running is skipped, not queued.
type Pipeline struct {
	loader   Loader
	source   FrameSource
	interval time.Duration
	minScore float64
	logger   log.Logger

	loads singleflight.Group

	mu          sync.Mutex
	model       Model
	active      bool
	loading     bool
	detections  []Detection
	frame       uint64
	selected    *Selection
	inferenceMs int64
	gen         uint64 // bumped on Start and Stop; results from older generations are dropped
	stopLoop    context.CancelFunc

	inferring atomic.Bool
	inflight  sync.WaitGroup
	skipped   atomic.Uint64
	buf       *image.RGBA

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Snapshot)
}

// NewPipeline creates an idle pipeline.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Loader == nil {
		return nil, errors.New("pipeline needs a model loader")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MinScore <= 0 {
		opts.MinScore = MinScore
	}
	return &Pipeline{
		loader:   opts.Loader,
		source:   opts.Source,
		interval: opts.Interval,
		minScore: opts.MinScore,
		logger:   log.OrNop(opts.Logger),
		buf:      image.NewRGBA(image.Rect(0, 0, SampleWidth, SampleHeight)),
		subs:     map[int]func(Snapshot){},
	}, nil
}

// Prewarm loads the model in the background so the first Toggle is fast.
// It does not set the loading flag.
func (p *Pipeline) Prewarm(ctx context.Context) {
	go func() {
		if _, err := p.load(ctx, true); err != nil {
			p.logger.Warnf("prewarm detection model: %v", err)
		}
	}()
}

// load returns the model, loading it once. Concurrent callers share one load.
func (p *Pipeline) load(ctx context.Context, eager bool) (Model, error) {
	p.mu.Lock()
	if p.model != nil {
		m := p.model
		p.mu.Unlock()
		return m, nil
	}
	if !eager {
		p.loading = true
	}
	p.mu.Unlock()
	if !eager {
		p.notify()
		defer func() {
			p.mu.Lock()
			p.loading = false
			p.mu.Unlock()
			p.notify()
		}()
	}

	v, err, _ := p.loads.Do("model", func() (interface{}, error) {
		started := time.Now()
		m, err := p.loader(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.model = m
		p.mu.Unlock()
		p.logger.Infof("detection model loaded in %s", time.Since(started).Round(time.Millisecond))
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Model), nil
}

// Toggle stops an active pipeline, or loads the model and starts sampling.
// It returns whether the pipeline is active afterwards. A toggle while a load
// is already in flight does nothing. Load failures leave the pipeline idle.
func (p *Pipeline) Toggle(ctx context.Context) bool {
	p.mu.Lock()
	active, loading := p.active, p.loading
	p.mu.Unlock()

	if active {
		p.Stop()
		return false
	}
	if loading {
		return false
	}
	if _, err := p.load(ctx, false); err != nil {
		p.logger.Warnf("load detection model: %v", err)
		return false
	}
	if err := p.Start(); err != nil {
		p.logger.Warnf("start detection: %v", err)
		return false
	}
	return true
}

// Start begins sampling. The model must already be loaded.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return nil
	}
	if p.model == nil {
		p.mu.Unlock()
		return ErrModelUnavailable
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.active = true
	p.gen++
	p.stopLoop = cancel
	gen := p.gen
	model := p.model
	p.inflight.Add(1)
	p.mu.Unlock()

	go p.loop(ctx, gen, model)
	p.notify()
	return nil
}

// Stop halts sampling and clears detections, selection and timing in one step.
// Stopping an idle pipeline is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	p.gen++
	p.stopLoop()
	p.stopLoop = nil
	p.detections = nil
	p.selected = nil
	p.inferenceMs = 0
	p.mu.Unlock()
	p.notify()
}

// Close stops sampling, waits for the loop and any running inference, and
// releases the model.
func (p *Pipeline) Close() error {
	p.Stop()
	p.inflight.Wait()
	p.mu.Lock()
	m := p.model
	p.model = nil
	p.mu.Unlock()
	if m != nil {
		return m.Close()
	}
	return nil
}

// loop and every inference it starts are counted in inflight.
func (p *Pipeline) loop(ctx context.Context, gen uint64, model Model) {
	defer p.inflight.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.inferring.CompareAndSwap(false, true) {
				p.skipped.Add(1)
				continue
			}
			p.inflight.Add(1)
			go func() {
				defer p.inflight.Done()
				defer p.inferring.Store(false)
				p.infer(ctx, gen, model)
			}()
		}
	}
}

func (p *Pipeline) infer(ctx context.Context, gen uint64, model Model) {
	if p.source == nil {
		return
	}
	img, ok := p.source.Frame()
	if !ok || img.Bounds().Empty() {
		return
	}

	draw.ApproxBiLinear.Scale(p.buf, p.buf.Bounds(), img, img.Bounds(), draw.Src, nil)

	started := time.Now()
	raw, err := model.Detect(ctx, p.buf)
	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warnf("detection: %v", err)
		}
		return
	}
	dets := Filter(raw, p.minScore)

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.detections = dets
	p.frame++
	p.inferenceMs = elapsed
	p.mu.Unlock()
	p.notify()
}

// SelectDetection selects the first detection, in detection order, whose box
// contains (x, y). A miss clears the selection.
func (p *Pipeline) SelectDetection(x, y float64) (Selection, bool) {
	p.mu.Lock()
	p.selected = nil
	for _, d := range p.detections {
		if d.BBox.Contains(x, y) {
			p.selected = &Selection{Detection: d, Center: d.BBox.Center(), Frame: p.frame}
			break
		}
	}
	sel := p.selected
	p.mu.Unlock()
	p.notify()

	if sel == nil {
		return Selection{}, false
	}
	return *sel, true
}

// ClearTarget drops the selection. Clearing nothing is a no-op.
func (p *Pipeline) ClearTarget() {
	p.mu.Lock()
	if p.selected == nil {
		p.mu.Unlock()
		return
	}
	p.selected = nil
	p.mu.Unlock()
	p.notify()
}

// Selected returns the current selection.
func (p *Pipeline) Selected() (Selection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.selected == nil {
		return Selection{}, false
	}
	return *p.selected, true
}

// Snapshot returns a copy of the pipeline state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pipeline) snapshotLocked() Snapshot {
	s := Snapshot{
		Active:      p.active,
		Loading:     p.loading,
		Detections:  append([]Detection(nil), p.detections...),
		InferenceMs: p.inferenceMs,
		Frame:       p.frame,
		Skipped:     p.skipped.Load(),
	}
	if p.selected != nil {
		sel := *p.selected
		s.Selected = &sel
		s.SelectionCurrent = sel.Frame == p.frame
	}
	return s
}

// Subscribe registers fn to receive a snapshot after every change and returns
// a function that removes it.
func (p *Pipeline) Subscribe(fn func(Snapshot)) func() {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

func (p *Pipeline) notify() {
	snap := p.Snapshot()

	p.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
