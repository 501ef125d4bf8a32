// Package visualizer draws the live microphone spectrum as a mirrored bar graph.
package visualizer

import (
	"errors"
	"image/color"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d1nch8g/voicetutor/audio"
)

const (
	BarWidth = 2.0
	BarGap   = 1.0
)

var (
	LeftColor   = color.NRGBA{R: 25, G: 118, B: 210, A: 153}
	RightColor  = color.NRGBA{R: 156, G: 39, B: 176, A: 153}
	CenterColor = color.NRGBA{A: 26}
)

var (
	ErrNoSource   = errors.New("visualizer: no signal source")
	ErrLoopActive = errors.New("visualizer: frame loop already active")
)

// Renderer runs the draw loop. It holds at most one scheduled frame.
type Renderer struct {
	surface   Surface
	scheduler FrameScheduler
	logger    *zap.Logger

	mu      sync.Mutex
	source  audio.Handle
	frame   FrameID
	running bool
	frames  uint64

	// loop is bumped by Start and Stop. Callbacks scheduled for an earlier
	// loop are ignored.
	loop uint64
}

func NewRenderer(surface Surface, scheduler FrameScheduler, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		surface:   surface,
		scheduler: scheduler,
		logger:    logger.Named("visualizer"),
	}
}

// Start schedules the first frame against src.
func (r *Renderer) Start(src audio.Handle) error {
	if src == nil {
		return ErrNoSource
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrLoopActive
	}
	r.source = src
	r.running = true
	r.frames = 0
	r.loop++
	r.scheduleLocked()
	r.logger.Debug("frame loop started")
	return nil
}

// Stop cancels the pending frame. When Stop returns no frame is drawing
// and none will draw until the next Start.
func (r *Renderer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.scheduler.CancelFrame(r.frame)
	r.frame = 0
	r.loop++
	r.running = false
	r.source = nil
	r.logger.Debug("frame loop stopped", zap.Uint64("frames", r.frames))
}

func (r *Renderer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Frames reports how many frames the current loop has drawn.
func (r *Renderer) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func (r *Renderer) scheduleLocked() {
	loop := r.loop
	r.frame = r.scheduler.RequestFrame(func(time.Time) { r.tick(loop) })
}

func (r *Renderer) tick(loop uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A callback that raced with Stop, or with Stop and a new Start, is
	// skipped.
	if !r.running || loop != r.loop {
		return
	}
	r.scheduleLocked()
	DrawFrame(r.surface, r.source.Sample())
	r.frames++
}

// DrawFrame renders one snapshot: bin i becomes the i-th bar out from the
// center on both sides.
func DrawFrame(s Surface, bins audio.Snapshot) {
	w, h := s.Size()
	width, height := float64(w), float64(h)
	centerX := width / 2
	maxBarHeight := height / 2

	s.Clear()
	s.VerticalLine(centerX, CenterColor)

	halfBars := int((width / 2) / (BarWidth + BarGap))
	for i := 0; i < halfBars && i < len(bins); i++ {
		barHeight := float64(bins[i]) / 255 * maxBarHeight
		y := height/2 - barHeight/2

		s.FillRect(centerX-float64(i+1)*(BarWidth+BarGap), y, BarWidth, barHeight, LeftColor)
		s.FillRect(centerX+float64(i)*(BarWidth+BarGap), y, BarWidth, barHeight, RightColor)
	}

	if p, ok := s.(Presenter); ok {
		p.Present()
	}
}
