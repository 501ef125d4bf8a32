// Package capture owns the microphone, transcription and visualization
// lifecycles for one listening surface.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/d1nch8g/voicetutor/audio"
	"github.com/d1nch8g/voicetutor/stt"
)

// Controller is the capture state machine:
//
//	Idle --Start--> Listening --Stop--> Stopping --cleanup--> Idle
//
// Resources are acquired in the order source, transcriber, renderer and
// released in the reverse order.
type Controller struct {
	source      audio.Source
	transcriber Transcriber
	renderer    Renderer
	sink        Sink
	logger      *zap.Logger
	now         func() time.Time

	mu      sync.Mutex
	session Session
	cycle   uint64
	closed  bool

	// acquiring is non-nil while a Start is opening resources without
	// holding mu. It is closed once that Start has settled.
	acquiring chan struct{}
	// startErr is a transcriber failure reported before its cycle reached
	// Listening.
	startErr error

	// live holds the cycle currently Listening, zero otherwise. Transcript
	// hooks read it without taking mu.
	live atomic.Uint64

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

type Option func(*Controller)

// WithClock overrides time.Now for utterance and session timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func NewController(source audio.Source, transcriber Transcriber, renderer Renderer, sink Sink, opts ...Option) *Controller {
	c := &Controller{
		source:      source,
		transcriber: transcriber,
		renderer:    renderer,
		sink:        sink,
		logger:      zap.NewNop(),
		now:         time.Now,
		observers:   make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("capture")
	if !c.Supported() {
		c.logger.Warn("speech recognition unsupported, capture disabled")
	}
	return c
}

// Supported reports whether capture can ever leave Idle.
func (c *Controller) Supported() bool {
	return c.transcriber != nil && c.transcriber.Supported()
}

// Session returns a copy of the current capture session.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Subscribe registers an observer and returns its unsubscribe func.
func (c *Controller) Subscribe(o Observer) func() {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()

	id := c.nextObs
	c.nextObs++
	c.observers[id] = o
	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// Start moves Idle to Listening. Starting while Listening is a no-op.
// On failure nothing acquired by this call stays open and the controller
// remains Idle.
//
// Opening the microphone may block on the OS permission prompt. The
// controller stays Idle meanwhile: Session and Stop answer immediately and
// a second Start returns ErrBusy.
func (c *Controller) Start(ctx context.Context) error {
	if !c.Supported() {
		c.logger.Warn("start rejected", zap.Error(ErrUnsupportedPlatform))
		return ErrUnsupportedPlatform
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.session.State == Listening:
		c.mu.Unlock()
		return nil
	case c.session.State == Stopping, c.acquiring != nil:
		c.mu.Unlock()
		return ErrBusy
	}
	c.cycle++
	cycle := c.cycle
	settled := make(chan struct{})
	c.acquiring = settled
	c.startErr = nil
	c.mu.Unlock()
	defer close(settled)

	err := c.acquire(ctx, cycle)

	c.mu.Lock()
	rollback := false
	switch {
	case err != nil:
	case c.closed:
		// Teardown arrived while acquiring.
		err, rollback = ErrClosed, true
	case c.startErr != nil:
		err = fmt.Errorf("%w: %v", ErrTransientCapture, c.startErr)
		rollback = true
	default:
		c.session = Session{State: Listening, StartedAt: c.now()}
		c.live.Store(cycle)
	}
	session := c.session
	if !rollback {
		c.acquiring, c.startErr = nil, nil
	}
	c.mu.Unlock()

	if rollback {
		c.release()
		c.transcriber.Reset()

		c.mu.Lock()
		c.acquiring, c.startErr = nil, nil
		c.mu.Unlock()
	}

	switch {
	case errors.Is(err, ErrClosed):
		c.logger.Info("start abandoned by teardown", zap.Uint64("cycle", cycle))
		return err
	case err != nil:
		c.logger.Warn("start failed", zap.Error(err))
		c.notifyFailure(err)
		return err
	}

	c.logger.Info("listening", zap.Uint64("cycle", cycle))
	c.notifyState(session)
	return nil
}

// acquire opens the source, transcriber and renderer for cycle. On error
// everything it opened is released again.
func (c *Controller) acquire(ctx context.Context, cycle uint64) error {
	handle, err := c.source.Open(ctx)
	if err != nil {
		c.closeSource()
		return fmt.Errorf("failed to open microphone: %w", err)
	}

	hooks := stt.Hooks{
		OnUpdate:  func(text string) { c.transcriptUpdated(cycle, text) },
		OnFailure: func(err error) { go c.abort(cycle, err) },
	}
	if err := c.transcriber.Start(ctx, hooks); err != nil {
		c.closeSource()
		if errors.Is(err, ErrUnsupportedPlatform) {
			return err
		}
		return fmt.Errorf("failed to start transcription: %w: %v", ErrTransientCapture, err)
	}

	if err := c.renderer.Start(handle); err != nil {
		c.stopTranscriber()
		c.transcriber.Reset()
		c.closeSource()
		return fmt.Errorf("failed to start visualizer: %w", err)
	}
	return nil
}

// release runs the stop sequence without touching session state.
func (c *Controller) release() error {
	// Renderer first so no frame reads from a closing source.
	c.renderer.Stop()
	var errs []error
	if err := c.stopTranscriber(); err != nil {
		errs = append(errs, err)
	}
	if err := c.closeSource(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stop ends the listening cycle and hands a non-empty transcript to the
// sink. Stopping while Idle or Stopping is a no-op.
func (c *Controller) Stop() error {
	return c.finish(0, true, nil)
}

// Toggle starts when Idle and stops otherwise.
func (c *Controller) Toggle(ctx context.Context) error {
	if c.Session().State == Idle {
		return c.Start(ctx)
	}
	return c.Stop()
}

// Teardown releases everything without emitting an utterance and refuses
// further starts, including starts made by observers while it runs. It
// waits for a Start that is still acquiring.
func (c *Controller) Teardown() error {
	c.mu.Lock()
	c.closed = true
	settled := c.acquiring
	c.mu.Unlock()
	if settled != nil {
		<-settled
	}

	err := c.finish(0, false, nil)

	c.obsMu.Lock()
	c.observers = make(map[int]Observer)
	c.obsMu.Unlock()
	return err
}

// abort handles an asynchronous failure from the given cycle. The partial
// transcript is discarded.
func (c *Controller) abort(cycle uint64, cause error) {
	c.logger.Warn("capture aborted", zap.Uint64("cycle", cycle), zap.Error(cause))

	c.mu.Lock()
	if c.acquiring != nil && cycle == c.cycle {
		// Start has not reached Listening yet and will roll back.
		c.startErr = cause
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.finish(cycle, false, fmt.Errorf("%w: %v", ErrTransientCapture, cause))
}

// finish runs the stop sequence. A non-zero cycle restricts it to that
// listening cycle.
func (c *Controller) finish(cycle uint64, emit bool, cause error) error {
	c.mu.Lock()
	if c.session.State != Listening || (cycle != 0 && cycle != c.cycle) {
		c.mu.Unlock()
		return nil
	}
	c.session.State = Stopping
	c.live.Store(0)
	stopping := c.session
	c.mu.Unlock()
	c.notifyState(stopping)

	err := c.release()

	text := strings.TrimSpace(c.transcriber.CurrentText())
	c.transcriber.Reset()

	c.mu.Lock()
	c.session = Session{State: Idle}
	idle := c.session
	c.mu.Unlock()
	c.notifyState(idle)

	switch {
	case cause != nil:
		c.notifyFailure(cause)
	case emit && text != "" && c.sink != nil:
		u := Utterance{Text: text, Timestamp: c.now()}
		c.logger.Info("utterance", zap.Int("chars", len(u.Text)))
		c.sink.Deliver(u)
	case text != "":
		c.logger.Debug("discarded transcript", zap.Int("chars", len(text)))
	}

	return err
}

func (c *Controller) stopTranscriber() error {
	if err := c.transcriber.Stop(); err != nil {
		c.logger.Warn("transcription stop", zap.Error(err))
		return fmt.Errorf("failed to stop transcription: %w", err)
	}
	return nil
}

func (c *Controller) closeSource() error {
	if err := c.source.Close(); err != nil {
		c.logger.Warn("microphone close", zap.Error(err))
		return fmt.Errorf("failed to close microphone: %w", err)
	}
	return nil
}

func (c *Controller) transcriptUpdated(cycle uint64, text string) {
	if c.live.Load() != cycle {
		return
	}
	for _, o := range c.snapshotObservers() {
		o.TranscriptUpdated(text)
	}
}

func (c *Controller) notifyState(s Session) {
	for _, o := range c.snapshotObservers() {
		o.StateChanged(s)
	}
}

func (c *Controller) notifyFailure(err error) {
	for _, o := range c.snapshotObservers() {
		o.CaptureFailed(err)
	}
}

func (c *Controller) snapshotObservers() []Observer {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	out := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		out = append(out, o)
	}
	return out
}
