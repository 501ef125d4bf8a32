package capture

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/d1nch8g/voicetutor/audio"
	"github.com/d1nch8g/voicetutor/stt"
)

// calls records the order of resource operations across fakes.
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, s)
}

func (c *calls) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

type fakeHandle struct{ bins audio.Snapshot }

func (h *fakeHandle) Sample() audio.Snapshot { return h.bins }

type fakeSource struct {
	calls   *calls
	openErr error
	// gate, when set, holds Open until it is closed. opening is closed
	// once Open starts waiting on it.
	gate    chan struct{}
	opening chan struct{}

	mu     sync.Mutex
	open   bool
	opens  int
	closes int
}

func (s *fakeSource) Open(context.Context) (audio.Handle, error) {
	if s.gate != nil {
		close(s.opening)
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return &fakeHandle{}, nil
	}
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.open = true
	s.opens++
	s.calls.add("source.open")
	return &fakeHandle{bins: make(audio.Snapshot, audio.BinCount)}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	s.closes++
	s.calls.add("source.close")
	return nil
}

func (s *fakeSource) counts() (opens, closes int, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens, s.closes, s.open
}

type fakeTranscriber struct {
	calls       *calls
	unsupported bool
	startErr    error
	// failOnStart is reported through the failure hook from inside Start.
	failOnStart error
	// spoken is the transcript produced during each listening cycle.
	spoken string

	mu      sync.Mutex
	text    string
	running bool
	hooks   stt.Hooks
	starts  int
}

func (t *fakeTranscriber) Supported() bool { return !t.unsupported }

func (t *fakeTranscriber) Start(_ context.Context, hooks stt.Hooks) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startErr != nil {
		return t.startErr
	}
	if t.running {
		return nil
	}
	t.running = true
	t.starts++
	t.hooks = hooks
	t.text = t.spoken
	t.calls.add("transcriber.start")
	if t.failOnStart != nil {
		hooks.OnFailure(t.failOnStart)
	}
	return nil
}

func (t *fakeTranscriber) CurrentText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text
}

func (t *fakeTranscriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.text = ""
}

func (t *fakeTranscriber) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	t.calls.add("transcriber.stop")
	return nil
}

func (t *fakeTranscriber) say(text string) {
	t.mu.Lock()
	t.text = text
	hooks := t.hooks
	t.mu.Unlock()
	if hooks.OnUpdate != nil {
		hooks.OnUpdate(text)
	}
}

func (t *fakeTranscriber) fail(err error) {
	t.mu.Lock()
	hooks := t.hooks
	t.mu.Unlock()
	hooks.OnFailure(err)
}

type fakeRenderer struct {
	calls    *calls
	startErr error

	mu      sync.Mutex
	running bool
}

func (r *fakeRenderer) Start(src audio.Handle) error {
	if src == nil {
		return errors.New("no source")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.running = true
	r.calls.add("renderer.start")
	return nil
}

func (r *fakeRenderer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.running = false
		r.calls.add("renderer.stop")
	}
}

func (r *fakeRenderer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

type recordingSink struct {
	mu         sync.Mutex
	utterances []Utterance
}

func (s *recordingSink) Deliver(u Utterance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utterances = append(s.utterances, u)
}

func (s *recordingSink) all() []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Utterance(nil), s.utterances...)
}

type recordingObserver struct {
	mu          sync.Mutex
	states      []State
	transcripts []string
	failures    []error
}

func (o *recordingObserver) StateChanged(s Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s.State)
}

func (o *recordingObserver) TranscriptUpdated(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transcripts = append(o.transcripts, text)
}

func (o *recordingObserver) CaptureFailed(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, err)
}

func (o *recordingObserver) failureCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.failures)
}

type rig struct {
	calls       *calls
	source      *fakeSource
	transcriber *fakeTranscriber
	renderer    *fakeRenderer
	sink        *recordingSink
	observer    *recordingObserver
	controller  *Controller
}

func newRig(t *testing.T) *rig {
	t.Helper()
	c := &calls{}
	r := &rig{
		calls:       c,
		source:      &fakeSource{calls: c},
		transcriber: &fakeTranscriber{calls: c},
		renderer:    &fakeRenderer{calls: c},
		sink:        &recordingSink{},
		observer:    &recordingObserver{},
	}
	r.build()
	return r
}

func (r *rig) build() {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.controller = NewController(r.source, r.transcriber, r.renderer, r.sink, WithClock(func() time.Time { return fixed }))
	r.controller.Subscribe(r.observer)
}

func TestStartStopOrdering(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	if err := r.controller.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s := r.controller.Session(); s.State != Listening || s.StartedAt.IsZero() {
		t.Fatalf("expected Listening with start time, got %+v", s)
	}
	if err := r.controller.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s := r.controller.Session(); s.State != Idle || !s.StartedAt.IsZero() {
		t.Fatalf("expected Idle without start time, got %+v", s)
	}

	want := []string{
		"source.open", "transcriber.start", "renderer.start",
		"renderer.stop", "transcriber.stop", "source.close",
	}
	if got := r.calls.get(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	wantStates := []State{Listening, Stopping, Idle}
	if !reflect.DeepEqual(r.observer.states, wantStates) {
		t.Fatalf("expected states %v, got %v", wantStates, r.observer.states)
	}
}

func TestStopEmitsUtterance(t *testing.T) {
	tests := []struct {
		name   string
		spoken string
		want   []string
	}{
		{"speech", "hello teacher", []string{"hello teacher"}},
		{"padded", "  hello teacher \n", []string{"hello teacher"}},
		{"empty", "", nil},
		{"whitespace", "   ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			if err := r.controller.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			r.transcriber.say(tt.spoken)
			if err := r.controller.Stop(); err != nil {
				t.Fatalf("Stop: %v", err)
			}

			var got []string
			for _, u := range r.sink.all() {
				got = append(got, u.Text)
				if u.Timestamp.IsZero() {
					t.Fatal("utterance without timestamp")
				}
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
			if text := r.transcriber.CurrentText(); text != "" {
				t.Fatalf("expected transcript reset, got %q", text)
			}
		})
	}
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	r := newRig(t)

	for i := 0; i < 3; i++ {
		if err := r.controller.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if s := r.controller.Session(); s.State != Idle {
		t.Fatalf("expected Idle, got %v", s.State)
	}
	if got := r.calls.get(); len(got) != 0 {
		t.Fatalf("expected no resource calls, got %v", got)
	}
	if len(r.sink.all()) != 0 {
		t.Fatal("expected no utterance")
	}
}

func TestDoubleStartOpensOnce(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	if err := r.controller.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.controller.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	opens, _, _ := r.source.counts()
	if opens != 1 || r.transcriber.starts != 1 {
		t.Fatalf("expected one session, got %d opens and %d recognizer starts", opens, r.transcriber.starts)
	}
	r.controller.Stop()
}

func TestOpenCloseBalanced(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	// start/stop sequence including repeats in both directions
	ops := "ssSSsSsSSsssSS"
	for _, op := range ops {
		var err error
		if op == 's' {
			err = r.controller.Start(ctx)
		} else {
			err = r.controller.Stop()
		}
		if err != nil {
			t.Fatalf("op %c: %v", op, err)
		}
	}

	opens, closes, open := r.source.counts()
	if opens != closes || open {
		t.Fatalf("unbalanced: %d opens, %d closes, open=%v", opens, closes, open)
	}

	depth := 0
	for _, c := range r.calls.get() {
		switch c {
		case "source.open":
			depth++
		case "source.close":
			depth--
		}
		if depth < 0 || depth > 1 {
			t.Fatalf("invalid open/close nesting in %v", r.calls.get())
		}
	}
}

func TestConcurrentToggles(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				err := r.controller.Toggle(ctx)
				if err != nil && !errors.Is(err, ErrBusy) {
					t.Errorf("Toggle: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	r.controller.Teardown()

	opens, closes, open := r.source.counts()
	if opens != closes || open {
		t.Fatalf("unbalanced: %d opens, %d closes, open=%v", opens, closes, open)
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *rig)
		wantErr error
	}{
		{
			name:    "permission denied",
			setup:   func(r *rig) { r.source.openErr = ErrPermissionDenied },
			wantErr: ErrPermissionDenied,
		},
		{
			name:    "no device",
			setup:   func(r *rig) { r.source.openErr = ErrDeviceUnavailable },
			wantErr: ErrDeviceUnavailable,
		},
		{
			name:    "recognizer refuses",
			setup:   func(r *rig) { r.transcriber.startErr = errors.New("quota") },
			wantErr: ErrTransientCapture,
		},
		{
			name:    "renderer refuses",
			setup:   func(r *rig) { r.renderer.startErr = errors.New("no surface") },
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			tt.setup(r)

			err := r.controller.Start(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if s := r.controller.Session(); s.State != Idle {
				t.Fatalf("expected Idle, got %v", s.State)
			}
			if r.observer.failureCount() != 1 {
				t.Fatalf("expected exactly one failure report, got %d", r.observer.failureCount())
			}

			opens, closes, open := r.source.counts()
			if opens != closes || open {
				t.Fatalf("leaked source: %d opens, %d closes", opens, closes)
			}
			if r.transcriber.running || r.renderer.Running() {
				t.Fatal("leaked transcriber or renderer")
			}
		})
	}
}

func TestUnsupportedPlatform(t *testing.T) {
	r := newRig(t)
	r.transcriber.unsupported = true
	r.build()

	if r.controller.Supported() {
		t.Fatal("expected unsupported controller")
	}
	for i := 0; i < 2; i++ {
		if err := r.controller.Start(context.Background()); !errors.Is(err, ErrUnsupportedPlatform) {
			t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
		}
	}
	if s := r.controller.Session(); s.State != Idle {
		t.Fatalf("expected Idle, got %v", s.State)
	}
	if got := r.calls.get(); len(got) != 0 {
		t.Fatalf("expected no resource calls, got %v", got)
	}
}

func TestTeardownWhileListening(t *testing.T) {
	r := newRig(t)
	if err := r.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.transcriber.say("half a thought")

	if err := r.controller.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if len(r.sink.all()) != 0 {
		t.Fatal("teardown must not submit a partial utterance")
	}
	if _, _, open := r.source.counts(); open {
		t.Fatal("source left open after teardown")
	}
	if err := r.controller.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	// A fresh controller can acquire the same resources again.
	fresh := NewController(r.source, r.transcriber, r.renderer, r.sink)
	if err := fresh.Start(context.Background()); err != nil {
		t.Fatalf("fresh Start: %v", err)
	}
	fresh.Teardown()
}

func TestTransientFailureAborts(t *testing.T) {
	r := newRig(t)
	if err := r.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.transcriber.say("partial")
	r.transcriber.fail(errors.New("connection reset"))

	deadline := time.Now().Add(time.Second)
	for r.observer.failureCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if r.observer.failureCount() != 1 {
		t.Fatalf("expected one failure, got %d", r.observer.failureCount())
	}
	if !errors.Is(r.observer.failures[0], ErrTransientCapture) {
		t.Fatalf("expected ErrTransientCapture, got %v", r.observer.failures[0])
	}
	if s := r.controller.Session(); s.State != Idle {
		t.Fatalf("expected Idle, got %v", s.State)
	}
	if len(r.sink.all()) != 0 {
		t.Fatal("partial transcript must be discarded")
	}
	if _, _, open := r.source.counts(); open {
		t.Fatal("source left open after failure")
	}
}

func TestStaleFailureIgnored(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.controller.Start(ctx)
	stale := r.transcriber.hooks
	r.controller.Stop()
	r.controller.Start(ctx)

	r.controller.abort(1, errors.New("late"))
	stale.OnUpdate("ghost")

	if s := r.controller.Session(); s.State != Listening {
		t.Fatalf("stale failure must not stop the new cycle, got %v", s.State)
	}
	for _, text := range r.observer.transcripts {
		if text == "ghost" {
			t.Fatal("stale transcript forwarded")
		}
	}
	r.controller.Stop()
}

func TestTranscriptForwardedWhileListening(t *testing.T) {
	r := newRig(t)
	r.controller.Start(context.Background())
	r.transcriber.say("hello")
	r.controller.Stop()

	if !reflect.DeepEqual(r.observer.transcripts, []string{"hello"}) {
		t.Fatalf("expected one transcript update, got %q", r.observer.transcripts)
	}
}

func TestObserverUnsubscribe(t *testing.T) {
	r := newRig(t)
	extra := &recordingObserver{}
	unsubscribe := r.controller.Subscribe(extra)
	unsubscribe()

	r.controller.Start(context.Background())
	r.controller.Stop()

	if len(extra.states) != 0 {
		t.Fatalf("unsubscribed observer got %v", extra.states)
	}
}

func TestObserverMayReenter(t *testing.T) {
	r := newRig(t)
	r.controller.Subscribe(stopOnListen{r.controller})

	if err := r.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s := r.controller.Session(); s.State != Idle {
		t.Fatalf("expected observer-triggered stop, got %v", s.State)
	}
}

type stopOnListen struct{ c *Controller }

func (o stopOnListen) StateChanged(s Session) {
	if s.State == Listening {
		o.c.Stop()
	}
}
func (stopOnListen) TranscriptUpdated(string) {}
func (stopOnListen) CaptureFailed(error)      {}

func TestTeardownRefusesObserverStart(t *testing.T) {
	r := newRig(t)
	restarts := &startOnIdle{c: r.controller}
	r.controller.Subscribe(restarts)

	if err := r.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.controller.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	if !errors.Is(restarts.err, ErrClosed) {
		t.Fatalf("expected observer start to get ErrClosed, got %v", restarts.err)
	}
	if s := r.controller.Session(); s.State != Idle {
		t.Fatalf("expected Idle after teardown, got %v", s.State)
	}
	opens, closes, open := r.source.counts()
	if opens != 1 || closes != 1 || open {
		t.Fatalf("expected one balanced cycle, got %d opens, %d closes, open=%v", opens, closes, open)
	}
	if r.renderer.Running() {
		t.Fatal("renderer left running after teardown")
	}
}

func TestTeardownWhileAcquiring(t *testing.T) {
	r := newRig(t)
	r.source.gate = make(chan struct{})
	r.source.opening = make(chan struct{})

	started := make(chan error, 1)
	go func() { started <- r.controller.Start(context.Background()) }()
	<-r.source.opening

	// A pending permission prompt must not block the rest of the surface.
	if s := r.controller.Session(); s.State != Idle {
		t.Fatalf("expected Idle while acquiring, got %v", s.State)
	}
	if err := r.controller.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.controller.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for a second start, got %v", err)
	}

	tornDown := make(chan error, 1)
	go func() { tornDown <- r.controller.Teardown() }()

	select {
	case <-tornDown:
		t.Fatal("teardown returned before the pending start settled")
	case <-time.After(20 * time.Millisecond):
	}

	close(r.source.gate)
	if err := <-started; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from the abandoned start, got %v", err)
	}
	if err := <-tornDown; err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	opens, closes, open := r.source.counts()
	if opens != closes || open {
		t.Fatalf("unbalanced: %d opens, %d closes, open=%v", opens, closes, open)
	}
	if r.renderer.Running() || r.transcriber.running {
		t.Fatal("leaked renderer or transcriber")
	}
	for _, s := range r.observer.states {
		if s == Listening {
			t.Fatal("abandoned start must not announce Listening")
		}
	}
}

func TestToggleRacesTeardown(t *testing.T) {
	for i := 0; i < 20; i++ {
		r := newRig(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 10; k++ {
					err := r.controller.Toggle(ctx)
					if err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, ErrClosed) {
						t.Errorf("Toggle: %v", err)
					}
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.controller.Teardown(); err != nil {
				t.Errorf("Teardown: %v", err)
			}
		}()
		wg.Wait()

		opens, closes, open := r.source.counts()
		if opens != closes || open {
			t.Fatalf("round %d: unbalanced: %d opens, %d closes, open=%v", i, opens, closes, open)
		}
	}
}

func TestRecognizerFailureWhileStarting(t *testing.T) {
	r := newRig(t)
	r.transcriber.failOnStart = errors.New("stream refused")

	// Either Start rolls back or the listening cycle is aborted right
	// after it; both end Idle with one report.
	r.controller.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.observer.failureCount() == 1 && r.controller.Session().State == Idle {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if n := r.observer.failureCount(); n != 1 {
		t.Fatalf("expected one failure report, got %d", n)
	}
	if s := r.controller.Session(); s.State != Idle {
		t.Fatalf("expected Idle, got %v", s.State)
	}
	if _, _, open := r.source.counts(); open {
		t.Fatal("source left open after recognizer failure")
	}
}

type startOnIdle struct {
	c   *Controller
	err error
}

func (o *startOnIdle) StateChanged(s Session) {
	if s.State == Idle {
		o.err = o.c.Start(context.Background())
	}
}
func (*startOnIdle) TranscriptUpdated(string) {}
func (*startOnIdle) CaptureFailed(error)      {}
