package conversation

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d1nch8g/voicetutor/agentapi"
	"github.com/d1nch8g/voicetutor/capture"
)

// FallbackReply is shown when the agent cannot be reached.
const FallbackReply = "I'm sorry, I'm having trouble connecting to my knowledge base. Please try again in a moment."

const defaultUserName = "there"

var namePattern = regexp.MustCompile(`(?:my name is|i am|i'm|call me)\s+([a-zA-Z]+)`)

// Replier sends a user message to the reply service.
type Replier interface {
	Send(ctx context.Context, sessionID, message string) (*agentapi.Reply, error)
}

// Exchange represents a single exchange in the conversation
type Exchange struct {
	UserInput string
	Reply     string
	Stage     agentapi.Stage
	Steps     []string
	Failed    bool
	Timestamp time.Time

	// UserName and Plan are the learner's name and learning plan as they
	// stood once this exchange completed.
	UserName string
	Plan     []string
}

// Config holds the configuration for the conversation pipeline
type Config struct {
	MaxHistorySize int
	TypingSpeed    time.Duration
	QueueSize      int
}

// Pipeline consumes utterances from the capture controller, asks the agent
// for a reply and reveals it.
type Pipeline struct {
	config    Config
	client    Replier
	sessionID string
	out       io.Writer
	logger    *zap.Logger

	queue chan capture.Utterance

	mu        sync.RWMutex
	history   []Exchange
	userName  string
	stage     agentapi.Stage
	plan      []string
	listeners []func(Exchange)
}

var _ capture.Sink = (*Pipeline)(nil)

func NewPipeline(config Config, client Replier, sessionID string, out io.Writer, logger *zap.Logger) *Pipeline {
	if config.MaxHistorySize == 0 {
		config.MaxHistorySize = 10 // Default to last 10 exchanges
	}
	if config.TypingSpeed == 0 {
		config.TypingSpeed = 30 * time.Millisecond
	}
	if config.QueueSize == 0 {
		config.QueueSize = 8
	}
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		config:    config,
		client:    client,
		sessionID: sessionID,
		out:       out,
		logger:    logger.Named("conversation"),
		queue:     make(chan capture.Utterance, config.QueueSize),
		history:   make([]Exchange, 0),
		userName:  defaultUserName,
	}
}

// OnReply registers a listener called after each exchange completes.
func (p *Pipeline) OnReply(fn func(Exchange)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Deliver queues an utterance. It never blocks the capture controller; when
// the queue is full the utterance is dropped and logged.
func (p *Pipeline) Deliver(u capture.Utterance) {
	select {
	case p.queue <- u:
	default:
		p.logger.Error("utterance dropped, reply queue full", zap.Int("queue", cap(p.queue)))
	}
}

// Run processes queued utterances until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-p.queue:
			p.process(ctx, u)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, u capture.Utterance) {
	p.logger.Info("user said", zap.String("text", u.Text))
	if name, changed := p.updateUserName(u.Text); changed {
		fmt.Fprintf(p.out, "Hello, %s!\n", name)
	}

	entry := Exchange{UserInput: u.Text, Timestamp: u.Timestamp}

	reply, err := p.client.Send(ctx, p.sessionID, u.Text)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("failed to get reply", zap.Error(err))
		entry.Reply = FallbackReply
		entry.Failed = true
	} else {
		entry.Reply = reply.Reply
		entry.Stage = reply.CurrentStage
		entry.Steps = reply.LearningPlanSteps
	}

	planChanged := p.addToHistory(&entry)

	if err := Reveal(ctx, p.out, entry.Reply, p.config.TypingSpeed); err != nil {
		p.logger.Debug("reply reveal interrupted", zap.Error(err))
	}
	if planChanged {
		writeJourney(p.out, entry.Plan)
	}

	p.mu.RLock()
	listeners := append([]func(Exchange){}, p.listeners...)
	p.mu.RUnlock()
	for _, fn := range listeners {
		fn(entry)
	}
}

// updateUserName picks up self-introductions like "my name is ada" and
// reports whether the name changed.
func (p *Pipeline) updateUserName(text string) (string, bool) {
	m := namePattern.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return "", false
	}
	name := strings.ToUpper(m[1][:1]) + m[1][1:]

	p.mu.Lock()
	defer p.mu.Unlock()
	if name == p.userName {
		return name, false
	}
	p.userName = name
	return name, true
}

// addToHistory records the exchange, stamps it with the current learner
// state and reports whether it replaced the learning plan.
func (p *Pipeline) addToHistory(entry *Exchange) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	planChanged := false
	if !entry.Failed {
		p.stage = entry.Stage
		if len(entry.Steps) > 0 && !slices.Equal(entry.Steps, p.plan) {
			p.plan = slices.Clone(entry.Steps)
			planChanged = true
		}
	}
	entry.UserName = p.userName
	entry.Plan = slices.Clone(p.plan)
	p.history = append(p.history, *entry)

	// Trim history if it exceeds max size
	if len(p.history) > p.config.MaxHistorySize {
		p.history = p.history[len(p.history)-p.config.MaxHistorySize:]
	}
	return planChanged
}

func writeJourney(w io.Writer, plan []string) {
	fmt.Fprintln(w, "\nLearning Journey:")
	for i, step := range plan {
		fmt.Fprintf(w, "  %d. %s\n", i+1, step)
	}
}

// GetHistory returns a copy of the conversation history
func (p *Pipeline) GetHistory() []Exchange {
	p.mu.RLock()
	defer p.mu.RUnlock()

	history := make([]Exchange, len(p.history))
	copy(history, p.history)
	return history
}

// UserName returns how the learner introduced themselves, "there" until then.
func (p *Pipeline) UserName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.userName
}

func (p *Pipeline) Stage() agentapi.Stage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stage
}

// LearningPlan returns the most recent ordered plan steps.
func (p *Pipeline) LearningPlan() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.plan)
}
