// Package liveview streams capture state, transcripts, replies and
// visualizer frames to browser clients over websockets, and accepts
// start/stop commands back.
package liveview

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/d1nch8g/voicetutor/agentapi"
	"github.com/d1nch8g/voicetutor/capture"
	"github.com/d1nch8g/voicetutor/conversation"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

// Controls is the toggle surface driven by client commands.
type Controls interface {
	Start(ctx context.Context) error
	Stop() error
	Toggle(ctx context.Context) error
}

// History is the conversation state replayed to newly connected clients.
type History interface {
	GetHistory() []conversation.Exchange
	UserName() string
	Stage() agentapi.Stage
	LearningPlan() []string
}

// Event is the JSON envelope sent to clients.
type Event struct {
	Type      string    `json:"type"`
	State     string    `json:"state,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	UserInput string    `json:"user_input,omitempty"`
	UserName  string    `json:"user_name,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Steps     []string  `json:"steps,omitempty"`
}

// Command is a client request.
type Command struct {
	Type string `json:"type"`
}

type message struct {
	kind int
	data []byte
}

type client struct {
	conn *websocket.Conn
	send chan message
}

// Hub fans events out to connected clients. Slow clients drop messages.
type Hub struct {
	controls Controls
	logger   *zap.Logger
	upgrader websocket.Upgrader

	// FrameInterval limits how often visualizer frames are encoded.
	FrameInterval time.Duration
	// History, when set, is sent to each client as it connects.
	History History

	mu        sync.RWMutex
	clients   map[*client]struct{}
	lastFrame time.Time
}

var _ capture.Observer = (*Hub)(nil)

func NewHub(controls Controls, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		controls:      controls,
		logger:        logger.Named("liveview"),
		upgrader:      websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		FrameInterval: 100 * time.Millisecond,
		clients:       make(map[*client]struct{}),
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan message, sendBuffer)}
	h.replay(c)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("remote", r.RemoteAddr))

	go h.writePump(c)
	h.readPump(r.Context(), c)
}

func (h *Hub) StateChanged(s capture.Session) {
	h.broadcastJSON(Event{Type: "state", State: s.State.String(), StartedAt: s.StartedAt})
}

func (h *Hub) TranscriptUpdated(text string) {
	h.broadcastJSON(Event{Type: "transcript", Text: text})
}

func (h *Hub) CaptureFailed(err error) {
	h.broadcastJSON(Event{Type: "error", Error: err.Error()})
}

// PublishReply forwards a finished exchange.
func (h *Hub) PublishReply(e conversation.Exchange) {
	h.broadcastJSON(replyEvent(e))
}

func replyEvent(e conversation.Exchange) Event {
	return Event{
		Type:      "reply",
		Text:      e.Reply,
		UserInput: e.UserInput,
		UserName:  e.UserName,
		Stage:     string(e.Stage),
		Steps:     e.Plan,
	}
}

// replay queues the learner profile and recent exchanges for a new client.
// Only the tail of the history that fits the send buffer is sent.
func (h *Hub) replay(c *client) {
	if h.History == nil {
		return
	}
	events := []Event{{
		Type:     "profile",
		UserName: h.History.UserName(),
		Stage:    string(h.History.Stage()),
		Steps:    h.History.LearningPlan(),
	}}
	history := h.History.GetHistory()
	if n := sendBuffer - 1; len(history) > n {
		history = history[len(history)-n:]
	}
	for _, e := range history {
		events = append(events, replyEvent(e))
	}

	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			h.logger.Error("event marshal failed", zap.Error(err))
			return
		}
		c.send <- message{kind: websocket.TextMessage, data: data}
	}
}

// PublishFrame sends a visualizer frame as a binary PNG message.
func (h *Hub) PublishFrame(frame *image.RGBA) {
	h.mu.Lock()
	if len(h.clients) == 0 || time.Since(h.lastFrame) < h.FrameInterval {
		h.mu.Unlock()
		return
	}
	h.lastFrame = time.Now()
	h.mu.Unlock()

	var buf bytes.Buffer
	if err := png.Encode(&buf, frame); err != nil {
		h.logger.Warn("frame encode failed", zap.Error(err))
		return
	}
	h.broadcast(message{kind: websocket.BinaryMessage, data: buf.Bytes()})
}

func (h *Hub) broadcastJSON(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("event marshal failed", zap.Error(err))
		return
	}
	h.broadcast(message{kind: websocket.TextMessage, data: data})
}

func (h *Hub) broadcast(m message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- m:
		default:
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("client read failed", zap.Error(err))
			}
			return
		}
		h.handle(context.WithoutCancel(ctx), cmd)
	}
}

func (h *Hub) handle(ctx context.Context, cmd Command) {
	if h.controls == nil {
		return
	}
	var err error
	switch cmd.Type {
	case "start":
		err = h.controls.Start(ctx)
	case "stop":
		err = h.controls.Stop()
	case "toggle":
		err = h.controls.Toggle(ctx)
	default:
		h.logger.Debug("unknown command", zap.String("type", cmd.Type))
		return
	}
	if err != nil {
		// The controller already reports start failures to observers.
		h.logger.Info("command failed", zap.String("type", cmd.Type), zap.Error(err))
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case m, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(m.kind, m.data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
