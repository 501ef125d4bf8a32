package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultBaseURL = "http://localhost:8000"

// Stage is the tutoring phase reported by the agent.
type Stage string

const (
	StageOnboarding      Stage = "onboarding"
	StagePedagogy        Stage = "pedagogy"
	StageJourneyCrafting Stage = "journey_crafting"
	StageTeaching        Stage = "teaching"
	StageComplete        Stage = "complete"
	StageError           Stage = "error"
)

// Request represents the request to the chat endpoint
type Request struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Reply represents the response from the chat endpoint
type Reply struct {
	Reply             string   `json:"reply"`
	SessionID         string   `json:"session_id"`
	CurrentStage      Stage    `json:"current_stage"`
	LearningPlanSteps []string `json:"learning_plan_steps,omitempty"`
}

// Health is the health endpoint payload.
type Health struct {
	Status string `json:"status"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

// Client is a client for the tutoring agent API
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new agent API client
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.Named("agentapi"),
	}
}

// Send posts a user message and returns the agent's reply
func (c *Client) Send(ctx context.Context, sessionID, message string) (*Reply, error) {
	reqBody, err := json.Marshal(Request{SessionID: sessionID, Message: message})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("chat request", zap.String("session_id", sessionID), zap.Int("chars", len(message)))

	var reply Reply
	if err := c.do(httpReq, &reply); err != nil {
		c.logger.Warn("chat request failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}

	c.logger.Debug("chat reply",
		zap.String("stage", string(reply.CurrentStage)),
		zap.Int("plan_steps", len(reply.LearningPlanSteps)),
	)
	return &reply, nil
}

// Health checks whether the agent API is reachable
func (c *Client) Health(ctx context.Context) (*Health, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var health Health
	if err := c.do(httpReq, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *Client) do(httpReq *http.Request, out any) error {
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
