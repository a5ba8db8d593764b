// Package dialogue forwards resolved inbound turns to the conversation
// engine and returns its replies.
package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/marcelmariani/crm-platform-sub000/internal/identity"
	"github.com/marcelmariani/crm-platform-sub000/internal/jsonq"
	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/metrics"
)

// DefaultRepliesQuery extracts replies from a {"replies": [...]} body.
const DefaultRepliesQuery = ".replies[]?"

const maxReplyBody = 1 << 20

// Turn is one inbound message for the engine.
type Turn struct {
	Tenant    string             `json:"tenant"`
	Sender    string             `json:"sender"`
	Identity  *identity.Identity `json:"identity,omitempty"`
	Text      string             `json:"text"`
	MessageID string             `json:"messageId,omitempty"`
}

// Engine answers a turn with zero or more replies, in send order.
type Engine interface {
	Handle(ctx context.Context, turn Turn) ([]string, error)
}

// Noop is an Engine that never replies.
type Noop struct{}

// Handle implements Engine.
func (Noop) Handle(ctx context.Context, turn Turn) ([]string, error) {
	return nil, nil
}

// HTTPConfig configures HTTPEngine.
type HTTPConfig struct {
	URL          string
	Token        string
	Timeout      time.Duration
	RepliesQuery string
}

// HTTPEngine posts each turn as JSON and extracts the replies from the
// response with a jq expression.
type HTTPEngine struct {
	cfg     HTTPConfig
	client  *http.Client
	replies *jsonq.Query
}

// NewHTTPEngine validates cfg and compiles its replies query.
func NewHTTPEngine(cfg HTTPConfig) (*HTTPEngine, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("dialogue: URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RepliesQuery == "" {
		cfg.RepliesQuery = DefaultRepliesQuery
	}
	q, err := jsonq.Compile(cfg.RepliesQuery)
	if err != nil {
		return nil, fmt.Errorf("dialogue: %w", err)
	}
	return &HTTPEngine{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		replies: q,
	}, nil
}

// Handle implements Engine.
func (e *HTTPEngine) Handle(ctx context.Context, turn Turn) ([]string, error) {
	defer metrics.MetricStart("dialogue", "handle")()

	body, err := json.Marshal(turn)
	if err != nil {
		return nil, fmt.Errorf("encode turn: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build dialogue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		metrics.MetricOutcome("dialogue", "handle", "unreachable")
		return nil, fmt.Errorf("dialogue request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.MetricOutcome("dialogue", "handle", "bad_status")
		return nil, fmt.Errorf("dialogue: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		return nil, fmt.Errorf("read dialogue response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	doc, err := jsonq.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("dialogue: %w", err)
	}
	replies, err := e.replies.Strings(ctx, doc)
	if err != nil {
		return nil, err
	}

	metrics.MetricOutcome("dialogue", "handle", "ok")
	L_trace("dialogue: replies", "tenant", turn.Tenant, "count", len(replies))
	return replies, nil
}
