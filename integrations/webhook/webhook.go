// Package webhook forwards domain events to external HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/CMDESIGN8/lupiback/core"
)

// Sink posts domain events to configured HTTP endpoints. Delivery is best
// effort: failures are logged and never reach the publisher.
type Sink struct {
	client    *http.Client
	endpoints []string
	types     []core.EventType
	logger    *slog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithClient overrides the HTTP client (defaults to 2s timeout).
func WithClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTypes limits the sink to the listed event types.
func WithTypes(types ...core.EventType) Option {
	return func(s *Sink) { s.types = append([]core.EventType(nil), types...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a webhook sink.
func New(endpoints []string, opts ...Option) *Sink {
	s := &Sink{
		client: &http.Client{Timeout: 2 * time.Second},
		types:  core.AllEventTypes,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.endpoints = append([]string{}, endpoints...)
	s.logger = s.logger.With("component", "webhook")
	return s
}

// Source is anything that can deliver domain events to a handler.
type Source interface {
	SubscribeAll(handler func(context.Context, core.Event), types ...core.EventType) func()
}

// Attach subscribes the sink to src and returns the unsubscribe func.
func (s *Sink) Attach(src Source) func() {
	return src.SubscribeAll(s.OnEvent, s.types...)
}

// OnEvent posts the event JSON to every endpoint.
func (s *Sink) OnEvent(ctx context.Context, e core.Event) {
	if len(s.endpoints) == 0 {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("encode event", "type", e.Type, "error", err)
		return
	}
	for _, ep := range s.endpoints {
		if err := s.post(ctx, ep, e.Type, body); err != nil {
			s.logger.Warn("webhook delivery failed", "endpoint", ep, "type", e.Type, "error", err)
		}
	}
}

func (s *Sink) post(ctx context.Context, endpoint string, typ core.EventType, body []byte) error {
	// the bus may cancel its context on shutdown; delivery keeps its own deadline
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Lupi-Event", string(typ))
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
