package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/gatekeep/mediator"
)

const (
	// webhookQueueSize is the bounded channel capacity for outbound audit events.
	webhookQueueSize = 1024
	// webhookTimeout bounds one delivery attempt.
	webhookTimeout    = 10 * time.Second
	webhookRetryDelay = 1 * time.Second
)

// webhookEvent is the JSON payload POSTed to the external endpoint.
type webhookEvent struct {
	Event      string            `json:"event"`
	Username   string            `json:"username,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// auditWebhook forwards audit events to an external HTTP endpoint through a
// mediator client. Events are queued without blocking and sent by a single
// background goroutine; when the queue is full they are dropped.
type auditWebhook struct {
	client     *mediator.Client
	logger     *slog.Logger
	retryDelay time.Duration
	events     chan webhookEvent
	wg         sync.WaitGroup
}

// newAuditWebhook starts a dispatcher for url. authHeader is optional and
// has the form "Header: Value", for example "Authorization: Bearer xxx".
func newAuditWebhook(url, authHeader string, logger *slog.Logger) (*auditWebhook, error) {
	if logger == nil {
		logger = slog.Default()
	}
	headers := []mediator.Header{
		{Key: "Content-Type", Value: "application/json"},
		{Key: "User-Agent", Value: "gatekeep-audit-webhook/1.0"},
	}
	if authHeader != "" {
		key, value, ok := strings.Cut(authHeader, ":")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("audit webhook auth header %q: want \"Header: Value\"", authHeader)
		}
		headers = append(headers, mediator.Header{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
	client, err := mediator.New(url, mediator.NoAuth,
		mediator.WithDefaultHeaders(headers...),
		mediator.WithTimeout(webhookTimeout),
		mediator.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("audit webhook: %w", err)
	}
	w := &auditWebhook{
		client:     client,
		logger:     logger.With("component", "audit_webhook"),
		retryDelay: webhookRetryDelay,
		events:     make(chan webhookEvent, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// enqueue adds evt to the dispatch queue. It never blocks.
func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("queue full, dropping event", "event", evt.Event)
	}
}

// close stops accepting events and waits for the queue to drain.
func (w *auditWebhook) close() {
	close(w.events)
	w.wg.Wait()
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs evt with one retry on a transport error or 5xx.
func (w *auditWebhook) send(evt webhookEvent) {
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			time.Sleep(w.retryDelay)
		}
		res := mediator.Send[struct{}](context.Background(), w.client, mediator.Request{
			Method: http.MethodPost,
			Body:   evt,
		})
		// Receivers are not required to answer with JSON.
		if res.Err == nil || errors.Is(res.Err, mediator.ErrDecode) {
			return
		}
		var se *mediator.StatusError
		if errors.As(res.Err, &se) && se.StatusCode < 500 {
			w.logger.Warn("client error", "event", evt.Event, "status", se.StatusCode)
			return
		}
		w.logger.Warn("delivery failed", "event", evt.Event, "attempt", attempt, "error", res.Err)
	}
}
