// Package audit posts rejection events to an external HTTP sink. Successful
// requests are never audited; only rejections produced by the error mapper
// flow through here. Delivery is best-effort: the request hot path hands an
// event to a buffered channel and moves on, and a single collector goroutine
// batches and posts in the background. When the channel is full the new
// event is dropped and counted — a slow sink degrades auditing, never
// request latency.
package audit

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fidcgate/fidcgate/internal/config"
	"github.com/fidcgate/fidcgate/internal/observability"
)

// RejectionEvent records one rejected request. It carries routing and
// classification metadata only — never tokens, session secrets, or session
// payload content.
type RejectionEvent struct {
	Timestamp     string `json:"timestamp"` // RFC 3339
	Status        int    `json:"status"`
	Code          string `json:"code"`
	Reason        string `json:"reason"`
	Method        string `json:"method"`
	Path          string `json:"path"`
	RouteID       string `json:"route_id,omitempty"`
	Partner       string `json:"partner,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// batchBody is the wire format accepted by the sink.
type batchBody struct {
	Events []RejectionEvent `json:"events"`
}

// Emitter hands rejection events to a background collector that batches and
// posts them.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	url    string
	client *http.Client

	batchSize int
	interval  time.Duration

	events  chan RejectionEvent
	quit    chan struct{}
	stopped chan struct{}
	closing atomic.Bool
}

// sinkTimeout bounds one POST to the audit sink.
const sinkTimeout = 5 * time.Second

// NewEmitter creates a rejection event emitter and starts its collector.
// Returns nil when auditing is not enabled in the config.
func NewEmitter(cfg config.AuditConfig, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	e := &Emitter{
		logger:    logger.With("component", "audit"),
		metrics:   metrics,
		url:       cfg.URL,
		client:    &http.Client{Timeout: sinkTimeout},
		batchSize: clamp(cfg.BatchSize, 100),
		interval:  config.MustParseDuration(cfg.FlushInterval, 5*time.Second),
		events:    make(chan RejectionEvent, clamp(cfg.BufferSize, 10000)),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	go e.collect()

	return e
}

func clamp(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Emit offers an event to the collector. Never blocks: when the buffer is
// full (or the emitter is closing) the event is dropped and counted.
func (e *Emitter) Emit(ev RejectionEvent) {
	if e.closing.Load() {
		e.metrics.IncAuditDropped()
		return
	}
	select {
	case e.events <- ev:
	default:
		e.metrics.IncAuditDropped()
	}
}

// Close stops the collector after it drains whatever is buffered.
// Idempotent.
func (e *Emitter) Close() error {
	if e.closing.Swap(true) {
		return nil
	}
	close(e.quit)
	<-e.stopped
	return nil
}

// collect is the single background goroutine: it accumulates events into a
// batch and posts when the batch fills or the flush interval elapses.
func (e *Emitter) collect() {
	defer close(e.stopped)

	batch := make([]RejectionEvent, 0, e.batchSize)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	flush := func() {
		e.post(batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-e.events:
			batch = append(batch, ev)
			if len(batch) >= e.batchSize {
				flush()
			}

		case <-ticker.C:
			if len(batch) > 0 {
				flush()
			}

		case <-e.quit:
			// Drain events that were accepted before Close, then exit.
			for {
				select {
				case ev := <-e.events:
					batch = append(batch, ev)
					if len(batch) >= e.batchSize {
						flush()
					}
				default:
					if len(batch) > 0 {
						flush()
					}
					return
				}
			}
		}
	}
}

// post sends one batch to the sink. Failures are logged and the batch is
// abandoned; the sink is not a system of record.
func (e *Emitter) post(batch []RejectionEvent) {
	if len(batch) == 0 {
		return
	}

	payload, err := json.Marshal(batchBody{Events: batch})
	if err != nil {
		e.logger.Error("marshal audit batch", "error", err)
		return
	}

	resp, err := e.client.Post(e.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		e.logger.Warn("post audit batch", "error", err, "count", len(batch))
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode >= 400 {
		e.logger.Warn("audit sink rejected batch",
			"status", resp.StatusCode, "count", len(batch))
	}
}
