package audit

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
)

// EventSink receives a ProgressEvent for every committed transition. Emit
// must not block the caller for long.
type EventSink interface {
	Emit(ctx context.Context, ev model.ProgressEvent)
}

// LogSink writes progress events to the global zap logger.
type LogSink struct{}

// Emit implements EventSink.
func (LogSink) Emit(_ context.Context, ev model.ProgressEvent) {
	zap.L().Info("audit progress",
		zap.String("audit_id", ev.AuditID),
		zap.String("state", ev.NewState),
		zap.Int("percent", ev.PercentComplete),
	)
}

// MultiSink fans one event out to several sinks in order.
type MultiSink []EventSink

// Emit implements EventSink.
func (m MultiSink) Emit(ctx context.Context, ev model.ProgressEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// Hub is an in-process broadcaster of progress events, keyed by audit. The
// HTTP layer subscribes to it to stream server-sent events.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan model.ProgressEvent]struct{}
	buffer int
}

// NewHub returns a Hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[string]map[chan model.ProgressEvent]struct{}), buffer: buffer}
}

// Subscribe returns a channel of events for auditID and a cancel func that
// must be called to release it.
func (h *Hub) Subscribe(auditID string) (<-chan model.ProgressEvent, func()) {
	ch := make(chan model.ProgressEvent, h.buffer)
	h.mu.Lock()
	if h.subs[auditID] == nil {
		h.subs[auditID] = make(map[chan model.ProgressEvent]struct{})
	}
	h.subs[auditID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[auditID], ch)
			if len(h.subs[auditID]) == 0 {
				delete(h.subs, auditID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Emit implements EventSink. Slow subscribers drop events rather than stall
// the worker.
func (h *Hub) Emit(_ context.Context, ev model.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.AuditID] {
		select {
		case ch <- ev:
		default:
			zap.L().Debug("progress subscriber full, dropping event", zap.String("audit_id", ev.AuditID))
		}
	}
}

// Subscribers returns the number of live subscriptions for auditID.
func (h *Hub) Subscribers(auditID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[auditID])
}
