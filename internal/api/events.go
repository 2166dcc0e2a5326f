package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
)

// handleEvents streams progress events for one audit as server-sent events.
// The first event is the current state; the stream ends after a terminal
// state or when the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeMessage(w, http.StatusNotImplemented, "progress stream not available")
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	// Subscribe before reading the row so no transition falls in between.
	events, cancel := s.hub.Subscribe(id)
	defer cancel()

	a, err := s.store.GetAudit(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc.SetWriteDeadline(time.Time{}) //nolint:errcheck

	log := zap.L().With(zap.String("audit_id", id))
	current := model.ProgressEvent{
		AuditID:         a.ID,
		NewState:        a.State.String(),
		PercentComplete: a.State.Percent(),
		Timestamp:       a.LastHeartbeat,
	}
	if err := writeEvent(w, current); err != nil || rc.Flush() != nil {
		return
	}
	if a.State.IsTerminal() {
		return
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				log.Debug("progress stream write failed", zap.Error(err))
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			if ev.PercentComplete == 100 {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, ev model.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
	return err
}
