// Package audit owns the audit state machine. Every state change is one
// compare-and-set write of the composite state plus a heartbeat.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
)

// InvalidTransitionError is returned when the requested move is not allowed
// from the audit's current state.
type InvalidTransitionError struct {
	AuditID string
	From    model.State
	To      model.State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("audit %s: invalid transition %s -> %s", e.AuditID, e.From, e.To)
}

// Option adjusts the fields written alongside a transition.
type Option func(*store.AuditUpdate)

// WithScores persists finalized scores in the same write.
func WithScores(s model.Scores) Option {
	return func(u *store.AuditUpdate) { u.Scores = &s }
}

// Machine performs audit transitions against a Store.
type Machine struct {
	store  store.Store
	sink   EventSink
	tracer trace.Tracer

	nowFunc func() time.Time
}

// NewMachine returns a Machine. A nil sink logs events through zap.
func NewMachine(st store.Store, sink EventSink) *Machine {
	if sink == nil {
		sink = LogSink{}
	}
	return &Machine{
		store:   st,
		sink:    sink,
		tracer:  otel.Tracer("audit"),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Used by tests and the monitor.
func (m *Machine) SetClock(now func() time.Time) {
	m.nowFunc = now
}

// Now returns the machine's current time.
func (m *Machine) Now() time.Time {
	return m.nowFunc()
}

// Get returns the current audit row.
func (m *Machine) Get(ctx context.Context, id string) (*model.Audit, error) {
	return m.store.GetAudit(ctx, id)
}

// Claim moves a Pending audit to Processing(queries). The caller owns the
// audit only if Claim succeeds; a second claimant gets ConflictError.
func (m *Machine) Claim(ctx context.Context, id string) (*model.Audit, error) {
	a, err := m.store.GetAudit(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.State.Is(model.StatePending) {
		return nil, &resilience.ConflictError{Entity: "audit", ID: id}
	}
	now := m.nowFunc()
	return m.write(ctx, a, model.Processing(model.PhaseQueries), store.AuditUpdate{StartedAt: &now})
}

// Resume re-enters a Processing audit at phase, which may be earlier than its
// current phase. A single CAS attempt decides ownership.
func (m *Machine) Resume(ctx context.Context, id string, phase model.Phase) (*model.Audit, error) {
	if !phase.Valid() {
		return nil, eris.Errorf("machine: resume %s: unknown phase %q", id, phase)
	}
	a, err := m.store.GetAudit(ctx, id)
	if err != nil {
		return nil, err
	}
	next := model.Processing(phase)
	if !a.State.Is(model.StateProcessing) {
		return nil, &InvalidTransitionError{AuditID: id, From: a.State, To: next}
	}
	return m.write(ctx, a, next, store.AuditUpdate{})
}

// Advance moves a Processing audit forward to phase. It never goes backwards.
func (m *Machine) Advance(ctx context.Context, id string, phase model.Phase) (*model.Audit, error) {
	return m.Transition(ctx, id, model.Processing(phase))
}

// Complete commits Completed together with the final scores.
func (m *Machine) Complete(ctx context.Context, id string, scores model.Scores) (*model.Audit, error) {
	return m.Transition(ctx, id, model.Completed(), WithScores(scores))
}

// Fail commits Failed(reason).
func (m *Machine) Fail(ctx context.Context, id, reason string, opts ...Option) (*model.Audit, error) {
	return m.Transition(ctx, id, model.Failed(reason), opts...)
}

// Transition validates next against the current state and writes it. A lost
// compare-and-set is retried once against a fresh read before the
// ConflictError is returned.
func (m *Machine) Transition(ctx context.Context, id string, next model.State, opts ...Option) (*model.Audit, error) {
	var extra store.AuditUpdate
	for _, o := range opts {
		o(&extra)
	}
	policy := resilience.Policy{MaxAttempts: 1, ConflictRetries: 1, OnRetry: resilience.LogRetries("machine", "transition")}
	return resilience.DoVal(ctx, policy, func(ctx context.Context) (*model.Audit, error) {
		a, err := m.store.GetAudit(ctx, id)
		if err != nil {
			return nil, err
		}
		if !allowed(a.State, next) {
			return nil, &InvalidTransitionError{AuditID: id, From: a.State, To: next}
		}
		return m.write(ctx, a, next, extra)
	})
}

// Heartbeat refreshes last_heartbeat without changing the state.
func (m *Machine) Heartbeat(ctx context.Context, id string) (*model.Audit, error) {
	policy := resilience.Policy{MaxAttempts: 1, ConflictRetries: 1}
	return resilience.DoVal(ctx, policy, func(ctx context.Context) (*model.Audit, error) {
		a, err := m.store.GetAudit(ctx, id)
		if err != nil {
			return nil, err
		}
		if a.State.IsTerminal() {
			return a, nil
		}
		return m.write(ctx, a, a.State, store.AuditUpdate{})
	})
}

// allowed is CanTransitionTo plus the forward-only rule between phases.
// Re-entering an earlier phase goes through Resume.
func allowed(from, to model.State) bool {
	if !from.CanTransitionTo(to) {
		return false
	}
	fp, fok := from.Phase()
	tp, tok := to.Phase()
	if fok && tok {
		return tp.Index() >= fp.Index()
	}
	return true
}

func (m *Machine) write(ctx context.Context, cur *model.Audit, next model.State, u store.AuditUpdate) (*model.Audit, error) {
	ctx, span := m.tracer.Start(ctx, "audit.transition", trace.WithAttributes(
		attribute.String("audit.id", cur.ID),
		attribute.String("audit.from", cur.State.String()),
		attribute.String("audit.to", next.String()),
	))
	defer span.End()

	u.State = next
	u.Heartbeat = m.nowFunc()
	if next.IsTerminal() && u.CompletedAt == nil {
		done := u.Heartbeat
		u.CompletedAt = &done
	}
	updated, err := m.store.UpdateAuditState(ctx, cur.ID, cur.Version, u)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return nil, err
	}

	zap.L().Debug("audit transition",
		zap.String("audit_id", cur.ID),
		zap.String("from", cur.State.String()),
		zap.String("to", updated.State.String()),
		zap.Int64("version", updated.Version),
	)
	if cur.State.String() != updated.State.String() {
		m.sink.Emit(ctx, model.ProgressEvent{
			AuditID:         updated.ID,
			NewState:        updated.State.String(),
			PercentComplete: updated.State.Percent(),
			Timestamp:       u.Heartbeat,
		})
	}
	return updated, nil
}
