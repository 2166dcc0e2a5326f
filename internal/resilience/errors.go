package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies an engine error by how the caller must react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient is a network, timeout or rate-limit failure; retry with backoff.
	KindTransient
	// KindConflict is a lost compare-and-set; retry once, then escalate.
	KindConflict
	// KindNotFound means the row vanished.
	KindNotFound
	// KindStageDependency means a funnel stage's prerequisites are missing; retryable later.
	KindStageDependency
	// KindDataQuality is a tripped quality breaker; terminal.
	KindDataQuality
	// KindBudgetExceeded is an exhausted reprocess budget; terminal.
	KindBudgetExceeded
	// KindStopRequested means the audit was asked to stop.
	KindStopRequested
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindStageDependency:
		return "stage_dependency"
	case KindDataQuality:
		return "data_quality"
	case KindBudgetExceeded:
		return "budget_exceeded"
	case KindStopRequested:
		return "stop_requested"
	default:
		return "unknown"
	}
}

// TransientError wraps a provider or storage failure that is safe to retry
// (429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// ConflictError reports a lost update on a compare-and-set write.
type ConflictError struct {
	Entity string
	ID     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently", e.Entity, e.ID)
}

// NotFoundError reports a row that no longer exists.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// StageDependencyError is returned when a funnel stage starts before the rows
// it consumes exist.
type StageDependencyError struct {
	Stage   string
	Missing string
}

func (e *StageDependencyError) Error() string {
	return fmt.Sprintf("%s: dependency incomplete: missing %s", e.Stage, e.Missing)
}

// DataQualityError is returned when the quality breaker trips.
type DataQualityError struct {
	Score  float64
	Checks []string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality breaker tripped (score %.0f): %s", e.Score, strings.Join(e.Checks, "; "))
}

// BudgetExceededError is returned once a bounded attempt budget is spent.
type BudgetExceededError struct {
	Attempts int
	Max      int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("exceeded max reprocess attempts (%d/%d)", e.Attempts, e.Max)
}

// StopRequestedError is returned when a worker notices the stop flag.
type StopRequestedError struct {
	AuditID string
}

func (e *StopRequestedError) Error() string {
	return fmt.Sprintf("audit %s: stop requested", e.AuditID)
}

// Classify returns the Kind of err, looking through wrapped chains.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var (
		conflict *ConflictError
		notFound *NotFoundError
		dep      *StageDependencyError
		quality  *DataQualityError
		budget   *BudgetExceededError
		stop     *StopRequestedError
	)
	switch {
	case errors.As(err, &stop):
		return KindStopRequested
	case errors.As(err, &quality):
		return KindDataQuality
	case errors.As(err, &budget):
		return KindBudgetExceeded
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &dep):
		return KindStageDependency
	case IsTransient(err):
		return KindTransient
	}
	return KindUnknown
}

// IsConflict reports whether err is a lost compare-and-set.
func IsConflict(err error) bool { return Classify(err) == KindConflict }

// IsNotFound reports whether err is a missing row.
func IsNotFound(err error) bool { return Classify(err) == KindNotFound }

// IsTerminal reports whether err must fail the audit outright.
func IsTerminal(err error) bool {
	switch Classify(err) {
	case KindDataQuality, KindBudgetExceeded:
		return true
	}
	return false
}

// IsTransient returns true if the error chain holds a TransientError, a
// deadline expiry, or a common transient network failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"overloaded",
}

// IsTransientHTTPStatus reports whether an HTTP status is worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 409, 429, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}
