// Package resilience provides the pipeline error taxonomy and retry
// machinery. Every failure a stage or worker can hit is classified here, and
// the class decides what happens next: transient errors are redelivered,
// data-quality errors are recorded and skipped, compute errors count against
// the circuit breaker, and circuit-open errors short-circuit without work.
package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// TransientError wraps an error that is safe to retry (store or queue
// connectivity, timeouts). Transient failures never count against a circuit
// breaker; the message goes back to the queue for redelivery.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransient wraps an error as explicitly transient.
func NewTransient(err error) *TransientError {
	return &TransientError{Err: err}
}

// DataQualityError signals that upstream inputs were incomplete or failed
// validation. The condition is recorded and the work unit skipped; immediate
// retry cannot help because the inputs will not change until upstream
// recomputes.
type DataQualityError struct {
	Stage    string
	EntityID string
	Issues   []string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality: %s/%s: %s", e.Stage, e.EntityID, strings.Join(e.Issues, "; "))
}

// NewDataQuality builds a DataQualityError for a stage and entity.
func NewDataQuality(stage, entityID string, issues []string) *DataQualityError {
	return &DataQualityError{Stage: stage, EntityID: entityID, Issues: issues}
}

// CircuitOpenError signals that the breaker for an (entity, stage) pair is
// open and the call was rejected before any compute ran.
type CircuitOpenError struct {
	Stage         string
	EntityID      string
	CooldownUntil time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open: %s/%s until %s", e.Stage, e.EntityID, e.CooldownUntil.UTC().Format(time.RFC3339))
}

// ComputeError wraps a genuine computation failure. These count toward the
// entity's consecutive-failure total and, past the delivery limit, route the
// task to the dead-letter stream.
type ComputeError struct {
	Stage    string
	EntityID string
	Err      error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute: %s/%s: %v", e.Stage, e.EntityID, e.Err)
}

func (e *ComputeError) Unwrap() error {
	return e.Err
}

// NewCompute wraps a computation failure for a stage and entity.
func NewCompute(stage, entityID string, err error) *ComputeError {
	return &ComputeError{Stage: stage, EntityID: entityID, Err: err}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient infrastructure patterns
// (network timeouts, connection resets, pool exhaustion).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
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

	// String-based heuristics for wrapped driver errors.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"i/o timeout",
		"connection pool timeout",
		"failed to connect",
		"conn closed",
		"server closed idle connection",
		"loading the dataset in memory",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsDataQuality reports whether the error chain contains a DataQualityError.
func IsDataQuality(err error) bool {
	var dq *DataQualityError
	return errors.As(err, &dq)
}

// IsCircuitOpen reports whether the error chain contains a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var co *CircuitOpenError
	return errors.As(err, &co)
}

// IsCompute reports whether the error chain contains a ComputeError.
func IsCompute(err error) bool {
	var ce *ComputeError
	return errors.As(err, &ce)
}

// Classify maps an error onto its taxonomy class for logging and dead-letter
// bookkeeping. Compute is checked before transient so an explicitly wrapped
// compute failure keeps its class even when the underlying cause looks
// network-ish.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case IsCircuitOpen(err):
		return "circuit_open"
	case IsDataQuality(err):
		return "data_quality"
	case IsCompute(err):
		return "compute"
	case IsTransient(err):
		return "transient"
	default:
		return "compute"
	}
}
