// Package resilience provides the error taxonomy, retry policy and circuit
// breaker used around every outbound call made by the document worker.
package resilience

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Kind is the failure class of an error.
type Kind string

const (
	// KindTransient errors are retried with backoff.
	KindTransient Kind = "transient"
	// KindClient errors are caused by bad input and are never retried.
	KindClient Kind = "client"
	// KindCritical errors abort the job and raise an alert.
	KindCritical Kind = "critical"
	// KindResource errors mean a pool or limiter could not hand out capacity.
	KindResource Kind = "resource"
	// KindSystemic errors come from the worker loop itself (claiming, persisting state).
	KindSystemic Kind = "systemic"
	// KindUnknown is used for anything Classify cannot place.
	KindUnknown Kind = "unknown"
)

// Error is a classified error carried through the pipeline.
type Error struct {
	Kind          Kind
	Op            string
	StatusCode    int
	UserMessage   string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Client wraps err as a non-retryable input failure with a message that is
// safe to show to the document owner.
func Client(op, userMessage string, err error) *Error {
	return &Error{Kind: KindClient, Op: op, UserMessage: userMessage, Err: err}
}

// Critical wraps err as a failure that must abort the job.
func Critical(op string, err error) *Error {
	return &Error{Kind: KindCritical, Op: op, Err: err}
}

// Systemic wraps err as a worker-level failure that feeds the circuit breaker.
func Systemic(op string, err error) *Error {
	return &Error{Kind: KindSystemic, Op: op, Err: err}
}

// FromStatus classifies an HTTP response status from an external service.
// 408, 429 and 5xx are transient; other 4xx are client errors.
func FromStatus(op string, status int, body string) *Error {
	err := fmt.Errorf("unexpected status %d: %s", status, truncate(body, 512))
	kind := KindClient
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		kind = KindTransient
	case status < 400:
		kind = KindUnknown
	}
	return &Error{Kind: kind, Op: op, StatusCode: status, Err: err}
}

// Classify returns the kind of err.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindSystemic
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	if class, ok := sqlStateClass(err); ok {
		switch class {
		case "08", "40", "53", "57", "58":
			return KindTransient
		case "22", "23":
			return KindClient
		default:
			return KindTransient
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}

	return KindUnknown
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return Classify(err) == KindTransient
}

// WithCorrelation attaches a correlation ID to err, creating one when absent.
// The returned error is always an *Error.
func WithCorrelation(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		if e.CorrelationID == "" {
			e.CorrelationID = uuid.NewString()
		}
		return e
	}
	return &Error{Kind: Classify(err), Err: err, CorrelationID: uuid.NewString()}
}

// UserMessage returns a message that can be shown outside the service.
// It never contains the underlying error text.
func UserMessage(err error) string {
	e := WithCorrelation(err)
	msg := e.UserMessage
	if msg == "" {
		switch e.Kind {
		case KindClient:
			msg = "The document could not be processed."
		case KindCritical:
			msg = "Processing was stopped because of an internal integrity check."
		default:
			msg = "A temporary problem occurred while processing the document."
		}
	}
	return fmt.Sprintf("%s (reference: %s)", msg, e.CorrelationID)
}

func sqlStateClass(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		return pgErr.Code[:2], true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code.Class()), true
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
