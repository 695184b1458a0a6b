// Package errs implements the provider-orchestration error taxonomy: a
// fixed set of error kinds, a structured Error type carrying one of them,
// and classification/aggregation helpers used by the Search Engine, Health
// Monitor, and Download Scheduler to turn opaque failures into the
// taxonomy.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	multierror "github.com/hashicorp/go-multierror"
)

// Kind is one of the error kinds named by the error taxonomy.
type Kind string

const (
	Unsupported      Kind = "Unsupported"
	RateLimited      Kind = "RateLimited"
	Deadline         Kind = "Deadline"
	ProviderDown     Kind = "ProviderDown"
	BotChallenge     Kind = "BotChallenge"
	ParseError       Kind = "ParseError"
	Transport        Kind = "Transport"
	ClientError      Kind = "ClientError"
	Lost             Kind = "Lost"
	AllSourcesFailed Kind = "AllSourcesFailed"
	Cancelled        Kind = "Cancelled"
	InvalidArgument  Kind = "InvalidArgument"
)

// retryableKinds mirrors the teacher's isRetryableErrorCode allow-list: only
// kinds whose failure is plausibly transient are retried automatically.
var retryableKinds = map[Kind]bool{
	RateLimited: true,
	Deadline:    true,
	Transport:   true,
}

// Error is the structured error record returned to callers per §7.
type Error struct {
	Kind      Kind
	Message   string
	Source    string // source-id or client-id this error is attributed to, if any
	Cause     error
	Retryable bool
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryableKinds[kind]}
}

func Wrap(kind Kind, source string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Message:   cause.Error(),
		Source:    source,
		Cause:     cause,
		Retryable: retryableKinds[kind],
	}
}

func (e *Error) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Source, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, errs.New(errs.RateLimited, "")) matches any RateLimited error.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Classify turns an opaque error into a Kind using the same
// substring/type-assertion fallback strategy the teacher's ErrorClassifier
// uses, for the common case where a component received a raw error from a
// third-party client rather than producing a typed one itself.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Deadline
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Deadline
		}
		return Transport
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return RateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return Deadline
	case strings.Contains(msg, "captcha") || strings.Contains(msg, "challenge") || strings.Contains(msg, "cloudflare"):
		return BotChallenge
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "dns") || strings.Contains(msg, "tls"):
		return Transport
	case strings.Contains(msg, "unsupported") || strings.Contains(msg, "not implemented"):
		return Unsupported
	case strings.Contains(msg, "parse") || strings.Contains(msg, "unmarshal") || strings.Contains(msg, "unexpected selector"):
		return ParseError
	default:
		return Transport
	}
}

// Aggregator collects per-source errors for an operation (a search fan-out,
// a health sweep) and builds a combined AllSourcesFailed-style error,
// mirroring the teacher's ErrorAggregator but backed by
// hashicorp/go-multierror for the underlying join.
type Aggregator struct {
	Operation string
	merr      *multierror.Error
	bySource  map[string]*Error
}

func NewAggregator(operation string) *Aggregator {
	return &Aggregator{Operation: operation, bySource: make(map[string]*Error)}
}

func (a *Aggregator) Add(source string, err *Error) {
	if err == nil {
		return
	}
	err.Source = source
	a.bySource[source] = err
	a.merr = multierror.Append(a.merr, err)
}

func (a *Aggregator) HasErrors() bool { return a.merr != nil && a.merr.Len() > 0 }

// PerSource returns a stable-ish map of source-id to its recorded error,
// used to populate per-source failure arrays in API responses.
func (a *Aggregator) PerSource() map[string]*Error {
	out := make(map[string]*Error, len(a.bySource))
	for k, v := range a.bySource {
		out[k] = v
	}
	return out
}

// Aggregate returns an AllSourcesFailed error summarizing every recorded
// failure, or nil if nothing was recorded.
func (a *Aggregator) Aggregate() *Error {
	if !a.HasErrors() {
		return nil
	}
	return &Error{
		Kind:    AllSourcesFailed,
		Message: fmt.Sprintf("%s: all %d sources failed: %s", a.Operation, len(a.bySource), a.merr.Error()),
	}
}
