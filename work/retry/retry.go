package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"anigate/work/logger"
	"anigate/work/metrics"

	"github.com/grafana/regexp"
)

// ErrorKind classifies an upstream failure at the point the response is
// first inspected, instead of inferring it later from message text.
type ErrorKind int

const (
	KindTransient ErrorKind = iota // 5xx / network blip, worth retrying
	KindBlocked                    // deliberate rejection, retrying wastes time and risks rate-limit escalation
	KindClientError                // malformed request, terminal
)

// String returns the metric label for an error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindBlocked:
		return "blocked"
	case KindClientError:
		return "client_error"
	default:
		return "transient"
	}
}

// blockPattern matches anti-scraping fingerprints providers embed in
// response bodies when they reject a request without a clean 403.
var blockPattern = regexp.MustCompile(`(?i)access denied|forbidden|cloudflare|captcha|rate.?limited`)

// UpstreamError is a structured upstream failure carrying the status code
// and a kind tag assigned when the response was inspected.
type UpstreamError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Message)
}

// ClassifyResponse builds an UpstreamError for a non-2xx upstream response.
// HTTP 403 and fingerprinted bodies are structural blocks; everything else
// is transient, except 4xx which is a client error.
func ClassifyResponse(statusCode int, body string) *UpstreamError {
	kind := KindTransient
	switch {
	case statusCode == 403 || blockPattern.MatchString(body):
		kind = KindBlocked
	case statusCode >= 400 && statusCode < 500:
		kind = KindClientError
	}
	return &UpstreamError{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    truncate(body, 120),
	}
}

// Classify extracts the kind from an error chain. Plain errors (network
// failures, timeouts) classify as transient.
func Classify(err error) ErrorKind {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindTransient
}

// OutcomeKind tags the three ways a guarded call can end.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeBlocked
	OutcomeExhausted
)

// Outcome is the tagged result of a guarded upstream call. Blocked is
// distinguished from Exhausted because a confirmed block is not recoverable
// by retrying; the caller should switch server, not retry.
type Outcome[T any] struct {
	Kind      OutcomeKind
	Value     T
	Reason    string // set for Blocked
	LastError error  // set for Exhausted
}

// WithRetry calls op up to attempts times with a fixed delay between tries.
// The delay is deliberately fixed rather than exponential: these failures
// are short transient-network blips, not congestion.
//
// A blocked or client-error classification short-circuits without consuming
// the remaining attempts.
func WithRetry[T any](ctx context.Context, op func() (T, error), attempts int, delay time.Duration) Outcome[T] {
	if attempts <= 0 {
		attempts = 3
	}
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err := op()
		if err == nil {
			return Outcome[T]{Kind: OutcomeSuccess, Value: value}
		}
		lastErr = err

		kind := Classify(err)
		metrics.UpstreamErrors.WithLabelValues(kind.String()).Inc()

		if kind == KindBlocked {
			logger.Warn("{retry - WithRetry} Structural block detected on attempt %d, not retrying: %v", attempt, err)
			return Outcome[T]{Kind: OutcomeBlocked, Reason: err.Error(), LastError: err}
		}
		if kind == KindClientError {
			logger.Debug("{retry - WithRetry} Client error is terminal, not retrying: %v", err)
			return Outcome[T]{Kind: OutcomeExhausted, LastError: err}
		}

		if attempt < attempts {
			logger.Debug("{retry - WithRetry} Attempt %d/%d failed, retrying in %s: %v", attempt, attempts, delay, err)
			select {
			case <-ctx.Done():
				return Outcome[T]{Kind: OutcomeExhausted, LastError: ctx.Err()}
			case <-time.After(delay):
			}
		}
	}

	return Outcome[T]{Kind: OutcomeExhausted, LastError: lastErr}
}

// truncate limits fingerprint snippets carried inside error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
