package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Sentinel errors. Wrap these with fmt.Errorf("...: %w", Err...) and unwrap
// with errors.Is, mirroring core/client/middleware/errors.go's ErrRetryExhausted.
var (
	// ErrBudgetExhausted is returned when neither the retry nor the fallback
	// budget has any attempts remaining.
	ErrBudgetExhausted = errors.New("supervisor: retry and fallback budgets exhausted")
	// ErrCancelled is returned when the caller's cancellation handle fired.
	ErrCancelled = errors.New("supervisor: call cancelled")
	// ErrCheckpointCorrupt names a persisted checkpoint file that fails to
	// parse. FileCheckpointStore.Cleanup deletes such files and does not
	// return this error.
	ErrCheckpointCorrupt = errors.New("supervisor: checkpoint file is corrupt")
	// ErrGuardrailViolation is returned when a non-recoverable or fatal
	// guardrail violation terminates the call.
	ErrGuardrailViolation = errors.New("supervisor: guardrail violation")
)

// NetworkErrorKind is the closed classification set from spec §3.
type NetworkErrorKind string

const (
	NetErrConnectionDropped  NetworkErrorKind = "connection-dropped"
	NetErrDNS                NetworkErrorKind = "dns"
	NetErrSSL                NetworkErrorKind = "ssl"
	NetErrTimeout            NetworkErrorKind = "timeout"
	NetErrFetchTypeError     NetworkErrorKind = "fetch-typeerror"
	NetErrECONNRESET         NetworkErrorKind = "econnreset"
	NetErrECONNREFUSED       NetworkErrorKind = "econnrefused"
	NetErrSSEAborted         NetworkErrorKind = "sse-aborted"
	NetErrNoBytes            NetworkErrorKind = "no-bytes"
	NetErrPartialChunks      NetworkErrorKind = "partial-chunks"
	NetErrRuntimeKilled      NetworkErrorKind = "runtime-killed"
	NetErrBackgroundThrottle NetworkErrorKind = "background-throttle"
	NetErrStreamInterrupted  NetworkErrorKind = "stream-interrupted"
	NetErrUnknown            NetworkErrorKind = "unknown"
)

// NetworkError carries a classified transient failure. It is both the input
// to and the typical payload of a NetworkErrorAnalysis.
type NetworkError struct {
	Kind           NetworkErrorKind
	Retryable      bool
	SuggestedDelay time.Duration
	Cause          error
}

func (e *NetworkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("supervisor: network error (%s): %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("supervisor: network error (%s)", e.Kind)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// TimeoutError is the synthetic error raised by a watchdog firing (spec §4.2).
type TimeoutError struct {
	Kind    string // "initialToken" | "interToken"
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("supervisor: %s timeout after %s", e.Kind, e.Elapsed)
}

// GuardrailViolationError wraps a Violation that terminated the call.
type GuardrailViolationError struct {
	Violation Violation
}

func (e *GuardrailViolationError) Error() string {
	return fmt.Sprintf("supervisor: guardrail %q violated: %s", e.Violation.Rule, e.Violation.Message)
}

func (e *GuardrailViolationError) Unwrap() error { return ErrGuardrailViolation }

// DriftError carries detected drift signal types and their score. The
// Supervisor does not return it: drift is recorded as a recoverable
// Violation with rule "drift", and a call that ends on drift fails with a
// *GuardrailViolationError.
type DriftError struct {
	Types []string
	Score float64
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("supervisor: drift detected %v (score=%.2f)", e.Types, e.Score)
}

// CancellationError is the terminal error emitted after cancellation.
type CancellationError struct{}

func (e *CancellationError) Error() string { return ErrCancelled.Error() }

func (e *CancellationError) Unwrap() error { return ErrCancelled }

// InternalError wraps a normalizer bug or checkpoint corruption: an error the
// supervisor itself cannot classify as network or model-level.
type InternalError struct {
	Cause error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("supervisor: internal error: %v", e.Cause)
}

func (e *InternalError) Unwrap() error { return e.Cause }

// NetworkErrorAnalysis is the output of ClassifyError.
type NetworkErrorAnalysis struct {
	IsNetwork      bool
	Kind           NetworkErrorKind
	Retryable      bool
	SuggestedDelay time.Duration
}

// ClassifyError maps an arbitrary error into a NetworkErrorAnalysis. It
// first unwraps a *NetworkError or *TimeoutError if present (the supervisor's
// own watchdogs and transports produce those), then falls back to
// substring sniffing of the error text — mirroring the pragmatic,
// string-matching classification in core/client/middleware/retry.go's
// defaultRetryableFunc, which also works off error text rather than typed
// status codes.
func ClassifyError(err error) NetworkErrorAnalysis {
	if err == nil {
		return NetworkErrorAnalysis{}
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return NetworkErrorAnalysis{
			IsNetwork:      true,
			Kind:           netErr.Kind,
			Retryable:      netErr.Retryable,
			SuggestedDelay: netErr.SuggestedDelay,
		}
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return NetworkErrorAnalysis{IsNetwork: true, Kind: NetErrTimeout, Retryable: true}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkErrorAnalysis{IsNetwork: true, Kind: NetErrTimeout, Retryable: true}
	}

	if errors.Is(err, context.Canceled) {
		return NetworkErrorAnalysis{IsNetwork: false, Kind: NetErrUnknown, Retryable: false}
	}

	msg := strings.ToLower(err.Error())
	substrs := make([]string, 0, len(networkSniffTable))
	for substr := range networkSniffTable {
		substrs = append(substrs, substr)
	}
	sort.Slice(substrs, func(i, j int) bool {
		if len(substrs[i]) != len(substrs[j]) {
			return len(substrs[i]) > len(substrs[j])
		}
		return substrs[i] < substrs[j]
	})
	for _, substr := range substrs {
		if strings.Contains(msg, substr) {
			return NetworkErrorAnalysis{IsNetwork: true, Kind: networkSniffTable[substr], Retryable: true}
		}
	}

	// Not recognized as a network-shaped error: treat as a model-level error.
	return NetworkErrorAnalysis{IsNetwork: false, Kind: NetErrUnknown, Retryable: false}
}

// networkSniffTable maps common error-text substrings to NetworkErrorKind.
// ClassifyError checks them in priority order of specificity (longer
// substrings first, ties broken alphabetically), so map iteration order is
// not used for precedence; callers needing a different precedence should
// produce a typed *NetworkError instead of relying on text sniffing.
var networkSniffTable = map[string]NetworkErrorKind{
	"econnreset":          NetErrECONNRESET,
	"econnrefused":        NetErrECONNREFUSED,
	"connection reset":    NetErrECONNRESET,
	"connection refused":  NetErrECONNREFUSED,
	"connection dropped":  NetErrConnectionDropped,
	"no such host":        NetErrDNS,
	"dns":                 NetErrDNS,
	"certificate":         NetErrSSL,
	"x509":                NetErrSSL,
	"tls":                 NetErrSSL,
	"ssl":                 NetErrSSL,
	"deadline exceeded":   NetErrTimeout,
	"timeout":             NetErrTimeout,
	"typeerror":           NetErrFetchTypeError,
	"sse aborted":         NetErrSSEAborted,
	"no bytes":            NetErrNoBytes,
	"partial chunk":       NetErrPartialChunks,
	"runtime killed":      NetErrRuntimeKilled,
	"background throttle": NetErrBackgroundThrottle,
	"stream interrupted":  NetErrStreamInterrupted,
	"eof":                 NetErrStreamInterrupted,
}
