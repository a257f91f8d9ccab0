package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassifyError_Nil(t *testing.T) {
	analysis := ClassifyError(nil)
	if analysis.IsNetwork {
		t.Error("expected nil error to classify as non-network")
	}
}

func TestClassifyError_TypedNetworkError(t *testing.T) {
	err := &NetworkError{Kind: NetErrECONNRESET, Retryable: true, SuggestedDelay: 2 * time.Second}
	analysis := ClassifyError(err)
	if !analysis.IsNetwork || !analysis.Retryable {
		t.Errorf("expected retryable network error, got %+v", analysis)
	}
	if analysis.Kind != NetErrECONNRESET {
		t.Errorf("expected kind econnreset, got %v", analysis.Kind)
	}
	if analysis.SuggestedDelay != 2*time.Second {
		t.Errorf("expected suggested delay 2s, got %v", analysis.SuggestedDelay)
	}
}

func TestClassifyError_TypedTimeoutError(t *testing.T) {
	err := &TimeoutError{Kind: "initialToken", Elapsed: time.Second}
	analysis := ClassifyError(err)
	if !analysis.IsNetwork || analysis.Kind != NetErrTimeout || !analysis.Retryable {
		t.Errorf("unexpected analysis: %+v", analysis)
	}
}

func TestClassifyError_ContextDeadlineExceeded(t *testing.T) {
	analysis := ClassifyError(context.DeadlineExceeded)
	if !analysis.IsNetwork || !analysis.Retryable {
		t.Errorf("expected deadline exceeded to be a retryable network error, got %+v", analysis)
	}
}

func TestClassifyError_ContextCanceled(t *testing.T) {
	analysis := ClassifyError(context.Canceled)
	if analysis.IsNetwork || analysis.Retryable {
		t.Errorf("expected context.Canceled to be non-retryable and non-network, got %+v", analysis)
	}
}

func TestClassifyError_TextSniffing(t *testing.T) {
	cases := map[string]NetworkErrorKind{
		"connection reset by peer": NetErrECONNRESET,
		"connection refused":       NetErrECONNREFUSED,
		"no such host":             NetErrDNS,
		"x509: certificate error":  NetErrSSL,
		"request timeout":          NetErrTimeout,
		"unexpected EOF":           NetErrStreamInterrupted,
	}
	for msg, want := range cases {
		analysis := ClassifyError(errors.New(msg))
		if !analysis.IsNetwork {
			t.Errorf("expected %q to classify as network error", msg)
			continue
		}
		if analysis.Kind != want {
			t.Errorf("ClassifyError(%q).Kind = %v, want %v", msg, analysis.Kind, want)
		}
	}
}

func TestClassifyError_UnrecognizedIsModelLevel(t *testing.T) {
	analysis := ClassifyError(errors.New("the model refused to answer"))
	if analysis.IsNetwork {
		t.Error("expected unrecognized error text to classify as model-level, not network")
	}
}

func TestGuardrailViolationError_Unwrap(t *testing.T) {
	v := Violation{Rule: "zero-output", Severity: SeverityError, Recoverable: false}
	err := &GuardrailViolationError{Violation: v}
	if !errors.Is(err, ErrGuardrailViolation) {
		t.Error("expected GuardrailViolationError to unwrap to ErrGuardrailViolation")
	}
}

func TestCancellationError_Unwrap(t *testing.T) {
	err := &CancellationError{}
	if !errors.Is(err, ErrCancelled) {
		t.Error("expected CancellationError to unwrap to ErrCancelled")
	}
}

func TestNetworkError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := &NetworkError{Kind: NetErrTimeout, Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected NetworkError to unwrap to its cause")
	}
}

func TestInternalError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &InternalError{Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected InternalError to unwrap to its cause")
	}
}
