package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ---------- scripted source test doubles ----------

type scriptStep struct {
	chunk any
	err   error
	delay time.Duration
}

func scriptedSource(steps []scriptStep) ChunkSource {
	return func(yield func(any, error) bool) {
		for _, s := range steps {
			if s.delay > 0 {
				time.Sleep(s.delay)
			}
			if !yield(s.chunk, s.err) {
				return
			}
			if s.err != nil {
				return
			}
		}
	}
}

// factoryFromScripts returns a SourceFactory that replays scripts[0] on its
// first call, scripts[1] on its second, and so on, repeating the last script
// for any call beyond len(scripts).
func factoryFromScripts(scripts ...[]scriptStep) SourceFactory {
	var mu sync.Mutex
	calls := 0
	return func(ctx context.Context) (ChunkSource, error) {
		mu.Lock()
		idx := calls
		calls++
		mu.Unlock()
		if idx >= len(scripts) {
			idx = len(scripts) - 1
		}
		return scriptedSource(scripts[idx]), nil
	}
}

func textDelta(s string) map[string]any {
	return map[string]any{"type": "text-delta", "textDelta": s}
}

func finishChunk() map[string]any {
	return map[string]any{"type": "finish"}
}

func collect(t *testing.T, result *Result) ([]Event, error) {
	t.Helper()
	var events []Event
	var terminalErr error
	for ev, err := range result.Stream() {
		if err != nil {
			terminalErr = err
			continue
		}
		events = append(events, ev)
	}
	return events, terminalErr
}

// ---------- end-to-end seed scenarios ----------

func TestSupervisor_HappyPath(t *testing.T) {
	primary := factoryFromScripts([]scriptStep{
		{chunk: textDelta("Hello")},
		{chunk: textDelta(" world")},
		{chunk: finishChunk()},
	})

	sup, err := New(primary)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result := sup.Run(context.Background())
	events, termErr := collect(t, result)
	if termErr != nil {
		t.Fatalf("unexpected terminal error: %v", termErr)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventToken || events[0].Value != "Hello" {
		t.Errorf("expected Token(Hello), got %+v", events[0])
	}
	if events[1].Type != EventToken || events[1].Value != " world" {
		t.Errorf("expected Token( world), got %+v", events[1])
	}
	if events[2].Type != EventComplete {
		t.Errorf("expected Complete, got %+v", events[2])
	}

	telemetry := result.Telemetry()
	if telemetry.TerminalReason != "complete" {
		t.Errorf("expected terminal reason complete, got %q", telemetry.TerminalReason)
	}
	if telemetry.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", telemetry.Attempts)
	}
}

func TestSupervisor_NetworkRetryThenSuccessDedupsPrefix(t *testing.T) {
	primary := factoryFromScripts(
		[]scriptStep{
			{chunk: textDelta("Hi")},
			{err: &NetworkError{Kind: NetErrECONNRESET, Retryable: true}},
		},
		[]scriptStep{
			{chunk: textDelta("Hi there")},
			{chunk: finishChunk()},
		},
	)

	sup, err := New(primary, WithRetry(RetryConfig{
		NetworkAttempts: 3,
		NetworkBackoff:  BackoffConfig{Strategy: BackoffFixed, Initial: time.Millisecond},
	}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result := sup.Run(context.Background())
	events, termErr := collect(t, result)
	if termErr != nil {
		t.Fatalf("unexpected terminal error: %v", termErr)
	}

	var tokens string
	var sawComplete bool
	for _, ev := range events {
		if ev.Type == EventToken {
			tokens += ev.Value
		}
		if ev.Type == EventComplete {
			sawComplete = true
		}
	}
	if tokens != "Hi there" {
		t.Errorf("expected deduplicated stream to assemble to %q, got %q", "Hi there", tokens)
	}
	if !sawComplete {
		t.Error("expected a Complete event")
	}

	telemetry := result.Telemetry()
	if telemetry.NetworkRetries != 1 {
		t.Errorf("expected networkRetryCount=1, got %d", telemetry.NetworkRetries)
	}
}

func TestSupervisor_FallbackOnNetworkBudgetExhaustion(t *testing.T) {
	primaryAlwaysErrors := func(ctx context.Context) (ChunkSource, error) {
		return scriptedSource([]scriptStep{{err: &NetworkError{Kind: NetErrDNS, Retryable: true}}}), nil
	}
	fallback := factoryFromScripts([]scriptStep{
		{chunk: textDelta("from fallback")},
		{chunk: finishChunk()},
	})

	sup, err := New(primaryAlwaysErrors,
		WithFallbacks(fallback),
		WithRetry(RetryConfig{NetworkAttempts: 3, NetworkBackoff: BackoffConfig{Strategy: BackoffFixed, Initial: time.Millisecond}}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result := sup.Run(context.Background())
	events, termErr := collect(t, result)
	if termErr != nil {
		t.Fatalf("unexpected terminal error: %v", termErr)
	}

	if len(events) != 2 || events[0].Value != "from fallback" || events[1].Type != EventComplete {
		t.Fatalf("expected [Token(from fallback), Complete], got %+v", events)
	}

	telemetry := result.Telemetry()
	if telemetry.FallbacksUsed != 1 {
		t.Errorf("expected 1 fallback used, got %d", telemetry.FallbacksUsed)
	}
	if telemetry.TerminalReason != "complete" {
		t.Errorf("expected terminal reason complete, got %q", telemetry.TerminalReason)
	}
}

func TestSupervisor_GuardrailModelRetryOnCompletion(t *testing.T) {
	primary := factoryFromScripts(
		[]scriptStep{
			{chunk: textDelta("not json")},
			{chunk: finishChunk()},
		},
		[]scriptStep{
			{chunk: textDelta(`{"ok":true}`)},
			{chunk: finishChunk()},
		},
	)

	sup, err := New(primary,
		WithGuardrails(JSONRule(true)),
		WithRetry(RetryConfig{ModelAttempts: 2}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result := sup.Run(context.Background())
	events, termErr := collect(t, result)
	if termErr != nil {
		t.Fatalf("unexpected terminal error: %v", termErr)
	}

	var sawSecondAttemptToken, sawComplete bool
	for _, ev := range events {
		if ev.Type == EventToken && ev.Value == `{"ok":true}` {
			sawSecondAttemptToken = true
		}
		if ev.Type == EventComplete {
			sawComplete = true
		}
	}
	if !sawSecondAttemptToken {
		t.Errorf("expected the retried attempt's well-formed JSON to be forwarded, got %+v", events)
	}
	if !sawComplete {
		t.Error("expected the call to eventually complete")
	}

	telemetry := result.Telemetry()
	if telemetry.ModelRetries != 1 {
		t.Errorf("expected modelRetryCount=1, got %d", telemetry.ModelRetries)
	}
}

func TestSupervisor_ZeroOutputIsFatal(t *testing.T) {
	primary := factoryFromScripts([]scriptStep{
		{chunk: textDelta("   ")},
		{chunk: finishChunk()},
	})

	sup, err := New(primary, WithGuardrails(ZeroOutputRule()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result := sup.Run(context.Background())
	events, termErr := collect(t, result)
	if termErr == nil {
		t.Fatal("expected a terminal error for whitespace-only output")
	}
	var guardrailErr *GuardrailViolationError
	if !errors.As(termErr, &guardrailErr) {
		t.Errorf("expected a *GuardrailViolationError, got %T: %v", termErr, termErr)
	}

	if len(events) != 1 || events[0].Type != EventToken {
		t.Fatalf("expected exactly 1 forwarded Token before the terminal error, got %+v", events)
	}

	telemetry := result.Telemetry()
	if telemetry.TerminalReason != "error" {
		t.Errorf("expected terminal reason error, got %q", telemetry.TerminalReason)
	}
}

func TestSupervisor_InterTokenTimeoutTerminatesAfterBudget(t *testing.T) {
	primary := factoryFromScripts([]scriptStep{
		{chunk: textDelta("Hi")},
		{chunk: textDelta(" stalled"), delay: 150 * time.Millisecond},
		{chunk: finishChunk()},
	})

	sup, err := New(primary,
		WithTimeouts(TimeoutConfig{InterToken: 30 * time.Millisecond}),
		WithRetry(RetryConfig{NetworkAttempts: 1, NetworkBackoff: BackoffConfig{Strategy: BackoffFixed, Initial: time.Millisecond}}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	start := time.Now()
	result := sup.Run(context.Background())
	_, termErr := collect(t, result)
	elapsed := time.Since(start)

	if termErr == nil {
		t.Fatal("expected the inter-token watchdog to terminate the call")
	}
	if !errors.Is(termErr, ErrBudgetExhausted) {
		t.Errorf("expected terminal error to wrap ErrBudgetExhausted once the network budget is spent, got %v", termErr)
	}
	// Two attempts at ~30ms watchdog each, well under the 150ms stall: the
	// call must terminate far sooner than if it had waited out the stall.
	if elapsed > 140*time.Millisecond {
		t.Errorf("expected the watchdog to cut the call short of the 150ms stall, took %v", elapsed)
	}
}

// ---------- quantified invariants ----------

func TestSupervisor_ExactlyOneTerminalEventPerCall(t *testing.T) {
	cases := []struct {
		name    string
		primary SourceFactory
	}{
		{"completes", factoryFromScripts([]scriptStep{{chunk: textDelta("hi")}, {chunk: finishChunk()}})},
		{"fails", factoryFromScripts([]scriptStep{{err: &NetworkError{Kind: NetErrDNS, Retryable: false}}})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sup, err := New(tc.primary)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			terminalEvents := 0
			for ev, streamErr := range sup.Run(context.Background()).Stream() {
				if streamErr != nil {
					terminalEvents++
					continue
				}
				if ev.IsTerminal() {
					terminalEvents++
				}
			}
			if terminalEvents != 1 {
				t.Errorf("expected exactly 1 terminal signal, got %d", terminalEvents)
			}
		})
	}
}

func TestSupervisor_RetryBudgetBound(t *testing.T) {
	primary := factoryFromScripts(
		[]scriptStep{{err: &NetworkError{Kind: NetErrECONNRESET, Retryable: true}}},
		[]scriptStep{{err: &NetworkError{Kind: NetErrECONNRESET, Retryable: true}}},
		[]scriptStep{{chunk: textDelta("ok")}, {chunk: finishChunk()}},
	)

	retryCfg := RetryConfig{NetworkAttempts: 3, NetworkBackoff: BackoffConfig{Strategy: BackoffFixed, Initial: time.Millisecond}}
	sup, err := New(primary, WithRetry(retryCfg))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result := sup.Run(context.Background())
	_, termErr := collect(t, result)
	if termErr != nil {
		t.Fatalf("unexpected terminal error: %v", termErr)
	}

	telemetry := result.Telemetry()
	attempts := telemetry.Attempts
	consumedRetries := telemetry.NetworkRetries + telemetry.ModelRetries
	if consumedRetries > attempts-1 {
		t.Errorf("expected consumed retries (%d) <= attemptIndex-1 (%d)", consumedRetries, attempts-1)
	}
	if uint32(attempts-1) > retryCfg.NetworkAttempts {
		t.Errorf("expected attemptIndex-1 (%d) within the configured retry ceiling (%d)", attempts-1, retryCfg.NetworkAttempts)
	}
}

func TestSupervisor_CancellationStopsWithinOneToken(t *testing.T) {
	release := make(chan struct{})
	primary := func(ctx context.Context) (ChunkSource, error) {
		return func(yield func(any, error) bool) {
			if !yield(textDelta("a"), nil) {
				return
			}
			<-release
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !yield(textDelta("b"), nil) {
				return
			}
			yield(finishChunk(), nil)
		}, nil
	}

	sup, err := New(primary)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := sup.Run(ctx)

	var tokensAfterCancel int
	var sawTerminalError bool
	var sawComplete bool
	cancelled := false
	for ev, streamErr := range result.Stream() {
		if streamErr != nil {
			sawTerminalError = errors.Is(streamErr, ErrCancelled)
			continue
		}
		if ev.Type == EventToken && ev.Value == "a" && !cancelled {
			cancelled = true
			cancel()
			close(release)
			continue
		}
		if cancelled && ev.Type == EventToken {
			tokensAfterCancel++
		}
		if ev.Type == EventComplete {
			sawComplete = true
		}
	}

	if tokensAfterCancel > 1 {
		t.Errorf("expected at most 1 further Token after cancellation, got %d", tokensAfterCancel)
	}
	if sawComplete {
		t.Error("expected cancellation to preempt a normal Complete")
	}
	if !sawTerminalError {
		t.Error("expected the call to terminate with a cancellation error")
	}
}
