package supervisor

import (
	"context"
	"log/slog"
	"time"
)

// Callbacks is the dozen best-effort lifecycle hooks from spec §4.7. Every
// field is optional; a nil hook is simply skipped. A hook that panics is
// recovered and logged — it never terminates the call.
type Callbacks struct {
	OnStart      func(attempt uint32, isRetry, isFallback bool)
	OnEvent      func(event Event)
	OnComplete   func(state SupervisorState)
	OnError      func(err error)
	OnRetry      func(attempt uint32, delay time.Duration, cause error)
	OnFallback   func(fallbackIndex uint32, cause error)
	OnViolation  func(v Violation)
	OnResume     func(resumePoint string)
	OnCheckpoint func(cp *Checkpoint)
	OnTimeout    func(kind WatchdogKind, elapsed time.Duration)
	OnAbort      func(tokenCount uint64, contentLength int)
	OnDrift      func(result DriftResult)
}

// invoker wraps a *Callbacks with panic isolation and logging, shared by the
// Supervisor's dispatch sites.
type invoker struct {
	cb     Callbacks
	logger *slog.Logger
}

func newInvoker(cb Callbacks, logger *slog.Logger) *invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &invoker{cb: cb, logger: logger}
}

func (i *invoker) guard(ctx context.Context, name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			i.logger.ErrorContext(ctx, "supervisor callback panicked", slog.String("callback", name), slog.Any("recover", r))
		}
	}()
	fn()
}

func (i *invoker) onStart(ctx context.Context, attempt uint32, isRetry, isFallback bool) {
	if i.cb.OnStart == nil {
		return
	}
	i.guard(ctx, "onStart", func() { i.cb.OnStart(attempt, isRetry, isFallback) })
}

func (i *invoker) onEvent(ctx context.Context, e Event) {
	if i.cb.OnEvent == nil {
		return
	}
	i.guard(ctx, "onEvent", func() { i.cb.OnEvent(e) })
}

func (i *invoker) onComplete(ctx context.Context, state SupervisorState) {
	if i.cb.OnComplete == nil {
		return
	}
	i.guard(ctx, "onComplete", func() { i.cb.OnComplete(state) })
}

func (i *invoker) onError(ctx context.Context, err error) {
	if i.cb.OnError == nil {
		return
	}
	i.guard(ctx, "onError", func() { i.cb.OnError(err) })
}

func (i *invoker) onRetry(ctx context.Context, attempt uint32, delay time.Duration, cause error) {
	if i.cb.OnRetry == nil {
		return
	}
	i.guard(ctx, "onRetry", func() { i.cb.OnRetry(attempt, delay, cause) })
}

func (i *invoker) onFallback(ctx context.Context, fallbackIndex uint32, cause error) {
	if i.cb.OnFallback == nil {
		return
	}
	i.guard(ctx, "onFallback", func() { i.cb.OnFallback(fallbackIndex, cause) })
}

func (i *invoker) onViolation(ctx context.Context, v Violation) {
	if i.cb.OnViolation == nil {
		return
	}
	i.guard(ctx, "onViolation", func() { i.cb.OnViolation(v) })
}

func (i *invoker) onResume(ctx context.Context, resumePoint string) {
	if i.cb.OnResume == nil {
		return
	}
	i.guard(ctx, "onResume", func() { i.cb.OnResume(resumePoint) })
}

func (i *invoker) onCheckpoint(ctx context.Context, cp *Checkpoint) {
	if i.cb.OnCheckpoint == nil {
		return
	}
	i.guard(ctx, "onCheckpoint", func() { i.cb.OnCheckpoint(cp) })
}

func (i *invoker) onTimeout(ctx context.Context, kind WatchdogKind, elapsed time.Duration) {
	if i.cb.OnTimeout == nil {
		return
	}
	i.guard(ctx, "onTimeout", func() { i.cb.OnTimeout(kind, elapsed) })
}

func (i *invoker) onAbort(ctx context.Context, tokenCount uint64, contentLength int) {
	if i.cb.OnAbort == nil {
		return
	}
	i.guard(ctx, "onAbort", func() { i.cb.OnAbort(tokenCount, contentLength) })
}

func (i *invoker) onDrift(ctx context.Context, result DriftResult) {
	if i.cb.OnDrift == nil {
		return
	}
	i.guard(ctx, "onDrift", func() { i.cb.OnDrift(result) })
}
