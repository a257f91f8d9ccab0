package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChunkSource is the lazy sequence of opaque upstream chunks a SourceFactory
// produces. The Supervisor ranges over it from a separate goroutine that
// hands chunks over through a one-slot channel, so upstream reading can run
// up to two chunks ahead of the consumer; each chunk is still delivered
// once, in order, to a single consumer.
type ChunkSource = iter.Seq2[any, error]

// SourceFactory invokes one provider attempt (primary or fallback), yielding
// its chunk source. A factory may itself return an error if the attempt could
// not even start (e.g. a connection refused before any bytes arrived).
type SourceFactory func(ctx context.Context) (ChunkSource, error)

// TimeoutConfig holds the two watchdog durations from spec §4.2. A zero
// duration disables that watchdog.
type TimeoutConfig struct {
	InitialToken time.Duration
	InterToken   time.Duration
}

// CheckpointOptions configures checkpoint-resumable continuation for one
// call. Store may be nil, which disables checkpointing entirely.
type CheckpointOptions struct {
	Store                          CheckpointStore
	ContinueFromLastKnownGoodToken bool
	Prompt                         string
	Model                          string
	// RequestFingerprint is the primary checkpoint key. If empty, it is
	// derived from Prompt+Model via FingerprintRequest.
	RequestFingerprint string
}

// Config is the full set of inputs to New, mirroring spec §4.7's
// {primary, fallbacks[], retry, guardrails[], drift, timeouts, checkpoint,
// callbacks, cancellation}.
type Config struct {
	Primary    SourceFactory
	Fallbacks  []SourceFactory
	Retry      RetryConfig
	Guardrails []Rule
	Drift      DriftConfig
	Timeouts   TimeoutConfig
	Checkpoint CheckpointOptions
	Callbacks  Callbacks
	Normalizer NormalizerConfig
	Overlap    OverlapOptions
	Logger     *slog.Logger
}

// Option mutates a Config at construction time, mirroring core/client's
// functional-options pattern (WithDefaultModel et al.).
type Option func(*Config)

// WithFallbacks appends fallback source factories, tried in order once the
// primary's budgets are exhausted.
func WithFallbacks(factories ...SourceFactory) Option {
	return func(c *Config) { c.Fallbacks = append(c.Fallbacks, factories...) }
}

// WithRetry overrides the retry/fallback budget configuration.
func WithRetry(cfg RetryConfig) Option {
	return func(c *Config) { c.Retry = cfg }
}

// WithGuardrails appends guardrail rules to the engine.
func WithGuardrails(rules ...Rule) Option {
	return func(c *Config) { c.Guardrails = append(c.Guardrails, rules...) }
}

// WithDrift overrides the drift detector configuration.
func WithDrift(cfg DriftConfig) Option {
	return func(c *Config) { c.Drift = cfg }
}

// WithTimeouts overrides the initial-token/inter-token watchdog durations.
func WithTimeouts(cfg TimeoutConfig) Option {
	return func(c *Config) { c.Timeouts = cfg }
}

// WithCheckpoint enables checkpoint-resumable continuation.
func WithCheckpoint(cfg CheckpointOptions) Option {
	return func(c *Config) { c.Checkpoint = cfg }
}

// WithCallbacks installs the lifecycle callback set.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Config) { c.Callbacks = cb }
}

// WithNormalizerConfig overrides the normalizer's finish-reason classifier.
func WithNormalizerConfig(cfg NormalizerConfig) Option {
	return func(c *Config) { c.Normalizer = cfg }
}

// WithOverlapOptions overrides the overlap deduplicator's tuning.
func WithOverlapOptions(opts OverlapOptions) Option {
	return func(c *Config) { c.Overlap = opts }
}

// WithLogger installs a *slog.Logger. Defaults to slog.Default() when unset.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// Supervisor orchestrates the Normalizer, Retry/Fallback Controller,
// Guardrail & Drift Engine, and Checkpoint Manager against one primary
// source factory and its fallbacks.
type Supervisor struct {
	cfg     Config
	retryer *RetryController
	rules   *GuardrailEngine
	drift   *DriftDetector
	inv     *invoker
	logger  *slog.Logger
}

// New constructs a Supervisor. primary is required; every other input is
// optional and defaulted.
func New(primary SourceFactory, opts ...Option) (*Supervisor, error) {
	if primary == nil {
		return nil, fmt.Errorf("supervisor: primary source factory is required")
	}

	cfg := Config{Primary: primary}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	retryCfg := cfg.Retry
	retryCfg.FallbackCount = uint32(len(cfg.Fallbacks))

	return &Supervisor{
		cfg:     cfg,
		retryer: NewRetryController(retryCfg),
		rules:   NewGuardrailEngine(cfg.Guardrails...),
		drift:   NewDriftDetector(cfg.Drift),
		inv:     newInvoker(cfg.Callbacks, cfg.Logger),
		logger:  cfg.Logger,
	}, nil
}

// FingerprintRequest derives a stable requestFingerprint from prompt and
// model, per the Checkpoint identity redesign note: requestFingerprint is the
// primary key, and the checkpoint's UUID is only a write-order handle.
func FingerprintRequest(prompt, model string, options ...string) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(model))
	for _, opt := range options {
		h.Write([]byte{0})
		h.Write([]byte(opt))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Result is the handle returned by Run: a lazy event stream plus observable
// state and a final telemetry record available once the stream is drained.
type Result struct {
	state     *SupervisorState
	events    iter.Seq2[Event, error]
	telemetry func() Telemetry
}

// Stream returns the lazy, single-consumer event sequence.
func (r *Result) Stream() iter.Seq2[Event, error] { return r.events }

// State returns a point-in-time snapshot of the call's observable state.
func (r *Result) State() SupervisorState { return r.state.Snapshot() }

// Telemetry returns the final telemetry record. Only meaningful after the
// stream has been fully consumed.
func (r *Result) Telemetry() Telemetry { return r.telemetry() }

// run carries the mutable machinery for one call across attempts; it is not
// reentered concurrently with itself, per spec §5's scheduling model.
type run struct {
	sup *Supervisor

	ctx   context.Context
	state *SupervisorState

	attemptIndex  uint32
	fallbackIndex uint32
	networkRetry  uint32
	modelRetry    uint32
	lastDelay     time.Duration

	checkpoint     *checkpointHandle
	resumed        bool
	resumePrefix   string
	dedupPending   bool
	emittedContent strings.Builder
	startedAt      time.Time
	terminalReason string
}

// checkpointHandle pairs a CheckpointStore with the live checkpoint id for
// one call, once checkpointing is enabled.
type checkpointHandle struct {
	store CheckpointStore
	id    uuid.UUID
}

// Run starts the call. The returned Result's Stream must be consumed (fully
// ranged over, or abandoned via an early break honoring iter.Seq2 semantics)
// for checkpoints and callbacks to reach their terminal state.
func (s *Supervisor) Run(ctx context.Context) *Result {
	state := &SupervisorState{}
	r := &run{sup: s, ctx: ctx, state: state, startedAt: time.Now()}

	events := func(yield func(Event, error) bool) {
		r.drive(yield)
	}

	return &Result{
		state:     state,
		events:    events,
		telemetry: func() Telemetry { return r.telemetrySnapshot() },
	}
}

func (r *run) telemetrySnapshot() Telemetry {
	snap := r.state.Snapshot()
	return Telemetry{
		Attempts:        r.attemptIndex,
		NetworkRetries:  snap.NetworkRetryCount,
		ModelRetries:    snap.ModelRetryCount,
		FallbacksUsed:   snap.FallbackIndex,
		Violations:      snap.Violations,
		Resumed:         snap.Resumed,
		Duration:        snap.Duration,
		TTFT:            snap.TTFT,
		TokensPerSecond: snap.TokensPerSecond,
		TerminalReason:  r.terminalReason,
	}
}

// drive runs the full state machine from Idle through to a terminal state,
// yielding every forwarded Event along the way. It implements the protocol
// in spec §4.7.
func (r *run) drive(yield func(Event, error) bool) {
	if err := r.maybeResume(); err != nil {
		r.finish("error")
		yield(Event{}, err)
		return
	}

	state := StateStarting

	for {
		switch state {
		case StateStarting:
			next, ok := r.runAttempt(yield)
			state = next
			if !ok {
				return
			}

		case StateRetryPending:
			if !r.sleepOrCancel(r.lastDelay, yield) {
				return
			}
			r.armDedupForNextAttempt()
			state = StateStarting

		case StateFallbackPending:
			r.fallbackIndex++
			r.state.setFallbackIndex(r.fallbackIndex)
			if !r.sleepOrCancel(r.lastDelay, yield) {
				return
			}
			r.armDedupForNextAttempt()
			state = StateStarting

		case StateCompleted:
			r.finish("complete")
			return

		case StateTerminated:
			r.finish("error")
			return
		}

		select {
		case <-r.ctx.Done():
			r.cancelTerminate(yield)
			return
		default:
		}
	}
}

// currentFactory returns the factory for the current fallbackIndex (0 =
// primary).
func (r *run) currentFactory() SourceFactory {
	if r.fallbackIndex == 0 {
		return r.sup.cfg.Primary
	}
	idx := int(r.fallbackIndex) - 1
	if idx < 0 || idx >= len(r.sup.cfg.Fallbacks) {
		return nil
	}
	return r.sup.cfg.Fallbacks[idx]
}

// runAttempt executes one factory invocation end to end, returning the next
// CallState and whether the caller should keep driving (false means the
// stream has already been terminated and drive should return immediately).
func (r *run) runAttempt(yield func(Event, error) bool) (CallState, bool) {
	sup := r.sup
	r.attemptIndex++
	isRetry := r.networkRetry > 0 || r.modelRetry > 0
	isFallback := r.fallbackIndex > 0

	sup.inv.onStart(r.ctx, r.attemptIndex, isRetry, isFallback)
	sup.logger.InfoContext(r.ctx, "supervisor attempt starting",
		slog.Int("attempt", int(r.attemptIndex)),
		slog.Bool("isRetry", isRetry),
		slog.Bool("isFallback", isFallback),
		slog.Int("fallbackIndex", int(r.fallbackIndex)))

	factory := r.currentFactory()
	if factory == nil {
		r.terminalReason = "error"
		yield(Event{}, fmt.Errorf("supervisor: no factory available at fallback index %d", r.fallbackIndex))
		return StateTerminated, false
	}

	source, err := factory(r.ctx)
	if err != nil {
		return r.handleFailure(err, yield)
	}

	attempt := &AttemptState{
		AttemptIndex:  r.attemptIndex,
		FallbackIndex: r.fallbackIndex,
		IsRetry:       isRetry,
		IsFallback:    isFallback,
	}

	watchdogs := NewWatchdogs(sup.cfg.Timeouts.InitialToken, sup.cfg.Timeouts.InterToken)
	defer watchdogs.Stop()

	chunks := make(chan chunkOrError, 1)
	go pumpSource(source, chunks)

	for {
		select {
		case <-r.ctx.Done():
			return StateTerminated, r.cancelTerminateReturn(yield)

		case <-watchdogs.InitialC():
			sup.inv.onTimeout(r.ctx, WatchdogInitialToken, sup.cfg.Timeouts.InitialToken)
			return r.handleFailure(&TimeoutError{Kind: string(WatchdogInitialToken), Elapsed: sup.cfg.Timeouts.InitialToken}, yield)

		case <-watchdogs.InterC():
			sup.inv.onTimeout(r.ctx, WatchdogInterToken, sup.cfg.Timeouts.InterToken)
			return r.handleFailure(&TimeoutError{Kind: string(WatchdogInterToken), Elapsed: sup.cfg.Timeouts.InterToken}, yield)

		case item, open := <-chunks:
			if !open {
				// Upstream closed without an explicit Complete chunk: treat
				// as a stream-interrupted network error.
				return r.handleFailure(&NetworkError{Kind: NetErrStreamInterrupted, Retryable: true}, yield)
			}
			if item.err != nil {
				return r.handleFailure(item.err, yield)
			}

			event := Normalize(item.chunk, sup.cfg.Normalizer)
			next, done, ok := r.handleEvent(event, attempt, watchdogs, yield)
			if !ok {
				return next, false
			}
			if done {
				return next, true
			}
		}
	}
}

type chunkOrError struct {
	chunk any
	err   error
}

func pumpSource(source ChunkSource, out chan<- chunkOrError) {
	defer close(out)
	for chunk, err := range source {
		out <- chunkOrError{chunk: chunk, err: err}
		if err != nil {
			return
		}
	}
}

// handleEvent processes one normalized Event per spec §4.7 step 4, returning
// (nextState, attemptFinished, keepDriving).
func (r *run) handleEvent(event Event, attempt *AttemptState, watchdogs *Watchdogs, yield func(Event, error) bool) (CallState, bool, bool) {
	sup := r.sup

	switch event.Type {
	case EventToken:
		watchdogs.OnToken()
		now := time.Now()
		if attempt.FirstTokenAt == nil {
			attempt.FirstTokenAt = &now
			r.state.setTTFT(now.Sub(r.startedAt))
		}
		attempt.LastTokenAt = &now
		attempt.TokensThisAttempt++
		attempt.appendContent(event.Value)

		forwardValue := event.Value
		if r.dedupPending {
			result := DetectOverlap(r.resumePrefix, forwardValue, sup.cfg.Overlap)
			forwardValue = result.DeduplicatedContinuation
			r.dedupPending = false
		}

		if forwardValue != "" {
			r.emittedContent.WriteString(forwardValue)
			r.state.incrementTokenCount()
			sup.drift.Observe(forwardValue)
			forwarded := event
			forwarded.Value = forwardValue
			sup.inv.onEvent(r.ctx, forwarded)
			if !yield(forwarded, nil) {
				return StateTerminated, true, false
			}
		}

		r.maybeCheckpointUpdate()

		if violation, terminal, ok := r.runStreamingChecks(attempt, false); !ok {
			if terminal {
				return StateTerminated, true, r.terminateWithViolation(violation, yield)
			}
			return StateRetryPending, true, r.retryFromViolation(violation)
		}

		return StateStreaming, false, true

	case EventMessage, EventData, EventProgress:
		sup.inv.onEvent(r.ctx, event)
		if !yield(event, nil) {
			return StateTerminated, true, false
		}
		return StateStreaming, false, true

	case EventComplete:
		if violation, terminal, ok := r.runStreamingChecks(attempt, true); !ok {
			if terminal {
				return StateTerminated, true, r.terminateWithViolation(violation, yield)
			}
			return StateRetryPending, true, r.retryFromViolation(violation)
		}
		sup.inv.onEvent(r.ctx, event)
		if !yield(event, nil) {
			return StateTerminated, true, false
		}
		r.completeCheckpoint()
		return StateCompleted, true, true

	case EventError:
		next, keepDriving := r.handleFailure(event.Err, yield)
		return next, true, keepDriving

	default:
		next, keepDriving := r.handleFailure(&InternalError{Cause: fmt.Errorf("supervisor: unrecognized event type %q", event.Type)}, yield)
		return next, true, keepDriving
	}
}

// runStreamingChecks runs guardrails (and, on tokens, drift) against the
// accumulated attempt content, returning the first terminating or
// retry-worthy violation found.
func (r *run) runStreamingChecks(attempt *AttemptState, completed bool) (Violation, bool, bool) {
	sup := r.sup
	content := attempt.ContentThisAttempt()

	var attemptTime time.Duration
	if attempt.FirstTokenAt != nil {
		end := time.Now()
		if attempt.LastTokenAt != nil {
			end = *attempt.LastTokenAt
		}
		attemptTime = end.Sub(*attempt.FirstTokenAt)
	}

	ruleCtx := RuleContext{
		Content:     content,
		Completed:   completed,
		TokenCount:  attempt.TokensThisAttempt,
		AttemptTime: attemptTime,
	}

	for _, v := range sup.rules.Evaluate(ruleCtx) {
		r.state.addViolation(v)
		sup.inv.onViolation(r.ctx, v)

		if v.Severity == SeverityWarning {
			continue
		}
		if v.Severity == SeverityFatal || !v.Recoverable {
			return v, true, false
		}
		return v, false, false
	}

	if !completed {
		driftResult := sup.drift.Evaluate()
		if driftResult.Detected {
			sup.inv.onDrift(r.ctx, driftResult)
			v := Violation{
				Rule:        "drift",
				Severity:    SeverityError,
				Message:     fmt.Sprintf("drift detected: %v", driftResult.Types),
				Recoverable: true,
				Content:     content,
			}
			r.state.addViolation(v)
			sup.inv.onViolation(r.ctx, v)
			return v, false, false
		}
	}

	return Violation{}, false, true
}

func (r *run) terminateWithViolation(v Violation, yield func(Event, error) bool) bool {
	err := &GuardrailViolationError{Violation: v}
	r.sup.inv.onError(r.ctx, err)
	r.markCheckpointFailed(err)
	r.finish("error")
	yield(Event{}, err)
	return false
}

func (r *run) retryFromViolation(v Violation) bool {
	decision := r.sup.retryer.DecideViolation(v, r.modelRetry)
	if decision.NextState == StateRetryPending {
		r.state.incrementModelRetry()
		r.modelRetry++
	}
	r.applyDecision(decision)

	cause := &GuardrailViolationError{Violation: v}
	if decision.NextState == StateFallbackPending {
		r.sup.inv.onFallback(r.ctx, r.fallbackIndex+1, cause)
	} else {
		r.sup.inv.onRetry(r.ctx, r.attemptIndex, decision.Delay, cause)
	}
	return true
}

// handleFailure classifies err and applies the retry/fallback decision
// table, returning the next state and whether drive should keep running.
func (r *run) handleFailure(err error, yield func(Event, error) bool) (CallState, bool) {
	sup := r.sup
	analysis := ClassifyError(err)
	sup.inv.onError(r.ctx, err)

	if !analysis.IsNetwork {
		v := Violation{Rule: "model-error", Severity: SeverityError, Message: err.Error(), Recoverable: false}
		decision := sup.retryer.DecideViolation(v, r.modelRetry)
		return r.applyDecisionForFailure(decision, err, yield)
	}

	decision := sup.retryer.DecideNetworkError(analysis, r.networkRetry, r.lastDelay)
	return r.applyDecisionForFailure(decision, err, yield)
}

func (r *run) applyDecisionForFailure(decision Decision, cause error, yield func(Event, error) bool) (CallState, bool) {
	if decision.NextState == StateTerminated {
		termErr := decision.TerminalError
		if termErr == nil {
			termErr = cause
		}
		r.markCheckpointFailed(termErr)
		r.finish("error")
		yield(Event{}, termErr)
		return StateTerminated, false
	}

	if decision.NextState == StateRetryPending {
		r.state.incrementNetworkRetry()
		r.networkRetry++
	}
	r.applyDecision(decision)

	if decision.NextState == StateFallbackPending {
		r.sup.inv.onFallback(r.ctx, r.fallbackIndex+1, cause)
	} else {
		r.sup.inv.onRetry(r.ctx, r.attemptIndex, decision.Delay, cause)
	}

	return decision.NextState, true
}

func (r *run) applyDecision(decision Decision) {
	if decision.ResetNetwork {
		r.state.resetNetworkRetry()
		r.networkRetry = 0
	}
	if decision.ResetModel {
		r.state.resetModelRetry()
		r.modelRetry = 0
	}
	r.lastDelay = decision.Delay
}

func (r *run) sleepOrCancel(delay time.Duration, yield func(Event, error) bool) bool {
	if delay <= 0 {
		select {
		case <-r.ctx.Done():
			r.cancelTerminate(yield)
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.ctx.Done():
		r.cancelTerminate(yield)
		return false
	}
}

func (r *run) cancelTerminateReturn(yield func(Event, error) bool) bool {
	r.cancelTerminate(yield)
	return false
}

func (r *run) cancelTerminate(yield func(Event, error) bool) {
	r.sup.inv.onAbort(r.ctx, r.state.Snapshot().TokenCount, r.emittedContent.Len())
	err := &CancellationError{}
	r.markCheckpointFailed(err)
	r.sup.inv.onError(r.ctx, err)
	r.finish("cancelled")
	yield(Event{}, err)
}

func (r *run) finish(reason string) {
	r.terminalReason = reason
	r.state.finalize(time.Since(r.startedAt))
}

// maybeResume pre-loads an existing checkpoint's partial response as the
// emitted prefix, per spec §4.6's resume contract.
func (r *run) maybeResume() error {
	opts := r.sup.cfg.Checkpoint
	if opts.Store == nil || !opts.ContinueFromLastKnownGoodToken {
		return nil
	}

	fingerprint := opts.RequestFingerprint
	if fingerprint == "" {
		fingerprint = FingerprintRequest(opts.Prompt, opts.Model)
	}

	existing, err := opts.Store.FindByFingerprint(r.ctx, fingerprint)
	if err != nil {
		return fmt.Errorf("supervisor: resume lookup: %w", err)
	}
	if existing == nil {
		cp, err := opts.Store.Create(r.ctx, fingerprint, opts.Prompt, opts.Model)
		if err != nil {
			return fmt.Errorf("supervisor: checkpoint create: %w", err)
		}
		r.checkpoint = &checkpointHandle{store: opts.Store, id: cp.ID}
		return nil
	}

	r.resumed = true
	r.resumePrefix = existing.PartialResponse
	r.dedupPending = true
	r.emittedContent.WriteString(existing.PartialResponse)
	r.state.setResumed(existing.PartialResponse)
	r.checkpoint = &checkpointHandle{store: opts.Store, id: existing.ID}
	r.sup.inv.onResume(r.ctx, existing.PartialResponse)
	return nil
}

// armDedupForNextAttempt re-arms overlap dedup before a retry or fallback
// attempt restarts the upstream call from scratch. Providers that replay
// already-streamed content on reconnect would otherwise double-emit it.
func (r *run) armDedupForNextAttempt() {
	if r.emittedContent.Len() == 0 {
		return
	}
	r.resumePrefix = r.emittedContent.String()
	r.dedupPending = true
}

func (r *run) maybeCheckpointUpdate() {
	if r.checkpoint == nil {
		return
	}
	content := r.emittedContent.String()
	if err := r.checkpoint.store.Update(r.ctx, r.checkpoint.id, content, uint64(len([]rune(content)))); err != nil {
		r.sup.logger.ErrorContext(r.ctx, "checkpoint update failed", slog.Any("error", err))
	}
}

func (r *run) markCheckpointFailed(cause error) {
	if r.checkpoint == nil {
		return
	}
	if err := r.checkpoint.store.MarkFailed(r.ctx, r.checkpoint.id, cause); err != nil {
		r.sup.logger.ErrorContext(r.ctx, "checkpoint mark-failed failed", slog.Any("error", err))
	}
}

func (r *run) completeCheckpoint() {
	if r.checkpoint == nil {
		return
	}
	if err := r.checkpoint.store.Complete(r.ctx, r.checkpoint.id); err != nil {
		r.sup.logger.ErrorContext(r.ctx, "checkpoint complete failed", slog.Any("error", err))
		return
	}
	r.sup.inv.onCheckpoint(r.ctx, nil)
}
