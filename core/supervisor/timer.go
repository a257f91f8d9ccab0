package supervisor

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy selects the shape of the delay curve used between retry
// attempts. The jitter strategies follow the same base/max/multiplier model
// as core/client/middleware/retry.go's computeBackoff, generalized to the
// spec's five named strategies.
type BackoffStrategy string

const (
	BackoffExponential        BackoffStrategy = "exponential"
	BackoffLinear             BackoffStrategy = "linear"
	BackoffFixed              BackoffStrategy = "fixed"
	BackoffFullJitter         BackoffStrategy = "full-jitter"
	BackoffDecorrelatedJitter BackoffStrategy = "decorrelated-jitter"
)

// BackoffConfig tunes ComputeBackoff. Defaults match spec §6:
// initial=1000ms, max=30000ms, multiplier=2.
type BackoffConfig struct {
	Strategy   BackoffStrategy
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoffConfig returns the spec §6 documented defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Strategy:   BackoffExponential,
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
	}
}

// applyDefaults fills in unset fields. A totally zero-value config (no
// Strategy at all) gets the full exponential default; once a caller has
// picked a Strategy, an explicit Initial of zero is left alone (BackoffFixed
// with Initial=0 is how RetryConfig.ModelBackoff spells "no delay").
func (c *BackoffConfig) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = BackoffExponential
		if c.Initial == 0 {
			c.Initial = time.Second
		}
	}
	if c.Max == 0 {
		c.Max = 30 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
}

// BackoffResult is the return value of ComputeBackoff, carrying both the
// final delay and the diagnostic fields the spec requires ({delay, rawDelay,
// cappedAtMax}).
type BackoffResult struct {
	Delay       time.Duration
	RawDelay    time.Duration
	CappedAtMax bool
}

// ComputeBackoff returns the delay to wait before attempt number `attempt`
// (0-indexed, i.e. the first retry passes attempt=0), per the strategy
// configured in cfg. prevDelay is only consulted by decorrelated-jitter,
// which needs the previous attempt's computed delay to compute the next one.
func ComputeBackoff(cfg BackoffConfig, attempt int, prevDelay time.Duration) BackoffResult {
	cfg.applyDefaults()

	switch cfg.Strategy {
	case BackoffLinear:
		raw := cfg.Initial * time.Duration(attempt+1)
		return capResult(raw, cfg.Max)

	case BackoffFixed:
		return capResult(cfg.Initial, cfg.Max)

	case BackoffFullJitter:
		raw := exponentialRaw(cfg, attempt)
		capped := minDuration(raw, cfg.Max)
		jittered := time.Duration(rand.Int64N(int64(capped) + 1))
		return BackoffResult{Delay: jittered, RawDelay: raw, CappedAtMax: raw > cfg.Max}

	case BackoffDecorrelatedJitter:
		base := prevDelay
		if base <= 0 {
			base = cfg.Initial
		}
		upper := base * 3
		if upper > cfg.Max {
			upper = cfg.Max
		}
		if upper < cfg.Initial {
			upper = cfg.Initial
		}
		jittered := cfg.Initial + time.Duration(rand.Int64N(int64(upper-cfg.Initial)+1))
		return capResult(jittered, cfg.Max)

	case BackoffExponential:
		fallthrough
	default:
		raw := exponentialRaw(cfg, attempt)
		return capResult(raw, cfg.Max)
	}
}

func exponentialRaw(cfg BackoffConfig, attempt int) time.Duration {
	multiplier := math.Pow(cfg.Multiplier, float64(attempt))
	return time.Duration(float64(cfg.Initial) * multiplier)
}

func capResult(raw, max time.Duration) BackoffResult {
	if raw > max {
		return BackoffResult{Delay: max, RawDelay: raw, CappedAtMax: true}
	}
	return BackoffResult{Delay: raw, RawDelay: raw, CappedAtMax: false}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// WatchdogKind identifies which timer fired.
type WatchdogKind string

const (
	WatchdogInitialToken WatchdogKind = "initialToken"
	WatchdogInterToken   WatchdogKind = "interToken"
)

// Watchdogs tracks the two independent per-attempt timers from spec §4.2:
// initialToken (no Token within T_initial) and interToken (gap between
// tokens exceeds T_inter, reset on every Token).
type Watchdogs struct {
	initialTimeout time.Duration
	interTimeout   time.Duration

	initialTimer *time.Timer
	interTimer   *time.Timer
	interArmed   bool
}

// NewWatchdogs constructs and arms the initial-token watchdog. A zero
// timeout disables that watchdog (its channel never fires).
func NewWatchdogs(initialTimeout, interTimeout time.Duration) *Watchdogs {
	w := &Watchdogs{initialTimeout: initialTimeout, interTimeout: interTimeout}
	w.initialTimer = newTimerOrNever(initialTimeout)
	return w
}

// InitialC returns the channel that fires when no token arrives within the
// initial-token timeout.
func (w *Watchdogs) InitialC() <-chan time.Time {
	return w.initialTimer.C
}

// InterC returns the channel that fires when the inter-token timeout
// elapses. Returns nil until OnToken has armed it for the first time, which
// is safe to select on (a nil channel blocks forever).
func (w *Watchdogs) InterC() <-chan time.Time {
	if w.interTimer == nil {
		return nil
	}
	return w.interTimer.C
}

// OnToken stops the initial-token watchdog (it has served its purpose) and
// (re)arms the inter-token watchdog.
func (w *Watchdogs) OnToken() {
	w.initialTimer.Stop()

	if w.interTimeout <= 0 {
		return
	}

	if w.interTimer == nil {
		w.interTimer = newTimerOrNever(w.interTimeout)
		w.interArmed = true
		return
	}

	if !w.interTimer.Stop() {
		drainTimer(w.interTimer)
	}
	w.interTimer.Reset(w.interTimeout)
}

// Stop releases both timers. Safe to call multiple times.
func (w *Watchdogs) Stop() {
	w.initialTimer.Stop()
	if w.interTimer != nil {
		w.interTimer.Stop()
	}
}

func newTimerOrNever(d time.Duration) *time.Timer {
	if d <= 0 {
		// A timer that never fires in practice; still stoppable.
		t := time.NewTimer(time.Duration(math.MaxInt64))
		return t
	}
	return time.NewTimer(d)
}

func drainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}
