package supervisor

import "time"

// CallState is one of the finite states from spec §4.5/§4.7.
type CallState string

const (
	StateIdle            CallState = "idle"
	StateStarting        CallState = "starting"
	StateStreaming       CallState = "streaming"
	StateCompleted       CallState = "completed"
	StateTerminated      CallState = "terminated"
	StateRetryPending    CallState = "retry-pending"
	StateFallbackPending CallState = "fallback-pending"
)

// RetryConfig bounds the two independent retry budgets and their backoff
// shapes, per spec §4.5.
type RetryConfig struct {
	// NetworkAttempts bounds consecutive network-error retries on one factory.
	NetworkAttempts uint32
	// ModelAttempts bounds consecutive model-error (recoverable violation)
	// retries on one factory.
	ModelAttempts uint32
	// NetworkBackoff computes the delay between network retries.
	NetworkBackoff BackoffConfig
	// ModelBackoff computes the delay between model retries. A zero-value
	// BackoffConfig with Initial==0 means "no backoff", per the spec's
	// "or model.backoff" allowance.
	ModelBackoff BackoffConfig
	// FallbackCount is the number of fallback factories available, used to
	// decide whether FallbackPending has anywhere to advance to.
	FallbackCount uint32
}

// DefaultRetryConfig mirrors the teacher's applyRetryDefaults shape: modest
// budgets with exponential backoff for network failures and no backoff for
// model-level retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		NetworkAttempts: 3,
		ModelAttempts:   2,
		NetworkBackoff:  DefaultBackoffConfig(),
		ModelBackoff:    BackoffConfig{Strategy: BackoffFixed, Initial: 0, Max: 0, Multiplier: 1},
	}
}

// Decision is the outcome of RetryController.Decide: what the supervisor
// should do next in response to a failure or recoverable violation.
type Decision struct {
	NextState       CallState
	Delay           time.Duration
	AdvanceFallback bool
	ResetNetwork    bool
	ResetModel      bool
	TerminalError   error
}

// RetryController implements the spec §4.5 decision table. It is stateless
// across calls; the caller passes in the current budgets each time and
// applies the returned reset/advance instructions to its own state.
type RetryController struct {
	cfg RetryConfig
}

// NewRetryController constructs a controller from cfg, filling unset budget
// fields with DefaultRetryConfig's values.
func NewRetryController(cfg RetryConfig) *RetryController {
	defaults := DefaultRetryConfig()
	if cfg.NetworkAttempts == 0 {
		cfg.NetworkAttempts = defaults.NetworkAttempts
	}
	if cfg.ModelAttempts == 0 {
		cfg.ModelAttempts = defaults.ModelAttempts
	}
	if cfg.NetworkBackoff.Initial == 0 && cfg.NetworkBackoff.Strategy == "" {
		cfg.NetworkBackoff = defaults.NetworkBackoff
	}
	if cfg.ModelBackoff.Initial == 0 && cfg.ModelBackoff.Strategy == "" {
		cfg.ModelBackoff = defaults.ModelBackoff
	}
	return &RetryController{cfg: cfg}
}

// DecideNetworkError applies the decision table's network-error rows.
// networkRetries is the count already consumed (0-indexed attempt number for
// backoff purposes). prevDelay feeds decorrelated-jitter.
func (r *RetryController) DecideNetworkError(analysis NetworkErrorAnalysis, networkRetries uint32, prevDelay time.Duration) Decision {
	if !analysis.Retryable {
		return r.exhausted(analysis)
	}

	if networkRetries < r.cfg.NetworkAttempts {
		delay := analysis.SuggestedDelay
		if delay <= 0 {
			backoff := ComputeBackoff(r.cfg.NetworkBackoff, int(networkRetries), prevDelay)
			delay = backoff.Delay
		}
		return Decision{NextState: StateRetryPending, Delay: delay}
	}

	if r.cfg.FallbackCount > 0 {
		return Decision{NextState: StateFallbackPending, AdvanceFallback: true, ResetNetwork: true}
	}

	return r.exhausted(analysis)
}

// DecideViolation applies the decision table's guardrail-violation rows.
func (r *RetryController) DecideViolation(v Violation, modelRetries uint32) Decision {
	if v.Severity == SeverityFatal || !v.Recoverable {
		return Decision{
			NextState:     StateTerminated,
			TerminalError: &GuardrailViolationError{Violation: v},
		}
	}

	if modelRetries < r.cfg.ModelAttempts {
		backoff := ComputeBackoff(r.cfg.ModelBackoff, int(modelRetries), 0)
		return Decision{NextState: StateRetryPending, Delay: backoff.Delay}
	}

	if r.cfg.FallbackCount > 0 {
		return Decision{NextState: StateFallbackPending, AdvanceFallback: true, ResetModel: true}
	}

	return Decision{
		NextState:     StateTerminated,
		TerminalError: &GuardrailViolationError{Violation: v},
	}
}

func (r *RetryController) exhausted(analysis NetworkErrorAnalysis) Decision {
	if r.cfg.FallbackCount > 0 {
		return Decision{NextState: StateFallbackPending, AdvanceFallback: true, ResetNetwork: true}
	}
	return Decision{
		NextState: StateTerminated,
		TerminalError: &NetworkError{
			Kind:           analysis.Kind,
			Retryable:      analysis.Retryable,
			SuggestedDelay: analysis.SuggestedDelay,
			Cause:          ErrBudgetExhausted,
		},
	}
}
