package jobs

import "errors"

// RejectReason is a stable machine-readable code attached to synchronous
// rejections. Codes are part of the API surface and must not be renamed.
type RejectReason string

const (
	ReasonBadRequest       RejectReason = "bad_request"
	ReasonBadTemplate      RejectReason = "invalid_template_params"
	ReasonRewardTooSmall   RejectReason = "reward_below_minimum"
	ReasonJobNotFound      RejectReason = "job_not_found"
	ReasonJobNotOpen       RejectReason = "job_not_open"
	ReasonJobNotFunded     RejectReason = "job_not_funded"
	ReasonJobTerminal      RejectReason = "job_terminal"
	ReasonDuplicateClaim   RejectReason = "duplicate_claim"
	ReasonNoClaim          RejectReason = "no_claim"
	ReasonClaimNotRetrying RejectReason = "claim_not_retryable"
	ReasonQuotaExceeded    RejectReason = "quota_exceeded"
	ReasonTrustTier        RejectReason = "trust_tier_too_low"
	ReasonAlreadyAssigned  RejectReason = "worker_already_assigned"
	ReasonNotManual        RejectReason = "template_not_manual"
	ReasonNotPoster        RejectReason = "caller_not_poster"
	ReasonTimelockActive   RejectReason = "dispute_timelock_active"
)

// ValidationError is a synchronous rejection: bad input or a policy
// violation. It is never retried.
type ValidationError struct {
	Reason  RejectReason
	Message string
}

func (e *ValidationError) Error() string {
	return string(e.Reason) + ": " + e.Message
}

// NewValidationError builds a rejection carrying a stable reason code.
func NewValidationError(reason RejectReason, msg string) *ValidationError {
	return newValidationError(reason, msg)
}

func newValidationError(reason RejectReason, msg string) *ValidationError {
	return &ValidationError{Reason: reason, Message: msg}
}

// ReasonOf extracts the stable reason code from an error chain, or empty.
func ReasonOf(err error) RejectReason {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr.Reason
	}
	return ""
}

var (
	// ErrNotFound is returned by the store when a job or claim is absent.
	ErrNotFound = errors.New("jobs: not found")
	// ErrVersionConflict is returned when a versioned update lost a race.
	ErrVersionConflict = errors.New("jobs: version conflict")
)
