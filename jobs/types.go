package jobs

import (
	"fmt"
	"strings"
	"time"

	"jobmesh/crypto"
	"jobmesh/escrow/codec"
	"jobmesh/verify"
)

// JobStatus tracks a job through its lifecycle. Terminal states are paid,
// cancelled, resolved and expired.
type JobStatus string

const (
	JobUnfunded            JobStatus = "unfunded"
	JobOpen                JobStatus = "open"
	JobClaimed             JobStatus = "claimed"
	JobPendingVerification JobStatus = "pending_verification"
	JobCompleted           JobStatus = "completed"
	JobPaid                JobStatus = "paid"
	JobCancelled           JobStatus = "cancelled"
	JobDisputed            JobStatus = "disputed"
	JobResolved            JobStatus = "resolved"
	JobExpired             JobStatus = "expired"
)

// Valid reports whether the status is one of the supported lifecycle states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobUnfunded, JobOpen, JobClaimed, JobPendingVerification,
		JobCompleted, JobPaid, JobCancelled, JobDisputed, JobResolved, JobExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobPaid, JobCancelled, JobResolved, JobExpired:
		return true
	default:
		return false
	}
}

// ClaimStatus tracks a single worker's attempt on a job.
type ClaimStatus string

const (
	ClaimWorking       ClaimStatus = "working"
	ClaimSubmitted     ClaimStatus = "submitted"
	ClaimPendingReview ClaimStatus = "pending_review"
	ClaimWon           ClaimStatus = "won"
	ClaimLost          ClaimStatus = "lost"
	ClaimFailed        ClaimStatus = "failed"
)

func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimWorking, ClaimSubmitted, ClaimPendingReview, ClaimWon, ClaimLost, ClaimFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the claim can no longer change. A failed claim is
// not terminal, the worker may retry while the job stays open.
func (s ClaimStatus) Terminal() bool {
	return s == ClaimWon || s == ClaimLost
}

// Job is the coordinator's record of a posted task. Status is an intent
// cache: money truth lives in the ledger escrow account and is reconciled
// from fresh reads before any fund-moving decision.
type Job struct {
	ID          string
	Poster      crypto.Address
	Title       string
	Description string
	Reward      uint64
	Template    verify.TemplateID
	Params      verify.Params
	Status      JobStatus

	EscrowAddress *codec.Address
	Winner        *crypto.Address

	CreatedAt      time.Time
	FundedAt       *time.Time
	FirstClaimedAt *time.Time
	SubmittedAt    *time.Time
	CompletedAt    *time.Time
	ExpiresAt      time.Time
	ReviewDeadline *time.Time
	DisputedAt     *time.Time

	// Version guards concurrent updates; every store write asserts the
	// version it read and bumps it.
	Version uint64
}

// Clone returns a deep copy so callers can mutate freely.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.Params != nil {
		params := make(verify.Params, len(j.Params))
		for k, v := range j.Params {
			params[k] = v
		}
		clone.Params = params
	}
	clone.EscrowAddress = cloneAddr(j.EscrowAddress)
	if j.Winner != nil {
		w := *j.Winner
		clone.Winner = &w
	}
	clone.FundedAt = cloneTime(j.FundedAt)
	clone.FirstClaimedAt = cloneTime(j.FirstClaimedAt)
	clone.SubmittedAt = cloneTime(j.SubmittedAt)
	clone.CompletedAt = cloneTime(j.CompletedAt)
	clone.ReviewDeadline = cloneTime(j.ReviewDeadline)
	clone.DisputedAt = cloneTime(j.DisputedAt)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneAddr(a *codec.Address) *codec.Address {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Claim is one worker's attempt on a job. At most one claim exists per
// (job, worker) pair and at most one claim per job ever reaches won.
type Claim struct {
	JobID     string
	Worker    crypto.Address
	Status    ClaimStatus
	Message   string
	Proof     string
	ProofHash *[32]byte

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt *time.Time
	FailReason  string

	Version uint64
}

func (c *Claim) Clone() *Claim {
	if c == nil {
		return nil
	}
	clone := *c
	if c.ProofHash != nil {
		h := *c.ProofHash
		clone.ProofHash = &h
	}
	clone.SubmittedAt = cloneTime(c.SubmittedAt)
	return &clone
}

// SanitizeJob validates and normalises a job definition before it is stored.
// The original value is not mutated.
func SanitizeJob(j *Job) (*Job, error) {
	if j == nil {
		return nil, fmt.Errorf("nil job")
	}
	clone := j.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	if clone.ID == "" {
		return nil, newValidationError(ReasonBadRequest, "job id must not be empty")
	}
	if clone.Poster.IsZero() {
		return nil, newValidationError(ReasonBadRequest, "poster address required")
	}
	if clone.Reward < MinReward {
		return nil, newValidationError(ReasonRewardTooSmall, fmt.Sprintf("reward %d below minimum %d", clone.Reward, MinReward))
	}
	if err := verify.ValidateJobParams(clone.Template, clone.Params); err != nil {
		return nil, newValidationError(ReasonBadTemplate, err.Error())
	}
	if clone.Status == "" {
		clone.Status = JobUnfunded
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid job status: %q", clone.Status)
	}
	return clone, nil
}

// MinReward is the smallest fundable reward in minor units. Anything below
// this would round the platform fee to zero.
const MinReward uint64 = 100
