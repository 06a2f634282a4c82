package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lukechampine.com/blake3"

	"jobmesh/crypto"
	"jobmesh/escrow"
	"jobmesh/escrow/codec"
	"jobmesh/observability"
	"jobmesh/verify"
)

const (
	// DefaultReviewWindow is how long a poster has to reject a
	// pending-review submission before the sweeper auto-releases.
	DefaultReviewWindow = 24 * time.Hour
	// DefaultDisputeTimelock must elapse after dispute initiation before a
	// refund may execute.
	DefaultDisputeTimelock = 24 * time.Hour
	// DefaultJobTTL bounds how long an unfinished job stays open.
	DefaultJobTTL = 7 * 24 * time.Hour
)

// SubmissionEvaluator judges whether a submission satisfies a job's
// verification template.
type SubmissionEvaluator interface {
	Evaluate(ctx context.Context, req verify.Request) (verify.Result, error)
}

// Engine is the job lifecycle coordinator: it arbitrates the race to
// complete, owns the single-winner commit and drives settlement through the
// escrow client. Operations on the same job are serialized; everything else
// runs in parallel.
type Engine struct {
	store     Store
	ledger    escrow.Client
	evaluator SubmissionEvaluator
	identity  verify.IdentityReader
	quotas    *QuotaLedger
	locks     *jobLocks
	emitter   Emitter
	logger    *slog.Logger
	nowFn     func() time.Time

	reviewWindow    time.Duration
	disputeTimelock time.Duration
	jobTTL          time.Duration
}

func NewEngine(store Store, ledger escrow.Client, evaluator SubmissionEvaluator) *Engine {
	return &Engine{
		store:           store,
		ledger:          ledger,
		evaluator:       evaluator,
		quotas:          NewQuotaLedger(nil),
		locks:           newJobLocks(),
		emitter:         NoopEmitter{},
		logger:          slog.Default(),
		nowFn:           time.Now,
		reviewWindow:    DefaultReviewWindow,
		disputeTimelock: DefaultDisputeTimelock,
		jobTTL:          DefaultJobTTL,
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetIdentity configures the identity reader used for trust-tier quota
// checks. Without one every worker is treated as the standard tier.
func (e *Engine) SetIdentity(identity verify.IdentityReader) { e.identity = identity }

// SetQuotas replaces the attempt quota policy.
func (e *Engine) SetQuotas(quotas TierQuotas) { e.quotas = NewQuotaLedger(quotas) }

// SetLogger configures structured logging for settlement decisions.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetNowFunc overrides the clock, for deterministic tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
	e.quotas.SetNowFunc(now)
}

// SetWindows overrides the review window, dispute timelock and job TTL.
// Zero values keep the defaults.
func (e *Engine) SetWindows(review, timelock, ttl time.Duration) {
	if review > 0 {
		e.reviewWindow = review
	}
	if timelock > 0 {
		e.disputeTimelock = timelock
	}
	if ttl > 0 {
		e.jobTTL = ttl
	}
}

// CreateJob validates and stores a new job in unfunded state. The escrow
// address is derived immediately: it is a pure function of (job id, poster)
// and never changes for the job's lifetime.
func (e *Engine) CreateJob(ctx context.Context, job *Job) (*Job, error) {
	now := e.nowFn().UTC()
	clone, err := SanitizeJob(job)
	if err != nil {
		return nil, err
	}
	clone.Status = JobUnfunded
	clone.CreatedAt = now
	if clone.ExpiresAt.IsZero() {
		clone.ExpiresAt = now.Add(e.jobTTL)
	}
	if !clone.ExpiresAt.After(now) {
		return nil, newValidationError(ReasonBadRequest, "expiry must be in the future")
	}
	addr, err := codec.DeriveEscrowAddress(clone.ID, clone.Poster)
	if err != nil {
		return nil, newValidationError(ReasonBadRequest, err.Error())
	}
	clone.EscrowAddress = &addr
	clone.Version = 1
	if err := e.store.PutJob(ctx, clone); err != nil {
		return nil, fmt.Errorf("store job: %w", err)
	}
	e.emitter.Emit(newEvent(EventJobCreated, clone.ID, nil, now, map[string]interface{}{
		"poster":   clone.Poster.String(),
		"reward":   clone.Reward,
		"template": string(clone.Template),
	}))
	return clone, nil
}

// FundJob locks the reward on the ledger and opens the job to workers.
// Calling it on an already-open job succeeds without resubmitting.
func (e *Engine) FundJob(ctx context.Context, jobID string, sig escrow.Signature) (*Job, error) {
	unlock := e.locks.lock(jobID)
	defer unlock()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if job.Status != JobUnfunded {
		if job.Status.Terminal() {
			return nil, newValidationError(ReasonJobTerminal, "job already settled")
		}
		return job, nil
	}
	addr, err := e.ledger.Create(ctx, job.ID, job.Poster, job.Reward, job.ExpiresAt.Unix(), sig)
	if err != nil {
		return nil, fmt.Errorf("fund escrow for job %s: %w", job.ID, err)
	}
	now := e.nowFn().UTC()
	job.EscrowAddress = &addr
	job.Status = JobOpen
	job.FundedAt = &now
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist funded job %s: %w", job.ID, err)
	}
	e.logger.Info("job funded", "job", job.ID, "escrow", addr.String(), "reward", job.Reward)
	observability.JobMetrics().Transition(string(JobOpen))
	e.emitter.Emit(newEvent(EventJobFunded, job.ID, nil, now, map[string]interface{}{
		"escrowAddress": addr.String(),
	}))
	return job, nil
}

// GetJob returns the job and all claims on it.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*Job, []*Claim, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, notFoundOr(err)
	}
	claims, err := e.store.ListClaims(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, claims, nil
}

// Attempt opens a claim for the worker. The race model allows any number of
// concurrent claims; a worker gets at most one per job.
func (e *Engine) Attempt(ctx context.Context, jobID string, worker crypto.Address, message string) (*Claim, error) {
	tier := e.trustTier(ctx, worker)

	unlock := e.locks.lock(jobID)
	defer unlock()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	switch job.Status {
	case JobOpen, JobClaimed:
	case JobUnfunded:
		return nil, newValidationError(ReasonJobNotFunded, "job is not funded yet")
	default:
		return nil, newValidationError(ReasonJobNotOpen, fmt.Sprintf("job is %s", job.Status))
	}

	if existing, err := e.store.GetClaim(ctx, jobID, worker); err == nil {
		if !existing.Status.Terminal() {
			return nil, newValidationError(ReasonDuplicateClaim, "worker already has an active claim on this job")
		}
		return nil, newValidationError(ReasonDuplicateClaim, "worker's claim on this job is settled")
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Quota is charged only for admissible attempts.
	if err := e.quotas.Consume(worker, tier); err != nil {
		if errors.Is(err, ErrQuotaAttemptsExceeded) {
			return nil, newValidationError(ReasonQuotaExceeded, fmt.Sprintf("attempt quota for tier %q exhausted", tier))
		}
		return nil, err
	}

	now := e.nowFn().UTC()
	claim := &Claim{
		JobID:     jobID,
		Worker:    worker,
		Status:    ClaimWorking,
		Message:   message,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if err := e.store.PutClaim(ctx, claim); err != nil {
		return nil, fmt.Errorf("store claim: %w", err)
	}
	if job.Status == JobOpen {
		job.Status = JobClaimed
		job.FirstClaimedAt = &now
		if err := e.store.UpdateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("persist claimed job %s: %w", job.ID, err)
		}
	}
	e.emitter.Emit(newEvent(EventJobClaimed, jobID, &worker, now, nil))
	return claim, nil
}

// Submit records the worker's proof and evaluates it. A passing auto
// template commits this claim as the single winner and triggers release; a
// manual template parks the claim for poster review; a failure leaves the
// job open to every racer including this one.
func (e *Engine) Submit(ctx context.Context, jobID string, worker crypto.Address, proof string, sig escrow.Signature) (*Claim, verify.Result, error) {
	job, claim, err := e.recordSubmission(ctx, jobID, worker, proof)
	if err != nil {
		return nil, verify.Result{}, err
	}

	// Evaluation runs outside the job lock so competing submissions are
	// judged in parallel. Only the verdict commit below re-acquires it.
	claimedAt := claim.CreatedAt
	result, err := e.evaluator.Evaluate(ctx, verify.Request{
		JobID:     job.ID,
		Template:  job.Template,
		Params:    job.Params,
		Poster:    job.Poster,
		Worker:    worker,
		ClaimedAt: claimedAt,
		Proof:     proof,
	})
	if err != nil {
		return nil, verify.Result{}, newValidationError(ReasonBadTemplate, err.Error())
	}

	observability.JobMetrics().Verdict(string(job.Template), result.Outcome.String())
	claim, err = e.applyVerdict(ctx, jobID, worker, result, sig)
	if err != nil {
		return nil, result, err
	}
	return claim, result, nil
}

func (e *Engine) applyVerdict(ctx context.Context, jobID string, worker crypto.Address, result verify.Result, sig escrow.Signature) (*Claim, error) {
	switch result.Outcome {
	case verify.OutcomePass:
		return e.commitWinner(ctx, jobID, worker, escrow.Signature{})
	case verify.OutcomeManual:
		return e.parkForReview(ctx, jobID, worker, sig)
	case verify.OutcomeFail:
		return e.recordFailure(ctx, jobID, worker, string(result.Reason))
	case verify.OutcomeRetry:
		// No state change: the claim stays submitted and the sweeper
		// re-evaluates it once the collaborator recovers.
		return e.store.GetClaim(ctx, jobID, worker)
	default:
		return nil, fmt.Errorf("unexpected evaluation outcome %q", result.Outcome)
	}
}

func (e *Engine) recordSubmission(ctx context.Context, jobID string, worker crypto.Address, proof string) (*Job, *Claim, error) {
	unlock := e.locks.lock(jobID)
	defer unlock()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, notFoundOr(err)
	}
	switch job.Status {
	case JobClaimed, JobPendingVerification:
	default:
		return nil, nil, newValidationError(ReasonJobNotOpen, fmt.Sprintf("job is %s", job.Status))
	}
	claim, err := e.store.GetClaim(ctx, jobID, worker)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, newValidationError(ReasonNoClaim, "worker has no claim on this job")
	}
	if err != nil {
		return nil, nil, err
	}
	switch claim.Status {
	case ClaimWorking, ClaimFailed:
	case ClaimSubmitted, ClaimPendingReview:
		return nil, nil, newValidationError(ReasonClaimNotRetrying, "submission already under evaluation")
	default:
		return nil, nil, newValidationError(ReasonClaimNotRetrying, fmt.Sprintf("claim is %s", claim.Status))
	}

	now := e.nowFn().UTC()
	hash := blake3.Sum256([]byte(proof))
	claim.Status = ClaimSubmitted
	claim.Proof = proof
	claim.ProofHash = &hash
	claim.FailReason = ""
	claim.UpdatedAt = now
	claim.SubmittedAt = &now
	if err := e.store.UpdateClaim(ctx, claim); err != nil {
		return nil, nil, err
	}
	if job.SubmittedAt == nil {
		job.SubmittedAt = &now
		if err := e.store.UpdateJob(ctx, job); err != nil {
			return nil, nil, err
		}
	}
	e.emitter.Emit(newEvent(EventJobSubmitted, jobID, &worker, now, nil))
	return job, claim, nil
}

// commitWinner is the single-writer critical section of the race: exactly
// one claim per job may pass through it into won. A racer arriving second
// finds the job already completed and loses.
func (e *Engine) commitWinner(ctx context.Context, jobID string, worker crypto.Address, approval escrow.Signature) (*Claim, error) {
	unlock := e.locks.lock(jobID)
	defer unlock()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	claim, err := e.store.GetClaim(ctx, jobID, worker)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if claim.Status == ClaimWon {
		return claim, nil
	}
	now := e.nowFn().UTC()
	if job.Winner != nil || job.Status == JobCompleted || job.Status.Terminal() {
		claim.Status = ClaimLost
		claim.UpdatedAt = now
		if err := e.store.UpdateClaim(ctx, claim); err != nil {
			return nil, err
		}
		e.emitter.Emit(newEvent(EventClaimLost, jobID, &worker, now, nil))
		return claim, nil
	}

	claim.Status = ClaimWon
	claim.UpdatedAt = now
	if err := e.store.UpdateClaim(ctx, claim); err != nil {
		return nil, err
	}
	others, err := e.store.ListClaims(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, other := range others {
		if other.Worker.Equal(worker) || other.Status.Terminal() {
			continue
		}
		other.Status = ClaimLost
		other.UpdatedAt = now
		if err := e.store.UpdateClaim(ctx, other); err != nil {
			return nil, err
		}
		loser := other.Worker
		e.emitter.Emit(newEvent(EventClaimLost, jobID, &loser, now, nil))
	}

	job.Status = JobCompleted
	job.Winner = &worker
	job.CompletedAt = &now
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	observability.JobMetrics().Transition(string(JobCompleted))
	e.logger.Info("winner committed", "job", jobID, "worker", worker.String())
	e.emitter.Emit(newEvent(EventClaimWon, jobID, &worker, now, nil))

	// Release is attempted immediately but never rolled back on failure:
	// completed records intent and the sweeper retries settlement until a
	// ledger read confirms it.
	if err := e.releaseCompleted(ctx, job, approval); err != nil {
		e.logger.Error("release deferred to sweep", "job", jobID, "escrow", escrowRef(job), "err", err)
	}
	return claim, nil
}

// releaseCompleted drives a completed job's escrow to Released and marks the
// job paid. Idempotent: a fresh ledger read detects an already-settled
// escrow before any instruction is resubmitted.
func (e *Engine) releaseCompleted(ctx context.Context, job *Job, approval escrow.Signature) error {
	if job.EscrowAddress == nil || job.Winner == nil {
		return fmt.Errorf("job %s missing escrow address or winner", job.ID)
	}
	addr := *job.EscrowAddress
	account, err := e.ledger.GetEscrow(ctx, addr)
	if err != nil {
		return fmt.Errorf("read escrow %s: %w", addr.String(), err)
	}
	switch account.Status {
	case codec.AccountReleased:
	case codec.AccountActive, codec.AccountPendingReview:
		if account.Worker == nil {
			if err := e.ledger.AssignWorker(ctx, addr, *job.Winner); err != nil {
				return fmt.Errorf("assign worker on %s: %w", addr.String(), err)
			}
		}
		// A poster signature releases inside the review window; without
		// one only the permissionless deadline crank is available.
		if !approval.Signer.IsZero() {
			if err := e.ledger.ApproveWork(ctx, addr, approval); err != nil {
				return fmt.Errorf("approve %s: %w", addr.String(), err)
			}
		} else if err := e.ledger.AutoRelease(ctx, addr); err != nil {
			return fmt.Errorf("release %s: %w", addr.String(), err)
		}
	default:
		return fmt.Errorf("escrow %s is %s, cannot release", addr.String(), account.Status)
	}

	now := e.nowFn().UTC()
	job.Status = JobPaid
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	observability.JobMetrics().Transition(string(JobPaid))
	e.logger.Info("escrow released", "job", job.ID, "escrow", addr.String(), "worker", job.Winner.String())
	e.emitter.Emit(newEvent(EventJobReleased, job.ID, job.Winner, now, map[string]interface{}{
		"escrowAddress": addr.String(),
	}))
	return nil
}

func (e *Engine) parkForReview(ctx context.Context, jobID string, worker crypto.Address, sig escrow.Signature) (*Claim, error) {
	unlock := e.locks.lock(jobID)
	defer unlock()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	claim, err := e.store.GetClaim(ctx, jobID, worker)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if claim.Status != ClaimSubmitted {
		return claim, nil
	}
	now := e.nowFn().UTC()
	claim.Status = ClaimPendingReview
	claim.UpdatedAt = now
	if err := e.store.UpdateClaim(ctx, claim); err != nil {
		return nil, err
	}
	if job.ReviewDeadline == nil {
		deadline := now.Add(e.reviewWindow)
		job.ReviewDeadline = &deadline
	}
	job.Status = JobPendingVerification
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	// Start the on-ledger review window too. Failures here are logged and
	// left to the sweeper; the persisted deadline is what drives release.
	if job.EscrowAddress != nil && claim.ProofHash != nil {
		addr := *job.EscrowAddress
		if err := e.ledger.AssignWorker(ctx, addr, worker); err != nil {
			e.logger.Warn("assign worker failed", "job", jobID, "escrow", addr.String(), "err", err)
		} else if err := e.ledger.SubmitWork(ctx, addr, worker, *claim.ProofHash, sig); err != nil {
			e.logger.Warn("submit work failed", "job", jobID, "escrow", addr.String(), "err", err)
		}
	}
	return claim, nil
}

func (e *Engine) recordFailure(ctx context.Context, jobID string, worker crypto.Address, reason string) (*Claim, error) {
	unlock := e.locks.lock(jobID)
	defer unlock()

	claim, err := e.store.GetClaim(ctx, jobID, worker)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if claim.Status != ClaimSubmitted {
		return claim, nil
	}
	claim.Status = ClaimFailed
	claim.FailReason = reason
	claim.UpdatedAt = e.nowFn().UTC()
	if err := e.store.UpdateClaim(ctx, claim); err != nil {
		return nil, err
	}
	return claim, nil
}

// Approve settles a manual-approval job in the worker's favour. Poster-only.
// Approving an already-won claim is a no-op success.
func (e *Engine) Approve(ctx context.Context, jobID string, poster, worker crypto.Address, sig escrow.Signature) (*Claim, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if err := e.manualGate(job, poster); err != nil {
		return nil, err
	}
	claim, err := e.store.GetClaim(ctx, jobID, worker)
	if errors.Is(err, ErrNotFound) {
		return nil, newValidationError(ReasonNoClaim, "worker has no claim on this job")
	}
	if err != nil {
		return nil, err
	}
	if claim.Status == ClaimWon {
		return claim, nil
	}
	if claim.Status != ClaimPendingReview {
		return nil, newValidationError(ReasonClaimNotRetrying, fmt.Sprintf("claim is %s, not pending review", claim.Status))
	}
	return e.commitWinner(ctx, jobID, worker, sig)
}

// Reject fails a pending-review claim and reopens the job to other racers.
func (e *Engine) Reject(ctx context.Context, jobID string, poster, worker crypto.Address, reason string) (*Claim, error) {
	unlock := e.locks.lock(jobID)
	defer unlock()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if err := e.manualGate(job, poster); err != nil {
		return nil, err
	}
	claim, err := e.store.GetClaim(ctx, jobID, worker)
	if errors.Is(err, ErrNotFound) {
		return nil, newValidationError(ReasonNoClaim, "worker has no claim on this job")
	}
	if err != nil {
		return nil, err
	}
	if claim.Status == ClaimFailed {
		return claim, nil
	}
	if claim.Status != ClaimPendingReview {
		return nil, newValidationError(ReasonClaimNotRetrying, fmt.Sprintf("claim is %s, not pending review", claim.Status))
	}
	now := e.nowFn().UTC()
	claim.Status = ClaimFailed
	if reason == "" {
		reason = "rejected_by_poster"
	}
	claim.FailReason = reason
	claim.UpdatedAt = now
	if err := e.store.UpdateClaim(ctx, claim); err != nil {
		return nil, err
	}

	stillPending, err := e.anyPendingReview(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !stillPending {
		job.Status = JobClaimed
		job.ReviewDeadline = nil
		if err := e.store.UpdateJob(ctx, job); err != nil {
			return nil, err
		}
	}
	return claim, nil
}

func (e *Engine) anyPendingReview(ctx context.Context, jobID string) (bool, error) {
	claims, err := e.store.ListClaims(ctx, jobID)
	if err != nil {
		return false, err
	}
	for _, claim := range claims {
		if claim.Status == ClaimPendingReview {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) manualGate(job *Job, poster crypto.Address) error {
	if !job.Poster.Equal(poster) {
		return newValidationError(ReasonNotPoster, "only the poster may review submissions")
	}
	if verify.IsAuto(job.Template) {
		return newValidationError(ReasonNotManual, "job uses an auto-verifying template")
	}
	return nil
}

// Dispute contests a job after submission. The refund path stays locked
// until the dispute timelock elapses; resolution arrives via Resolve.
func (e *Engine) Dispute(ctx context.Context, jobID string, by crypto.Address, reason string, caseID [32]byte, sig escrow.Signature) (*Job, error) {
	unlock := e.locks.lock(jobID)
	defer unlock()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if job.Status == JobDisputed {
		return job, nil
	}
	switch job.Status {
	case JobClaimed, JobPendingVerification, JobCompleted:
	default:
		return nil, newValidationError(ReasonJobNotOpen, fmt.Sprintf("job is %s, cannot dispute", job.Status))
	}
	if job.EscrowAddress == nil {
		return nil, newValidationError(ReasonJobNotFunded, "job has no escrow to dispute")
	}
	if err := e.ledger.RaiseDispute(ctx, *job.EscrowAddress, reason, caseID, sig); err != nil {
		return nil, fmt.Errorf("raise dispute on %s: %w", job.EscrowAddress.String(), err)
	}
	now := e.nowFn().UTC()
	job.Status = JobDisputed
	job.DisputedAt = &now
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	observability.JobMetrics().Transition(string(JobDisputed))
	e.logger.Info("job disputed", "job", jobID, "by", by.String(), "reason", reason)
	e.emitter.Emit(newEvent(EventJobDisputed, jobID, nil, now, map[string]interface{}{
		"by":     by.String(),
		"reason": reason,
	}))
	return job, nil
}

// Resolve applies a binding dispute outcome. It is the only path out of
// disputed; the ledger program finalizes the split.
func (e *Engine) Resolve(ctx context.Context, jobID string, outcome codec.DisputeOutcome) (*Job, error) {
	unlock := e.locks.lock(jobID)
	defer unlock()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if job.Status == JobResolved {
		return job, nil
	}
	if job.Status != JobDisputed {
		return nil, newValidationError(ReasonJobNotOpen, fmt.Sprintf("job is %s, not disputed", job.Status))
	}
	if job.EscrowAddress == nil {
		return nil, newValidationError(ReasonJobNotFunded, "job has no escrow")
	}
	if err := e.ledger.ResolveDispute(ctx, *job.EscrowAddress, outcome); err != nil {
		return nil, fmt.Errorf("resolve dispute on %s: %w", job.EscrowAddress.String(), err)
	}
	job.Status = JobResolved
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	e.logger.Info("dispute resolved", "job", jobID, "outcome", outcome.String())
	return job, nil
}

// Cancel withdraws an unassigned job. Once any worker holds an active claim
// the only exits are completion, dispute or expiry.
func (e *Engine) Cancel(ctx context.Context, jobID string, poster crypto.Address) (*Job, error) {
	unlock := e.locks.lock(jobID)
	defer unlock()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if !job.Poster.Equal(poster) {
		return nil, newValidationError(ReasonNotPoster, "only the poster may cancel")
	}
	if job.Status == JobCancelled {
		return job, nil
	}
	switch job.Status {
	case JobUnfunded, JobOpen:
	default:
		return nil, newValidationError(ReasonAlreadyAssigned, "job has active claims, cannot cancel")
	}
	if job.Status == JobOpen && job.EscrowAddress != nil {
		if err := e.ledger.CancelEscrow(ctx, *job.EscrowAddress); err != nil {
			return nil, fmt.Errorf("cancel escrow %s: %w", job.EscrowAddress.String(), err)
		}
	}
	now := e.nowFn().UTC()
	job.Status = JobCancelled
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	e.emitter.Emit(newEvent(EventJobCancelled, jobID, nil, now, nil))
	return job, nil
}

// Refund returns the locked reward to the poster. Only valid for disputed
// jobs once the dispute timelock has elapsed; the ledger enforces the same
// gate independently.
func (e *Engine) Refund(ctx context.Context, jobID string) (*Job, error) {
	unlock := e.locks.lock(jobID)
	defer unlock()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if job.Status == JobResolved {
		return job, nil
	}
	if job.Status != JobDisputed {
		return nil, newValidationError(ReasonJobNotOpen, fmt.Sprintf("job is %s, not disputed", job.Status))
	}
	if job.DisputedAt == nil || e.nowFn().Sub(*job.DisputedAt) < e.disputeTimelock {
		return nil, newValidationError(ReasonTimelockActive, "dispute timelock has not elapsed")
	}
	if job.EscrowAddress == nil {
		return nil, newValidationError(ReasonJobNotFunded, "job has no escrow")
	}
	if err := e.ledger.RefundPoster(ctx, *job.EscrowAddress); err != nil {
		if errors.Is(err, escrow.ErrTimelockActive) {
			return nil, newValidationError(ReasonTimelockActive, "ledger rejected refund: timelock still active")
		}
		return nil, fmt.Errorf("refund %s: %w", job.EscrowAddress.String(), err)
	}
	now := e.nowFn().UTC()
	job.Status = JobResolved
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	e.logger.Info("escrow refunded", "job", jobID, "escrow", escrowRef(job))
	e.emitter.Emit(newEvent(EventJobRefunded, jobID, nil, now, nil))
	return job, nil
}

// Release re-drives settlement for a job whose winner committed but whose
// escrow release failed earlier. Already-paid jobs are a success no-op.
func (e *Engine) Release(ctx context.Context, jobID string) (*Job, error) {
	unlock := e.locks.lock(jobID)
	defer unlock()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	switch job.Status {
	case JobPaid:
		return job, nil
	case JobCompleted:
	default:
		return nil, newValidationError(ReasonJobNotOpen, fmt.Sprintf("job is %s, nothing to release", job.Status))
	}
	if err := e.releaseCompleted(ctx, job, escrow.Signature{}); err != nil {
		return nil, err
	}
	return e.store.GetJob(ctx, jobID)
}

// Reconcile refreshes the local status of a funded job from ledger truth.
// Local status is an intent cache; this is the explicit sync point before
// callers act on it.
func (e *Engine) Reconcile(ctx context.Context, jobID string) (*Job, *codec.EscrowAccount, error) {
	unlock := e.locks.lock(jobID)
	defer unlock()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, notFoundOr(err)
	}
	if job.EscrowAddress == nil {
		return job, nil, nil
	}
	account, err := e.ledger.GetEscrow(ctx, *job.EscrowAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("read escrow %s: %w", job.EscrowAddress.String(), err)
	}
	updated := job.Status
	switch account.Status {
	case codec.AccountReleased:
		if job.Status == JobCompleted {
			updated = JobPaid
		}
	case codec.AccountRefunded, codec.AccountCancelled:
		if !job.Status.Terminal() {
			updated = JobResolved
		}
	case codec.AccountExpired:
		if !job.Status.Terminal() {
			updated = JobExpired
		}
	}
	if updated != job.Status {
		job.Status = updated
		if err := e.store.UpdateJob(ctx, job); err != nil {
			return nil, nil, err
		}
	}
	return job, account, nil
}

func (e *Engine) trustTier(ctx context.Context, worker crypto.Address) string {
	if e.identity == nil {
		return "standard"
	}
	record, err := e.identity.Lookup(ctx, worker)
	if err != nil || record == nil || record.TrustTier == "" {
		return "standard"
	}
	return record.TrustTier
}

func escrowRef(job *Job) string {
	if job.EscrowAddress == nil {
		return ""
	}
	return job.EscrowAddress.String()
}

func notFoundOr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return newValidationError(ReasonJobNotFound, "no such job")
	}
	return err
}
