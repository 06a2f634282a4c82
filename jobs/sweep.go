package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"jobmesh/crypto"
	"jobmesh/escrow"
	"jobmesh/escrow/codec"
	"jobmesh/observability"
	"jobmesh/verify"
)

// DefaultSweepInterval is short relative to the 24h review and timelock
// windows without hammering the ledger's read quota.
const DefaultSweepInterval = 5 * time.Minute

// reevalGrace keeps the sweeper away from submissions that are still being
// evaluated inline by their Submit call.
const reevalGrace = time.Minute

// Sweeper drives every persisted deadline: review windows, job expiry,
// dispute timelocks and deferred settlement retries. Each pass is
// idempotent; re-running on an already-settled job is a no-op detected via
// a fresh ledger read.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		batch:    100,
		logger:   engine.logger,
	}
}

// Run sweeps on a fixed cadence until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := s.SweepOnce(ctx)
			observability.SweepMetrics().Run(err, time.Since(start))
			if err != nil {
				s.logger.Error("sweep pass failed", "err", err)
			}
		}
	}
}

// SweepOnce executes one full pass. Individual job failures are logged and
// counted, never abort the pass; only store scan failures surface.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	var errs []error
	if err := s.retryReleases(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.releaseDueReviews(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.expireDue(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.refundDueDisputes(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.reevaluateStalled(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// retryReleases retries settlement for jobs whose winner committed but whose
// escrow release failed earlier. Completed is local intent; paid is only set
// after a ledger read confirms the transfer path.
func (s *Sweeper) retryReleases(ctx context.Context) error {
	due, err := s.engine.store.ListJobsByStatus(ctx, JobCompleted, s.batch)
	if err != nil {
		return fmt.Errorf("scan completed jobs: %w", err)
	}
	for _, job := range due {
		err := s.withJobLock(job.ID, func() error {
			fresh, err := s.engine.store.GetJob(ctx, job.ID)
			if err != nil {
				return err
			}
			if fresh.Status != JobCompleted {
				return nil
			}
			return s.engine.releaseCompleted(ctx, fresh, escrow.Signature{})
		})
		observability.SweepMetrics().Action("release_retry", err)
		if err != nil {
			s.logger.Warn("release retry failed", "job", job.ID, "err", err)
		}
	}
	return nil
}

// releaseDueReviews auto-releases manual-approval jobs whose poster let the
// review window lapse without a verdict.
func (s *Sweeper) releaseDueReviews(ctx context.Context) error {
	due, err := s.engine.store.DueReviews(ctx, s.engine.nowFn(), s.batch)
	if err != nil {
		return fmt.Errorf("scan due reviews: %w", err)
	}
	for _, job := range due {
		winner, err := s.pendingReviewWorker(ctx, job.ID)
		if err != nil {
			s.logger.Warn("review sweep skipped", "job", job.ID, "err", err)
			continue
		}
		if winner == nil {
			continue
		}
		_, err = s.engine.commitWinner(ctx, job.ID, *winner, escrow.Signature{})
		observability.SweepMetrics().Action("auto_release", err)
		if err != nil {
			s.logger.Warn("auto release failed", "job", job.ID, "err", err)
		}
	}
	return nil
}

// pendingReviewWorker picks the claim that has waited longest in review.
func (s *Sweeper) pendingReviewWorker(ctx context.Context, jobID string) (*crypto.Address, error) {
	claims, err := s.engine.store.ListClaims(ctx, jobID)
	if err != nil {
		return nil, err
	}
	var winner *Claim
	for _, claim := range claims {
		if claim.Status != ClaimPendingReview {
			continue
		}
		if winner == nil || claimSubmitTime(claim).Before(claimSubmitTime(winner)) {
			winner = claim
		}
	}
	if winner == nil {
		return nil, nil
	}
	worker := winner.Worker
	return &worker, nil
}

func claimSubmitTime(claim *Claim) time.Time {
	if claim.SubmittedAt != nil {
		return *claim.SubmittedAt
	}
	return claim.UpdatedAt
}

// expireDue terminates jobs past their expiry with no winner, returning any
// still-locked reward to the poster.
func (s *Sweeper) expireDue(ctx context.Context) error {
	due, err := s.engine.store.DueExpiries(ctx, s.engine.nowFn(), s.batch)
	if err != nil {
		return fmt.Errorf("scan due expiries: %w", err)
	}
	for _, job := range due {
		err := s.withJobLock(job.ID, func() error {
			return s.engine.expireJob(ctx, job.ID)
		})
		observability.SweepMetrics().Action("expire", err)
		if err != nil {
			s.logger.Warn("expiry failed", "job", job.ID, "err", err)
		}
	}
	return nil
}

// refundDueDisputes refunds disputed jobs whose timelock has elapsed without
// a resolution. The ledger enforces the same timelock independently.
func (s *Sweeper) refundDueDisputes(ctx context.Context) error {
	cutoff := s.engine.nowFn().Add(-s.engine.disputeTimelock)
	due, err := s.engine.store.DueDisputes(ctx, cutoff, s.batch)
	if err != nil {
		return fmt.Errorf("scan due disputes: %w", err)
	}
	for _, job := range due {
		_, err := s.engine.Refund(ctx, job.ID)
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			// Policy says not yet; try again next pass.
			err = nil
		}
		observability.SweepMetrics().Action("refund", err)
		if err != nil {
			s.logger.Warn("dispute refund failed", "job", job.ID, "err", err)
		}
	}
	return nil
}

// reevaluateStalled re-runs evaluation for submissions parked on a RETRY
// verdict, once the inline evaluation has had time to finish.
func (s *Sweeper) reevaluateStalled(ctx context.Context) error {
	claims, err := s.engine.store.ListClaimsByStatus(ctx, ClaimSubmitted, s.batch)
	if err != nil {
		return fmt.Errorf("scan submitted claims: %w", err)
	}
	now := s.engine.nowFn()
	for _, claim := range claims {
		if now.Sub(claim.UpdatedAt) < reevalGrace {
			continue
		}
		job, err := s.engine.store.GetJob(ctx, claim.JobID)
		if err != nil {
			s.logger.Warn("reevaluation skipped", "job", claim.JobID, "err", err)
			continue
		}
		if job.Status != JobClaimed && job.Status != JobPendingVerification {
			continue
		}
		result, err := s.engine.evaluator.Evaluate(ctx, verify.Request{
			JobID:     job.ID,
			Template:  job.Template,
			Params:    job.Params,
			Poster:    job.Poster,
			Worker:    claim.Worker,
			ClaimedAt: claim.CreatedAt,
			Proof:     claim.Proof,
		})
		if err != nil {
			s.logger.Warn("reevaluation errored", "job", job.ID, "worker", claim.Worker.String(), "err", err)
			continue
		}
		observability.JobMetrics().Verdict(string(job.Template), result.Outcome.String())
		if _, err := s.engine.applyVerdict(ctx, job.ID, claim.Worker, result, escrow.Signature{}); err != nil {
			s.logger.Warn("reevaluation verdict failed", "job", job.ID, "worker", claim.Worker.String(), "err", err)
		}
	}
	return nil
}

func (s *Sweeper) withJobLock(jobID string, fn func() error) error {
	unlock := s.engine.locks.lock(jobID)
	defer unlock()
	return fn()
}

// expireJob is called with the job lock held.
func (e *Engine) expireJob(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case JobOpen, JobClaimed:
	default:
		return nil
	}
	if !e.nowFn().After(job.ExpiresAt) {
		return nil
	}

	// Return any locked funds before recording the terminal state. A fresh
	// read keeps the cancel instruction from being resubmitted on a later
	// pass.
	if job.EscrowAddress != nil && job.FundedAt != nil {
		account, err := e.ledger.GetEscrow(ctx, *job.EscrowAddress)
		if err != nil {
			return fmt.Errorf("read escrow %s: %w", job.EscrowAddress.String(), err)
		}
		if account.Status == codec.AccountActive {
			if err := e.ledger.CancelEscrow(ctx, *job.EscrowAddress); err != nil {
				return fmt.Errorf("cancel escrow %s: %w", job.EscrowAddress.String(), err)
			}
		}
	}

	now := e.nowFn().UTC()
	job.Status = JobExpired
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	claims, err := e.store.ListClaims(ctx, jobID)
	if err != nil {
		return err
	}
	for _, claim := range claims {
		if claim.Status.Terminal() {
			continue
		}
		claim.Status = ClaimLost
		claim.UpdatedAt = now
		if err := e.store.UpdateClaim(ctx, claim); err != nil {
			return err
		}
	}
	observability.JobMetrics().Transition(string(JobExpired))
	e.logger.Info("job expired", "job", jobID)
	e.emitter.Emit(newEvent(EventJobExpired, jobID, nil, now, nil))
	return nil
}
