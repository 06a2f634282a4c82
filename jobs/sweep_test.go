package jobs

import (
	"context"
	"testing"
	"time"

	"jobmesh/escrow"
	"jobmesh/escrow/codec"
	"jobmesh/verify"
)

func TestManualReviewAutoReleaseSweepIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.fundedJob(ctx, "job-manual", verify.TemplateManualApproval, nil)
	worker := addr(0x02)
	if _, err := h.engine.Attempt(ctx, "job-manual", worker, ""); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	h.evaluator.script(worker, verify.Result{Outcome: verify.OutcomeManual, Reason: verify.ReasonManualReview})

	claim, result, err := h.engine.Submit(ctx, "job-manual", worker, "done, please review", escrow.Signature{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Outcome != verify.OutcomeManual || claim.Status != ClaimPendingReview {
		t.Fatalf("expected pending review, got %s / %+v", claim.Status, result)
	}
	job, _, _ := h.engine.GetJob(ctx, "job-manual")
	if job.Status != JobPendingVerification || job.ReviewDeadline == nil {
		t.Fatalf("review deadline not recorded: %+v", job)
	}

	sweeper := NewSweeper(h.engine, time.Minute)

	// Still inside the review window: nothing moves.
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	job, _, _ = h.engine.GetJob(ctx, "job-manual")
	if job.Status != JobPendingVerification {
		t.Fatalf("sweep acted before the deadline, job is %s", job.Status)
	}

	h.clock.Advance(DefaultReviewWindow + time.Hour)
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("due sweep: %v", err)
	}
	job, _, _ = h.engine.GetJob(ctx, "job-manual")
	if job.Status != JobPaid {
		t.Fatalf("review lapse should auto release, job is %s", job.Status)
	}
	got, err := h.engine.Approve(ctx, "job-manual", addr(0x01), worker, escrow.Signature{})
	if err != nil {
		t.Fatalf("approve after auto release must be a no-op success: %v", err)
	}
	if got.Status != ClaimWon {
		t.Fatalf("claim should be won, got %s", got.Status)
	}

	releases := h.ledger.count("release")
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("repeat sweep: %v", err)
	}
	if h.ledger.count("release") != releases {
		t.Fatal("repeat sweep resubmitted the release instruction")
	}
}

func TestPosterRejectReopensJob(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	poster := addr(0x01)
	h.fundedJob(ctx, "job-reject", verify.TemplateManualApproval, nil)
	worker := addr(0x02)
	if _, err := h.engine.Attempt(ctx, "job-reject", worker, ""); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	h.evaluator.script(worker, verify.Result{Outcome: verify.OutcomeManual, Reason: verify.ReasonManualReview})
	if _, _, err := h.engine.Submit(ctx, "job-reject", worker, "done", escrow.Signature{}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	claim, err := h.engine.Reject(ctx, "job-reject", poster, worker, "not good enough")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if claim.Status != ClaimFailed || claim.FailReason != "not good enough" {
		t.Fatalf("claim should be failed with the poster's reason, got %+v", claim)
	}
	job, _, _ := h.engine.GetJob(ctx, "job-reject")
	if job.Status != JobClaimed || job.ReviewDeadline != nil {
		t.Fatalf("rejection should reopen the job and clear the deadline, got %+v", job)
	}

	// Only the poster may review.
	if _, err := h.engine.Reject(ctx, "job-reject", addr(0x99), worker, "nope"); ReasonOf(err) != ReasonNotPoster {
		t.Fatalf("expected caller_not_poster, got %v", err)
	}
}

func TestExpirySweepReturnsFunds(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.fundedJob(ctx, "job-expire", verify.TemplateWalletVerified, nil)
	worker := addr(0x02)
	if _, err := h.engine.Attempt(ctx, "job-expire", worker, ""); err != nil {
		t.Fatalf("attempt: %v", err)
	}

	sweeper := NewSweeper(h.engine, time.Minute)
	h.clock.Advance(DefaultJobTTL + time.Hour)
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	job, claims, err := h.engine.GetJob(ctx, "job-expire")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != JobExpired {
		t.Fatalf("job should be expired, got %s", job.Status)
	}
	for _, claim := range claims {
		if claim.Status != ClaimLost {
			t.Fatalf("open claims must lose on expiry, got %s", claim.Status)
		}
	}
	account := h.ledger.account(*job.EscrowAddress)
	if account.Status != codec.AccountCancelled {
		t.Fatalf("locked funds should be returned, escrow is %s", account.Status)
	}

	cancels := h.ledger.count("cancel")
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("repeat sweep: %v", err)
	}
	if h.ledger.count("cancel") != cancels {
		t.Fatal("repeat sweep resubmitted the cancel instruction")
	}
}

func TestSweepReevaluatesStalledSubmission(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.fundedJob(ctx, "job-stalled", verify.TemplateGuestbookEntry, verify.Params{"site": "poster.site"})
	worker := addr(0x02)
	if _, err := h.engine.Attempt(ctx, "job-stalled", worker, ""); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	h.evaluator.script(worker,
		verify.Result{Outcome: verify.OutcomeRetry, Reason: verify.ReasonLookupFailed},
		passResult())

	claim, _, err := h.engine.Submit(ctx, "job-stalled", worker, "proof", escrow.Signature{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if claim.Status != ClaimSubmitted {
		t.Fatalf("claim should be parked, got %s", claim.Status)
	}

	sweeper := NewSweeper(h.engine, time.Minute)
	h.clock.Advance(2 * reevalGrace)
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	job, _, _ := h.engine.GetJob(ctx, "job-stalled")
	if job.Status != JobPaid {
		t.Fatalf("recovered evaluation should settle the job, got %s", job.Status)
	}
}

func TestDisputeRefundSweep(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.fundedJob(ctx, "job-sweep-dispute", verify.TemplateWalletVerified, nil)
	if _, err := h.engine.Attempt(ctx, "job-sweep-dispute", addr(0x02), ""); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if _, err := h.engine.Dispute(ctx, "job-sweep-dispute", addr(0x01), "contested", [32]byte{7}, escrow.Signature{}); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	sweeper := NewSweeper(h.engine, time.Minute)
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	job, _, _ := h.engine.GetJob(ctx, "job-sweep-dispute")
	if job.Status != JobDisputed {
		t.Fatalf("sweep must not refund inside the timelock, job is %s", job.Status)
	}

	h.clock.Advance(DefaultDisputeTimelock + time.Hour)
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("due sweep: %v", err)
	}
	job, _, _ = h.engine.GetJob(ctx, "job-sweep-dispute")
	if job.Status != JobResolved {
		t.Fatalf("timelocked refund should settle the job, got %s", job.Status)
	}
}
