// Package verify implements the verification template evaluator: an audited,
// closed set of parameterized predicates that decide whether a worker's
// submission counts as proof of completion. Evaluation is independent of
// escrow; the job coordinator wires verdicts to settlement.
package verify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobmesh/crypto"
)

// minAccountAge is the minimum identity age before an account's activity
// counts for any content predicate or referral credit.
const minAccountAge = 72 * time.Hour

// submissionsPerMinute bounds how often one worker can be evaluated.
// Resubmissions beyond the budget fail with a stable reason instead of
// hammering collaborators.
const (
	submissionsPerMinute = 6
	submissionBurst      = 3
)

// Request carries everything a predicate may consult about one submission.
type Request struct {
	JobID     string
	Template  TemplateID
	Params    Params
	Poster    crypto.Address
	Worker    crypto.Address
	ClaimedAt time.Time
	Proof     string
}

// Evaluator judges submissions against the template registry using read-only
// collaborator lookups. Evaluations may run fully in parallel; the evaluator
// holds no per-job state.
type Evaluator struct {
	collab Collaborators
	nowFn  func() time.Time

	mu       sync.Mutex
	limiters map[crypto.Address]*rate.Limiter
}

// NewEvaluator constructs an evaluator over the given collaborators.
func NewEvaluator(collab Collaborators) *Evaluator {
	return &Evaluator{
		collab:   collab,
		nowFn:    time.Now,
		limiters: make(map[crypto.Address]*rate.Limiter),
	}
}

// SetNowFunc overrides the clock, for deterministic tests.
func (e *Evaluator) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

func (e *Evaluator) limiter(worker crypto.Address) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	lim, ok := e.limiters[worker]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(submissionsPerMinute)/60, submissionBurst)
		e.limiters[worker] = lim
	}
	return lim
}

// Evaluate returns the verdict for one submission. Parameter problems and
// unknown templates surface as errors (the caller rejected to validate at
// job creation); collaborator failures surface as Retry results.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Result, error) {
	tpl, ok := LookupTemplate(req.Template)
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown template %q", ErrInvalidParams, req.Template)
	}
	if err := ValidateParams(tpl.schema, req.Params); err != nil {
		return Result{}, err
	}
	if !tpl.Auto {
		return Result{Outcome: OutcomeManual, Reason: ReasonManualReview}, nil
	}
	if !e.limiter(req.Worker).Allow() {
		return fail(ReasonRateLimited, "submission budget exhausted, retry later"), nil
	}
	switch tpl.ID {
	case TemplateGuestbookEntry:
		return e.evalGuestbookEntry(ctx, req), nil
	case TemplateReferralCount:
		return e.evalReferralCount(ctx, req), nil
	case TemplateSiteContent:
		return e.evalSiteContent(ctx, req), nil
	case TemplateMessageSent:
		return e.evalMessageSent(ctx, req), nil
	case TemplateRingJoined:
		return e.evalRingJoined(ctx, req), nil
	case TemplateWalletVerified:
		return e.evalWalletVerified(ctx, req), nil
	default:
		return Result{}, fmt.Errorf("%w: template %q has no predicate", ErrInvalidParams, tpl.ID)
	}
}

// workerEligible runs the identity checks shared by every auto predicate.
// The bool result reports eligibility; a non-nil Result short-circuits with
// a retry when the identity service is unreachable.
func (e *Evaluator) workerEligible(ctx context.Context, worker crypto.Address) (bool, Reason, *Result) {
	record, err := e.collab.Identity.Lookup(ctx, worker)
	if err != nil {
		r := retry(fmt.Sprintf("identity lookup: %v", err))
		return false, "", &r
	}
	if e.nowFn().Sub(record.CreatedAt) < minAccountAge {
		return false, ReasonAccountTooYoung, nil
	}
	return true, "", nil
}

func (e *Evaluator) evalGuestbookEntry(ctx context.Context, req Request) Result {
	eligible, reason, shortCircuit := e.workerEligible(ctx, req.Worker)
	if shortCircuit != nil {
		return *shortCircuit
	}
	if !eligible {
		return fail(reason, "worker identity does not qualify")
	}

	site := req.Params.str("site")
	minLength := req.Params.integer("min_length", 10)
	keywords := req.Params.stringList("keywords")

	entries, err := e.collab.Guestbooks.EntriesByAuthor(ctx, site, req.Worker)
	if err != nil {
		return retry(fmt.Sprintf("guestbook lookup: %v", err))
	}
	if len(entries) == 0 {
		return fail(ReasonNoEntry, fmt.Sprintf("no entries by worker on %s", site))
	}

	// Walk newest-first so the verdict reflects the latest attempt; the
	// first entry clearing every constraint qualifies.
	lastReason := ReasonNoEntry
	lastDetail := ""
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if !entry.CreatedAt.After(req.ClaimedAt) {
			lastReason, lastDetail = ReasonBeforeClaim, "entry predates the claim"
			continue
		}
		if int64(len(entry.Body)) < minLength {
			lastReason, lastDetail = ReasonTooShort, fmt.Sprintf("entry has %d characters, need %d", len(entry.Body), minLength)
			continue
		}
		if missing := firstMissingKeyword(entry.Body, keywords); missing != "" {
			lastReason, lastDetail = ReasonMissingKeyword, fmt.Sprintf("keyword %q not found", missing)
			continue
		}
		if repetitionRatio(entry.Body) > maxRepetitionRatio {
			lastReason, lastDetail = ReasonSpamScore, "entry dominated by repeated tokens"
			continue
		}
		if dupOf := duplicateOf(entry, entries[:i]); dupOf {
			lastReason, lastDetail = ReasonDuplicateContent, "entry duplicates an earlier one"
			continue
		}
		return pass()
	}
	return fail(lastReason, lastDetail)
}

func firstMissingKeyword(body string, keywords []string) string {
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if !containsFold(body, kw) {
			return kw
		}
	}
	return ""
}

func duplicateOf(entry GuestbookEntry, earlier []GuestbookEntry) bool {
	for _, other := range earlier {
		if similarity(entry.Body, other.Body) > maxSimilarity {
			return true
		}
	}
	return false
}

func (e *Evaluator) evalReferralCount(ctx context.Context, req Request) Result {
	required := req.Params.integer("count", 1)
	window := req.Params.duration("window", 30*24*time.Hour)
	since := e.nowFn().Add(-window)
	if claimSince := req.ClaimedAt; claimSince.After(since) {
		since = claimSince
	}

	referrals, err := e.collab.Referrals.ReferralsBy(ctx, req.Worker, since)
	if err != nil {
		return retry(fmt.Sprintf("referral lookup: %v", err))
	}

	seenClusters := make(map[string]struct{})
	qualified := int64(0)
	for _, ref := range referrals {
		if ref.DeviceCluster != "" {
			if _, dup := seenClusters[ref.DeviceCluster]; dup {
				continue
			}
			seenClusters[ref.DeviceCluster] = struct{}{}
		}
		record, err := e.collab.Identity.Lookup(ctx, ref.Referred)
		if err != nil {
			return retry(fmt.Sprintf("referred identity lookup: %v", err))
		}
		if !record.WalletVerified {
			continue
		}
		if e.nowFn().Sub(record.CreatedAt) < minAccountAge {
			continue
		}
		qualified++
	}
	if qualified < required {
		return fail(ReasonInsufficientCount, fmt.Sprintf("%d qualifying referrals of %d required", qualified, required))
	}
	return pass()
}

func (e *Evaluator) evalSiteContent(ctx context.Context, req Request) Result {
	requiredText := req.Params.str("required_text")
	minWords := req.Params.integer("min_word_count", 1)
	freshness := req.Params.duration("freshness", 24*time.Hour)

	snapshot, err := e.collab.Sites.Snapshot(ctx, req.Worker)
	if err != nil {
		return retry(fmt.Sprintf("site snapshot: %v", err))
	}
	if snapshot == nil {
		return fail(ReasonNoEntry, "worker has no crawled site")
	}
	if e.nowFn().Sub(snapshot.FetchedAt) > freshness {
		return fail(ReasonContentStale, fmt.Sprintf("snapshot older than %s", freshness))
	}
	if int64(wordCount(snapshot.Body)) < minWords {
		return fail(ReasonWordCount, fmt.Sprintf("%d words, need %d", wordCount(snapshot.Body), minWords))
	}
	if !containsFold(snapshot.Body, requiredText) {
		return fail(ReasonMissingKeyword, fmt.Sprintf("required text %q not found", requiredText))
	}
	if keywordDensity(snapshot.Body, []string{requiredText}) > maxKeywordDensity {
		return fail(ReasonKeywordStuffing, "required text stuffed beyond density limit")
	}
	return pass()
}

func (e *Evaluator) evalMessageSent(ctx context.Context, req Request) Result {
	recipient, err := crypto.DecodeAddress(req.Params.str("recipient"))
	if err != nil {
		return fail(ReasonNoMessage, "recipient address invalid")
	}
	messages, err := e.collab.Messages.MessagesBetween(ctx, req.Worker, recipient)
	if err != nil {
		return retry(fmt.Sprintf("message lookup: %v", err))
	}
	for _, msg := range messages {
		if !msg.SentAt.After(req.ClaimedAt) {
			continue
		}
		if containsFold(msg.Body, req.JobID) {
			return pass()
		}
	}
	return fail(ReasonNoMessage, "no message referencing the job after claim time")
}

func (e *Evaluator) evalRingJoined(ctx context.Context, req Request) Result {
	ring := req.Params.str("ring")
	member, err := e.collab.Rings.IsActiveMember(ctx, ring, req.Worker)
	if err != nil {
		return retry(fmt.Sprintf("ring lookup: %v", err))
	}
	if !member {
		return fail(ReasonNotRingMember, fmt.Sprintf("site is not an active member of %q", ring))
	}
	return pass()
}

func (e *Evaluator) evalWalletVerified(ctx context.Context, req Request) Result {
	record, err := e.collab.Identity.Lookup(ctx, req.Worker)
	if err != nil {
		return retry(fmt.Sprintf("identity lookup: %v", err))
	}
	if !record.WalletVerified {
		return fail(ReasonWalletUnverified, "worker has no ledger-verified wallet on file")
	}
	return pass()
}
