package verify

import "fmt"

// Outcome is the verdict of evaluating a submission against a template.
type Outcome uint8

const (
	// OutcomePass marks a submission that satisfies the template predicate.
	OutcomePass Outcome = iota + 1
	// OutcomeFail marks a submission that was inspected and does not
	// qualify. The worker may retry under rate limits.
	OutcomeFail
	// OutcomeRetry marks an evaluation that could not complete, typically a
	// collaborator timeout. No claim state changes; a later pass re-evaluates.
	// Transient failures never punish the worker.
	OutcomeRetry
	// OutcomeManual marks templates that require an explicit poster decision
	// instead of an automatic verdict.
	OutcomeManual
)

func (o Outcome) String() string {
	switch o {
	case OutcomePass:
		return "pass"
	case OutcomeFail:
		return "fail"
	case OutcomeRetry:
		return "retry"
	case OutcomeManual:
		return "manual"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// Reason is a stable machine-readable code attached to every verdict.
type Reason string

const (
	ReasonQualified         Reason = "qualified"
	ReasonManualReview      Reason = "manual_review_required"
	ReasonNoEntry           Reason = "no_qualifying_entry"
	ReasonTooShort          Reason = "entry_too_short"
	ReasonBeforeClaim       Reason = "created_before_claim"
	ReasonMissingKeyword    Reason = "missing_required_keyword"
	ReasonSpamScore         Reason = "spam_score_exceeded"
	ReasonDuplicateContent  Reason = "duplicate_content"
	ReasonInsufficientCount Reason = "insufficient_referrals"
	ReasonSybilCluster      Reason = "sybil_cluster_detected"
	ReasonAccountTooYoung   Reason = "account_too_young"
	ReasonWalletUnverified  Reason = "wallet_unverified"
	ReasonContentStale      Reason = "content_stale"
	ReasonWordCount         Reason = "word_count_below_minimum"
	ReasonKeywordStuffing   Reason = "keyword_density_exceeded"
	ReasonNoMessage         Reason = "no_matching_message"
	ReasonNotRingMember     Reason = "not_ring_member"
	ReasonRateLimited       Reason = "rate_limited"
	ReasonLookupFailed      Reason = "collaborator_lookup_failed"
)

// Result is the full verdict returned by the evaluator.
type Result struct {
	Outcome Outcome
	Reason  Reason
	Detail  string
}

func pass() Result {
	return Result{Outcome: OutcomePass, Reason: ReasonQualified}
}

func fail(reason Reason, detail string) Result {
	return Result{Outcome: OutcomeFail, Reason: reason, Detail: detail}
}

func retry(detail string) Result {
	return Result{Outcome: OutcomeRetry, Reason: ReasonLookupFailed, Detail: detail}
}
