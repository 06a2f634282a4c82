package verify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"jobmesh/crypto"
)

var errLookupDown = errors.New("collaborator unavailable")

type mockCollab struct {
	entries   []GuestbookEntry
	referrals []Referral
	snapshot  *SiteSnapshot
	messages  []Message
	ringIn    bool
	identity  map[crypto.Address]*IdentityRecord

	guestbookErr error
	referralErr  error
	siteErr      error
	messageErr   error
	ringErr      error
	identityErr  error
}

func (m *mockCollab) EntriesByAuthor(_ context.Context, site string, author crypto.Address) ([]GuestbookEntry, error) {
	if m.guestbookErr != nil {
		return nil, m.guestbookErr
	}
	var out []GuestbookEntry
	for _, entry := range m.entries {
		if entry.Site == site && entry.Author.Equal(author) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *mockCollab) ReferralsBy(_ context.Context, referrer crypto.Address, since time.Time) ([]Referral, error) {
	if m.referralErr != nil {
		return nil, m.referralErr
	}
	var out []Referral
	for _, ref := range m.referrals {
		if ref.Referrer.Equal(referrer) && ref.ReferredAt.After(since) {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (m *mockCollab) Snapshot(_ context.Context, _ crypto.Address) (*SiteSnapshot, error) {
	if m.siteErr != nil {
		return nil, m.siteErr
	}
	return m.snapshot, nil
}

func (m *mockCollab) MessagesBetween(_ context.Context, from, to crypto.Address) ([]Message, error) {
	if m.messageErr != nil {
		return nil, m.messageErr
	}
	var out []Message
	for _, msg := range m.messages {
		if msg.From.Equal(from) && msg.To.Equal(to) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *mockCollab) IsActiveMember(_ context.Context, _ string, _ crypto.Address) (bool, error) {
	if m.ringErr != nil {
		return false, m.ringErr
	}
	return m.ringIn, nil
}

func (m *mockCollab) Lookup(_ context.Context, agent crypto.Address) (*IdentityRecord, error) {
	if m.identityErr != nil {
		return nil, m.identityErr
	}
	if record, ok := m.identity[agent]; ok {
		return record, nil
	}
	return &IdentityRecord{Agent: agent, WalletVerified: true, TrustTier: "standard", CreatedAt: time.Unix(0, 0)}, nil
}

func testAgent(fill byte) crypto.Address {
	return crypto.MustAddress(bytes.Repeat([]byte{fill}, crypto.AddressLength))
}

func newTestEvaluator(m *mockCollab) *Evaluator {
	return NewEvaluator(Collaborators{
		Guestbooks: m,
		Referrals:  m,
		Sites:      m,
		Messages:   m,
		Rings:      m,
		Identity:   m,
	})
}

func guestbookRequest(params Params) Request {
	return Request{
		JobID:     "job-gb-1",
		Template:  TemplateGuestbookEntry,
		Params:    params,
		Poster:    testAgent(0x11),
		Worker:    testAgent(0x22),
		ClaimedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestGuestbookEntryTooShortThenQualifies(t *testing.T) {
	worker := testAgent(0x22)
	claimed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	collab := &mockCollab{
		entries: []GuestbookEntry{{
			Site:      "poster.site",
			Author:    worker,
			Body:      strings.Repeat("ab cd ", 6) + "tail",
			CreatedAt: claimed.Add(time.Minute),
		}},
	}
	eval := newTestEvaluator(collab)
	req := guestbookRequest(Params{"site": "poster.site", "min_length": 50})

	result, err := eval.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Outcome != OutcomeFail || result.Reason != ReasonTooShort {
		t.Fatalf("expected too-short fail, got %+v", result)
	}

	// The worker tries again with a qualifying 60+ character entry.
	collab.entries = append(collab.entries, GuestbookEntry{
		Site:      "poster.site",
		Author:    worker,
		Body:      "really enjoyed exploring this site, the archive pages are a great read",
		CreatedAt: claimed.Add(2 * time.Minute),
	})
	result, err = eval.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Outcome != OutcomePass {
		t.Fatalf("expected pass, got %+v", result)
	}
}

func TestGuestbookEntryBeforeClaimRejected(t *testing.T) {
	worker := testAgent(0x22)
	claimed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	collab := &mockCollab{
		entries: []GuestbookEntry{{
			Site:      "poster.site",
			Author:    worker,
			Body:      "a perfectly fine entry that was unfortunately written too early",
			CreatedAt: claimed.Add(-time.Hour),
		}},
	}
	eval := newTestEvaluator(collab)
	result, err := eval.Evaluate(context.Background(), guestbookRequest(Params{"site": "poster.site"}))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Outcome != OutcomeFail || result.Reason != ReasonBeforeClaim {
		t.Fatalf("expected before-claim fail, got %+v", result)
	}
}

func TestGuestbookLookupFailureReturnsRetry(t *testing.T) {
	collab := &mockCollab{guestbookErr: errLookupDown}
	eval := newTestEvaluator(collab)
	result, err := eval.Evaluate(context.Background(), guestbookRequest(Params{"site": "poster.site"}))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Outcome != OutcomeRetry {
		t.Fatalf("collaborator failure must be retry, got %+v", result)
	}
}

func TestGuestbookRejectsYoungAccount(t *testing.T) {
	worker := testAgent(0x22)
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	collab := &mockCollab{
		identity: map[crypto.Address]*IdentityRecord{
			worker: {Agent: worker, WalletVerified: true, CreatedAt: now.Add(-time.Hour)},
		},
	}
	eval := newTestEvaluator(collab)
	eval.SetNowFunc(func() time.Time { return now })
	result, err := eval.Evaluate(context.Background(), guestbookRequest(Params{"site": "poster.site"}))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Outcome != OutcomeFail || result.Reason != ReasonAccountTooYoung {
		t.Fatalf("expected account-too-young fail, got %+v", result)
	}
}

func TestManualTemplateRequiresReview(t *testing.T) {
	eval := newTestEvaluator(&mockCollab{})
	result, err := eval.Evaluate(context.Background(), Request{
		Template: TemplateManualApproval,
		Worker:   testAgent(0x22),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Outcome != OutcomeManual {
		t.Fatalf("expected manual outcome, got %+v", result)
	}
}

func TestUnknownTemplateRejected(t *testing.T) {
	eval := newTestEvaluator(&mockCollab{})
	if _, err := eval.Evaluate(context.Background(), Request{Template: "fizzbuzz"}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}

func TestUnknownParameterRejected(t *testing.T) {
	err := ValidateJobParams(TemplateGuestbookEntry, Params{"site": "x.site", "min_lenght": 50})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for typoed key, got %v", err)
	}
}

func TestParamRangeEnforced(t *testing.T) {
	err := ValidateJobParams(TemplateGuestbookEntry, Params{"site": "x.site", "min_length": 1_000_000})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected range rejection, got %v", err)
	}
}

func TestReferralCountSybilDeduplication(t *testing.T) {
	worker := testAgent(0x22)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	claimed := now.Add(-48 * time.Hour)
	collab := &mockCollab{
		referrals: []Referral{
			{Referrer: worker, Referred: testAgent(0x31), ReferredAt: now.Add(-time.Hour), DeviceCluster: "cluster-a"},
			{Referrer: worker, Referred: testAgent(0x32), ReferredAt: now.Add(-time.Hour), DeviceCluster: "cluster-a"},
			{Referrer: worker, Referred: testAgent(0x33), ReferredAt: now.Add(-time.Hour)},
		},
	}
	eval := newTestEvaluator(collab)
	eval.SetNowFunc(func() time.Time { return now })
	req := Request{
		JobID:     "job-ref-1",
		Template:  TemplateReferralCount,
		Params:    Params{"count": 3},
		Worker:    worker,
		ClaimedAt: claimed,
	}
	result, err := eval.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// The two cluster-a referrals collapse to one, so only 2 of 3 qualify.
	if result.Outcome != OutcomeFail || result.Reason != ReasonInsufficientCount {
		t.Fatalf("expected insufficient referrals, got %+v", result)
	}

	req.Params = Params{"count": 2}
	result, err = eval.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Outcome != OutcomePass {
		t.Fatalf("expected pass with 2 qualifying referrals, got %+v", result)
	}
}

func TestSiteContentFreshnessAndStuffing(t *testing.T) {
	worker := testAgent(0x22)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	collab := &mockCollab{
		snapshot: &SiteSnapshot{
			Owner:     worker,
			Body:      "jobmesh " + strings.Repeat("jobmesh ", 20),
			FetchedAt: now.Add(-time.Minute),
		},
	}
	eval := newTestEvaluator(collab)
	eval.SetNowFunc(func() time.Time { return now })
	req := Request{
		JobID:    "job-site-1",
		Template: TemplateSiteContent,
		Params:   Params{"required_text": "jobmesh", "min_word_count": 5},
		Worker:   worker,
	}
	result, err := eval.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Outcome != OutcomeFail || result.Reason != ReasonKeywordStuffing {
		t.Fatalf("expected stuffing fail, got %+v", result)
	}

	collab.snapshot = &SiteSnapshot{
		Owner:     worker,
		Body:      "welcome to my corner of the agent web, now featuring jobmesh integration notes and a long changelog",
		FetchedAt: now.Add(-48 * time.Hour),
	}
	result, err = eval.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Outcome != OutcomeFail || result.Reason != ReasonContentStale {
		t.Fatalf("expected stale fail, got %+v", result)
	}

	collab.snapshot.FetchedAt = now.Add(-time.Hour)
	result, err = eval.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Outcome != OutcomePass {
		t.Fatalf("expected pass, got %+v", result)
	}
}

func TestMessageSentMustReferenceJob(t *testing.T) {
	worker := testAgent(0x22)
	target := testAgent(0x44)
	claimed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	collab := &mockCollab{
		messages: []Message{
			{From: worker, To: target, Body: "hello there", SentAt: claimed.Add(time.Minute)},
			{From: worker, To: target, Body: "finished job-msg-7, please take a look", SentAt: claimed.Add(2 * time.Minute)},
		},
	}
	eval := newTestEvaluator(collab)
	result, err := eval.Evaluate(context.Background(), Request{
		JobID:     "job-msg-7",
		Template:  TemplateMessageSent,
		Params:    Params{"recipient": target.String()},
		Worker:    worker,
		ClaimedAt: claimed,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Outcome != OutcomePass {
		t.Fatalf("expected pass, got %+v", result)
	}
}

func TestRingJoinedRequiresMembership(t *testing.T) {
	eval := newTestEvaluator(&mockCollab{ringIn: false})
	result, err := eval.Evaluate(context.Background(), Request{
		JobID:    "job-ring-1",
		Template: TemplateRingJoined,
		Params:   Params{"ring": "retro-web"},
		Worker:   testAgent(0x22),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Outcome != OutcomeFail || result.Reason != ReasonNotRingMember {
		t.Fatalf("expected membership fail, got %+v", result)
	}
}

func TestWalletVerifiedTemplate(t *testing.T) {
	worker := testAgent(0x22)
	collab := &mockCollab{
		identity: map[crypto.Address]*IdentityRecord{
			worker: {Agent: worker, WalletVerified: false, CreatedAt: time.Unix(0, 0)},
		},
	}
	eval := newTestEvaluator(collab)
	result, err := eval.Evaluate(context.Background(), Request{
		Template: TemplateWalletVerified,
		Worker:   worker,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Outcome != OutcomeFail || result.Reason != ReasonWalletUnverified {
		t.Fatalf("expected wallet fail, got %+v", result)
	}
}

func TestSubmissionRateLimit(t *testing.T) {
	eval := newTestEvaluator(&mockCollab{ringIn: true})
	req := Request{
		JobID:    "job-ring-1",
		Template: TemplateRingJoined,
		Params:   Params{"ring": "retro-web"},
		Worker:   testAgent(0x22),
	}
	var limited bool
	for i := 0; i < submissionBurst+2; i++ {
		result, err := eval.Evaluate(context.Background(), req)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if result.Reason == ReasonRateLimited {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected the submission budget to run out")
	}
}
