package jobs

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"jobmesh/crypto"
	"jobmesh/escrow"
	"jobmesh/escrow/codec"
	"jobmesh/verify"
)

// memStore is an in-memory Store with the same versioning semantics as the
// sqlite implementation.
type memStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	claims map[string]map[string]*Claim
}

func newMemStore() *memStore {
	return &memStore{
		jobs:   make(map[string]*Job),
		claims: make(map[string]map[string]*Claim),
	}
}

func (m *memStore) PutJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return errors.New("duplicate job id")
	}
	stored := job.Clone()
	stored.Version = 1
	m.jobs[job.ID] = stored
	job.Version = 1
	return nil
}

func (m *memStore) UpdateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != job.Version {
		return ErrVersionConflict
	}
	stored := job.Clone()
	stored.Version = job.Version + 1
	m.jobs[job.ID] = stored
	job.Version = stored.Version
	return nil
}

func (m *memStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (m *memStore) ListJobsByStatus(_ context.Context, status JobStatus, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, job := range m.jobs {
		if job.Status == status {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (m *memStore) DueReviews(_ context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, job := range m.jobs {
		if job.Status == JobPendingVerification && job.ReviewDeadline != nil && !job.ReviewDeadline.After(cutoff) {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (m *memStore) DueExpiries(_ context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, job := range m.jobs {
		if (job.Status == JobOpen || job.Status == JobClaimed) && !job.ExpiresAt.After(cutoff) {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (m *memStore) DueDisputes(_ context.Context, disputedBefore time.Time, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, job := range m.jobs {
		if job.Status == JobDisputed && job.DisputedAt != nil && !job.DisputedAt.After(disputedBefore) {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (m *memStore) PutClaim(_ context.Context, claim *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byWorker, ok := m.claims[claim.JobID]
	if !ok {
		byWorker = make(map[string]*Claim)
		m.claims[claim.JobID] = byWorker
	}
	key := claim.Worker.String()
	if _, ok := byWorker[key]; ok {
		return errors.New("duplicate claim")
	}
	stored := claim.Clone()
	stored.Version = 1
	byWorker[key] = stored
	claim.Version = 1
	return nil
}

func (m *memStore) UpdateClaim(_ context.Context, claim *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byWorker := m.claims[claim.JobID]
	current, ok := byWorker[claim.Worker.String()]
	if !ok {
		return ErrNotFound
	}
	if current.Version != claim.Version {
		return ErrVersionConflict
	}
	stored := claim.Clone()
	stored.Version = claim.Version + 1
	byWorker[claim.Worker.String()] = stored
	claim.Version = stored.Version
	return nil
}

func (m *memStore) GetClaim(_ context.Context, jobID string, worker crypto.Address) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claim, ok := m.claims[jobID][worker.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return claim.Clone(), nil
}

func (m *memStore) ListClaims(_ context.Context, jobID string) ([]*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Claim
	for _, claim := range m.claims[jobID] {
		out = append(out, claim.Clone())
	}
	return out, nil
}

func (m *memStore) ListClaimsByStatus(_ context.Context, status ClaimStatus, limit int) ([]*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Claim
	for _, byWorker := range m.claims {
		for _, claim := range byWorker {
			if claim.Status == status {
				out = append(out, claim.Clone())
			}
		}
	}
	return out, nil
}

// fakeLedger mimics the escrow program's state machine in memory and counts
// mutating calls so tests can assert idempotence.
type fakeLedger struct {
	mu       sync.Mutex
	accounts map[codec.Address]*codec.EscrowAccount
	calls    map[string]int

	releaseErr   error
	timelock     time.Duration
	reviewWindow time.Duration
	nowFn        func() time.Time
}

func newFakeLedger(now func() time.Time) *fakeLedger {
	return &fakeLedger{
		accounts: make(map[codec.Address]*codec.EscrowAccount),
		calls:    make(map[string]int),
		timelock: 0,
		nowFn:    now,
	}
}

func (f *fakeLedger) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeLedger) account(addr codec.Address) *codec.EscrowAccount {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[addr].Clone()
}

func (f *fakeLedger) Create(_ context.Context, jobID string, poster crypto.Address, amount uint64, expiresAt int64, _ escrow.Signature) (codec.Address, error) {
	addr, err := codec.DeriveEscrowAddress(jobID, poster)
	if err != nil {
		return codec.Address{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create"]++
	if _, ok := f.accounts[addr]; !ok {
		f.accounts[addr] = &codec.EscrowAccount{
			Poster:    poster,
			Amount:    amount,
			FeeBps:    codec.PlatformFeeBps,
			Status:    codec.AccountActive,
			CreatedAt: f.nowFn().Unix(),
			ExpiresAt: expiresAt,
		}
	}
	return addr, nil
}

func (f *fakeLedger) AssignWorker(_ context.Context, addr codec.Address, worker crypto.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["assign"]++
	account, ok := f.accounts[addr]
	if !ok {
		return escrow.ErrNotFound
	}
	account.Worker = &worker
	return nil
}

func (f *fakeLedger) SubmitWork(_ context.Context, addr codec.Address, _ crypto.Address, _ [32]byte, _ escrow.Signature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["submit"]++
	account, ok := f.accounts[addr]
	if !ok {
		return escrow.ErrNotFound
	}
	now := f.nowFn().Unix()
	account.Status = codec.AccountPendingReview
	account.SubmittedAt = &now
	return nil
}

func (f *fakeLedger) ApproveWork(_ context.Context, addr codec.Address, sig escrow.Signature) error {
	f.mu.Lock()
	account, ok := f.accounts[addr]
	if ok && account.Poster != sig.Signer {
		f.calls["approve"]++
		f.mu.Unlock()
		return escrow.ErrConflict
	}
	f.mu.Unlock()
	return f.release(addr, "approve")
}

// AutoRelease is the permissionless crank: it refuses a pending-review
// escrow until the review window has elapsed, like the real program.
func (f *fakeLedger) AutoRelease(_ context.Context, addr codec.Address) error {
	f.mu.Lock()
	account, ok := f.accounts[addr]
	if ok && f.reviewWindow > 0 && account.Status == codec.AccountPendingReview && account.SubmittedAt != nil {
		if f.nowFn().Sub(time.Unix(*account.SubmittedAt, 0)) < f.reviewWindow {
			f.calls["release"]++
			f.mu.Unlock()
			return escrow.ErrTimelockActive
		}
	}
	f.mu.Unlock()
	return f.release(addr, "release")
}

func (f *fakeLedger) release(addr codec.Address, method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if f.releaseErr != nil {
		return f.releaseErr
	}
	account, ok := f.accounts[addr]
	if !ok {
		return escrow.ErrNotFound
	}
	switch account.Status {
	case codec.AccountActive, codec.AccountPendingReview:
		account.Status = codec.AccountReleased
		return nil
	default:
		return escrow.ErrConflict
	}
}

func (f *fakeLedger) RefundPoster(_ context.Context, addr codec.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["refund"]++
	account, ok := f.accounts[addr]
	if !ok {
		return escrow.ErrNotFound
	}
	if account.Status != codec.AccountDisputed {
		return escrow.ErrConflict
	}
	if account.DisputedAt != nil && f.timelock > 0 {
		elapsed := f.nowFn().Sub(time.Unix(*account.DisputedAt, 0))
		if elapsed < f.timelock {
			return escrow.ErrTimelockActive
		}
	}
	account.Status = codec.AccountRefunded
	return nil
}

func (f *fakeLedger) CancelEscrow(_ context.Context, addr codec.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["cancel"]++
	account, ok := f.accounts[addr]
	if !ok {
		return escrow.ErrNotFound
	}
	if account.Status != codec.AccountActive {
		return escrow.ErrConflict
	}
	account.Status = codec.AccountCancelled
	return nil
}

func (f *fakeLedger) RaiseDispute(_ context.Context, addr codec.Address, _ string, caseID [32]byte, _ escrow.Signature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["dispute"]++
	account, ok := f.accounts[addr]
	if !ok {
		return escrow.ErrNotFound
	}
	now := f.nowFn().Unix()
	account.Status = codec.AccountDisputed
	account.DisputedAt = &now
	account.DisputeCase = &caseID
	return nil
}

func (f *fakeLedger) ResolveDispute(_ context.Context, addr codec.Address, outcome codec.DisputeOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["resolve"]++
	account, ok := f.accounts[addr]
	if !ok {
		return escrow.ErrNotFound
	}
	if account.Status != codec.AccountDisputed {
		return escrow.ErrConflict
	}
	if outcome == codec.OutcomePosterWins {
		account.Status = codec.AccountRefunded
	} else {
		account.Status = codec.AccountReleased
	}
	return nil
}

func (f *fakeLedger) GetEscrow(_ context.Context, addr codec.Address) (*codec.EscrowAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[addr]
	if !ok {
		return nil, escrow.ErrNotFound
	}
	return account.Clone(), nil
}

// scriptedEvaluator returns canned verdicts keyed by worker, with a hook
// that lets the race test hold evaluations until all racers are in flight.
type scriptedEvaluator struct {
	mu       sync.Mutex
	verdicts map[string][]verify.Result
	gate     func()
}

func newScriptedEvaluator() *scriptedEvaluator {
	return &scriptedEvaluator{verdicts: make(map[string][]verify.Result)}
}

func (s *scriptedEvaluator) script(worker crypto.Address, results ...verify.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := worker.String()
	s.verdicts[key] = append(s.verdicts[key], results...)
}

func (s *scriptedEvaluator) Evaluate(_ context.Context, req verify.Request) (verify.Result, error) {
	if s.gate != nil {
		s.gate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := req.Worker.String()
	queue := s.verdicts[key]
	if len(queue) == 0 {
		return verify.Result{Outcome: verify.OutcomeFail, Reason: verify.ReasonNoEntry}, nil
	}
	next := queue[0]
	s.verdicts[key] = queue[1:]
	return next, nil
}

// clock is a movable test time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(start time.Time) *clock { return &clock{now: start} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine    *Engine
	store     *memStore
	ledger    *fakeLedger
	evaluator *scriptedEvaluator
	clock     *clock
}

func newHarness() *harness {
	clk := newClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	store := newMemStore()
	ledger := newFakeLedger(clk.Now)
	evaluator := newScriptedEvaluator()
	engine := NewEngine(store, ledger, evaluator)
	engine.SetNowFunc(clk.Now)
	return &harness{engine: engine, store: store, ledger: ledger, evaluator: evaluator, clock: clk}
}

func addr(fill byte) crypto.Address {
	return crypto.MustAddress(bytes.Repeat([]byte{fill}, crypto.AddressLength))
}

func (h *harness) fundedJob(ctx context.Context, id string, template verify.TemplateID, params verify.Params) *Job {
	job, err := h.engine.CreateJob(ctx, &Job{
		ID:       id,
		Poster:   addr(0x01),
		Title:    "test job",
		Reward:   10_000_000,
		Template: template,
		Params:   params,
	})
	if err != nil {
		panic(err)
	}
	job, err = h.engine.FundJob(ctx, id, escrow.Signature{Signer: job.Poster})
	if err != nil {
		panic(err)
	}
	return job
}

func passResult() verify.Result {
	return verify.Result{Outcome: verify.OutcomePass, Reason: verify.ReasonQualified}
}

func failResult(reason verify.Reason) verify.Result {
	return verify.Result{Outcome: verify.OutcomeFail, Reason: reason}
}
