// Package dispute manages contested escrows: each case gets a randomly
// selected arbitrator panel whose weighted votes produce the binding
// worker_wins / poster_wins / split outcome. That outcome is the only input
// the settlement engine accepts to finalize a disputed escrow.
package dispute

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"jobmesh/crypto"
	"jobmesh/escrow/codec"
)

const (
	// DefaultPanelSize is how many arbitrators are drawn per case.
	DefaultPanelSize = 5
	// DefaultVotingWindow bounds how long a panel may deliberate.
	DefaultVotingWindow = 48 * time.Hour
)

var (
	ErrCaseNotFound   = errors.New("dispute: case not found")
	ErrCaseClosed     = errors.New("dispute: case already resolved")
	ErrNotArbitrator  = errors.New("dispute: voter is not on the panel")
	ErrAlreadyVoted   = errors.New("dispute: arbitrator already voted")
	ErrVotingClosed   = errors.New("dispute: voting window has elapsed")
	ErrNoQuorum       = errors.New("dispute: no outcome has reached quorum")
	ErrPoolTooSmall   = errors.New("dispute: arbitrator pool smaller than panel")
	ErrInvalidOutcome = errors.New("dispute: invalid outcome")
)

// Arbitrator is a panel member with a voting weight derived from their
// standing in the marketplace.
type Arbitrator struct {
	Address crypto.Address
	Weight  uint64
}

// Vote is one arbitrator's weighted verdict.
type Vote struct {
	Arbitrator crypto.Address
	Outcome    codec.DisputeOutcome
	Weight     uint64
	CastAt     time.Time
}

// CaseStatus tracks a dispute case. Resolved is terminal.
type CaseStatus string

const (
	CaseOpen     CaseStatus = "open"
	CaseResolved CaseStatus = "resolved"
)

// Case is a dispute raised against a specific escrow.
type Case struct {
	ID             [32]byte
	JobID          string
	Escrow         codec.Address
	RaisedBy       crypto.Address
	Reason         string
	Panel          []Arbitrator
	Votes          []Vote
	Status         CaseStatus
	Outcome        *codec.DisputeOutcome
	OpenedAt       time.Time
	VotingDeadline time.Time
}

func (c *Case) clone() *Case {
	clone := *c
	clone.Panel = append([]Arbitrator(nil), c.Panel...)
	clone.Votes = append([]Vote(nil), c.Votes...)
	if c.Outcome != nil {
		outcome := *c.Outcome
		clone.Outcome = &outcome
	}
	return &clone
}

// Resolver applies a binding outcome to the disputed job. The settlement
// engine implements it.
type Resolver interface {
	Resolve(ctx context.Context, jobID string, outcome codec.DisputeOutcome) error
}

// ArbitratorPool supplies the eligible arbitrators to draw panels from.
type ArbitratorPool interface {
	Arbitrators(ctx context.Context) ([]Arbitrator, error)
}

// StaticPool is an ArbitratorPool over a fixed slice.
type StaticPool []Arbitrator

func (p StaticPool) Arbitrators(context.Context) ([]Arbitrator, error) {
	return append([]Arbitrator(nil), p...), nil
}

// Registry tracks open cases and tallies votes toward quorum.
type Registry struct {
	mu       sync.Mutex
	cases    map[[32]byte]*Case
	byJob    map[string][32]byte
	pool     ArbitratorPool
	resolver Resolver
	logger   *slog.Logger
	nowFn    func() time.Time

	panelSize    int
	votingWindow time.Duration
}

func NewRegistry(pool ArbitratorPool, resolver Resolver) *Registry {
	return &Registry{
		cases:        make(map[[32]byte]*Case),
		byJob:        make(map[string][32]byte),
		pool:         pool,
		resolver:     resolver,
		logger:       slog.Default(),
		nowFn:        time.Now,
		panelSize:    DefaultPanelSize,
		votingWindow: DefaultVotingWindow,
	}
}

// SetNowFunc overrides the clock, for deterministic tests.
func (r *Registry) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.nowFn = now
}

// SetLogger configures structured logging for case activity.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.logger = logger
}

// SetPanelSize overrides how many arbitrators each case draws.
func (r *Registry) SetPanelSize(n int) {
	if n > 0 {
		r.panelSize = n
	}
}

// SetVotingWindow overrides the deliberation deadline.
func (r *Registry) SetVotingWindow(d time.Duration) {
	if d > 0 {
		r.votingWindow = d
	}
}

// Open creates a case for the job with a freshly drawn panel. Opening a
// second case for the same job returns the existing one.
func (r *Registry) Open(ctx context.Context, jobID string, escrowAddr codec.Address, raisedBy crypto.Address, reason string) (*Case, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("dispute: reason must not be empty")
	}

	r.mu.Lock()
	if id, ok := r.byJob[jobID]; ok {
		existing := r.cases[id].clone()
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	pool, err := r.pool.Arbitrators(ctx)
	if err != nil {
		return nil, fmt.Errorf("load arbitrator pool: %w", err)
	}
	panel, err := drawPanel(pool, r.panelSize)
	if err != nil {
		return nil, err
	}

	now := r.nowFn().UTC()
	c := &Case{
		ID:             NewCaseID(),
		JobID:          jobID,
		Escrow:         escrowAddr,
		RaisedBy:       raisedBy,
		Reason:         reason,
		Panel:          panel,
		Status:         CaseOpen,
		OpenedAt:       now,
		VotingDeadline: now.Add(r.votingWindow),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byJob[jobID]; ok {
		return r.cases[id].clone(), nil
	}
	r.cases[c.ID] = c
	r.byJob[jobID] = c.ID
	r.logger.Info("dispute case opened", "job", jobID, "case", fmt.Sprintf("%x", c.ID[:8]), "panel", len(panel))
	return c.clone(), nil
}

// Get returns a snapshot of a case.
func (r *Registry) Get(id [32]byte) (*Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return c.clone(), nil
}

// CaseForJob returns the case raised against a job, if any.
func (r *Registry) CaseForJob(jobID string) (*Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byJob[jobID]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return r.cases[id].clone(), nil
}

// CastVote records an arbitrator's verdict. When the vote pushes an outcome
// past quorum (strictly more than half the panel's total weight) the case
// resolves immediately and the outcome is applied through the resolver.
func (r *Registry) CastVote(ctx context.Context, caseID [32]byte, voter crypto.Address, outcome codec.DisputeOutcome) (*Case, error) {
	if !outcome.Valid() {
		return nil, ErrInvalidOutcome
	}

	r.mu.Lock()
	c, ok := r.cases[caseID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrCaseNotFound
	}
	if c.Status != CaseOpen {
		r.mu.Unlock()
		return nil, ErrCaseClosed
	}
	now := r.nowFn().UTC()
	if now.After(c.VotingDeadline) {
		r.mu.Unlock()
		return nil, ErrVotingClosed
	}
	var weight uint64
	found := false
	for _, member := range c.Panel {
		if member.Address.Equal(voter) {
			weight = member.Weight
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return nil, ErrNotArbitrator
	}
	for _, vote := range c.Votes {
		if vote.Arbitrator.Equal(voter) {
			r.mu.Unlock()
			return nil, ErrAlreadyVoted
		}
	}
	c.Votes = append(c.Votes, Vote{Arbitrator: voter, Outcome: outcome, Weight: weight, CastAt: now})

	decided, quorumOutcome := tally(c)
	if decided {
		c.Status = CaseResolved
		c.Outcome = &quorumOutcome
	}
	snapshot := c.clone()
	r.mu.Unlock()

	if decided {
		if err := r.resolver.Resolve(ctx, c.JobID, quorumOutcome); err != nil {
			return snapshot, fmt.Errorf("apply resolution for job %s: %w", c.JobID, err)
		}
		r.logger.Info("dispute resolved", "job", c.JobID, "outcome", quorumOutcome.String())
	}
	return snapshot, nil
}

// CloseExpired resolves cases whose voting window lapsed without quorum.
// The leading outcome wins; a dead heat falls back to split so neither side
// walks away with everything on a coin flip.
func (r *Registry) CloseExpired(ctx context.Context) error {
	now := r.nowFn().UTC()

	r.mu.Lock()
	var due []*Case
	for _, c := range r.cases {
		if c.Status == CaseOpen && now.After(c.VotingDeadline) {
			due = append(due, c)
		}
	}
	for _, c := range due {
		outcome := leadingOutcome(c)
		c.Status = CaseResolved
		c.Outcome = &outcome
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range due {
		if err := r.resolver.Resolve(ctx, c.JobID, *c.Outcome); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", c.JobID, err))
			continue
		}
		r.logger.Info("dispute closed at deadline", "job", c.JobID, "outcome", c.Outcome.String())
	}
	return errors.Join(errs...)
}

// tally reports whether any outcome holds strictly more than half the
// panel's total weight.
func tally(c *Case) (bool, codec.DisputeOutcome) {
	var total uint64
	for _, member := range c.Panel {
		total += member.Weight
	}
	byOutcome := make(map[codec.DisputeOutcome]uint64)
	for _, vote := range c.Votes {
		byOutcome[vote.Outcome] += vote.Weight
	}
	for outcome, weight := range byOutcome {
		if weight*2 > total {
			return true, outcome
		}
	}
	return false, 0
}

// leadingOutcome picks the heaviest outcome among cast votes, split on ties
// or when nobody voted.
func leadingOutcome(c *Case) codec.DisputeOutcome {
	byOutcome := make(map[codec.DisputeOutcome]uint64)
	for _, vote := range c.Votes {
		byOutcome[vote.Outcome] += vote.Weight
	}
	best := codec.OutcomeSplit
	var bestWeight uint64
	tied := false
	for _, outcome := range []codec.DisputeOutcome{codec.OutcomeWorkerWins, codec.OutcomePosterWins, codec.OutcomeSplit} {
		weight := byOutcome[outcome]
		if weight > bestWeight {
			best, bestWeight, tied = outcome, weight, false
		} else if weight == bestWeight && weight > 0 {
			tied = true
		}
	}
	if bestWeight == 0 || tied {
		return codec.OutcomeSplit
	}
	return best
}

// drawPanel selects n distinct arbitrators uniformly at random.
func drawPanel(pool []Arbitrator, n int) ([]Arbitrator, error) {
	if len(pool) < n {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrPoolTooSmall, len(pool), n)
	}
	remaining := append([]Arbitrator(nil), pool...)
	panel := make([]Arbitrator, 0, n)
	for len(panel) < n {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(remaining))))
		if err != nil {
			return nil, fmt.Errorf("draw arbitrator: %w", err)
		}
		i := int(idx.Int64())
		panel = append(panel, remaining[i])
		remaining = append(remaining[:i], remaining[i+1:]...)
	}
	return panel, nil
}

// NewCaseID derives a 32-byte case reference from a fresh UUID. The digest
// form matches the dispute-case field in the escrow account layout.
func NewCaseID() [32]byte {
	return blake3.Sum256([]byte(uuid.NewString()))
}
