package jobs

import (
	"errors"
	"math"
	"sync"
	"time"

	"jobmesh/crypto"
)

var (
	ErrQuotaAttemptsExceeded = errors.New("quota attempts exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// AttemptQuota limits how many claims a worker may open per epoch.
type AttemptQuota struct {
	MaxAttemptsPerEpoch uint32
	EpochSeconds        uint32
}

// quotaNow captures a worker's usage inside the current epoch.
type quotaNow struct {
	Attempts uint32
	EpochID  uint64
}

// checkQuota verifies the additional attempts fit within the quota. The
// returned counters reflect the updated usage when the quota holds.
func checkQuota(q AttemptQuota, nowEpoch uint64, prev quotaNow, add uint32) (quotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = quotaNow{EpochID: nowEpoch}
	}
	if add > 0 {
		if next.Attempts > math.MaxUint32-add {
			return prev, ErrQuotaCounterOverflow
		}
		next.Attempts += add
	}
	if q.MaxAttemptsPerEpoch > 0 && next.Attempts > q.MaxAttemptsPerEpoch {
		return prev, ErrQuotaAttemptsExceeded
	}
	return next, nil
}

// TierQuotas maps a trust tier to its attempt quota. Unknown tiers fall back
// to the "standard" entry.
type TierQuotas map[string]AttemptQuota

// DefaultTierQuotas mirrors the marketplace policy: new accounts get a short
// leash, verified ones considerably more.
func DefaultTierQuotas() TierQuotas {
	day := uint32((24 * time.Hour).Seconds())
	return TierQuotas{
		"new":      {MaxAttemptsPerEpoch: 5, EpochSeconds: day},
		"standard": {MaxAttemptsPerEpoch: 25, EpochSeconds: day},
		"trusted":  {MaxAttemptsPerEpoch: 100, EpochSeconds: day},
	}
}

func (t TierQuotas) forTier(tier string) AttemptQuota {
	if q, ok := t[tier]; ok {
		return q
	}
	return t["standard"]
}

// QuotaLedger tracks per-worker attempt counters in memory. Counters reset
// at epoch boundaries; a restart resets them early, which only errs in the
// worker's favour.
type QuotaLedger struct {
	mu     sync.Mutex
	quotas TierQuotas
	usage  map[crypto.Address]quotaNow
	nowFn  func() time.Time
}

func NewQuotaLedger(quotas TierQuotas) *QuotaLedger {
	if len(quotas) == 0 {
		quotas = DefaultTierQuotas()
	}
	return &QuotaLedger{
		quotas: quotas,
		usage:  make(map[crypto.Address]quotaNow),
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the clock, for deterministic tests.
func (l *QuotaLedger) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.nowFn = now
}

// Consume records one attempt for the worker, or reports that the tier's
// quota is exhausted for the current epoch.
func (l *QuotaLedger) Consume(worker crypto.Address, tier string) error {
	quota := l.quotas.forTier(tier)
	epochSeconds := int64(quota.EpochSeconds)
	if epochSeconds <= 0 {
		epochSeconds = int64((24 * time.Hour).Seconds())
	}
	epoch := uint64(l.nowFn().Unix() / epochSeconds)

	l.mu.Lock()
	defer l.mu.Unlock()
	next, err := checkQuota(quota, epoch, l.usage[worker], 1)
	if err != nil {
		return err
	}
	l.usage[worker] = next
	return nil
}
