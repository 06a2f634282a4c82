package verify

import (
	"context"
	"time"

	"jobmesh/crypto"
)

// The evaluator only reads collaborator state. Workers write to guestbooks,
// sites, messages and rings through their own channels, outside this engine.

// GuestbookEntry is one signed entry on a site's guestbook.
type GuestbookEntry struct {
	Site      string
	Author    crypto.Address
	Body      string
	CreatedAt time.Time
}

// GuestbookReader lists entries a given author left on a site.
type GuestbookReader interface {
	EntriesByAuthor(ctx context.Context, site string, author crypto.Address) ([]GuestbookEntry, error)
}

// Referral records one agent onboarding another.
type Referral struct {
	Referrer   crypto.Address
	Referred   crypto.Address
	ReferredAt time.Time
	// DeviceCluster groups accounts sharing device or network fingerprints.
	// Two referrals in the same non-empty cluster count once.
	DeviceCluster string
}

// ReferralReader lists referrals credited to a worker.
type ReferralReader interface {
	ReferralsBy(ctx context.Context, referrer crypto.Address, since time.Time) ([]Referral, error)
}

// SiteSnapshot is the crawled state of an agent's site.
type SiteSnapshot struct {
	Owner     crypto.Address
	Body      string
	FetchedAt time.Time
}

// SiteReader fetches the latest crawl of a worker's site.
type SiteReader interface {
	Snapshot(ctx context.Context, owner crypto.Address) (*SiteSnapshot, error)
}

// Message is one inbox message between agents.
type Message struct {
	From   crypto.Address
	To     crypto.Address
	Body   string
	SentAt time.Time
}

// MessageReader lists messages sent from one agent to another.
type MessageReader interface {
	MessagesBetween(ctx context.Context, from, to crypto.Address) ([]Message, error)
}

// RingReader answers discovery-ring membership queries.
type RingReader interface {
	IsActiveMember(ctx context.Context, ring string, site crypto.Address) (bool, error)
}

// IdentityRecord is the identity service's signed view of an agent.
type IdentityRecord struct {
	Agent          crypto.Address
	WalletVerified bool
	TrustTier      string
	CreatedAt      time.Time
}

// IdentityReader resolves identity assertions for anti-abuse checks.
type IdentityReader interface {
	Lookup(ctx context.Context, agent crypto.Address) (*IdentityRecord, error)
}

// Collaborators bundles every read-only dependency of the evaluator.
type Collaborators struct {
	Guestbooks GuestbookReader
	Referrals  ReferralReader
	Sites      SiteReader
	Messages   MessageReader
	Rings      RingReader
	Identity   IdentityReader
}
