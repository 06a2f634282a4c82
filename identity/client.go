package identity

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"jobmesh/crypto"
	"jobmesh/verify"
)

const defaultCacheTTL = 5 * time.Minute

// Client fetches signed identity assertions over HTTP and caches the
// verified records. It implements the evaluator's identity lookup.
type Client struct {
	baseURL string
	key     *ecdsa.PublicKey
	http    *http.Client
	nowFn   func() time.Time

	mu    sync.Mutex
	ttl   time.Duration
	cache map[crypto.Address]cachedRecord
}

type cachedRecord struct {
	record    *verify.IdentityRecord
	fetchedAt time.Time
}

func NewClient(baseURL string, key *ecdsa.PublicKey) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("identity: service URL required")
	}
	if key == nil {
		return nil, errors.New("identity: verification key required")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
		nowFn: time.Now,
		ttl:   defaultCacheTTL,
		cache: make(map[crypto.Address]cachedRecord),
	}, nil
}

// SetCacheTTL overrides how long verified records are reused.
func (c *Client) SetCacheTTL(ttl time.Duration) {
	if ttl > 0 {
		c.mu.Lock()
		c.ttl = ttl
		c.mu.Unlock()
	}
}

// SetNowFunc overrides the clock, for deterministic tests.
func (c *Client) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	c.nowFn = now
}

type assertionResponse struct {
	Assertion string `json:"assertion"`
}

// Lookup returns the verified identity record for an agent, fetching a
// fresh assertion when the cached one has aged out.
func (c *Client) Lookup(ctx context.Context, agent crypto.Address) (*verify.IdentityRecord, error) {
	now := c.nowFn()
	c.mu.Lock()
	if cached, ok := c.cache[agent]; ok && now.Sub(cached.fetchedAt) < c.ttl {
		record := cached.record
		c.mu.Unlock()
		return record, nil
	}
	c.mu.Unlock()

	endpoint := fmt.Sprintf("%s/v1/agents/%s/assertion", c.baseURL, url.PathEscape(agent.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: fetch assertion: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("identity: read assertion: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: service returned %d", resp.StatusCode)
	}
	var payload assertionResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("identity: decode response: %w", err)
	}
	record, err := ParseAssertion(payload.Assertion, c.key, agent)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[agent] = cachedRecord{record: record, fetchedAt: now}
	c.mu.Unlock()
	return record, nil
}
