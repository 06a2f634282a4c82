package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"jobmesh/crypto"
)

// RemoteCollaborators reads guestbooks, referrals, sites, messages and rings
// from the content services over HTTP. Every call is a read; failures surface
// as errors so the evaluator can park the submission for retry.
type RemoteCollaborators struct {
	baseURL string
	http    *http.Client
}

// NewRemoteCollaborators builds a client against the content services base URL.
func NewRemoteCollaborators(baseURL string) (*RemoteCollaborators, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("verify: content services URL required")
	}
	return &RemoteCollaborators{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// Collaborators bundles the remote client behind each reader interface.
func (r *RemoteCollaborators) Collaborators(identity IdentityReader) Collaborators {
	return Collaborators{
		Guestbooks: r,
		Referrals:  r,
		Sites:      r,
		Messages:   r,
		Rings:      r,
		Identity:   identity,
	}
}

type wireGuestbookEntry struct {
	Site      string    `json:"site"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

func (r *RemoteCollaborators) EntriesByAuthor(ctx context.Context, site string, author crypto.Address) ([]GuestbookEntry, error) {
	var payload struct {
		Entries []wireGuestbookEntry `json:"entries"`
	}
	path := fmt.Sprintf("/v1/guestbooks/%s/entries?author=%s", url.PathEscape(site), url.QueryEscape(author.String()))
	if err := r.getJSON(ctx, path, &payload); err != nil {
		return nil, err
	}
	entries := make([]GuestbookEntry, 0, len(payload.Entries))
	for _, e := range payload.Entries {
		addr, err := crypto.DecodeAddress(e.Author)
		if err != nil {
			return nil, fmt.Errorf("verify: malformed author in guestbook response: %w", err)
		}
		entries = append(entries, GuestbookEntry{Site: e.Site, Author: addr, Body: e.Body, CreatedAt: e.CreatedAt})
	}
	return entries, nil
}

type wireReferral struct {
	Referrer      string    `json:"referrer"`
	Referred      string    `json:"referred"`
	ReferredAt    time.Time `json:"referredAt"`
	DeviceCluster string    `json:"deviceCluster,omitempty"`
}

func (r *RemoteCollaborators) ReferralsBy(ctx context.Context, referrer crypto.Address, since time.Time) ([]Referral, error) {
	var payload struct {
		Referrals []wireReferral `json:"referrals"`
	}
	path := fmt.Sprintf("/v1/referrals/%s?since=%s", url.PathEscape(referrer.String()), url.QueryEscape(since.UTC().Format(time.RFC3339)))
	if err := r.getJSON(ctx, path, &payload); err != nil {
		return nil, err
	}
	referrals := make([]Referral, 0, len(payload.Referrals))
	for _, ref := range payload.Referrals {
		referred, err := crypto.DecodeAddress(ref.Referred)
		if err != nil {
			return nil, fmt.Errorf("verify: malformed referred address: %w", err)
		}
		referrals = append(referrals, Referral{
			Referrer:      referrer,
			Referred:      referred,
			ReferredAt:    ref.ReferredAt,
			DeviceCluster: ref.DeviceCluster,
		})
	}
	return referrals, nil
}

func (r *RemoteCollaborators) Snapshot(ctx context.Context, owner crypto.Address) (*SiteSnapshot, error) {
	var payload struct {
		Body      string    `json:"body"`
		FetchedAt time.Time `json:"fetchedAt"`
	}
	path := fmt.Sprintf("/v1/sites/%s", url.PathEscape(owner.String()))
	err := r.getJSON(ctx, path, &payload)
	if errors.Is(err, errRemoteNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &SiteSnapshot{Owner: owner, Body: payload.Body, FetchedAt: payload.FetchedAt}, nil
}

type wireMessage struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sentAt"`
}

func (r *RemoteCollaborators) MessagesBetween(ctx context.Context, from, to crypto.Address) ([]Message, error) {
	var payload struct {
		Messages []wireMessage `json:"messages"`
	}
	path := fmt.Sprintf("/v1/messages?from=%s&to=%s", url.QueryEscape(from.String()), url.QueryEscape(to.String()))
	if err := r.getJSON(ctx, path, &payload); err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		messages = append(messages, Message{From: from, To: to, Body: m.Body, SentAt: m.SentAt})
	}
	return messages, nil
}

func (r *RemoteCollaborators) IsActiveMember(ctx context.Context, ring string, site crypto.Address) (bool, error) {
	var payload struct {
		Active bool `json:"active"`
	}
	path := fmt.Sprintf("/v1/rings/%s/members/%s", url.PathEscape(ring), url.PathEscape(site.String()))
	err := r.getJSON(ctx, path, &payload)
	if errors.Is(err, errRemoteNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return payload.Active, nil
}

var errRemoteNotFound = errors.New("verify: remote resource not found")

func (r *RemoteCollaborators) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("verify: content service request: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errRemoteNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("verify: content service returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("verify: decode content service response: %w", err)
	}
	return nil
}

var (
	_ GuestbookReader = (*RemoteCollaborators)(nil)
	_ ReferralReader  = (*RemoteCollaborators)(nil)
	_ SiteReader      = (*RemoteCollaborators)(nil)
	_ MessageReader   = (*RemoteCollaborators)(nil)
	_ RingReader      = (*RemoteCollaborators)(nil)
)
