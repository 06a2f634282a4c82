package identity

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"jobmesh/crypto"
)

func testAgent() crypto.Address {
	return crypto.MustAddress(bytes.Repeat([]byte{0x42}, crypto.AddressLength))
}

func signAssertion(t *testing.T, key *ecdsa.PrivateKey, claims AssertionClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}
	return token
}

func baseClaims(agent crypto.Address, now time.Time) AssertionClaims {
	return AssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    expectedIssuer,
			Subject:   agent.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		},
		WalletVerified:   true,
		TrustTier:        "trusted",
		AccountCreatedAt: now.Add(-90 * 24 * time.Hour).Unix(),
	}
}

func TestParseAssertionValid(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	agent := testAgent()
	now := time.Now()
	token := signAssertion(t, key, baseClaims(agent, now))

	record, err := ParseAssertion(token, &key.PublicKey, agent)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !record.Agent.Equal(agent) || !record.WalletVerified || record.TrustTier != "trusted" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestParseAssertionRejectsWrongKey(t *testing.T) {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	other, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	agent := testAgent()
	token := signAssertion(t, key, baseClaims(agent, time.Now()))

	if _, err := ParseAssertion(token, &other.PublicKey, agent); !errors.Is(err, ErrInvalidAssertion) {
		t.Fatalf("expected ErrInvalidAssertion, got %v", err)
	}
}

func TestParseAssertionRejectsExpired(t *testing.T) {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	agent := testAgent()
	claims := baseClaims(agent, time.Now().Add(-time.Hour))
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-30 * time.Minute))
	token := signAssertion(t, key, claims)

	if _, err := ParseAssertion(token, &key.PublicKey, agent); !errors.Is(err, ErrInvalidAssertion) {
		t.Fatalf("expected ErrInvalidAssertion for expired token, got %v", err)
	}
}

func TestParseAssertionRejectsSubjectMismatch(t *testing.T) {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	agent := testAgent()
	other := crypto.MustAddress(bytes.Repeat([]byte{0x43}, crypto.AddressLength))
	token := signAssertion(t, key, baseClaims(agent, time.Now()))

	if _, err := ParseAssertion(token, &key.PublicKey, other); !errors.Is(err, ErrSubjectMismatch) {
		t.Fatalf("expected ErrSubjectMismatch, got %v", err)
	}
}

func TestClientLookupCaches(t *testing.T) {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	agent := testAgent()
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !strings.Contains(r.URL.Path, agent.String()) {
			http.NotFound(w, r)
			return
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodES256, baseClaims(agent, time.Now())).SignedString(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(assertionResponse{Assertion: token})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, &key.PublicKey)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	for i := 0; i < 3; i++ {
		record, err := client.Lookup(context.Background(), agent)
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if record.TrustTier != "trusted" {
			t.Fatalf("unexpected tier %q", record.TrustTier)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", got)
	}
}

func TestClientLookupServiceError(t *testing.T) {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, &key.PublicKey)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Lookup(context.Background(), testAgent()); err == nil {
		t.Fatal("expected an error from a failing identity service")
	}
}
