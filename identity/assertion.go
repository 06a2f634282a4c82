// Package identity consumes the identity service's signed assertions:
// short-lived JWTs binding an agent address to its wallet status, trust tier
// and account age. Quota checks and sybil predicates rely on these fields.
package identity

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"jobmesh/crypto"
	"jobmesh/verify"
)

const expectedIssuer = "jobmesh-identity"

var (
	ErrInvalidAssertion = errors.New("identity: invalid assertion")
	ErrSubjectMismatch  = errors.New("identity: assertion subject mismatch")
)

// AssertionClaims is the payload the identity service signs. Subject carries
// the agent's bech32 address.
type AssertionClaims struct {
	jwt.RegisteredClaims
	Wallet           string `json:"wallet,omitempty"`
	WalletVerified   bool   `json:"walletVerified"`
	TrustTier        string `json:"trustTier"`
	AccountCreatedAt int64  `json:"accountCreatedAt"`
}

// ParseAssertion verifies a signed assertion and converts it into an
// identity record. The token must be ES256-signed by the identity service,
// unexpired, and issued for the expected agent.
func ParseAssertion(token string, key *ecdsa.PublicKey, agent crypto.Address) (*verify.IdentityRecord, error) {
	claims := &AssertionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return key, nil
	}, jwt.WithIssuer(expectedIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidAssertion
	}
	subject, err := crypto.DecodeAddress(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject: %v", ErrInvalidAssertion, err)
	}
	if !subject.Equal(agent) {
		return nil, ErrSubjectMismatch
	}
	return &verify.IdentityRecord{
		Agent:          subject,
		WalletVerified: claims.WalletVerified,
		TrustTier:      claims.TrustTier,
		CreatedAt:      time.Unix(claims.AccountCreatedAt, 0).UTC(),
	}, nil
}

// ParsePublicKey decodes a PEM-encoded ECDSA public key, the format the
// identity service publishes its signing key in.
func ParsePublicKey(pemBytes []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("identity: no PEM block in key material")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse public key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("identity: key is %T, want *ecdsa.PublicKey", parsed)
	}
	return key, nil
}
