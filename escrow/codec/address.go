package codec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"lukechampine.com/blake3"

	"jobmesh/crypto"
)

// AddressLength is the raw byte length of a ledger account address.
const AddressLength = 32

// escrowSeedLabel is the fixed seed label for escrow account derivation.
const escrowSeedLabel = "escrow"

// ProgramID identifies the deployed escrow program whose accounts this codec
// targets. Derivations bind to the program so foreign programs cannot collide.
var ProgramID = func() Address {
	sum := blake3.Sum256([]byte("jobmesh/escrow-program/v1"))
	return Address(sum)
}()

// MaxJobIDSeedBytes is the ledger's seed length limit. Raw job identifiers may
// exceed it, which is why derivation hashes the identifier first.
const MaxJobIDSeedBytes = 32

// ErrEmptyJobID marks derivation attempts with a blank job identifier.
var ErrEmptyJobID = errors.New("codec: empty job id")

// Address is a 32-byte ledger account address.
type Address [AddressLength]byte

// String renders the address as lowercase hex.
func (a Address) String() string { return hex.EncodeToString(a[:]) }

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == Address{} }

// ParseAddress decodes a 64-character hex ledger address.
func ParseAddress(s string) (Address, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "0x")
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return Address{}, fmt.Errorf("codec: invalid ledger address: %w", err)
	}
	if len(raw) != AddressLength {
		return Address{}, fmt.Errorf("codec: ledger address must be %d bytes, got %d", AddressLength, len(raw))
	}
	var addr Address
	copy(addr[:], raw)
	return addr, nil
}

// JobIDDigest computes the fixed 32-byte digest of a job identifier used as a
// derivation seed. Both the client and any verifying party must hash with
// blake3-256 or they will derive mismatched addresses.
func JobIDDigest(jobID string) ([32]byte, error) {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return [32]byte{}, ErrEmptyJobID
	}
	return blake3.Sum256([]byte(trimmed)), nil
}

// DeriveEscrowAddress computes the deterministic escrow account address for a
// job posted by the given agent. The derivation is a pure function of
// (job identifier, poster identity): the same inputs always yield the same
// address and the address is never reassigned for the lifetime of the job.
//
// Layout of the preimage, scheme v1:
//
//	"escrow" || version byte || blake3(jobID) || poster[20] || program[32]
func DeriveEscrowAddress(jobID string, poster crypto.Address) (Address, error) {
	digest, err := JobIDDigest(jobID)
	if err != nil {
		return Address{}, err
	}
	if poster.IsZero() {
		return Address{}, errors.New("codec: zero poster address")
	}
	h := blake3.New(32, nil)
	h.Write([]byte(escrowSeedLabel))
	h.Write([]byte{SchemeVersion})
	h.Write(digest[:])
	h.Write(poster.Bytes())
	h.Write(ProgramID[:])
	var addr Address
	copy(addr[:], h.Sum(nil))
	return addr, nil
}
