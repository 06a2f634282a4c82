package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AgentPrefix is the human-readable part used for all agent addresses on the
// marketplace. Posters, workers and the platform operator share one address
// space.
const AgentPrefix = "agnt"

// AddressLength is the raw byte length of an agent address.
const AddressLength = 20

var (
	// ErrInvalidAddress marks malformed or foreign-prefix address strings.
	ErrInvalidAddress = errors.New("crypto: invalid agent address")
	// ErrNilKey is returned when a signing operation is attempted without a key.
	ErrNilKey = errors.New("crypto: nil key")
)

// Address represents a 20-byte agent identity rendered as bech32 with the
// agnt prefix.
type Address struct {
	bytes [AddressLength]byte
}

// NewAddress wraps raw address bytes. The input must be exactly 20 bytes.
func NewAddress(b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidAddress, AddressLength, len(b))
	}
	var addr Address
	copy(addr.bytes[:], b)
	return addr, nil
}

// MustAddress wraps raw address bytes and panics on length mismatch. Intended
// for tests and fixed wiring.
func MustAddress(b []byte) Address {
	addr, err := NewAddress(b)
	if err != nil {
		panic(err)
	}
	return addr
}

// DecodeAddress parses a bech32 agent address string.
func DecodeAddress(s string) (Address, error) {
	prefix, decoded, err := bech32.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if prefix != AgentPrefix {
		return Address{}, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidAddress, prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return NewAddress(conv)
}

// String renders the address in bech32 form.
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AgentPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a.bytes[:])
	return out
}

// Raw returns the fixed-width address array.
func (a Address) Raw() [AddressLength]byte { return a.bytes }

// IsZero reports whether the address is the all-zero placeholder.
func (a Address) IsZero() bool { return a.bytes == [AddressLength]byte{} }

// Equal reports byte equality of two addresses.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.bytes[:], other.bytes[:])
}

// PrivateKey wraps a secp256k1 private key used to sign ledger instructions.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// PublicKey wraps the corresponding public key.
type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey creates a fresh secp256k1 key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes rehydrates a key from its 32-byte scalar form.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte scalar form of the private key.
func (k *PrivateKey) Bytes() []byte {
	if k == nil || k.PrivateKey == nil {
		return nil
	}
	return ethcrypto.FromECDSA(k.PrivateKey)
}

// PubKey returns the public half of the key pair.
func (k *PrivateKey) PubKey() *PublicKey {
	if k == nil || k.PrivateKey == nil {
		return nil
	}
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a recoverable secp256k1 signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if k == nil || k.PrivateKey == nil {
		return nil, ErrNilKey
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("crypto: digest must be 32 bytes, got %d", len(digest))
	}
	return ethcrypto.Sign(digest, k.PrivateKey)
}

// Address derives the agent address from the public key.
func (k *PublicKey) Address() Address {
	if k == nil || k.PublicKey == nil {
		return Address{}
	}
	raw := ethcrypto.PubkeyToAddress(*k.PublicKey).Bytes()
	addr, _ := NewAddress(raw)
	return addr
}

// RecoverSigner returns the address that produced the signature over digest.
func RecoverSigner(digest, sig []byte) (Address, error) {
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return Address{}, err
	}
	raw := ethcrypto.PubkeyToAddress(*pub).Bytes()
	return NewAddress(raw)
}
