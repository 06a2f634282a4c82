package codec

import (
	"bytes"
	"testing"

	"jobmesh/crypto"
)

func testAgent(fill byte) crypto.Address {
	return crypto.MustAddress(bytes.Repeat([]byte{fill}, crypto.AddressLength))
}

func TestDeriveEscrowAddressDeterministic(t *testing.T) {
	poster := testAgent(0x11)
	first, err := DeriveEscrowAddress("job-abc", poster)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	second, err := DeriveEscrowAddress("job-abc", poster)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if first != second {
		t.Fatalf("derivation not deterministic: %s != %s", first, second)
	}
}

func TestDeriveEscrowAddressDistinct(t *testing.T) {
	poster := testAgent(0x11)
	a, err := DeriveEscrowAddress("job-a", poster)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveEscrowAddress("job-b", poster)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a == b {
		t.Fatal("different job ids derived the same address")
	}
	c, err := DeriveEscrowAddress("job-a", testAgent(0x22))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a == c {
		t.Fatal("different posters derived the same address")
	}
}

func TestDeriveEscrowAddressLongJobID(t *testing.T) {
	// Raw identifiers longer than the ledger seed limit must still derive,
	// because derivation hashes the identifier first.
	long := string(bytes.Repeat([]byte{'x'}, 4*MaxJobIDSeedBytes))
	if _, err := DeriveEscrowAddress(long, testAgent(0x33)); err != nil {
		t.Fatalf("derive long id: %v", err)
	}
}

func TestDeriveEscrowAddressRejectsEmptyJobID(t *testing.T) {
	if _, err := DeriveEscrowAddress("   ", testAgent(0x11)); err == nil {
		t.Fatal("expected error for blank job id")
	}
}

func TestCreateInstructionRoundTrip(t *testing.T) {
	digest, err := JobIDDigest("job-roundtrip")
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	ix := CreateInstruction{
		JobID:       "job-roundtrip",
		JobIDDigest: digest,
		Amount:      10_000_000,
		FeeBps:      PlatformFeeBps,
		ExpiresAt:   1_900_000_000,
	}
	decoded, err := DecodeInstruction(ix.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(CreateInstruction)
	if !ok {
		t.Fatalf("decoded wrong type %T", decoded)
	}
	if got != ix {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, ix)
	}
}

func TestDisputeInstructionRoundTrip(t *testing.T) {
	var caseID [32]byte
	caseID[0] = 0xCA
	ix := RaiseDisputeInstruction{Reason: "poster contests guestbook entry", DisputeCase: caseID}
	decoded, err := DecodeInstruction(ix.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(RaiseDisputeInstruction)
	if !ok {
		t.Fatalf("decoded wrong type %T", decoded)
	}
	if got != ix {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, ix)
	}
}

func TestDecodeInstructionRejectsUnknownTag(t *testing.T) {
	if _, err := DecodeInstruction([]byte{0xFF}); err == nil {
		t.Fatal("expected unknown tag error")
	}
}

func TestDecodeInstructionRejectsBadOutcome(t *testing.T) {
	if _, err := DecodeInstruction([]byte{byte(TagResolveDispute), 0x09}); err == nil {
		t.Fatal("expected invalid outcome error")
	}
}

func TestAccountRoundTrip(t *testing.T) {
	worker := testAgent(0x22)
	submitted := int64(1_750_000_100)
	disputed := int64(1_750_010_000)
	var caseID [32]byte
	caseID[31] = 0x5D
	acct := &EscrowAccount{
		Poster:      testAgent(0x11),
		Worker:      &worker,
		Amount:      10_000_000,
		FeeBps:      PlatformFeeBps,
		Status:      AccountDisputed,
		CreatedAt:   1_750_000_000,
		ExpiresAt:   1_750_604_800,
		SubmittedAt: &submitted,
		DisputedAt:  &disputed,
		DisputeCase: &caseID,
	}
	raw, err := acct.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeAccount(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	reencoded, err := decoded.Encode()
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(raw, reencoded) {
		t.Fatal("account round trip is not byte-exact")
	}
	if decoded.Amount != acct.Amount || decoded.Status != acct.Status || decoded.CreatedAt != acct.CreatedAt {
		t.Fatalf("decoded fields diverge: %+v", decoded)
	}
	if decoded.Worker == nil || !decoded.Worker.Equal(worker) {
		t.Fatal("worker not preserved")
	}
	if decoded.SubmittedAt == nil || *decoded.SubmittedAt != submitted {
		t.Fatal("submittedAt not preserved")
	}
	if decoded.DisputeCase == nil || *decoded.DisputeCase != caseID {
		t.Fatal("dispute case not preserved")
	}
}

func TestAccountRoundTripWithoutOptionalFields(t *testing.T) {
	acct := &EscrowAccount{
		Poster:    testAgent(0x11),
		Amount:    500_000,
		FeeBps:    PlatformFeeBps,
		Status:    AccountActive,
		CreatedAt: 1_750_000_000,
		ExpiresAt: 1_750_604_800,
	}
	raw, err := acct.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeAccount(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Worker != nil || decoded.SubmittedAt != nil || decoded.DisputedAt != nil || decoded.DisputeCase != nil {
		t.Fatalf("optional fields should be absent: %+v", decoded)
	}
}

func TestDecodeAccountRejectsForeignDiscriminator(t *testing.T) {
	acct := &EscrowAccount{
		Poster:    testAgent(0x11),
		Amount:    1,
		Status:    AccountActive,
		CreatedAt: 1,
		ExpiresAt: 2,
	}
	raw, err := acct.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw[0] ^= 0xFF
	if _, err := DecodeAccount(raw); err == nil {
		t.Fatal("expected discriminator error")
	}
}

func TestDecodeAccountRejectsTruncation(t *testing.T) {
	acct := &EscrowAccount{
		Poster:    testAgent(0x11),
		Amount:    1,
		Status:    AccountActive,
		CreatedAt: 1,
		ExpiresAt: 2,
	}
	raw, err := acct.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeAccount(raw[:len(raw)-3]); err == nil {
		t.Fatal("expected short buffer error")
	}
}

func TestDecodeInstructionRejectsTruncatedProofHash(t *testing.T) {
	var hash [32]byte
	copy(hash[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	ix := SubmitWorkInstruction{Worker: testAgent(0x22), ProofHash: hash}
	raw := ix.Encode()
	// Cut into the trailing fixed-width field: a short read there must not
	// decode as a zero-padded hash.
	if _, err := DecodeInstruction(raw[:len(raw)-24]); err == nil {
		t.Fatal("expected short buffer error")
	}
}

func TestDecodeAccountRejectsTruncatedDisputeCase(t *testing.T) {
	disputed := int64(1_750_010_000)
	var caseID [32]byte
	copy(caseID[:], []byte{0xAA, 0xBB, 0xCC, 0xDD})
	acct := &EscrowAccount{
		Poster:      testAgent(0x11),
		Amount:      1,
		Status:      AccountDisputed,
		CreatedAt:   1,
		ExpiresAt:   2,
		DisputedAt:  &disputed,
		DisputeCase: &caseID,
	}
	raw, err := acct.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeAccount(raw[:len(raw)-16]); err == nil {
		t.Fatal("expected short buffer error")
	}
}

func TestSplitFeeConservation(t *testing.T) {
	cases := []uint64{0, 1, 99, 100, 10_000, 10_000_000, 123_456_789, 1<<63 + 12345}
	for _, amount := range cases {
		worker, fee, err := SplitFee(amount, PlatformFeeBps)
		if err != nil {
			t.Fatalf("split %d: %v", amount, err)
		}
		if worker+fee != amount {
			t.Fatalf("value not conserved for %d: worker=%d fee=%d", amount, worker, fee)
		}
	}
}

func TestSplitFeeRemainderGoesToWorker(t *testing.T) {
	// 1% of 199 is 1.99; the fee truncates to 1 and the worker keeps 198.
	worker, fee, err := SplitFee(199, PlatformFeeBps)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if fee != 1 || worker != 198 {
		t.Fatalf("rounding rule violated: worker=%d fee=%d", worker, fee)
	}
}

func TestSplitFeeRejectsExcessiveRate(t *testing.T) {
	if _, _, err := SplitFee(100, MaxFeeBps+1); err == nil {
		t.Fatal("expected fee bps range error")
	}
}
