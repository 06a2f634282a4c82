package codec

import (
	"bytes"
	"fmt"
	"strings"

	"jobmesh/crypto"
)

// AccountStatus mirrors the lifecycle status stored on the escrow account.
// The ledger program owns these values; this service only reads them.
type AccountStatus byte

const (
	AccountActive        AccountStatus = 0x01
	AccountPendingReview AccountStatus = 0x02
	AccountReleased      AccountStatus = 0x03
	AccountRefunded      AccountStatus = 0x04
	AccountExpired       AccountStatus = 0x05
	AccountDisputed      AccountStatus = 0x06
	AccountCancelled     AccountStatus = 0x07
)

// Valid reports whether the status value is within the supported range.
func (s AccountStatus) Valid() bool {
	return s >= AccountActive && s <= AccountCancelled
}

// Terminal reports whether funds can no longer move out of this status.
func (s AccountStatus) Terminal() bool {
	switch s {
	case AccountReleased, AccountRefunded, AccountExpired, AccountCancelled:
		return true
	default:
		return false
	}
}

func (s AccountStatus) String() string {
	switch s {
	case AccountActive:
		return "Active"
	case AccountPendingReview:
		return "PendingReview"
	case AccountReleased:
		return "Released"
	case AccountRefunded:
		return "Refunded"
	case AccountExpired:
		return "Expired"
	case AccountDisputed:
		return "Disputed"
	case AccountCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", byte(s))
	}
}

// ParseAccountStatus maps the canonical string form back to a status value.
func ParseAccountStatus(s string) (AccountStatus, error) {
	switch strings.TrimSpace(s) {
	case "Active":
		return AccountActive, nil
	case "PendingReview":
		return AccountPendingReview, nil
	case "Released":
		return AccountReleased, nil
	case "Refunded":
		return AccountRefunded, nil
	case "Expired":
		return AccountExpired, nil
	case "Disputed":
		return AccountDisputed, nil
	case "Cancelled":
		return AccountCancelled, nil
	default:
		return 0, fmt.Errorf("codec: unknown account status %q", s)
	}
}

// presence flags for optional account fields.
const (
	flagAbsent  byte = 0x00
	flagPresent byte = 0x01
)

// EscrowAccount is the decoded on-ledger state of a single escrow. Field
// order and widths are fixed by the program; see Encode for the layout.
type EscrowAccount struct {
	Poster      crypto.Address
	Worker      *crypto.Address
	Amount      uint64
	FeeBps      uint32
	Status      AccountStatus
	CreatedAt   int64
	ExpiresAt   int64
	SubmittedAt *int64
	DisputedAt  *int64
	DisputeCase *[32]byte
}

// Clone returns a deep copy so callers can mutate the result freely.
func (a *EscrowAccount) Clone() *EscrowAccount {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Worker != nil {
		w := *a.Worker
		clone.Worker = &w
	}
	if a.SubmittedAt != nil {
		v := *a.SubmittedAt
		clone.SubmittedAt = &v
	}
	if a.DisputedAt != nil {
		v := *a.DisputedAt
		clone.DisputedAt = &v
	}
	if a.DisputeCase != nil {
		c := *a.DisputeCase
		clone.DisputeCase = &c
	}
	return &clone
}

// Encode serializes the account in the program's layout:
//
//	discriminator[8]
//	poster[20]
//	worker flag byte + worker[20] when present
//	amount u64
//	feeBps u32
//	status u8
//	createdAt i64
//	expiresAt i64
//	submittedAt flag byte + i64 when present
//	disputedAt flag byte + i64 when present
//	disputeCase flag byte + [32] when present
func (a *EscrowAccount) Encode() ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("codec: nil account")
	}
	if !a.Status.Valid() {
		return nil, fmt.Errorf("codec: invalid account status 0x%02x", byte(a.Status))
	}
	disc := AccountDiscriminator()
	buf := bytes.NewBuffer(nil)
	buf.Write(disc[:])
	buf.Write(a.Poster.Bytes())
	if a.Worker != nil {
		buf.WriteByte(flagPresent)
		buf.Write(a.Worker.Bytes())
	} else {
		buf.WriteByte(flagAbsent)
	}
	writeFixed(buf, a.Amount)
	writeFixed(buf, a.FeeBps)
	buf.WriteByte(byte(a.Status))
	writeFixed(buf, a.CreatedAt)
	writeFixed(buf, a.ExpiresAt)
	writeOptionalI64(buf, a.SubmittedAt)
	writeOptionalI64(buf, a.DisputedAt)
	if a.DisputeCase != nil {
		buf.WriteByte(flagPresent)
		buf.Write(a.DisputeCase[:])
	} else {
		buf.WriteByte(flagAbsent)
	}
	return buf.Bytes(), nil
}

// DecodeAccount parses raw account data. The discriminator prefix is checked
// and skipped, then fields decode in the fixed order above.
func DecodeAccount(data []byte) (*EscrowAccount, error) {
	disc := AccountDiscriminator()
	if len(data) < len(disc) {
		return nil, ErrShortBuffer
	}
	if !bytes.Equal(data[:len(disc)], disc[:]) {
		return nil, ErrBadDiscriminator
	}
	r := bytes.NewReader(data[len(disc):])

	acct := &EscrowAccount{}
	posterRaw := make([]byte, crypto.AddressLength)
	if err := readFull(r, posterRaw); err != nil {
		return nil, err
	}
	poster, err := crypto.NewAddress(posterRaw)
	if err != nil {
		return nil, err
	}
	acct.Poster = poster

	workerFlag, err := r.ReadByte()
	if err != nil {
		return nil, ErrShortBuffer
	}
	if workerFlag == flagPresent {
		workerRaw := make([]byte, crypto.AddressLength)
		if err := readFull(r, workerRaw); err != nil {
			return nil, err
		}
		worker, err := crypto.NewAddress(workerRaw)
		if err != nil {
			return nil, err
		}
		acct.Worker = &worker
	}

	if err := readFixed(r, &acct.Amount); err != nil {
		return nil, err
	}
	if err := readFixed(r, &acct.FeeBps); err != nil {
		return nil, err
	}
	statusByte, err := r.ReadByte()
	if err != nil {
		return nil, ErrShortBuffer
	}
	acct.Status = AccountStatus(statusByte)
	if !acct.Status.Valid() {
		return nil, fmt.Errorf("codec: invalid account status 0x%02x", statusByte)
	}
	if err := readFixed(r, &acct.CreatedAt); err != nil {
		return nil, err
	}
	if err := readFixed(r, &acct.ExpiresAt); err != nil {
		return nil, err
	}
	if acct.SubmittedAt, err = readOptionalI64(r); err != nil {
		return nil, err
	}
	if acct.DisputedAt, err = readOptionalI64(r); err != nil {
		return nil, err
	}
	caseFlag, err := r.ReadByte()
	if err != nil {
		return nil, ErrShortBuffer
	}
	if caseFlag == flagPresent {
		var caseID [32]byte
		if err := readFull(r, caseID[:]); err != nil {
			return nil, err
		}
		acct.DisputeCase = &caseID
	}
	if err := expectEnd(r); err != nil {
		return nil, err
	}
	return acct, nil
}

func writeOptionalI64(buf *bytes.Buffer, v *int64) {
	if v == nil {
		buf.WriteByte(flagAbsent)
		return
	}
	buf.WriteByte(flagPresent)
	writeFixed(buf, *v)
}

func readOptionalI64(r *bytes.Reader) (*int64, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return nil, ErrShortBuffer
	}
	if flag == flagAbsent {
		return nil, nil
	}
	var v int64
	if err := readFixed(r, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
