package codec

import (
	"bytes"
	"fmt"

	"jobmesh/crypto"
)

// InstructionTag is the single-byte opcode prefixed to every encoded
// instruction.
type InstructionTag byte

const (
	TagCreate         InstructionTag = 0x01
	TagAssignWorker   InstructionTag = 0x02
	TagSubmitWork     InstructionTag = 0x03
	TagApproveWork    InstructionTag = 0x04
	TagAutoRelease    InstructionTag = 0x05
	TagRefundPoster   InstructionTag = 0x06
	TagCancelEscrow   InstructionTag = 0x07
	TagRaiseDispute   InstructionTag = 0x08
	TagResolveDispute InstructionTag = 0x09
)

// Valid reports whether the tag maps to a known instruction.
func (t InstructionTag) Valid() bool {
	return t >= TagCreate && t <= TagResolveDispute
}

func (t InstructionTag) String() string {
	switch t {
	case TagCreate:
		return "create"
	case TagAssignWorker:
		return "assign_worker"
	case TagSubmitWork:
		return "submit_work"
	case TagApproveWork:
		return "approve_work"
	case TagAutoRelease:
		return "auto_release"
	case TagRefundPoster:
		return "refund_to_poster"
	case TagCancelEscrow:
		return "cancel_escrow"
	case TagRaiseDispute:
		return "raise_dispute"
	case TagResolveDispute:
		return "resolve_dispute"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// DisputeOutcome finalizes a disputed escrow. It is the only input the client
// accepts from arbitration to settle a dispute.
type DisputeOutcome byte

const (
	OutcomeWorkerWins DisputeOutcome = 0x01
	OutcomePosterWins DisputeOutcome = 0x02
	OutcomeSplit      DisputeOutcome = 0x03
)

// Valid reports whether the outcome value is supported.
func (o DisputeOutcome) Valid() bool {
	switch o {
	case OutcomeWorkerWins, OutcomePosterWins, OutcomeSplit:
		return true
	default:
		return false
	}
}

func (o DisputeOutcome) String() string {
	switch o {
	case OutcomeWorkerWins:
		return "worker_wins"
	case OutcomePosterWins:
		return "poster_wins"
	case OutcomeSplit:
		return "split"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(o))
	}
}

// ParseDisputeOutcome maps the canonical string form back to its wire value.
func ParseDisputeOutcome(s string) (DisputeOutcome, error) {
	switch s {
	case "worker_wins":
		return OutcomeWorkerWins, nil
	case "poster_wins":
		return OutcomePosterWins, nil
	case "split":
		return OutcomeSplit, nil
	default:
		return 0, fmt.Errorf("codec: invalid dispute outcome %q", s)
	}
}

// Instruction is an encodable escrow program instruction.
type Instruction interface {
	Tag() InstructionTag
	Encode() []byte
}

// CreateInstruction creates the escrow account and locks the reward.
// ExpiresAt carries a custom expiry; zero defers to the program default.
type CreateInstruction struct {
	JobID       string
	JobIDDigest [32]byte
	Amount      uint64
	FeeBps      uint32
	ExpiresAt   int64
}

func (CreateInstruction) Tag() InstructionTag { return TagCreate }

// Encode serializes the create instruction. The raw job identifier travels
// alongside its digest so the program can verify the hash binding.
func (ix CreateInstruction) Encode() []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(byte(TagCreate))
	writeDelimited(buf, []byte(ix.JobID))
	buf.Write(ix.JobIDDigest[:])
	writeFixed(buf, ix.Amount)
	writeFixed(buf, ix.FeeBps)
	writeFixed(buf, ix.ExpiresAt)
	return buf.Bytes()
}

// AssignWorkerInstruction records the assigned worker on the escrow account.
type AssignWorkerInstruction struct {
	Worker crypto.Address
}

func (AssignWorkerInstruction) Tag() InstructionTag { return TagAssignWorker }

func (ix AssignWorkerInstruction) Encode() []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(byte(TagAssignWorker))
	buf.Write(ix.Worker.Bytes())
	return buf.Bytes()
}

// SubmitWorkInstruction is worker-signed and starts the review window. The
// proof hash is optional; a zero hash means the proof lives off-ledger only.
type SubmitWorkInstruction struct {
	Worker    crypto.Address
	ProofHash [32]byte
}

func (SubmitWorkInstruction) Tag() InstructionTag { return TagSubmitWork }

func (ix SubmitWorkInstruction) Encode() []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(byte(TagSubmitWork))
	buf.Write(ix.Worker.Bytes())
	buf.Write(ix.ProofHash[:])
	return buf.Bytes()
}

// ApproveWorkInstruction is poster-signed and releases the reward immediately.
type ApproveWorkInstruction struct{}

func (ApproveWorkInstruction) Tag() InstructionTag { return TagApproveWork }

func (ApproveWorkInstruction) Encode() []byte { return []byte{byte(TagApproveWork)} }

// AutoReleaseInstruction may be submitted by anyone once the review window has
// elapsed without a rejection.
type AutoReleaseInstruction struct{}

func (AutoReleaseInstruction) Tag() InstructionTag { return TagAutoRelease }

func (AutoReleaseInstruction) Encode() []byte { return []byte{byte(TagAutoRelease)} }

// RefundPosterInstruction returns funds to the poster. The program enforces
// the dispute timelock independently of this client.
type RefundPosterInstruction struct{}

func (RefundPosterInstruction) Tag() InstructionTag { return TagRefundPoster }

func (RefundPosterInstruction) Encode() []byte { return []byte{byte(TagRefundPoster)} }

// CancelEscrowInstruction closes an unassigned escrow and refunds the poster.
type CancelEscrowInstruction struct{}

func (CancelEscrowInstruction) Tag() InstructionTag { return TagCancelEscrow }

func (CancelEscrowInstruction) Encode() []byte { return []byte{byte(TagCancelEscrow)} }

// RaiseDisputeInstruction flags the escrow as disputed and binds it to an
// arbitration case.
type RaiseDisputeInstruction struct {
	Reason      string
	DisputeCase [32]byte
}

func (RaiseDisputeInstruction) Tag() InstructionTag { return TagRaiseDispute }

func (ix RaiseDisputeInstruction) Encode() []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(byte(TagRaiseDispute))
	writeDelimited(buf, []byte(ix.Reason))
	buf.Write(ix.DisputeCase[:])
	return buf.Bytes()
}

// ResolveDisputeInstruction settles a disputed escrow with a binding outcome.
type ResolveDisputeInstruction struct {
	Outcome DisputeOutcome
}

func (ResolveDisputeInstruction) Tag() InstructionTag { return TagResolveDispute }

func (ix ResolveDisputeInstruction) Encode() []byte {
	return []byte{byte(TagResolveDispute), byte(ix.Outcome)}
}

// DecodeInstruction parses an encoded instruction back into its typed form.
// The client does not normally decode instructions; the function exists so
// round-trips can be verified and mirrored submissions inspected.
func DecodeInstruction(data []byte) (Instruction, error) {
	if len(data) == 0 {
		return nil, ErrShortBuffer
	}
	tag := InstructionTag(data[0])
	r := bytes.NewReader(data[1:])
	switch tag {
	case TagCreate:
		var ix CreateInstruction
		jobID, err := readDelimited(r)
		if err != nil {
			return nil, err
		}
		ix.JobID = string(jobID)
		if err := readFull(r, ix.JobIDDigest[:]); err != nil {
			return nil, err
		}
		if err := readFixed(r, &ix.Amount); err != nil {
			return nil, err
		}
		if err := readFixed(r, &ix.FeeBps); err != nil {
			return nil, err
		}
		if err := readFixed(r, &ix.ExpiresAt); err != nil {
			return nil, err
		}
		return ix, expectEnd(r)
	case TagAssignWorker:
		raw := make([]byte, crypto.AddressLength)
		if err := readFull(r, raw); err != nil {
			return nil, err
		}
		worker, err := crypto.NewAddress(raw)
		if err != nil {
			return nil, err
		}
		return AssignWorkerInstruction{Worker: worker}, expectEnd(r)
	case TagSubmitWork:
		raw := make([]byte, crypto.AddressLength)
		if err := readFull(r, raw); err != nil {
			return nil, err
		}
		worker, err := crypto.NewAddress(raw)
		if err != nil {
			return nil, err
		}
		var ix SubmitWorkInstruction
		ix.Worker = worker
		if err := readFull(r, ix.ProofHash[:]); err != nil {
			return nil, err
		}
		return ix, expectEnd(r)
	case TagApproveWork:
		return ApproveWorkInstruction{}, expectEnd(r)
	case TagAutoRelease:
		return AutoReleaseInstruction{}, expectEnd(r)
	case TagRefundPoster:
		return RefundPosterInstruction{}, expectEnd(r)
	case TagCancelEscrow:
		return CancelEscrowInstruction{}, expectEnd(r)
	case TagRaiseDispute:
		var ix RaiseDisputeInstruction
		reason, err := readDelimited(r)
		if err != nil {
			return nil, err
		}
		ix.Reason = string(reason)
		if err := readFull(r, ix.DisputeCase[:]); err != nil {
			return nil, err
		}
		return ix, expectEnd(r)
	case TagResolveDispute:
		var outcome byte
		if err := readFixed(r, &outcome); err != nil {
			return nil, err
		}
		ix := ResolveDisputeInstruction{Outcome: DisputeOutcome(outcome)}
		if !ix.Outcome.Valid() {
			return nil, fmt.Errorf("codec: invalid dispute outcome 0x%02x", outcome)
		}
		return ix, expectEnd(r)
	default:
		return nil, fmt.Errorf("codec: unknown instruction tag 0x%02x", byte(tag))
	}
}
