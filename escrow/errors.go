package escrow

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotFound marks a missing escrow account on the ledger.
	ErrNotFound = errors.New("escrow: account not found")
	// ErrNoSigner is returned when a fund-moving operation is attempted
	// without a valid platform signing key. Fatal at startup, never retried.
	ErrNoSigner = errors.New("escrow: platform signer not configured")
	// ErrConflict marks a settlement conflict: the ledger state no longer
	// matches the expected precondition. Callers must re-read ledger truth
	// instead of retrying the mutating instruction.
	ErrConflict = errors.New("escrow: ledger state conflict")
	// ErrRejected marks an instruction the program validated and refused,
	// e.g. a refund attempted before the dispute timelock elapsed. This is
	// an expected, recoverable outcome rather than a bug.
	ErrRejected = errors.New("escrow: instruction rejected by program")
	// ErrTimelockActive marks refunds attempted before the dispute timelock
	// has elapsed.
	ErrTimelockActive = fmt.Errorf("%w: dispute timelock active", ErrRejected)
)

// RPCError carries a structured error returned by the ledger node.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("escrow: ledger rpc error %d: %s", e.Code, e.Message)
}

// Ledger node error codes. Anything outside this set is treated as transient.
const (
	codeNotFound       = -32001
	codeConflict       = -32002
	codeRejected       = -32003
	codeTimelockActive = -32004
)

func classifyRPCError(rpcErr *RPCError) error {
	switch rpcErr.Code {
	case codeNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, rpcErr.Message)
	case codeConflict:
		return fmt.Errorf("%w: %s", ErrConflict, rpcErr.Message)
	case codeRejected:
		return fmt.Errorf("%w: %s", ErrRejected, rpcErr.Message)
	case codeTimelockActive:
		return fmt.Errorf("%w: %s", ErrTimelockActive, rpcErr.Message)
	default:
		return rpcErr
	}
}

// IsTransient reports whether the error is worth retrying with backoff:
// network failures, timeouts and unclassified RPC errors. Validation errors,
// conflicts and program rejections are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrRejected) || errors.Is(err, ErrNoSigner) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		// Unclassified node-side failure, e.g. mempool pressure.
		return true
	}
	return false
}
