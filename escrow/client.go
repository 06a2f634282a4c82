// Package escrow is the settlement boundary of the marketplace: it builds
// escrow program instructions through the codec, submits them to the ledger
// node over JSON-RPC and reads back on-ledger account state. All ledger
// access in the service goes through this package; callers never construct
// raw instructions.
package escrow

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"jobmesh/crypto"
	"jobmesh/escrow/codec"
)

const signingDomain = "jobmesh_escrow"

// Signature is a caller-provided signature over an instruction, produced by
// the poster or worker out of band. Platform-signed operations do not use it.
type Signature struct {
	Signer crypto.Address
	Bytes  []byte
}

// Client exposes every escrow lifecycle operation plus state reads. The
// ledger program validates each instruction independently against the
// caller's signature and the account's current state.
type Client interface {
	Create(ctx context.Context, jobID string, poster crypto.Address, amount uint64, expiresAt int64, sig Signature) (codec.Address, error)
	AssignWorker(ctx context.Context, addr codec.Address, worker crypto.Address) error
	SubmitWork(ctx context.Context, addr codec.Address, worker crypto.Address, proofHash [32]byte, sig Signature) error
	ApproveWork(ctx context.Context, addr codec.Address, sig Signature) error
	AutoRelease(ctx context.Context, addr codec.Address) error
	RefundPoster(ctx context.Context, addr codec.Address) error
	CancelEscrow(ctx context.Context, addr codec.Address) error
	RaiseDispute(ctx context.Context, addr codec.Address, reason string, caseID [32]byte, sig Signature) error
	ResolveDispute(ctx context.Context, addr codec.Address, outcome codec.DisputeOutcome) error
	GetEscrow(ctx context.Context, addr codec.Address) (*codec.EscrowAccount, error)
}

// SigningDigest computes the digest signed over an instruction bound to a
// specific escrow account. Signing is domain-separated so escrow signatures
// cannot be replayed into other protocols.
func SigningDigest(addr codec.Address, instruction []byte) []byte {
	payload := fmt.Sprintf("%s|%s|%s", signingDomain, addr.String(), hex.EncodeToString(instruction))
	return ethcrypto.Keccak256([]byte(payload))
}

// RPCClient implements Client against the ledger node's JSON-RPC endpoint.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	signer    *crypto.PrivateKey
	platform  crypto.Address
	nextID    atomic.Int64
}

// NewRPCClient constructs a client. The platform signing key is mandatory:
// without it no refund, cancel, assignment or resolution could ever be
// issued, so construction fails fast rather than deferring the error to the
// first fund-moving call.
func NewRPCClient(baseURL, authToken string, signer *crypto.PrivateKey) (*RPCClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("escrow: ledger node URL required")
	}
	if signer == nil || signer.PrivateKey == nil {
		return nil, ErrNoSigner
	}
	return &RPCClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		signer:   signer,
		platform: signer.PubKey().Address(),
	}, nil
}

// Platform returns the address the client signs platform operations with.
func (c *RPCClient) Platform() crypto.Address { return c.platform }

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type submitParams struct {
	Address     string `json:"address"`
	Instruction string `json:"instruction"`
	Signer      string `json:"signer"`
	Signature   string `json:"signature"`
}

type accountResult struct {
	Data string `json:"data"`
}

// Create derives the escrow address, submits the poster-signed create
// instruction and returns the derived address. The ledger program creates
// the account and locks the reward.
func (c *RPCClient) Create(ctx context.Context, jobID string, poster crypto.Address, amount uint64, expiresAt int64, sig Signature) (codec.Address, error) {
	digest, err := codec.JobIDDigest(jobID)
	if err != nil {
		return codec.Address{}, err
	}
	addr, err := codec.DeriveEscrowAddress(jobID, poster)
	if err != nil {
		return codec.Address{}, err
	}
	ix := codec.CreateInstruction{
		JobID:       jobID,
		JobIDDigest: digest,
		Amount:      amount,
		FeeBps:      codec.PlatformFeeBps,
		ExpiresAt:   expiresAt,
	}
	if err := c.submit(ctx, addr, ix.Encode(), sig.Signer, sig.Bytes); err != nil {
		return codec.Address{}, err
	}
	return addr, nil
}

// AssignWorker records the assigned worker on-chain. Platform-signed.
func (c *RPCClient) AssignWorker(ctx context.Context, addr codec.Address, worker crypto.Address) error {
	ix := codec.AssignWorkerInstruction{Worker: worker}
	return c.submitPlatform(ctx, addr, ix.Encode())
}

// SubmitWork records the worker's proof hash and starts the review window.
func (c *RPCClient) SubmitWork(ctx context.Context, addr codec.Address, worker crypto.Address, proofHash [32]byte, sig Signature) error {
	ix := codec.SubmitWorkInstruction{Worker: worker, ProofHash: proofHash}
	return c.submit(ctx, addr, ix.Encode(), sig.Signer, sig.Bytes)
}

// ApproveWork releases the reward to the worker minus the platform fee.
// Poster-signed. Approving an escrow that is already Released succeeds as a
// no-op after a fresh ledger read confirms the state.
func (c *RPCClient) ApproveWork(ctx context.Context, addr codec.Address, sig Signature) error {
	ix := codec.ApproveWorkInstruction{}
	err := c.submit(ctx, addr, ix.Encode(), sig.Signer, sig.Bytes)
	return c.settleIdempotent(ctx, addr, err, codec.AccountReleased)
}

// AutoRelease cranks a release once the review window has elapsed without a
// rejection. Anyone may crank; this client signs as the platform.
func (c *RPCClient) AutoRelease(ctx context.Context, addr codec.Address) error {
	err := c.submitPlatform(ctx, addr, codec.AutoReleaseInstruction{}.Encode())
	return c.settleIdempotent(ctx, addr, err, codec.AccountReleased)
}

// RefundPoster returns the locked reward to the poster. Platform-signed and
// gated by the dispute timelock, which the program enforces.
func (c *RPCClient) RefundPoster(ctx context.Context, addr codec.Address) error {
	err := c.submitPlatform(ctx, addr, codec.RefundPosterInstruction{}.Encode())
	return c.settleIdempotent(ctx, addr, err, codec.AccountRefunded, codec.AccountExpired)
}

// CancelEscrow closes an unassigned escrow and refunds the poster.
func (c *RPCClient) CancelEscrow(ctx context.Context, addr codec.Address) error {
	err := c.submitPlatform(ctx, addr, codec.CancelEscrowInstruction{}.Encode())
	return c.settleIdempotent(ctx, addr, err, codec.AccountCancelled)
}

// RaiseDispute flags the escrow as disputed and binds it to a case. Signed by
// the disputing party.
func (c *RPCClient) RaiseDispute(ctx context.Context, addr codec.Address, reason string, caseID [32]byte, sig Signature) error {
	ix := codec.RaiseDisputeInstruction{Reason: reason, DisputeCase: caseID}
	err := c.submit(ctx, addr, ix.Encode(), sig.Signer, sig.Bytes)
	return c.settleIdempotent(ctx, addr, err, codec.AccountDisputed)
}

// ResolveDispute finalizes a disputed escrow with the arbitration outcome.
func (c *RPCClient) ResolveDispute(ctx context.Context, addr codec.Address, outcome codec.DisputeOutcome) error {
	if !outcome.Valid() {
		return fmt.Errorf("escrow: invalid dispute outcome %q", outcome)
	}
	ix := codec.ResolveDisputeInstruction{Outcome: outcome}
	err := c.submitPlatform(ctx, addr, ix.Encode())
	return c.settleIdempotent(ctx, addr, err, codec.AccountReleased, codec.AccountRefunded)
}

// GetEscrow fetches and decodes the on-ledger account state.
func (c *RPCClient) GetEscrow(ctx context.Context, addr codec.Address) (*codec.EscrowAccount, error) {
	var result accountResult
	params := map[string]string{"address": addr.String()}
	if err := c.call(ctx, "escrow_getAccount", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(result.Data, "0x"))
	if err != nil {
		return nil, fmt.Errorf("escrow: malformed account data: %w", err)
	}
	return codec.DecodeAccount(raw)
}

// settleIdempotent maps "ledger rejected because the state already moved"
// onto success when a fresh read shows the escrow reached one of the target
// statuses. Submitting release twice must be a no-op, never a double pay.
func (c *RPCClient) settleIdempotent(ctx context.Context, addr codec.Address, submitErr error, want ...codec.AccountStatus) error {
	if submitErr == nil {
		return nil
	}
	if !errors.Is(submitErr, ErrConflict) && !errors.Is(submitErr, ErrRejected) {
		return submitErr
	}
	acct, err := c.GetEscrow(ctx, addr)
	if err != nil {
		return submitErr
	}
	for _, status := range want {
		if acct.Status == status {
			return nil
		}
	}
	return submitErr
}

func (c *RPCClient) submitPlatform(ctx context.Context, addr codec.Address, instruction []byte) error {
	sig, err := c.signer.Sign(SigningDigest(addr, instruction))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoSigner, err)
	}
	return c.submit(ctx, addr, instruction, c.platform, sig)
}

func (c *RPCClient) submit(ctx context.Context, addr codec.Address, instruction []byte, signer crypto.Address, sig []byte) error {
	if len(sig) == 0 {
		return errors.New("escrow: missing instruction signature")
	}
	params := submitParams{
		Address:     addr.String(),
		Instruction: hex.EncodeToString(instruction),
		Signer:      signer.String(),
		Signature:   hex.EncodeToString(sig),
	}
	return c.call(ctx, "escrow_submit", []interface{}{params}, nil)
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &RPCError{Code: resp.StatusCode, Message: fmt.Sprintf("%s: http status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return classifyRPCError(&RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message})
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("escrow: ledger rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
