package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobmesh/crypto"
	"jobmesh/dispute"
	"jobmesh/escrow"
	"jobmesh/escrow/codec"
	"jobmesh/jobs"
	"jobmesh/observability"
	"jobmesh/verify"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
)

// Server is the HTTP front-end for the settlement surface.
type Server struct {
	engine        *jobs.Engine
	disputes      *dispute.Registry
	authenticator *Authenticator
	store         *SQLiteStore
	limiter       *RateLimiter
	logger        *slog.Logger
	nowFn         func() time.Time
	router        chi.Router
}

func NewServer(engine *jobs.Engine, disputes *dispute.Registry, auth *Authenticator, store *SQLiteStore, limiter *RateLimiter) *Server {
	if engine == nil {
		panic("engine required")
	}
	if auth == nil {
		panic("authenticator required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if limiter == nil {
		limiter = NewRateLimiter(nil)
	}
	s := &Server{
		engine:        engine,
		disputes:      disputes,
		authenticator: auth,
		store:         store,
		limiter:       limiter,
		logger:        slog.Default(),
		nowFn:         time.Now,
	}
	s.router = s.buildRouter()
	return s
}

// SetLogger replaces the server logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.limiter.Middleware("read")).Get("/jobs/{jobID}", s.handleGetJob)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware("mutate"))
			r.Post("/jobs", s.mutating(s.handleCreateJob))
			r.Post("/jobs/{jobID}/fund", s.mutating(s.handleFundJob))
			r.Post("/jobs/{jobID}/claims", s.mutating(s.handleAttempt))
			r.Post("/jobs/{jobID}/submissions", s.mutating(s.handleSubmit))
			r.Post("/jobs/{jobID}/approve", s.mutating(s.handleApprove))
			r.Post("/jobs/{jobID}/reject", s.mutating(s.handleReject))
			r.Post("/jobs/{jobID}/dispute", s.mutating(s.handleDispute))
			r.Post("/jobs/{jobID}/resolve", s.mutating(s.handleResolve))
			r.Post("/jobs/{jobID}/cancel", s.mutating(s.handleCancel))
			r.Post("/jobs/{jobID}/refund", s.mutating(s.handleRefund))
			r.Post("/jobs/{jobID}/release", s.mutating(s.handleRelease))
			r.Post("/disputes/{caseID}/votes", s.mutating(s.handleVote))
		})
	})
	return r
}

// observe records request metrics per matched route.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.nowFn()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		observability.GatewayMetrics().Observe(route, r.Method, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// mutatingHandler processes an authenticated, idempotent request body and
// returns the response status and JSON payload.
type mutatingHandler func(r *http.Request, body []byte) (int, interface{}, error)

// mutating wraps a handler with HMAC auth, the idempotency replay cache, and
// the audit log.
func (s *Server) mutating(handler mutatingHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := s.readRequestBody(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		principal, err := s.authenticator.Authenticate(r, body)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			s.audit(r.Context(), nil, r, body, http.StatusUnauthorized, errBody(err))
			return
		}
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			s.writeError(w, http.StatusBadRequest, errors.New("missing Idempotency-Key header"))
			s.audit(r.Context(), principal, r, body, http.StatusBadRequest, []byte(`{"error":"missing idempotency key"}`))
			return
		}
		requestHash := hashRequest(r.Method, CanonicalRequestPath(r), body)
		if cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash); cacheErr == nil && cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			s.audit(r.Context(), principal, r, body, cached.Status, cached.Body)
			return
		} else if cacheErr != nil {
			status := http.StatusInternalServerError
			if errors.Is(cacheErr, ErrIdempotencyMismatch) {
				status = http.StatusConflict
			}
			s.writeError(w, status, cacheErr)
			s.audit(r.Context(), principal, r, body, status, errBody(cacheErr))
			return
		}

		status, resp, err := handler(r, body)
		if err != nil {
			status := errStatus(err)
			if reason := jobs.ReasonOf(err); reason != "" {
				observability.JobMetrics().Rejection(string(reason))
			}
			s.writeError(w, status, err)
			s.audit(r.Context(), principal, r, body, status, errBody(err))
			return
		}

		payload, err := json.Marshal(resp)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errBody(err))
			return
		}
		if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, status, payload); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errBody(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(payload)
		s.audit(r.Context(), principal, r, body, status, payload)
	}
}

type createJobRequest struct {
	ID          string        `json:"id,omitempty"`
	Poster      string        `json:"poster"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Reward      uint64        `json:"reward"`
	Template    string        `json:"template"`
	Params      verify.Params `json:"params,omitempty"`
}

func (s *Server) handleCreateJob(r *http.Request, body []byte) (int, interface{}, error) {
	var req createJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, badJSON(err)
	}
	poster, err := parseAgent(req.Poster, "poster")
	if err != nil {
		return 0, nil, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	job := &jobs.Job{
		ID:          id,
		Poster:      poster,
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		Reward:      req.Reward,
		Template:    verify.TemplateID(req.Template),
		Params:      req.Params,
	}
	created, err := s.engine.CreateJob(r.Context(), job)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, jobJSON(created, nil), nil
}

type signedRequest struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

func (s *Server) handleFundJob(r *http.Request, body []byte) (int, interface{}, error) {
	var req signedRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, badJSON(err)
	}
	sig, err := parseSignature(req.Signer, req.Signature)
	if err != nil {
		return 0, nil, err
	}
	job, err := s.engine.FundJob(r.Context(), chi.URLParam(r, "jobID"), sig)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, jobJSON(job, nil), nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, claims, err := s.engine.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, errStatus(err), err)
		return
	}
	payload, err := json.Marshal(jobJSON(job, claims))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

type attemptRequest struct {
	Worker  string `json:"worker"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleAttempt(r *http.Request, body []byte) (int, interface{}, error) {
	var req attemptRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, badJSON(err)
	}
	worker, err := parseAgent(req.Worker, "worker")
	if err != nil {
		return 0, nil, err
	}
	claim, err := s.engine.Attempt(r.Context(), chi.URLParam(r, "jobID"), worker, req.Message)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, claimJSON(claim), nil
}

type submitRequest struct {
	Worker string `json:"worker"`
	Proof  string `json:"proof"`
	signedRequest
}

func (s *Server) handleSubmit(r *http.Request, body []byte) (int, interface{}, error) {
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, badJSON(err)
	}
	worker, err := parseAgent(req.Worker, "worker")
	if err != nil {
		return 0, nil, err
	}
	sig, err := parseSignature(req.Signer, req.Signature)
	if err != nil {
		return 0, nil, err
	}
	claim, result, err := s.engine.Submit(r.Context(), chi.URLParam(r, "jobID"), worker, req.Proof, sig)
	if err != nil {
		return 0, nil, err
	}
	resp := map[string]interface{}{
		"claim":   claimJSON(claim),
		"outcome": result.Outcome.String(),
	}
	if result.Reason != "" {
		resp["reason"] = string(result.Reason)
	}
	if result.Detail != "" {
		resp["detail"] = result.Detail
	}
	return http.StatusOK, resp, nil
}

type reviewRequest struct {
	Poster string `json:"poster"`
	Worker string `json:"worker"`
	Reason string `json:"reason,omitempty"`
	signedRequest
}

func (s *Server) handleApprove(r *http.Request, body []byte) (int, interface{}, error) {
	var req reviewRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, badJSON(err)
	}
	poster, err := parseAgent(req.Poster, "poster")
	if err != nil {
		return 0, nil, err
	}
	worker, err := parseAgent(req.Worker, "worker")
	if err != nil {
		return 0, nil, err
	}
	sig, err := parseSignature(req.Signer, req.Signature)
	if err != nil {
		return 0, nil, err
	}
	claim, err := s.engine.Approve(r.Context(), chi.URLParam(r, "jobID"), poster, worker, sig)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, claimJSON(claim), nil
}

func (s *Server) handleReject(r *http.Request, body []byte) (int, interface{}, error) {
	var req reviewRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, badJSON(err)
	}
	poster, err := parseAgent(req.Poster, "poster")
	if err != nil {
		return 0, nil, err
	}
	worker, err := parseAgent(req.Worker, "worker")
	if err != nil {
		return 0, nil, err
	}
	claim, err := s.engine.Reject(r.Context(), chi.URLParam(r, "jobID"), poster, worker, req.Reason)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, claimJSON(claim), nil
}

type disputeRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
	signedRequest
}

func (s *Server) handleDispute(r *http.Request, body []byte) (int, interface{}, error) {
	var req disputeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, badJSON(err)
	}
	by, err := parseAgent(req.By, "by")
	if err != nil {
		return 0, nil, err
	}
	sig, err := parseSignature(req.Signer, req.Signature)
	if err != nil {
		return 0, nil, err
	}
	jobID := chi.URLParam(r, "jobID")

	caseID := dispute.NewCaseID()
	if s.disputes != nil {
		job, _, err := s.engine.GetJob(r.Context(), jobID)
		if err != nil {
			return 0, nil, err
		}
		if job.EscrowAddress == nil {
			return 0, nil, jobs.NewValidationError(jobs.ReasonJobNotFunded, "job has no escrow to dispute")
		}
		c, err := s.disputes.Open(r.Context(), jobID, *job.EscrowAddress, by, req.Reason)
		if err != nil {
			return 0, nil, err
		}
		caseID = c.ID
	}

	job, err := s.engine.Dispute(r.Context(), jobID, by, req.Reason, caseID, sig)
	if err != nil {
		return 0, nil, err
	}
	resp := map[string]interface{}{
		"job":    jobJSON(job, nil),
		"caseId": hex.EncodeToString(caseID[:]),
	}
	return http.StatusOK, resp, nil
}

type voteRequest struct {
	Voter   string `json:"voter"`
	Outcome string `json:"outcome"`
}

func (s *Server) handleVote(r *http.Request, body []byte) (int, interface{}, error) {
	if s.disputes == nil {
		return 0, nil, errors.New("dispute voting not enabled")
	}
	var req voteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, badJSON(err)
	}
	voter, err := parseAgent(req.Voter, "voter")
	if err != nil {
		return 0, nil, err
	}
	outcome, err := codec.ParseDisputeOutcome(strings.TrimSpace(req.Outcome))
	if err != nil {
		return 0, nil, jobs.NewValidationError(jobs.ReasonBadRequest, err.Error())
	}
	raw, err := hex.DecodeString(chi.URLParam(r, "caseID"))
	if err != nil || len(raw) != 32 {
		return 0, nil, jobs.NewValidationError(jobs.ReasonBadRequest, "case id must be 32 hex bytes")
	}
	var caseID [32]byte
	copy(caseID[:], raw)
	c, err := s.disputes.CastVote(r.Context(), caseID, voter, outcome)
	if err != nil {
		return 0, nil, err
	}
	resp := map[string]interface{}{
		"caseId": hex.EncodeToString(c.ID[:]),
		"status": string(c.Status),
		"votes":  len(c.Votes),
	}
	if c.Outcome != nil {
		resp["outcome"] = c.Outcome.String()
	}
	return http.StatusOK, resp, nil
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
}

func (s *Server) handleResolve(r *http.Request, body []byte) (int, interface{}, error) {
	var req resolveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, badJSON(err)
	}
	outcome, err := codec.ParseDisputeOutcome(strings.TrimSpace(req.Outcome))
	if err != nil {
		return 0, nil, jobs.NewValidationError(jobs.ReasonBadRequest, err.Error())
	}
	job, err := s.engine.Resolve(r.Context(), chi.URLParam(r, "jobID"), outcome)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, jobJSON(job, nil), nil
}

type cancelRequest struct {
	Poster string `json:"poster"`
}

func (s *Server) handleCancel(r *http.Request, body []byte) (int, interface{}, error) {
	var req cancelRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, badJSON(err)
	}
	poster, err := parseAgent(req.Poster, "poster")
	if err != nil {
		return 0, nil, err
	}
	job, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "jobID"), poster)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, jobJSON(job, nil), nil
}

func (s *Server) handleRefund(r *http.Request, _ []byte) (int, interface{}, error) {
	job, err := s.engine.Refund(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, jobJSON(job, nil), nil
}

func (s *Server) handleRelease(r *http.Request, _ []byte) (int, interface{}, error) {
	job, err := s.engine.Release(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, jobJSON(job, nil), nil
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errBody(err))
}

func (s *Server) audit(ctx context.Context, principal *Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		s.logger.Warn("audit insert failed", "err", err)
	}
}

func errBody(err error) []byte {
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	payload := map[string]string{"error": msg}
	if reason := jobs.ReasonOf(err); reason != "" {
		payload["reason"] = string(reason)
	}
	out, _ := json.Marshal(payload)
	return out
}

// errStatus maps domain errors onto HTTP statuses.
func errStatus(err error) int {
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, dispute.ErrCaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrVersionConflict), errors.Is(err, escrow.ErrConflict),
		errors.Is(err, dispute.ErrAlreadyVoted), errors.Is(err, dispute.ErrCaseClosed):
		return http.StatusConflict
	case errors.Is(err, dispute.ErrNotArbitrator), errors.Is(err, dispute.ErrVotingClosed):
		return http.StatusForbidden
	}
	switch jobs.ReasonOf(err) {
	case "":
		return http.StatusBadGateway
	case jobs.ReasonDuplicateClaim, jobs.ReasonAlreadyAssigned, jobs.ReasonJobTerminal:
		return http.StatusConflict
	case jobs.ReasonQuotaExceeded:
		return http.StatusTooManyRequests
	case jobs.ReasonNotPoster, jobs.ReasonTrustTier:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func badJSON(err error) error {
	return jobs.NewValidationError(jobs.ReasonBadRequest, fmt.Sprintf("invalid JSON payload: %s", err))
}

func parseAgent(s, field string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(s))
	if err != nil {
		return crypto.Address{}, jobs.NewValidationError(jobs.ReasonBadRequest, fmt.Sprintf("invalid %s address: %s", field, err))
	}
	return addr, nil
}

func parseSignature(signer, sig string) (escrow.Signature, error) {
	if strings.TrimSpace(signer) == "" && strings.TrimSpace(sig) == "" {
		return escrow.Signature{}, nil
	}
	addr, err := parseAgent(signer, "signer")
	if err != nil {
		return escrow.Signature{}, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return escrow.Signature{}, jobs.NewValidationError(jobs.ReasonBadRequest, "signature must be hex encoded")
	}
	return escrow.Signature{Signer: addr, Bytes: raw}, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return hex.EncodeToString(sum[:])
}

func jobJSON(job *jobs.Job, claims []*jobs.Claim) map[string]interface{} {
	out := map[string]interface{}{
		"id":       job.ID,
		"poster":   job.Poster.String(),
		"reward":   job.Reward,
		"template": string(job.Template),
		"status":   string(job.Status),
		"version":  job.Version,
	}
	if job.Title != "" {
		out["title"] = job.Title
	}
	if job.Description != "" {
		out["description"] = job.Description
	}
	if len(job.Params) > 0 {
		out["params"] = job.Params
	}
	if job.EscrowAddress != nil {
		out["escrowAddress"] = job.EscrowAddress.String()
	}
	if job.Winner != nil {
		out["winner"] = job.Winner.String()
	}
	out["createdAt"] = job.CreatedAt.UTC().Format(time.RFC3339Nano)
	out["expiresAt"] = job.ExpiresAt.UTC().Format(time.RFC3339Nano)
	if job.ReviewDeadline != nil {
		out["reviewDeadline"] = job.ReviewDeadline.UTC().Format(time.RFC3339Nano)
	}
	if job.DisputedAt != nil {
		out["disputedAt"] = job.DisputedAt.UTC().Format(time.RFC3339Nano)
	}
	if claims != nil {
		list := make([]map[string]interface{}, 0, len(claims))
		for _, claim := range claims {
			list = append(list, claimJSON(claim))
		}
		out["claims"] = list
	}
	return out
}

func claimJSON(claim *jobs.Claim) map[string]interface{} {
	out := map[string]interface{}{
		"jobId":  claim.JobID,
		"worker": claim.Worker.String(),
		"status": string(claim.Status),
	}
	if claim.Message != "" {
		out["message"] = claim.Message
	}
	if claim.FailReason != "" {
		out["failReason"] = claim.FailReason
	}
	if claim.ProofHash != nil {
		out["proofHash"] = hex.EncodeToString(claim.ProofHash[:])
	}
	return out
}
