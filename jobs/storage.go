package jobs

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"jobmesh/crypto"
	"jobmesh/escrow/codec"
	"jobmesh/verify"
)

// Store persists jobs and claims. Update methods assert the version the
// caller read and return ErrVersionConflict when another writer got there
// first.
type Store interface {
	PutJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]*Job, error)
	DueReviews(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)
	DueExpiries(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)
	DueDisputes(ctx context.Context, disputedBefore time.Time, limit int) ([]*Job, error)

	PutClaim(ctx context.Context, claim *Claim) error
	UpdateClaim(ctx context.Context, claim *Claim) error
	GetClaim(ctx context.Context, jobID string, worker crypto.Address) (*Claim, error)
	ListClaims(ctx context.Context, jobID string) ([]*Claim, error)
	ListClaimsByStatus(ctx context.Context, status ClaimStatus, limit int) ([]*Claim, error)
}

// SQLiteStore is the durable Store backed by a single sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            poster TEXT NOT NULL,
            title TEXT NOT NULL DEFAULT '',
            description TEXT NOT NULL DEFAULT '',
            reward TEXT NOT NULL,
            template TEXT NOT NULL,
            params TEXT NOT NULL DEFAULT '{}',
            status TEXT NOT NULL,
            escrow_address TEXT,
            winner TEXT,
            created_at INTEGER NOT NULL,
            funded_at INTEGER,
            first_claimed_at INTEGER,
            submitted_at INTEGER,
            completed_at INTEGER,
            expires_at INTEGER NOT NULL,
            review_deadline INTEGER,
            disputed_at INTEGER,
            version INTEGER NOT NULL DEFAULT 1
        );`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_review ON jobs(status, review_deadline);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_expiry ON jobs(status, expires_at);`,
		`CREATE TABLE IF NOT EXISTS claims (
            job_id TEXT NOT NULL,
            worker TEXT NOT NULL,
            status TEXT NOT NULL,
            message TEXT NOT NULL DEFAULT '',
            proof TEXT NOT NULL DEFAULT '',
            proof_hash TEXT,
            fail_reason TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            submitted_at INTEGER,
            version INTEGER NOT NULL DEFAULT 1,
            PRIMARY KEY(job_id, worker)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_claims_job ON claims(job_id);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const jobColumns = `id, poster, title, description, reward, template, params, status,
    escrow_address, winner, created_at, funded_at, first_claimed_at, submitted_at,
    completed_at, expires_at, review_deadline, disputed_at, version`

func (s *SQLiteStore) PutJob(ctx context.Context, job *Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		job.ID, job.Poster.String(), job.Title, job.Description,
		strconv.FormatUint(job.Reward, 10), string(job.Template), string(params),
		string(job.Status), addrText(job.EscrowAddress), workerText(job.Winner),
		job.CreatedAt.Unix(), unixPtr(job.FundedAt), unixPtr(job.FirstClaimedAt),
		unixPtr(job.SubmittedAt), unixPtr(job.CompletedAt), job.ExpiresAt.Unix(),
		unixPtr(job.ReviewDeadline), unixPtr(job.DisputedAt))
	return err
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
        status = ?, escrow_address = ?, winner = ?, funded_at = ?, first_claimed_at = ?,
        submitted_at = ?, completed_at = ?, expires_at = ?, review_deadline = ?,
        disputed_at = ?, params = ?, version = version + 1
        WHERE id = ? AND version = ?`,
		string(job.Status), addrText(job.EscrowAddress), workerText(job.Winner),
		unixPtr(job.FundedAt), unixPtr(job.FirstClaimedAt), unixPtr(job.SubmittedAt),
		unixPtr(job.CompletedAt), job.ExpiresAt.Unix(), unixPtr(job.ReviewDeadline),
		unixPtr(job.DisputedAt), string(params), job.ID, job.Version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	job.Version++
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at LIMIT ?`,
		string(status), sweepLimit(limit))
}

func (s *SQLiteStore) DueReviews(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
        WHERE status = ? AND review_deadline IS NOT NULL AND review_deadline <= ?
        ORDER BY review_deadline LIMIT ?`,
		string(JobPendingVerification), cutoff.Unix(), sweepLimit(limit))
}

func (s *SQLiteStore) DueExpiries(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
        WHERE status IN (?, ?) AND expires_at <= ?
        ORDER BY expires_at LIMIT ?`,
		string(JobOpen), string(JobClaimed), cutoff.Unix(), sweepLimit(limit))
}

func (s *SQLiteStore) DueDisputes(ctx context.Context, disputedBefore time.Time, limit int) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
        WHERE status = ? AND disputed_at IS NOT NULL AND disputed_at <= ?
        ORDER BY disputed_at LIMIT ?`,
		string(JobDisputed), disputedBefore.Unix(), sweepLimit(limit))
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                     Job
		poster, reward          string
		template, params        string
		status                  string
		escrowAddr, winner      sql.NullString
		createdAt, expiresAt    int64
		fundedAt, firstClaimed  sql.NullInt64
		submittedAt, completed  sql.NullInt64
		reviewDeadline, dispute sql.NullInt64
	)
	err := row.Scan(&job.ID, &poster, &job.Title, &job.Description, &reward,
		&template, &params, &status, &escrowAddr, &winner, &createdAt, &fundedAt,
		&firstClaimed, &submittedAt, &completed, &expiresAt, &reviewDeadline,
		&dispute, &job.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.Poster, err = crypto.DecodeAddress(poster); err != nil {
		return nil, fmt.Errorf("decode poster: %w", err)
	}
	if job.Reward, err = strconv.ParseUint(reward, 10, 64); err != nil {
		return nil, fmt.Errorf("decode reward: %w", err)
	}
	job.Template = verify.TemplateID(template)
	if err := json.Unmarshal([]byte(params), &job.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	job.Status = JobStatus(status)
	if escrowAddr.Valid && escrowAddr.String != "" {
		addr, err := codec.ParseAddress(escrowAddr.String)
		if err != nil {
			return nil, fmt.Errorf("decode escrow address: %w", err)
		}
		job.EscrowAddress = &addr
	}
	if winner.Valid && winner.String != "" {
		addr, err := crypto.DecodeAddress(winner.String)
		if err != nil {
			return nil, fmt.Errorf("decode winner: %w", err)
		}
		job.Winner = &addr
	}
	job.CreatedAt = time.Unix(createdAt, 0).UTC()
	job.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	job.FundedAt = timePtr(fundedAt)
	job.FirstClaimedAt = timePtr(firstClaimed)
	job.SubmittedAt = timePtr(submittedAt)
	job.CompletedAt = timePtr(completed)
	job.ReviewDeadline = timePtr(reviewDeadline)
	job.DisputedAt = timePtr(dispute)
	return &job, nil
}

func (s *SQLiteStore) PutClaim(ctx context.Context, claim *Claim) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO claims
        (job_id, worker, status, message, proof, proof_hash, fail_reason, created_at, updated_at, submitted_at, version)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		claim.JobID, claim.Worker.String(), string(claim.Status), claim.Message,
		claim.Proof, hashText(claim.ProofHash), claim.FailReason,
		claim.CreatedAt.Unix(), claim.UpdatedAt.Unix(), unixPtr(claim.SubmittedAt))
	return err
}

func (s *SQLiteStore) UpdateClaim(ctx context.Context, claim *Claim) error {
	res, err := s.db.ExecContext(ctx, `UPDATE claims SET
        status = ?, message = ?, proof = ?, proof_hash = ?, fail_reason = ?,
        updated_at = ?, submitted_at = ?, version = version + 1
        WHERE job_id = ? AND worker = ? AND version = ?`,
		string(claim.Status), claim.Message, claim.Proof, hashText(claim.ProofHash),
		claim.FailReason, claim.UpdatedAt.Unix(), unixPtr(claim.SubmittedAt),
		claim.JobID, claim.Worker.String(), claim.Version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	claim.Version++
	return nil
}

const claimColumns = `job_id, worker, status, message, proof, proof_hash, fail_reason,
    created_at, updated_at, submitted_at, version`

func (s *SQLiteStore) GetClaim(ctx context.Context, jobID string, worker crypto.Address) (*Claim, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE job_id = ? AND worker = ?`,
		jobID, worker.String())
	return scanClaim(row)
}

func (s *SQLiteStore) ListClaims(ctx context.Context, jobID string) ([]*Claim, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE job_id = ? ORDER BY created_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var claims []*Claim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

func (s *SQLiteStore) ListClaimsByStatus(ctx context.Context, status ClaimStatus, limit int) ([]*Claim, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE status = ? ORDER BY updated_at LIMIT ?`,
		string(status), sweepLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var claims []*Claim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

func scanClaim(row rowScanner) (*Claim, error) {
	var (
		claim                Claim
		worker, status       string
		proofHash            sql.NullString
		createdAt, updatedAt int64
		submittedAt          sql.NullInt64
	)
	err := row.Scan(&claim.JobID, &worker, &status, &claim.Message, &claim.Proof,
		&proofHash, &claim.FailReason, &createdAt, &updatedAt, &submittedAt, &claim.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if claim.Worker, err = crypto.DecodeAddress(worker); err != nil {
		return nil, fmt.Errorf("decode worker: %w", err)
	}
	claim.Status = ClaimStatus(status)
	if proofHash.Valid && proofHash.String != "" {
		raw, err := hex.DecodeString(proofHash.String)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("decode proof hash: %q", proofHash.String)
		}
		var h [32]byte
		copy(h[:], raw)
		claim.ProofHash = &h
	}
	claim.CreatedAt = time.Unix(createdAt, 0).UTC()
	claim.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	claim.SubmittedAt = timePtr(submittedAt)
	return &claim, nil
}

func sweepLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func unixPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func addrText(a *codec.Address) interface{} {
	if a == nil {
		return nil
	}
	return a.String()
}

func workerText(a *crypto.Address) interface{} {
	if a == nil {
		return nil
	}
	return a.String()
}

func hashText(h *[32]byte) interface{} {
	if h == nil {
		return nil
	}
	return hex.EncodeToString(h[:])
}
