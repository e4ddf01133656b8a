package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/call-verification-engine/internal/domain/verification"
)

// eligiblePredicate selects records the scheduler may claim: pending records
// whose eligibility window has opened (or was never set), plus failed records
// whose retry backoff has elapsed. Failed records are promoted lazily by this
// predicate instead of a background sweep writing failed -> pending.
const eligiblePredicate = `
	(status = 'pending' AND (next_eligible_at IS NULL OR next_eligible_at <= now()))
	OR (status = 'failed' AND next_eligible_at IS NOT NULL AND next_eligible_at <= now())`

// VerificationRepository implements the record store contracts of the
// scheduler and the call driver on PostgreSQL.
type VerificationRepository struct {
	db *pgxpool.Pool
}

func NewVerificationRepository(db *pgxpool.Pool) *VerificationRepository {
	return &VerificationRepository{db: db}
}

const verificationColumns = `
	id, verification_id, customer_name, customer_phone, company_name,
	company_phone, account_number, status, attempt_count, priority,
	next_eligible_at, last_call_sid, call_summary, account_exists,
	failure_reason, created_at, updated_at`

// Create inserts a new verification record.
func (r *VerificationRepository) Create(ctx context.Context, rec *verification.Record) error {
	query := `
		INSERT INTO verifications (` + verificationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.VerificationID, rec.CustomerName, rec.CustomerPhone,
		rec.CompanyName, rec.CompanyPhone, nullableString(rec.AccountNumber),
		rec.Status.String(), rec.AttemptCount, rec.Priority,
		rec.NextEligibleAt, rec.LastCallSID, rec.CallSummary, rec.AccountExists,
		rec.FailureReason, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create verification %s: %w", rec.VerificationID, err)
	}
	return nil
}

// Save persists the record's mutable state.
func (r *VerificationRepository) Save(ctx context.Context, rec *verification.Record) error {
	query := `
		UPDATE verifications SET
			status = $2, attempt_count = $3, priority = $4,
			next_eligible_at = $5, last_call_sid = $6, call_summary = $7,
			account_exists = $8, failure_reason = $9, updated_at = $10
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		rec.ID, rec.Status.String(), rec.AttemptCount, rec.Priority,
		rec.NextEligibleAt, rec.LastCallSID, rec.CallSummary,
		rec.AccountExists, rec.FailureReason, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save verification %s: %w", rec.VerificationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("verification %s not found", rec.VerificationID)
	}
	return nil
}

// GetByID fetches one record by primary key.
func (r *VerificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*verification.Record, error) {
	query := `SELECT ` + verificationColumns + ` FROM verifications WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

// GetByVerificationID fetches one record by its external identifier.
func (r *VerificationRepository) GetByVerificationID(ctx context.Context, verificationID string) (*verification.Record, error) {
	query := `SELECT ` + verificationColumns + ` FROM verifications WHERE verification_id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, verificationID))
}

// GetByCallSID fetches the record whose most recent attempt used the SID.
func (r *VerificationRepository) GetByCallSID(ctx context.Context, callSID string) (*verification.Record, error) {
	query := `SELECT ` + verificationColumns + ` FROM verifications WHERE last_call_sid = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, callSID))
}

// GetEligibleCandidates returns claimable records ordered by priority
// descending, then oldest first.
func (r *VerificationRepository) GetEligibleCandidates(ctx context.Context, limit int) ([]*verification.Record, error) {
	query := `
		SELECT ` + verificationColumns + `
		FROM verifications
		WHERE ` + eligiblePredicate + `
		ORDER BY priority DESC, created_at ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible verifications: %w", err)
	}
	defer rows.Close()

	var out []*verification.Record
	for rows.Next() {
		rec, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TryClaim atomically transitions an eligible record to calling. The
// eligibility predicate is re-checked inside the UPDATE, so two concurrent
// claimers can never both win, and a failed record is claimed directly
// without an intermediate pending write.
func (r *VerificationRepository) TryClaim(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE verifications
		SET status = 'calling', next_eligible_at = NULL, updated_at = now()
		WHERE id = $1 AND (` + eligiblePredicate + `)
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim verification %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseClaim returns a claimed record to pending without loading it first.
// Recovery path for a finished call whose record could not be read back: no
// attempt is consumed and the record becomes claimable again at once.
func (r *VerificationRepository) ReleaseClaim(ctx context.Context, verificationID string) error {
	query := `
		UPDATE verifications
		SET status = 'pending', next_eligible_at = NULL, updated_at = now()
		WHERE verification_id = $1 AND status = 'calling'
	`
	tag, err := r.db.Exec(ctx, query, verificationID)
	if err != nil {
		return fmt.Errorf("failed to release claim on verification %s: %w", verificationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("verification %s is not claimed", verificationID)
	}
	return nil
}

// CountByStatus reports how many records sit in each status.
func (r *VerificationRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, count(*) FROM verifications GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count verifications: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *VerificationRepository) scanOne(row pgx.Row) (*verification.Record, error) {
	var rec verification.Record
	var statusStr string
	var accountNumber *string

	err := row.Scan(
		&rec.ID, &rec.VerificationID, &rec.CustomerName, &rec.CustomerPhone,
		&rec.CompanyName, &rec.CompanyPhone, &accountNumber,
		&statusStr, &rec.AttemptCount, &rec.Priority,
		&rec.NextEligibleAt, &rec.LastCallSID, &rec.CallSummary, &rec.AccountExists,
		&rec.FailureReason, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("verification not found")
		}
		return nil, fmt.Errorf("failed to scan verification: %w", err)
	}

	if accountNumber != nil {
		rec.AccountNumber = *accountNumber
	}
	status, err := verification.ParseStatus(statusStr)
	if err != nil {
		return nil, err
	}
	rec.Status = status
	return &rec, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Touch exists for health checks: a cheap round trip proving the table is
// reachable.
func (r *VerificationRepository) Touch(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var one int
	return r.db.QueryRow(ctx, `SELECT 1`).Scan(&one)
}
