package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/call-verification-engine/internal/domain/call"
	"github.com/davidleathers/call-verification-engine/internal/service/calldriver"
)

// CallLogRepository persists one row per call attempt on PostgreSQL.
type CallLogRepository struct {
	db *pgxpool.Pool
}

func NewCallLogRepository(db *pgxpool.Pool) *CallLogRepository {
	return &CallLogRepository{db: db}
}

// Create inserts the attempt row at dial time.
func (r *CallLogRepository) Create(ctx context.Context, log *calldriver.CallLog) error {
	query := `
		INSERT INTO call_logs (
			id, verification_id, call_sid, to_number,
			attempt_number, simulated, outcome, initiated_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		log.ID, log.VerificationID, log.CallSID, log.ToNumber,
		log.AttemptNumber, log.Simulated, log.Outcome, log.InitiatedAt, log.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call log for %s: %w", log.CallSID, err)
	}
	return nil
}

// Complete stamps the outcome once the attempt finishes.
func (r *CallLogRepository) Complete(ctx context.Context, callSID string, outcome call.Outcome, endedAt time.Time) error {
	query := `UPDATE call_logs SET outcome = $2, ended_at = $3 WHERE call_sid = $1`
	tag, err := r.db.Exec(ctx, query, callSID, outcome.String(), endedAt)
	if err != nil {
		return fmt.Errorf("failed to complete call log %s: %w", callSID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("call log %s not found", callSID)
	}
	return nil
}

// History lists attempts for one verification, newest first.
func (r *CallLogRepository) History(ctx context.Context, verificationID string) ([]*calldriver.CallLog, error) {
	query := `
		SELECT id, verification_id, call_sid, to_number,
			attempt_number, simulated, outcome, initiated_at, ended_at
		FROM call_logs
		WHERE verification_id = $1
		ORDER BY initiated_at DESC
	`
	rows, err := r.db.Query(ctx, query, verificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query call logs for %s: %w", verificationID, err)
	}
	defer rows.Close()

	var out []*calldriver.CallLog
	for rows.Next() {
		var l calldriver.CallLog
		if err := rows.Scan(
			&l.ID, &l.VerificationID, &l.CallSID, &l.ToNumber,
			&l.AttemptNumber, &l.Simulated, &l.Outcome, &l.InitiatedAt, &l.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

var _ calldriver.CallLogStore = (*CallLogRepository)(nil)
