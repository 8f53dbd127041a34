package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"paperline/internal/db"
	"paperline/internal/domain"
)

// ErrNoSnapshot is returned when no cached projection exists.
var ErrNoSnapshot = errors.New("no snapshot")

// Cache persists current-state snapshots in the projections table. Snapshots
// are replaced wholesale; only the engine's commit path writes them.
type Cache struct {
	Conn *db.Conn
}

// Get returns the cached snapshot for a submission.
func (c Cache) Get(ctx context.Context, submissionID string) (*domain.Submission, error) {
	row := c.Conn.QueryRowContext(ctx,
		c.Conn.Rebind(`SELECT state_json FROM projections WHERE submission_id=?`), submissionID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var s domain.Submission
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", submissionID, err)
	}
	return &s, nil
}

// PutTx replaces the snapshot inside the caller's transaction, so the cache
// advances atomically with the append that produced it.
func (c Cache) PutTx(ctx context.Context, tx *sql.Tx, s *domain.Submission) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, c.Conn.Rebind(`
		INSERT INTO projections(submission_id, version, state_json) VALUES (?,?,?)
		ON CONFLICT(submission_id) DO UPDATE SET version=excluded.version, state_json=excluded.state_json`),
		s.ID, s.Version, string(raw))
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Delete drops the snapshot for a submission, forcing the next read to replay.
func (c Cache) Delete(ctx context.Context, submissionID string) error {
	_, err := c.Conn.ExecContext(ctx,
		c.Conn.Rebind(`DELETE FROM projections WHERE submission_id=?`), submissionID)
	return err
}

// List returns the submission ids with cached snapshots.
func (c Cache) List(ctx context.Context) ([]string, error) {
	rows, err := c.Conn.QueryContext(ctx, `SELECT submission_id FROM projections ORDER BY submission_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
