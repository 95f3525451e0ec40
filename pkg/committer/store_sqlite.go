package committer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/arome3/ciel/pkg/contracts"
)

// SQLiteStore persists commits in an embedded database so the
// idempotency index survives a restart.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("committer: open sqlite store: %w", err)
	}
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS commits (
		report_id TEXT NOT NULL,
		firing_id TEXT NOT NULL,
		tx_ref TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		payload_digest TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (report_id, firing_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, reportID, firingID string) (*contracts.Commit, error) {
	query := `
		SELECT firing_id, report_id, tx_ref, status, payload_digest, attempts
		FROM commits
		WHERE report_id = ? AND firing_id = ?
	`
	var c contracts.Commit
	err := s.db.QueryRowContext(ctx, query, reportID, firingID).Scan(
		&c.FiringID, &c.ReportID, &c.TxRef, &c.Status, &c.PayloadDigest, &c.Attempts,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("committer: query commit %s: %w", firingID, err)
	}
	return &c, nil
}

func (s *SQLiteStore) Put(ctx context.Context, commit *contracts.Commit) error {
	query := `
		INSERT INTO commits (firing_id, report_id, tx_ref, status, payload_digest, attempts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (report_id, firing_id) DO UPDATE SET
			tx_ref = excluded.tx_ref,
			status = excluded.status,
			payload_digest = excluded.payload_digest,
			attempts = excluded.attempts
	`
	_, err := s.db.ExecContext(ctx, query,
		commit.FiringID, commit.ReportID, commit.TxRef, commit.Status, commit.PayloadDigest, commit.Attempts,
	)
	if err != nil {
		return fmt.Errorf("committer: upsert commit %s: %w", commit.FiringID, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
