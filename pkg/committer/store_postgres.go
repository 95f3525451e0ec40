package committer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/arome3/ciel/pkg/contracts"
)

// PostgresStore is the shared-database Store for deployments where
// several replicas must agree on commit state.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPostgresStore connects using a lib/pq DSN.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("committer: open postgres store: %w", err)
	}
	return NewPostgresStore(db)
}

func (s *PostgresStore) migrate() error {
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

func (s *PostgresStore) Get(ctx context.Context, reportID, firingID string) (*contracts.Commit, error) {
	query := `
		SELECT firing_id, report_id, tx_ref, status, payload_digest, attempts
		FROM commits
		WHERE report_id = $1 AND firing_id = $2
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

func (s *PostgresStore) Put(ctx context.Context, commit *contracts.Commit) error {
	query := `
		INSERT INTO commits (firing_id, report_id, tx_ref, status, payload_digest, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (report_id, firing_id) DO UPDATE SET
			tx_ref = EXCLUDED.tx_ref,
			status = EXCLUDED.status,
			payload_digest = EXCLUDED.payload_digest,
			attempts = EXCLUDED.attempts
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
func (s *PostgresStore) Close() error { return s.db.Close() }
