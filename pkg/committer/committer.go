package committer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arome3/ciel/pkg/capability"
	"github.com/arome3/ciel/pkg/contracts"
	"github.com/arome3/ciel/pkg/workflow"
)

// ChainWriter is the write half of the capability layer the committer
// needs. Satisfied by *capability.Client.
type ChainWriter interface {
	EVMWriteReport(ctx context.Context, chainSelector uint64, address string, payload []byte) (string, error)
	ConfirmTx(ctx context.Context, chainSelector uint64, txRef string) (bool, error)
}

// Error is the terminal commit failure: an agreed report exists but was
// never durably recorded onchain. Distinct from the consensus failures
// and requires operator attention; it must not silently disappear.
type Error struct {
	FiringID string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("commit for firing %s failed after %d attempt(s): %v", e.FiringID, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config bounds the submission and confirmation loops.
type Config struct {
	MaxAttempts     int
	ConfirmInterval time.Duration
	ConfirmWait     time.Duration
	Backoff         capability.BackoffPolicy
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		ConfirmInterval: 2 * time.Second,
		ConfirmWait:     60 * time.Second,
		Backoff:         capability.DefaultBackoff,
	}
}

// Committer writes agreed reports onchain, once per firing.
type Committer struct {
	writer ChainWriter
	store  Store
	cfg    Config
	logger *slog.Logger
}

func New(writer ChainWriter, store Store, cfg Config) *Committer {
	if cfg.MaxAttempts == 0 {
		cfg = DefaultConfig()
	}
	return &Committer{
		writer: writer,
		store:  store,
		cfg:    cfg,
		logger: slog.Default().With("component", "committer"),
	}
}

// Commit encodes the report and submits it to the target, deduplicating
// by (report id, firing id):
//
//   - an existing Confirmed commit is returned as-is, no resubmission;
//   - an existing Pending commit resumes its confirmation wait and, if
//     the transaction never confirms, is resubmitted with the same
//     payload (safe: the payload is deterministic);
//   - a Failed commit is retried until the attempt budget is spent, then
//     surfaced as a permanent *Error.
func (c *Committer) Commit(ctx context.Context, report *contracts.AgreedReport, target workflow.Target) (*contracts.Commit, error) {
	payload, err := Encode(report)
	if err != nil {
		return nil, &Error{FiringID: report.FiringID, Err: err}
	}
	report.EncodedPayload = payload
	digest := Digest(payload)

	existing, err := c.store.Get(ctx, report.ReportID, report.FiringID)
	if err != nil {
		return nil, &Error{FiringID: report.FiringID, Err: err}
	}

	attempts := 0
	if existing != nil {
		switch existing.Status {
		case contracts.CommitConfirmed:
			c.logger.InfoContext(ctx, "commit already confirmed, returning prior result",
				"firing_id", report.FiringID, "tx_ref", existing.TxRef)
			return existing, nil
		case contracts.CommitPending:
			done, err := c.awaitConfirm(ctx, target.ChainSelector, existing.TxRef)
			if err != nil {
				// Cancelled mid-wait. The record stays Pending and no
				// attempt is burned; the next Commit resumes here.
				return nil, &Error{FiringID: report.FiringID, Attempts: existing.Attempts, Err: err}
			}
			if done {
				existing.Status = contracts.CommitConfirmed
				if err := c.store.Put(ctx, existing); err != nil {
					return nil, &Error{FiringID: report.FiringID, Attempts: existing.Attempts, Err: err}
				}
				return existing, nil
			}
			attempts = existing.Attempts
		case contracts.CommitFailed:
			attempts = existing.Attempts
			if attempts >= c.cfg.MaxAttempts {
				return nil, &Error{
					FiringID: report.FiringID,
					Attempts: attempts,
					Err:      fmt.Errorf("attempt budget exhausted"),
				}
			}
		}
	}

	return c.submitLoop(ctx, report, target, payload, digest, attempts)
}

func (c *Committer) submitLoop(ctx context.Context, report *contracts.AgreedReport, target workflow.Target, payload []byte, digest string, attempts int) (*contracts.Commit, error) {
	var lastErr error
	for attempts < c.cfg.MaxAttempts {
		attempts++

		txRef, err := c.writer.EVMWriteReport(ctx, target.ChainSelector, target.ContractAddress, payload)
		if err != nil {
			lastErr = err
			c.logger.WarnContext(ctx, "report submission failed",
				"firing_id", report.FiringID, "attempt", attempts, "error", err)
			if err := c.recordFailure(ctx, report, digest, attempts); err != nil {
				return nil, &Error{FiringID: report.FiringID, Attempts: attempts, Err: err}
			}
			if err := c.backoff(ctx, report.FiringID, attempts); err != nil {
				return nil, &Error{FiringID: report.FiringID, Attempts: attempts, Err: err}
			}
			continue
		}

		pending := &contracts.Commit{
			FiringID:      report.FiringID,
			ReportID:      report.ReportID,
			TxRef:         txRef,
			Status:        contracts.CommitPending,
			PayloadDigest: digest,
			Attempts:      attempts,
		}
		if err := c.store.Put(ctx, pending); err != nil {
			return nil, &Error{FiringID: report.FiringID, Attempts: attempts, Err: err}
		}

		confirmed, err := c.awaitConfirm(ctx, target.ChainSelector, txRef)
		if err != nil {
			return nil, &Error{FiringID: report.FiringID, Attempts: attempts, Err: err}
		}
		if confirmed {
			pending.Status = contracts.CommitConfirmed
			if err := c.store.Put(ctx, pending); err != nil {
				return nil, &Error{FiringID: report.FiringID, Attempts: attempts, Err: err}
			}
			c.logger.InfoContext(ctx, "commit confirmed",
				"firing_id", report.FiringID, "tx_ref", txRef, "attempts", attempts)
			return pending, nil
		}

		// Confirmation wait expired; resubmit the identical payload.
		lastErr = fmt.Errorf("transaction %s did not confirm within %s", txRef, c.cfg.ConfirmWait)
		c.logger.WarnContext(ctx, "confirmation wait expired, resubmitting",
			"firing_id", report.FiringID, "tx_ref", txRef, "attempt", attempts)
	}

	if err := c.recordFailure(ctx, report, digest, attempts); err != nil {
		lastErr = err
	}
	return nil, &Error{FiringID: report.FiringID, Attempts: attempts, Err: lastErr}
}

func (c *Committer) recordFailure(ctx context.Context, report *contracts.AgreedReport, digest string, attempts int) error {
	return c.store.Put(ctx, &contracts.Commit{
		FiringID:      report.FiringID,
		ReportID:      report.ReportID,
		Status:        contracts.CommitFailed,
		PayloadDigest: digest,
		Attempts:      attempts,
	})
}

// awaitConfirm polls until the transaction confirms or the bounded wait
// elapses. Returns (false, nil) when the wait expires.
func (c *Committer) awaitConfirm(ctx context.Context, chainSelector uint64, txRef string) (bool, error) {
	deadline := time.Now().Add(c.cfg.ConfirmWait)
	ticker := time.NewTicker(c.cfg.ConfirmInterval)
	defer ticker.Stop()

	for {
		confirmed, err := c.writer.ConfirmTx(ctx, chainSelector, txRef)
		if err == nil && confirmed {
			return true, nil
		}
		if err != nil {
			c.logger.DebugContext(ctx, "confirmation check failed", "tx_ref", txRef, "error", err)
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Committer) backoff(ctx context.Context, firingID string, attempt int) error {
	delay := capability.ComputeBackoff("commit", firingID, attempt, c.cfg.Backoff)
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
