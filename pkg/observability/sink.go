package observability

import (
	"context"
	"log/slog"
	"time"
)

// RoundEvent is one round decision reported outward.
type RoundEvent struct {
	WorkflowID string
	FiringID   string
	Outcome    string
	Reason     string
	Received   int
	Duration   time.Duration
}

// CommitEvent is one commit outcome reported outward.
type CommitEvent struct {
	WorkflowID string
	FiringID   string
	TxRef      string
	Status     string
	Attempts   int
	Err        error
}

// EventSink receives the runtime's externally visible events. The
// boundary is logging-shaped: implementations forward, they never veto.
type EventSink interface {
	RoundDecided(ctx context.Context, ev RoundEvent)
	CommitFinished(ctx context.Context, ev CommitEvent)
}

// LogSink reports events through slog and the metric instruments.
type LogSink struct {
	provider *Provider
	logger   *slog.Logger
}

// NewLogSink builds the default sink. provider may be nil (logs only).
func NewLogSink(provider *Provider) *LogSink {
	return &LogSink{
		provider: provider,
		logger:   slog.Default().With("component", "events"),
	}
}

func (s *LogSink) RoundDecided(ctx context.Context, ev RoundEvent) {
	s.logger.InfoContext(ctx, "round decided",
		"workflow_id", ev.WorkflowID,
		"firing_id", ev.FiringID,
		"outcome", ev.Outcome,
		"reason", ev.Reason,
		"received", ev.Received,
		"duration", ev.Duration,
	)
	if s.provider != nil {
		s.provider.RoundDecided(ctx, ev.WorkflowID, ev.Outcome, ev.Reason, ev.Duration)
	}
}

func (s *LogSink) CommitFinished(ctx context.Context, ev CommitEvent) {
	if ev.Err != nil {
		s.logger.ErrorContext(ctx, "commit failed",
			"workflow_id", ev.WorkflowID,
			"firing_id", ev.FiringID,
			"status", ev.Status,
			"attempts", ev.Attempts,
			"error", ev.Err,
		)
	} else {
		s.logger.InfoContext(ctx, "commit finished",
			"workflow_id", ev.WorkflowID,
			"firing_id", ev.FiringID,
			"tx_ref", ev.TxRef,
			"status", ev.Status,
			"attempts", ev.Attempts,
		)
	}
	if s.provider != nil {
		s.provider.CommitRecorded(ctx, ev.WorkflowID, ev.Status)
	}
}
