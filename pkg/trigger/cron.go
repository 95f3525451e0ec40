package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/arome3/ciel/pkg/contracts"
)

// CronSource fires on each tick of a 6-field cron schedule. Each emission
// gets a fresh FiringID; the overlap guard (skipping ticks while the
// previous round is open) lives in the runtime engine, which knows round
// state.
type CronSource struct {
	workflowID string
	schedule   cron.Schedule

	mu      sync.Mutex
	runner  *cron.Cron
	out     chan contracts.Firing
	started bool
	closed  bool

	logger *slog.Logger
}

// NewCronSource parses the schedule (seconds field included) and returns
// the source.
func NewCronSource(workflowID, schedule string) (*CronSource, error) {
	parser := cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("trigger: parse cron schedule %q: %w", schedule, err)
	}
	return &CronSource{
		workflowID: workflowID,
		schedule:   sched,
		logger:     slog.Default().With("component", "trigger.cron", "workflow", workflowID),
	}, nil
}

// Start implements Source.
func (s *CronSource) Start(ctx context.Context) (<-chan contracts.Firing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("trigger: cron source for %s is closed", s.workflowID)
	}
	if s.started {
		return nil, fmt.Errorf("trigger: cron source for %s already started", s.workflowID)
	}
	s.started = true
	s.out = make(chan contracts.Firing, firingBuffer)

	s.runner = cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))
	s.runner.Schedule(s.schedule, cron.FuncJob(func() {
		s.emit(ctx)
	}))
	s.runner.Start()

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s.out, nil
}

func (s *CronSource) emit(ctx context.Context) {
	now := time.Now().UTC()
	firing := contracts.Firing{
		WorkflowID: s.workflowID,
		FiringID:   uuid.NewString(),
		Timestamp:  now,
		Payload: map[string]contracts.Value{
			"scheduled_at": contracts.String(now.Format(time.RFC3339Nano)),
		},
	}
	select {
	case s.out <- firing:
	default:
		// Consumer is behind; drop the tick instead of queueing rounds.
		s.logger.WarnContext(ctx, "tick dropped, consumer behind", "firing_id", firing.FiringID)
	}
}

// Close implements Source.
func (s *CronSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.runner != nil {
		<-s.runner.Stop().Done()
	}
	if s.out != nil {
		close(s.out)
	}
	return nil
}
