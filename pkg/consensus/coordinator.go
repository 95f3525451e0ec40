package consensus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arome3/ciel/pkg/contracts"
	"github.com/arome3/ciel/pkg/workflow"
)

// DecisionHandler receives each round's terminal decision exactly once.
type DecisionHandler func(ctx context.Context, d Decision)

// Coordinator owns all live rounds, keyed (workflowID, firingID). It is
// the single synchronization point the independent node executions feed
// into.
type Coordinator struct {
	mu      sync.Mutex
	rounds  map[roundKey]*round
	open    map[string]int // open (collecting) round count per workflow
	handler DecisionHandler
	logger  *slog.Logger
}

// NewCoordinator builds a coordinator delivering decisions to handler.
func NewCoordinator(handler DecisionHandler) *Coordinator {
	return &Coordinator{
		rounds:  make(map[roundKey]*round),
		open:    make(map[string]int),
		handler: handler,
		logger:  slog.Default().With("component", "consensus"),
	}
}

// Open eagerly creates the round for a firing and arms its deadline
// timer. participants is the number of nodes that will attempt a
// submission; the Identical strategy needs it to recognize that no
// agreeing quorum can form anymore.
func (c *Coordinator) Open(ctx context.Context, def *workflow.Definition, firingID string, participants int) error {
	key := roundKey{workflowID: def.ID, firingID: firingID}

	c.mu.Lock()
	if _, exists := c.rounds[key]; exists {
		c.mu.Unlock()
		return ErrDuplicateRound
	}
	r := &round{
		key:          key,
		spec:         def.Consensus,
		reportID:     def.Consensus.ReportID,
		participants: participants,
		received:     make(map[string]contracts.ResultRecord),
		openedAt:     time.Now().UTC(),
	}
	r.timer = time.AfterFunc(def.Consensus.RoundTimeout.Std(), func() {
		c.expire(ctx, key)
	})
	c.rounds[key] = r
	c.open[def.ID]++
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "round opened",
		"workflow_id", def.ID, "firing_id", firingID,
		"quorum", def.Consensus.Quorum, "timeout", def.Consensus.RoundTimeout.Std())
	return nil
}

// Submit routes one node's result into its round. Submissions to a
// terminal round return ErrRoundClosed and are otherwise ignored;
// submissions for unknown firings return ErrNoRound.
func (c *Coordinator) Submit(ctx context.Context, workflowID string, rec contracts.ResultRecord) error {
	key := roundKey{workflowID: workflowID, firingID: rec.FiringID}

	c.mu.Lock()
	r, ok := c.rounds[key]
	c.mu.Unlock()
	if !ok {
		return ErrNoRound
	}

	decision, err := r.submit(rec)
	if err != nil {
		return err
	}
	if decision != nil {
		c.finish(ctx, key, *decision)
	}
	return nil
}

// HasOpenRound reports whether any round for the workflow is still
// collecting. The cron overlap guard consults this before admitting a
// tick.
func (c *Coordinator) HasOpenRound(workflowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open[workflowID] > 0
}

// Forget drops a terminal round's state. The engine calls this after the
// decision is fully processed; until then late submissions are detected
// and rejected rather than resurrecting the round.
func (c *Coordinator) Forget(workflowID, firingID string) {
	key := roundKey{workflowID: workflowID, firingID: firingID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rounds[key]; ok {
		// Only terminal rounds may be forgotten.
		r.mu.Lock()
		terminal := r.status == statusDecided
		r.mu.Unlock()
		if terminal {
			delete(c.rounds, key)
		}
	}
}

func (c *Coordinator) expire(ctx context.Context, key roundKey) {
	c.mu.Lock()
	r, ok := c.rounds[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	if decision := r.expire(); decision != nil {
		c.finish(ctx, key, *decision)
	}
}

// finish runs bookkeeping for a terminal round and delivers the decision
// outside all locks.
func (c *Coordinator) finish(ctx context.Context, key roundKey, d Decision) {
	c.mu.Lock()
	if c.open[key.workflowID] > 0 {
		c.open[key.workflowID]--
	}
	if c.open[key.workflowID] == 0 {
		delete(c.open, key.workflowID)
	}
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "round decided",
		"workflow_id", key.workflowID, "firing_id", key.firingID,
		"outcome", d.Outcome, "reason", d.Reason, "received", len(d.Received))

	if c.handler != nil {
		c.handler(ctx, d)
	}
}
