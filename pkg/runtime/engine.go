// Package runtime wires the pipeline: a trigger source emits a firing,
// the node pool fans the handler out, results stream into the consensus
// coordinator, and a passed round's report goes through the committer.
// A single round's failure is an event, never a reason to stop the
// stream.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arome3/ciel/pkg/committer"
	"github.com/arome3/ciel/pkg/consensus"
	"github.com/arome3/ciel/pkg/contracts"
	"github.com/arome3/ciel/pkg/node"
	"github.com/arome3/ciel/pkg/observability"
	"github.com/arome3/ciel/pkg/trigger"
	"github.com/arome3/ciel/pkg/workflow"
)

// Engine runs registered workflow definitions until its context ends.
type Engine struct {
	registry  *node.Registry
	pool      *node.Pool
	committer *committer.Committer
	sink      observability.EventSink
	provider  *observability.Provider
	logFeed   trigger.LogFeed

	coordinator *consensus.Coordinator

	mu        sync.Mutex
	workflows map[string]*boundWorkflow
	openedAt  map[openKey]time.Time

	wg           sync.WaitGroup
	drainTimeout time.Duration
	logger       *slog.Logger
}

// openKey matches the coordinator's round key. Log-derived firing ids
// are shared between workflows watching the same event, so the firing
// id alone cannot key round timing.
type openKey struct {
	workflowID string
	firingID   string
}

type boundWorkflow struct {
	def     *workflow.Definition
	handler node.Handler
	source  trigger.Source
}

// Options configures optional engine collaborators.
type Options struct {
	// LogFeed backs evm-log triggers; nil restricts the engine to cron
	// workflows.
	LogFeed trigger.LogFeed
	// Provider records metrics; nil disables them.
	Provider *observability.Provider
	// DrainTimeout bounds the shutdown wait for in-flight rounds.
	DrainTimeout time.Duration
}

// New builds an engine over the given collaborators.
func New(registry *node.Registry, pool *node.Pool, cmt *committer.Committer, sink observability.EventSink, opts Options) *Engine {
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	e := &Engine{
		registry:     registry,
		pool:         pool,
		committer:    cmt,
		sink:         sink,
		provider:     opts.Provider,
		logFeed:      opts.LogFeed,
		workflows:    make(map[string]*boundWorkflow),
		openedAt:     make(map[openKey]time.Time),
		drainTimeout: opts.DrainTimeout,
		logger:       slog.Default().With("component", "runtime"),
	}
	e.coordinator = consensus.NewCoordinator(e.onDecision)
	return e
}

// Register validates the definition, binds its handler and builds its
// trigger source. Must be called before Run.
func (e *Engine) Register(def *workflow.Definition) error {
	if err := def.Validate(e.registry); err != nil {
		return err
	}
	handler, ok := e.registry.Lookup(def.Handler)
	if !ok {
		return fmt.Errorf("runtime: %w: %q", workflow.ErrUnknownHandler, def.Handler)
	}

	source, err := e.buildSource(def)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.ID]; dup {
		return fmt.Errorf("runtime: workflow %q already registered", def.ID)
	}
	e.workflows[def.ID] = &boundWorkflow{def: def, handler: handler, source: source}
	return nil
}

func (e *Engine) buildSource(def *workflow.Definition) (trigger.Source, error) {
	switch def.Trigger.Kind {
	case workflow.TriggerCron:
		return trigger.NewCronSource(def.ID, def.Trigger.Cron.Schedule)
	case workflow.TriggerEventLog:
		if e.logFeed == nil {
			return nil, fmt.Errorf("runtime: workflow %q needs an evm-log feed but none is configured", def.ID)
		}
		ev := def.Trigger.EventLog
		return trigger.NewEventLogSource(def.ID, ev.ChainSelector, ev.ContractAddress, ev.EventSignature, ev.Filter, e.logFeed)
	default:
		return nil, fmt.Errorf("runtime: workflow %q has unknown trigger kind %q", def.ID, def.Trigger.Kind)
	}
}

// Run starts every registered workflow's trigger stream and blocks until
// ctx is done, then drains in-flight rounds.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	bound := make([]*boundWorkflow, 0, len(e.workflows))
	for _, w := range e.workflows {
		bound = append(bound, w)
	}
	e.mu.Unlock()

	if len(bound) == 0 {
		return errors.New("runtime: no workflows registered")
	}

	for _, w := range bound {
		firings, err := w.source.Start(ctx)
		if err != nil {
			return fmt.Errorf("runtime: start trigger for %q: %w", w.def.ID, err)
		}
		e.wg.Add(1)
		go e.consume(ctx, w, firings)
		e.logger.InfoContext(ctx, "workflow started",
			"workflow_id", w.def.ID,
			"trigger", w.def.Trigger.Kind,
			"strategy", w.def.Consensus.Strategy,
			"quorum", w.def.Consensus.Quorum,
		)
	}

	<-ctx.Done()
	for _, w := range bound {
		_ = w.source.Close()
	}
	return e.drain()
}

// consume processes one workflow's firing stream. Cron firings run
// sequentially with the overlap guard; log firings are independent
// events and each gets its own round goroutine.
func (e *Engine) consume(ctx context.Context, w *boundWorkflow, firings <-chan contracts.Firing) {
	defer e.wg.Done()
	for firing := range firings {
		switch w.def.Trigger.Kind {
		case workflow.TriggerCron:
			if e.coordinator.HasOpenRound(w.def.ID) {
				e.logger.WarnContext(ctx, "tick skipped, previous round still open",
					"workflow_id", w.def.ID, "firing_id", firing.FiringID)
				continue
			}
			e.processFiring(ctx, w, firing)
		default:
			firing := firing
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.processFiring(ctx, w, firing)
			}()
		}
	}
}

// processFiring opens the round eagerly, fans the handler out and lets
// submissions drive the round to its decision. Returns once every node
// has finished; the decision itself may arrive earlier (quorum) or later
// (deadline timer).
func (e *Engine) processFiring(ctx context.Context, w *boundWorkflow, firing contracts.Firing) {
	key := openKey{workflowID: w.def.ID, firingID: firing.FiringID}
	e.mu.Lock()
	e.openedAt[key] = time.Now().UTC()
	e.mu.Unlock()

	if err := e.coordinator.Open(ctx, w.def, firing.FiringID, e.pool.Size()); err != nil {
		e.logger.ErrorContext(ctx, "round open failed",
			"workflow_id", w.def.ID, "firing_id", firing.FiringID, "error", err)
		e.mu.Lock()
		delete(e.openedAt, key)
		e.mu.Unlock()
		return
	}
	if e.provider != nil {
		e.provider.RoundOpened(ctx, w.def.ID)
	}

	e.pool.Execute(ctx, w.handler, firing, func(rec contracts.ResultRecord) {
		err := e.coordinator.Submit(ctx, w.def.ID, rec)
		if err != nil && !errors.Is(err, consensus.ErrRoundClosed) && !errors.Is(err, consensus.ErrNoRound) {
			e.logger.ErrorContext(ctx, "submission rejected",
				"workflow_id", w.def.ID, "firing_id", rec.FiringID,
				"node_id", rec.NodeID, "error", err)
		}
	})
}

// onDecision receives each round's terminal decision from the
// coordinator, reports it outward and, on a pass, drives the commit.
func (e *Engine) onDecision(ctx context.Context, d consensus.Decision) {
	key := openKey{workflowID: d.WorkflowID, firingID: d.FiringID}
	e.mu.Lock()
	w := e.workflows[d.WorkflowID]
	opened, hasOpened := e.openedAt[key]
	delete(e.openedAt, key)
	e.mu.Unlock()

	var duration time.Duration
	if hasOpened {
		duration = d.DecidedAt.Sub(opened)
	}

	e.sink.RoundDecided(ctx, observability.RoundEvent{
		WorkflowID: d.WorkflowID,
		FiringID:   d.FiringID,
		Outcome:    string(d.Outcome),
		Reason:     string(d.Reason),
		Received:   len(d.Received),
		Duration:   duration,
	})

	if d.Outcome == consensus.OutcomePass && w != nil {
		e.commit(ctx, w, d)
	}

	// Terminal round state stays queryable during commit; drop it last so
	// late submissions are rejected, not resurrected.
	e.coordinator.Forget(d.WorkflowID, d.FiringID)
}

func (e *Engine) commit(ctx context.Context, w *boundWorkflow, d consensus.Decision) {
	commit, err := e.committer.Commit(ctx, d.Report, w.def.Target)
	ev := observability.CommitEvent{
		WorkflowID: d.WorkflowID,
		FiringID:   d.FiringID,
		Err:        err,
	}
	if commit != nil {
		ev.TxRef = commit.TxRef
		ev.Status = string(commit.Status)
		ev.Attempts = commit.Attempts
	} else {
		ev.Status = string(contracts.CommitFailed)
		var cerr *committer.Error
		if errors.As(err, &cerr) {
			ev.Attempts = cerr.Attempts
		}
	}
	e.sink.CommitFinished(ctx, ev)
}

// drain waits for in-flight work up to the drain timeout.
func (e *Engine) drain() error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(e.drainTimeout):
		return errors.New("runtime: drain timeout elapsed with rounds still in flight")
	}
}
