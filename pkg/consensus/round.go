// Package consensus collects per-node results for one firing and decides
// PASS or FAIL for the round under the workflow's declared strategy. The
// per-round state is the runtime's only shared mutable resource; every
// mutation happens under the round's lock and a round decides at most
// once.
package consensus

import (
	"errors"
	"sync"
	"time"

	"github.com/arome3/ciel/pkg/contracts"
	"github.com/arome3/ciel/pkg/workflow"
)

// Outcome of a decided round.
type Outcome string

const (
	OutcomePass Outcome = "PASS"
	OutcomeFail Outcome = "FAIL"
)

// FailReason distinguishes the two round-level failures.
type FailReason string

const (
	ReasonMismatch FailReason = "MISMATCH"
	ReasonTimeout  FailReason = "TIMEOUT"
)

// Decision is the terminal result of one round. On failures the raw
// received set rides along for diagnostics; no report exists unless the
// round passed.
type Decision struct {
	WorkflowID string
	FiringID   string
	Outcome    Outcome
	Reason     FailReason
	Report     *contracts.AgreedReport
	Received   []contracts.ResultRecord
	DecidedAt  time.Time
}

type roundStatus int

const (
	statusCollecting roundStatus = iota
	statusDecided
)

var (
	// ErrRoundClosed is returned for submissions that arrive after the
	// round's terminal transition. Late arrivals are dropped, not
	// appended; the decision already stands.
	ErrRoundClosed = errors.New("consensus: round already decided")
	// ErrNoRound is returned when no round exists for the firing.
	ErrNoRound = errors.New("consensus: no round for firing")
	// ErrDuplicateRound is returned when a round is opened twice.
	ErrDuplicateRound = errors.New("consensus: round already open")
)

type roundKey struct {
	workflowID string
	firingID   string
}

// round is one ConsensusRound instance. Rounds are disjoint: no two
// rounds share received records.
type round struct {
	mu           sync.Mutex
	key          roundKey
	spec         workflow.ConsensusSpec
	reportID     string
	participants int
	received     map[string]contracts.ResultRecord // keyed by NodeID
	arrival      []string                          // NodeIDs in first-arrival order
	status       roundStatus
	timer        *time.Timer
	openedAt     time.Time
}

// submit records one node's result and re-evaluates the decision rule.
// Returns the decision if this submission made the round terminal.
// A duplicate NodeID replaces the earlier record, never appends.
func (r *round) submit(rec contracts.ResultRecord) (*Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != statusCollecting {
		return nil, ErrRoundClosed
	}

	if _, seen := r.received[rec.NodeID]; !seen {
		r.arrival = append(r.arrival, rec.NodeID)
	}
	r.received[rec.NodeID] = rec

	res, err := r.evaluate()
	if err != nil {
		return nil, err
	}
	if !res.decided {
		return nil, nil
	}
	return r.decideLocked(res), nil
}

// expire fires on deadline. Decides Fail(Timeout) if still collecting.
func (r *round) expire() *Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != statusCollecting {
		return nil
	}
	return r.decideLocked(evalResult{decided: true, reason: ReasonTimeout})
}

// evaluate applies the declared strategy to the current received set.
// Order-independent: set-based for Identical, statistic-based for Median.
func (r *round) evaluate() (evalResult, error) {
	recs := r.snapshotLocked()
	switch r.spec.Strategy {
	case workflow.StrategyIdentical:
		return evaluateIdentical(recs, r.spec, r.participants)
	case workflow.StrategyMedian:
		return evaluateMedian(recs, r.spec)
	default:
		// Unreachable for validated definitions.
		return keepCollecting, workflow.ErrUnknownStrategy
	}
}

// decideLocked performs the single terminal transition. Caller holds mu
// and has verified the round is still collecting.
func (r *round) decideLocked(res evalResult) *Decision {
	r.status = statusDecided
	if r.timer != nil {
		r.timer.Stop()
	}

	d := &Decision{
		WorkflowID: r.key.workflowID,
		FiringID:   r.key.firingID,
		Received:   r.snapshotLocked(),
		DecidedAt:  time.Now().UTC(),
	}
	if res.pass {
		d.Outcome = OutcomePass
		d.Report = &contracts.AgreedReport{
			FiringID:   r.key.firingID,
			WorkflowID: r.key.workflowID,
			ReportID:   r.reportID,
			Values:     res.values,
		}
	} else {
		d.Outcome = OutcomeFail
		d.Reason = res.reason
	}
	return d
}

// snapshotLocked returns the received records in first-arrival order.
// Caller holds mu.
func (r *round) snapshotLocked() []contracts.ResultRecord {
	out := make([]contracts.ResultRecord, 0, len(r.received))
	for _, nodeID := range r.arrival {
		out = append(out, r.received[nodeID])
	}
	return out
}
