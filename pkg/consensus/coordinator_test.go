package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arome3/ciel/pkg/contracts"
	"github.com/arome3/ciel/pkg/workflow"
)

// decisionCapture collects handler invocations for assertions.
type decisionCapture struct {
	mu        sync.Mutex
	decisions []Decision
	ch        chan Decision
}

func newDecisionCapture() *decisionCapture {
	return &decisionCapture{ch: make(chan Decision, 8)}
}

func (c *decisionCapture) handle(_ context.Context, d Decision) {
	c.mu.Lock()
	c.decisions = append(c.decisions, d)
	c.mu.Unlock()
	c.ch <- d
}

func (c *decisionCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.decisions)
}

func (c *decisionCapture) wait(t *testing.T) Decision {
	t.Helper()
	select {
	case d := <-c.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no decision arrived")
		return Decision{}
	}
}

func testDefinition(strategy workflow.Strategy, quorum int, timeout time.Duration) *workflow.Definition {
	return &workflow.Definition{
		ID:          "wf-test",
		SpecVersion: "1.0.0",
		Handler:     "fetch",
		Trigger: workflow.TriggerSpec{
			Kind: workflow.TriggerCron,
			Cron: &workflow.CronTrigger{Schedule: "*/5 * * * * *"},
		},
		Consensus: workflow.ConsensusSpec{
			Fields:       []string{"price"},
			ReportID:     "0x01",
			Strategy:     strategy,
			Quorum:       quorum,
			RoundTimeout: workflow.Duration(timeout),
		},
		Target: workflow.Target{ChainSelector: 1, ContractAddress: "0xabc"},
	}
}

func submitPrice(t *testing.T, c *Coordinator, workflowID, firingID, nodeID string, price float64) error {
	t.Helper()
	return c.Submit(context.Background(), workflowID, contracts.ResultRecord{
		NodeID:   nodeID,
		FiringID: firingID,
		Fields:   map[string]contracts.Value{"price": contracts.Number(price)},
	})
}

func TestCoordinator_DecidesAtQuorum(t *testing.T) {
	capture := newDecisionCapture()
	c := NewCoordinator(capture.handle)
	def := testDefinition(workflow.StrategyIdentical, 2, time.Minute)

	require.NoError(t, c.Open(context.Background(), def, "fir-1", 3))
	require.NoError(t, submitPrice(t, c, def.ID, "fir-1", "node-0", 42))
	assert.Equal(t, 0, capture.count())

	require.NoError(t, submitPrice(t, c, def.ID, "fir-1", "node-1", 42))
	d := capture.wait(t)

	assert.Equal(t, OutcomePass, d.Outcome)
	require.NotNil(t, d.Report)
	assert.Equal(t, "fir-1", d.Report.FiringID)
	assert.Equal(t, def.ID, d.Report.WorkflowID)
	assert.Equal(t, "0x01", d.Report.ReportID)
	assert.Equal(t, contracts.Number(42), d.Report.Values["price"])
	assert.Len(t, d.Received, 2)
}

func TestCoordinator_LateSubmissionRejected(t *testing.T) {
	capture := newDecisionCapture()
	c := NewCoordinator(capture.handle)
	def := testDefinition(workflow.StrategyIdentical, 2, time.Minute)

	require.NoError(t, c.Open(context.Background(), def, "fir-1", 3))
	require.NoError(t, submitPrice(t, c, def.ID, "fir-1", "node-0", 42))
	require.NoError(t, submitPrice(t, c, def.ID, "fir-1", "node-1", 42))
	capture.wait(t)

	err := submitPrice(t, c, def.ID, "fir-1", "node-2", 42)
	assert.ErrorIs(t, err, ErrRoundClosed)
	assert.Equal(t, 1, capture.count())
}

// Resubmission from the same node replaces its record instead of
// counting twice toward quorum.
func TestCoordinator_DuplicateNodeReplaces(t *testing.T) {
	capture := newDecisionCapture()
	c := NewCoordinator(capture.handle)
	def := testDefinition(workflow.StrategyIdentical, 2, time.Minute)

	require.NoError(t, c.Open(context.Background(), def, "fir-1", 3))
	require.NoError(t, submitPrice(t, c, def.ID, "fir-1", "node-0", 42))
	require.NoError(t, submitPrice(t, c, def.ID, "fir-1", "node-0", 42))
	assert.Equal(t, 0, capture.count())

	require.NoError(t, submitPrice(t, c, def.ID, "fir-1", "node-0", 99))
	require.NoError(t, submitPrice(t, c, def.ID, "fir-1", "node-1", 99))
	d := capture.wait(t)

	assert.Equal(t, OutcomePass, d.Outcome)
	assert.Equal(t, contracts.Number(99), d.Report.Values["price"])
	assert.Len(t, d.Received, 2)
}

func TestCoordinator_TimeoutFailsRound(t *testing.T) {
	capture := newDecisionCapture()
	c := NewCoordinator(capture.handle)
	def := testDefinition(workflow.StrategyIdentical, 3, 30*time.Millisecond)

	require.NoError(t, c.Open(context.Background(), def, "fir-1", 3))
	require.NoError(t, submitPrice(t, c, def.ID, "fir-1", "node-0", 42))

	d := capture.wait(t)
	assert.Equal(t, OutcomeFail, d.Outcome)
	assert.Equal(t, ReasonTimeout, d.Reason)
	assert.Len(t, d.Received, 1)

	err := submitPrice(t, c, def.ID, "fir-1", "node-1", 42)
	assert.ErrorIs(t, err, ErrRoundClosed)
}

func TestCoordinator_DuplicateOpenRejected(t *testing.T) {
	c := NewCoordinator(nil)
	def := testDefinition(workflow.StrategyIdentical, 2, time.Minute)

	require.NoError(t, c.Open(context.Background(), def, "fir-1", 3))
	assert.ErrorIs(t, c.Open(context.Background(), def, "fir-1", 3), ErrDuplicateRound)
}

func TestCoordinator_UnknownFiring(t *testing.T) {
	c := NewCoordinator(nil)
	err := submitPrice(t, c, "wf-test", "no-such-firing", "node-0", 1)
	assert.ErrorIs(t, err, ErrNoRound)
}

// Concurrent firings of the same workflow never share records.
func TestCoordinator_RoundsAreDisjoint(t *testing.T) {
	capture := newDecisionCapture()
	c := NewCoordinator(capture.handle)
	def := testDefinition(workflow.StrategyIdentical, 2, time.Minute)

	require.NoError(t, c.Open(context.Background(), def, "fir-a", 3))
	require.NoError(t, c.Open(context.Background(), def, "fir-b", 3))

	require.NoError(t, submitPrice(t, c, def.ID, "fir-a", "node-0", 1))
	require.NoError(t, submitPrice(t, c, def.ID, "fir-b", "node-0", 2))
	require.NoError(t, submitPrice(t, c, def.ID, "fir-b", "node-1", 2))

	d := capture.wait(t)
	assert.Equal(t, "fir-b", d.FiringID)
	assert.Equal(t, contracts.Number(2), d.Report.Values["price"])
	assert.True(t, c.HasOpenRound(def.ID))

	require.NoError(t, submitPrice(t, c, def.ID, "fir-a", "node-1", 1))
	d = capture.wait(t)
	assert.Equal(t, "fir-a", d.FiringID)
	assert.Equal(t, contracts.Number(1), d.Report.Values["price"])
	assert.False(t, c.HasOpenRound(def.ID))
}

func TestCoordinator_ForgetDropsOnlyTerminalRounds(t *testing.T) {
	capture := newDecisionCapture()
	c := NewCoordinator(capture.handle)
	def := testDefinition(workflow.StrategyIdentical, 2, time.Minute)

	require.NoError(t, c.Open(context.Background(), def, "fir-1", 3))
	require.NoError(t, submitPrice(t, c, def.ID, "fir-1", "node-0", 42))

	// Collecting rounds survive a Forget.
	c.Forget(def.ID, "fir-1")
	require.NoError(t, submitPrice(t, c, def.ID, "fir-1", "node-1", 42))
	capture.wait(t)

	c.Forget(def.ID, "fir-1")
	err := submitPrice(t, c, def.ID, "fir-1", "node-2", 42)
	assert.ErrorIs(t, err, ErrNoRound)
}

func TestCoordinator_MedianDecidesEagerly(t *testing.T) {
	capture := newDecisionCapture()
	c := NewCoordinator(capture.handle)
	def := testDefinition(workflow.StrategyMedian, 3, time.Minute)

	require.NoError(t, c.Open(context.Background(), def, "fir-1", 5))
	require.NoError(t, submitPrice(t, c, def.ID, "fir-1", "node-0", 10))
	require.NoError(t, submitPrice(t, c, def.ID, "fir-1", "node-1", 1000))
	assert.Equal(t, 0, capture.count())

	require.NoError(t, submitPrice(t, c, def.ID, "fir-1", "node-2", 11))
	d := capture.wait(t)

	assert.Equal(t, OutcomePass, d.Outcome)
	assert.Equal(t, float64(11), d.Report.Values["price"].Num)
}
