package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Disabled telemetry must still be safe to record against; the runtime
// never checks a flag before calling these.
func TestProvider_DisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	p.RoundOpened(ctx, "wf-test")
	p.RoundDecided(ctx, "wf-test", "PASS", "", 50*time.Millisecond)
	p.CommitRecorded(ctx, "wf-test", "CONFIRMED")

	spanCtx, span := p.StartSpan(ctx, "round")
	assert.NotNil(t, spanCtx)
	span.End()

	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "ciel-runtime", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestLogSink_NilProvider(t *testing.T) {
	s := NewLogSink(nil)
	ctx := context.Background()

	s.RoundDecided(ctx, RoundEvent{WorkflowID: "wf", FiringID: "fir", Outcome: "PASS"})
	s.CommitFinished(ctx, CommitEvent{WorkflowID: "wf", FiringID: "fir", Status: "CONFIRMED"})
	s.CommitFinished(ctx, CommitEvent{WorkflowID: "wf", FiringID: "fir", Status: "FAILED", Err: assert.AnError})
}
