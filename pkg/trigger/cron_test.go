package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCronSource_RejectsBadSchedule(t *testing.T) {
	_, err := NewCronSource("wf-test", "not a schedule")
	assert.Error(t, err)

	// Five fields is the classic format; this runtime requires six.
	_, err = NewCronSource("wf-test", "* * * *")
	assert.Error(t, err)
}

func TestCronSource_EmitsFreshFiringIDs(t *testing.T) {
	src, err := NewCronSource("wf-test", "* * * * * *") // every second
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := src.Start(ctx)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	firings := collectFirings(t, out, 2)
	assert.Equal(t, "wf-test", firings[0].WorkflowID)
	assert.NotEqual(t, firings[0].FiringID, firings[1].FiringID)
	assert.Contains(t, firings[0].Payload, "scheduled_at")
}

func TestCronSource_StartTwiceFails(t *testing.T) {
	src, err := NewCronSource("wf-test", "0 0 * * * *")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = src.Start(ctx)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	_, err = src.Start(ctx)
	assert.Error(t, err)
}

func TestCronSource_CloseIsIdempotent(t *testing.T) {
	src, err := NewCronSource("wf-test", "0 0 * * * *")
	require.NoError(t, err)

	out, err := src.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	}
}
