package committer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arome3/ciel/pkg/contracts"
)

func TestEncode_ByteStable(t *testing.T) {
	report := testReport("fir-1")
	report.Values["status"] = contracts.String("ok")
	report.Values["stale"] = contracts.Boolean(false)

	first, err := Encode(report)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Encode(report)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, Digest(first), Digest(first))
}

func TestEncode_CanonicalKeyOrder(t *testing.T) {
	report := &contracts.AgreedReport{
		FiringID: "fir-1",
		ReportID: "0x01",
		Values: map[string]contracts.Value{
			"zeta":  contracts.Number(1),
			"alpha": contracts.Number(2),
		},
	}

	payload, err := Encode(report)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"report_id":"0x01","firing_id":"fir-1","values":{"alpha":2,"zeta":1}}`, string(payload))

	// RFC 8785 sorts member names; alpha must precede zeta in the bytes.
	s := string(payload)
	assert.Less(t, strings.Index(s, "alpha"), strings.Index(s, "zeta"))
}

func TestDigest_DiffersForDifferentPayloads(t *testing.T) {
	a, err := Encode(testReport("fir-1"))
	require.NoError(t, err)
	b, err := Encode(testReport("fir-2"))
	require.NoError(t, err)
	assert.NotEqual(t, Digest(a), Digest(b))
}
