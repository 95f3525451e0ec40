package workflow_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arome3/ciel/pkg/workflow"
)

// staticHandlers is a HandlerSet fixture.
type staticHandlers map[string][]string

func (h staticHandlers) Outputs(name string) ([]string, bool) {
	out, ok := h[name]
	return out, ok
}

const priceFeedYAML = `id: eth-usd-price
spec_version: "1.0.0"
handler: fetch-price
trigger:
  kind: cron
  cron:
    schedule: "*/30 * * * * *"
consensus:
  fields: [price]
  report_id: "0x01"
  strategy: median
  quorum: 3
  round_timeout: 30s
target:
  chain_selector: 1
  contract_address: "0xfeed"
`

const transferAlertYAML = `id: big-transfer-alert
spec_version: "1.2.0"
handler: classify-transfer
trigger:
  kind: evm-log
  evm_log:
    chain_selector: 10
    contract_address: "0xtoken"
    event_signature: "Transfer(address,address,uint256)"
    filter: 'fields.amount > 1000000.0'
consensus:
  fields: [severity, amount]
  report_id: "0x02"
  strategy: identical
  quorum: 2
  round_timeout: 1m
target:
  chain_selector: 10
  contract_address: "0xalerts"
`

func testHandlers() staticHandlers {
	return staticHandlers{
		"fetch-price":       {"price", "fetched_at"},
		"classify-transfer": {"severity", "amount"},
	}
}

func TestParseDefinition(t *testing.T) {
	def, err := workflow.ParseDefinition([]byte(priceFeedYAML), testHandlers())
	require.NoError(t, err)

	assert.Equal(t, "eth-usd-price", def.ID)
	assert.Equal(t, workflow.StrategyMedian, def.Consensus.Strategy)
	assert.Equal(t, 3, def.Consensus.Quorum)
	assert.Equal(t, "30s", def.Consensus.RoundTimeout.Std().String())
	require.NotNil(t, def.Trigger.Cron)
	assert.Equal(t, "*/30 * * * * *", def.Trigger.Cron.Schedule)
}

func TestParseDefinition_EventLog(t *testing.T) {
	def, err := workflow.ParseDefinition([]byte(transferAlertYAML), testHandlers())
	require.NoError(t, err)

	require.NotNil(t, def.Trigger.EventLog)
	assert.Equal(t, uint64(10), def.Trigger.EventLog.ChainSelector)
	assert.NotEmpty(t, def.Trigger.EventLog.Filter)
}

func TestParseDefinition_SchemaRejects(t *testing.T) {
	missingConsensus := `id: broken
spec_version: "1.0.0"
handler: fetch-price
trigger:
  kind: cron
  cron:
    schedule: "* * * * * *"
target:
  chain_selector: 1
  contract_address: "0xfeed"
`
	_, err := workflow.ParseDefinition([]byte(missingConsensus), testHandlers())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestParseDefinition_UnknownHandler(t *testing.T) {
	_, err := workflow.ParseDefinition([]byte(priceFeedYAML), staticHandlers{})
	assert.ErrorIs(t, err, workflow.ErrUnknownHandler)
}

func TestParseDefinition_FieldNotProduced(t *testing.T) {
	handlers := staticHandlers{"fetch-price": {"quote"}, "classify-transfer": {"severity", "amount"}}
	_, err := workflow.ParseDefinition([]byte(priceFeedYAML), handlers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not produced by handler")
}

func TestParseDefinition_VersionGate(t *testing.T) {
	unsupported := strings.Replace(priceFeedYAML, `spec_version: "1.0.0"`, `spec_version: "2.0.0"`, 1)
	_, err := workflow.ParseDefinition([]byte(unsupported), testHandlers())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside supported range")
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "price.yaml"), []byte(priceFeedYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alert.yaml"), []byte(transferAlertYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	catalog, err := workflow.LoadCatalog(dir, testHandlers())
	require.NoError(t, err)

	defs := catalog.List()
	require.Len(t, defs, 2)
	assert.Equal(t, "big-transfer-alert", defs[0].ID) // sorted by id
	assert.Equal(t, "eth-usd-price", defs[1].ID)

	_, ok := catalog.Get("eth-usd-price")
	assert.True(t, ok)
	_, ok = catalog.Get("missing")
	assert.False(t, ok)
}

func TestLoadCatalog_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(priceFeedYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(priceFeedYAML), 0o644))

	_, err := workflow.LoadCatalog(dir, testHandlers())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate definition id")
}

func TestValidate_StaticRules(t *testing.T) {
	base := func() *workflow.Definition {
		def, err := workflow.ParseDefinition([]byte(priceFeedYAML), testHandlers())
		require.NoError(t, err)
		return def
	}

	tests := []struct {
		name   string
		mutate func(*workflow.Definition)
		want   string
	}{
		{"zero quorum", func(d *workflow.Definition) { d.Consensus.Quorum = 0 }, "quorum"},
		{"no fields", func(d *workflow.Definition) { d.Consensus.Fields = nil }, "fields"},
		{"no report id", func(d *workflow.Definition) { d.Consensus.ReportID = "" }, "report_id"},
		{"bad strategy", func(d *workflow.Definition) { d.Consensus.Strategy = "plurality" }, "strategy"},
		{"zero timeout", func(d *workflow.Definition) { d.Consensus.RoundTimeout = 0 }, "round_timeout"},
		{"bad cron", func(d *workflow.Definition) { d.Trigger.Cron.Schedule = "61 * * * * *" }, "cron"},
		{"no target", func(d *workflow.Definition) { d.Target.ContractAddress = "" }, "target"},
		{"bad version", func(d *workflow.Definition) { d.SpecVersion = "abc" }, "spec_version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := base()
			tt.mutate(def)
			err := def.Validate(testHandlers())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCatalog_Add(t *testing.T) {
	c := workflow.NewCatalog()
	def, err := workflow.ParseDefinition([]byte(priceFeedYAML), testHandlers())
	require.NoError(t, err)

	require.NoError(t, c.Add(def, testHandlers()))
	assert.Error(t, c.Add(def, testHandlers()))
}
