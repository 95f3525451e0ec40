// Package workflow holds the declarative unit the runtime executes: a
// trigger binding, a handler reference, a consensus spec and an onchain
// target. Definitions are authored externally (catalog) and are immutable
// once a round starts.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"
)

// Strategy selects the rule used to reconcile per-node results.
type Strategy string

const (
	// StrategyIdentical requires a quorum-sized set of byte-identical
	// field projections. Suits data that should be byte-reproducible.
	StrategyIdentical Strategy = "identical"
	// StrategyMedian takes the per-field median of numeric fields.
	// Suits externally-sourced numeric data expected to vary slightly
	// across independent fetches.
	StrategyMedian Strategy = "median"
)

// Trigger kinds.
const (
	TriggerCron     = "cron"
	TriggerEventLog = "evm-log"
)

// SupportedSpecVersions gates which definition documents this runtime
// accepts.
var SupportedSpecVersions = "^1"

// Duration wraps time.Duration with YAML string parsing ("30s", "2m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("workflow: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// CronTrigger fires on each tick of a 6-field cron schedule (with
// seconds).
type CronTrigger struct {
	Schedule string `yaml:"schedule" json:"schedule"`
}

// EventLogTrigger fires once per matched onchain log. Filter is an
// optional CEL expression over the decoded log fields; empty matches all.
type EventLogTrigger struct {
	ChainSelector   uint64 `yaml:"chain_selector" json:"chain_selector"`
	ContractAddress string `yaml:"contract_address" json:"contract_address"`
	EventSignature  string `yaml:"event_signature" json:"event_signature"`
	Filter          string `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// TriggerSpec is a tagged union over the trigger kinds. Exactly one of
// Cron or EventLog is set, matching Kind. New trigger kinds extend the
// union and the scheduler's matching branch, not a class hierarchy.
type TriggerSpec struct {
	Kind     string           `yaml:"kind" json:"kind"`
	Cron     *CronTrigger     `yaml:"cron,omitempty" json:"cron,omitempty"`
	EventLog *EventLogTrigger `yaml:"evm_log,omitempty" json:"evm_log,omitempty"`
}

// ConsensusSpec declares how per-node results reconcile into one agreed
// value.
type ConsensusSpec struct {
	Fields       []string `yaml:"fields" json:"fields"`
	ReportID     string   `yaml:"report_id" json:"report_id"`
	Strategy     Strategy `yaml:"strategy" json:"strategy"`
	Quorum       int      `yaml:"quorum" json:"quorum"`
	RoundTimeout Duration `yaml:"round_timeout" json:"round_timeout"`
}

// Target names the chain and contract the agreed report is written to.
type Target struct {
	ChainSelector   uint64 `yaml:"chain_selector" json:"chain_selector"`
	ContractAddress string `yaml:"contract_address" json:"contract_address"`
}

// Definition binds a trigger, a named handler, a consensus spec and a
// target. Handlers are bound by name at runtime through the node
// registry; the definition itself is pure data.
type Definition struct {
	ID          string        `yaml:"id" json:"id"`
	SpecVersion string        `yaml:"spec_version" json:"spec_version"`
	Handler     string        `yaml:"handler" json:"handler"`
	Trigger     TriggerSpec   `yaml:"trigger" json:"trigger"`
	Consensus   ConsensusSpec `yaml:"consensus" json:"consensus"`
	Target      Target        `yaml:"target" json:"target"`
}

var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// HandlerSet reports the output field names a registered handler can
// produce. Implemented by the node registry.
type HandlerSet interface {
	Outputs(name string) ([]string, bool)
}

var (
	ErrUnknownHandler  = errors.New("workflow: handler not registered")
	ErrUnknownStrategy = errors.New("workflow: unknown consensus strategy")
)

// Validate checks the definition against the runtime's static rules.
// Field-subset violations are caught here, at load time, never at round
// time.
func (d *Definition) Validate(handlers HandlerSet) error {
	if d.ID == "" {
		return errors.New("workflow: definition id is required")
	}
	if err := d.validateVersion(); err != nil {
		return err
	}
	if err := d.Trigger.validate(); err != nil {
		return fmt.Errorf("workflow %s: %w", d.ID, err)
	}
	if err := d.Consensus.validate(); err != nil {
		return fmt.Errorf("workflow %s: %w", d.ID, err)
	}
	if d.Target.ContractAddress == "" || d.Target.ChainSelector == 0 {
		return fmt.Errorf("workflow %s: target chain selector and contract address are required", d.ID)
	}
	if handlers != nil {
		outputs, ok := handlers.Outputs(d.Handler)
		if !ok {
			return fmt.Errorf("workflow %s: %w: %q", d.ID, ErrUnknownHandler, d.Handler)
		}
		produced := make(map[string]struct{}, len(outputs))
		for _, o := range outputs {
			produced[o] = struct{}{}
		}
		for _, f := range d.Consensus.Fields {
			if _, ok := produced[f]; !ok {
				return fmt.Errorf("workflow %s: consensus field %q is not produced by handler %q", d.ID, f, d.Handler)
			}
		}
	}
	return nil
}

func (d *Definition) validateVersion() error {
	if d.SpecVersion == "" {
		return fmt.Errorf("workflow %s: spec_version is required", d.ID)
	}
	v, err := semver.NewVersion(d.SpecVersion)
	if err != nil {
		return fmt.Errorf("workflow %s: invalid spec_version %q: %w", d.ID, d.SpecVersion, err)
	}
	c, err := semver.NewConstraint(SupportedSpecVersions)
	if err != nil {
		return fmt.Errorf("workflow: bad supported version constraint: %w", err)
	}
	if !c.Check(v) {
		return fmt.Errorf("workflow %s: spec_version %s outside supported range %s", d.ID, d.SpecVersion, SupportedSpecVersions)
	}
	return nil
}

func (t *TriggerSpec) validate() error {
	switch t.Kind {
	case TriggerCron:
		if t.Cron == nil || t.Cron.Schedule == "" {
			return errors.New("cron trigger requires a schedule")
		}
		if _, err := cronParser.Parse(t.Cron.Schedule); err != nil {
			return fmt.Errorf("invalid cron schedule %q: %w", t.Cron.Schedule, err)
		}
	case TriggerEventLog:
		ev := t.EventLog
		if ev == nil {
			return errors.New("evm-log trigger requires an evm_log block")
		}
		if ev.ContractAddress == "" || ev.EventSignature == "" || ev.ChainSelector == 0 {
			return errors.New("evm-log trigger requires chain_selector, contract_address and event_signature")
		}
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	return nil
}

func (c *ConsensusSpec) validate() error {
	if len(c.Fields) == 0 {
		return errors.New("consensus fields must be non-empty")
	}
	if c.ReportID == "" {
		return errors.New("consensus report_id is required")
	}
	switch c.Strategy {
	case StrategyIdentical, StrategyMedian:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, c.Strategy)
	}
	if c.Quorum < 1 {
		return errors.New("consensus quorum must be at least 1")
	}
	if c.RoundTimeout.Std() <= 0 {
		return errors.New("consensus round_timeout must be positive")
	}
	return nil
}
