package contracts

import "time"

// Firing is one trigger activation. FiringID is the correlation key for
// the consensus round; every record, report and commit downstream of this
// activation carries it.
type Firing struct {
	WorkflowID string           `json:"workflow_id"`
	FiringID   string           `json:"firing_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Payload    map[string]Value `json:"payload,omitempty"`
}

// ResultRecord is the tagged output of one node's handler invocation for
// one firing. Fields not named in the consensus spec are ignored by
// aggregation but retained for audit.
type ResultRecord struct {
	NodeID     string           `json:"node_id"`
	FiringID   string           `json:"firing_id"`
	Fields     map[string]Value `json:"fields"`
	ProducedAt time.Time        `json:"produced_at"`
}
