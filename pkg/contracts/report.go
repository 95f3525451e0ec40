package contracts

// AgreedReport is the reconciled output of a passed consensus round.
// Produced at most once per round; immutable once created.
type AgreedReport struct {
	FiringID       string           `json:"firing_id"`
	WorkflowID     string           `json:"workflow_id"`
	ReportID       string           `json:"report_id"`
	Values         map[string]Value `json:"values"`
	EncodedPayload []byte           `json:"-"`
}

// CommitStatus tracks the lifecycle of an onchain submission.
type CommitStatus string

const (
	CommitPending   CommitStatus = "PENDING"
	CommitConfirmed CommitStatus = "CONFIRMED"
	CommitFailed    CommitStatus = "FAILED"
)

// Commit records the onchain submission of one agreed report. FiringID is
// the idempotency key: at most one non-Failed commit exists per firing.
type Commit struct {
	FiringID      string       `json:"firing_id"`
	ReportID      string       `json:"report_id"`
	TxRef         string       `json:"tx_ref"`
	Status        CommitStatus `json:"status"`
	PayloadDigest string       `json:"payload_digest"`
	Attempts      int          `json:"attempts"`
}
