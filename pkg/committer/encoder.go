// Package committer encodes an agreed report into its onchain payload
// and submits it exactly once per firing. The payload encoding is
// deterministic and versioned per report id: re-encoding the same report
// after a crash produces byte-identical output, which is what makes
// resubmission idempotent.
package committer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/arome3/ciel/pkg/contracts"
)

// encodingVersion is bound into every payload. Bump only with a new
// report id scheme; same field set, same order, same scaling must always
// encode identically.
const encodingVersion = 1

type reportEnvelope struct {
	Version  int                        `json:"v"`
	ReportID string                     `json:"report_id"`
	FiringID string                     `json:"firing_id"`
	Values   map[string]contracts.Value `json:"values"`
}

// Encode returns the RFC 8785 canonical JSON payload for the report.
// Byte-stable across repeated encodes of the same values.
func Encode(report *contracts.AgreedReport) ([]byte, error) {
	raw, err := json.Marshal(reportEnvelope{
		Version:  encodingVersion,
		ReportID: report.ReportID,
		FiringID: report.FiringID,
		Values:   report.Values,
	})
	if err != nil {
		return nil, fmt.Errorf("committer: encode report %s: %w", report.FiringID, err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("committer: canonicalize report %s: %w", report.FiringID, err)
	}
	return canon, nil
}

// Digest returns the SHA-256 hex digest of a payload.
func Digest(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}
