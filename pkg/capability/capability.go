// Package capability is the uniform interface to external reads and
// writes: HTTP fetches, onchain contract calls and report submission.
// Every call is stateless and independently retryable; a call that
// exhausts its retries fails the invoking node only.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// HTTPRequest describes an outbound fetch.
type HTTPRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// HTTPResponse is the size-capped result of a fetch.
type HTTPResponse struct {
	Status int
	Body   []byte
}

// Provider is the raw capability surface. Implementations are external
// collaborators (RPC bridges, node clients); this package layers retry,
// rate limiting and size enforcement on top of one.
//
// EVMWriteReport must be safe to invoke more than once with the same
// payload: dedup happens in the committer, not at the chain.
type Provider interface {
	HTTPFetch(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)
	EVMCall(ctx context.Context, chainSelector uint64, address string, callData []byte) ([]byte, error)
	EVMWriteReport(ctx context.Context, chainSelector uint64, address string, payload []byte) (string, error)
	ConfirmTx(ctx context.Context, chainSelector uint64, txRef string) (bool, error)
}

// ErrResponseTooLarge marks a response that exceeded the configured cap.
// Oversized bodies fail the call outright; truncating silently would let
// a partial body flow into consensus undetected.
var ErrResponseTooLarge = errors.New("capability: response exceeds size cap")

// Error wraps a capability failure with the operation and the number of
// attempts made. Local to one node invocation; absorbed by quorum math.
type Error struct {
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capability %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
