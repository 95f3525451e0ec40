// Package node runs a workflow's handler once per firing, producing a
// tagged result record. Many nodes run the same handler concurrently and
// independently; they share no mutable state and never observe each
// other's results. That independence is what makes the consensus step
// downstream meaningful.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arome3/ciel/pkg/capability"
	"github.com/arome3/ciel/pkg/contracts"
)

// CapabilityClient is the read surface a handler sees. Report writes are
// the committer's business, never a handler's.
type CapabilityClient interface {
	HTTPFetch(ctx context.Context, req *capability.HTTPRequest) (*capability.HTTPResponse, error)
	EVMCall(ctx context.Context, chainSelector uint64, address string, callData []byte) ([]byte, error)
}

// Context is everything a handler may touch during one invocation.
type Context struct {
	Firing       contracts.Firing
	Capabilities CapabilityClient
}

// Handler computes a workflow's output fields for one firing.
type Handler func(ctx context.Context, hctx *Context) (map[string]contracts.Value, error)

// HandlerError marks a failed handler invocation: a capability call that
// exhausted its retries, a domain error, or a panic. It never retries at
// this layer; the failure is simply the absence of a submission to the
// round.
type HandlerError struct {
	NodeID   string
	FiringID string
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("node %s: handler failed for firing %s: %v", e.NodeID, e.FiringID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Registration binds a handler name to its implementation and the output
// field names it can produce. Outputs feed definition validation.
type Registration struct {
	Name    string
	Outputs []string
	Handler Handler
}

// Registry holds named handlers. Implements workflow.HandlerSet.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Registration)}
}

// Register adds a handler. Registering the same name twice is an error;
// definitions bind by name and silent replacement would change semantics
// under them.
func (r *Registry) Register(name string, outputs []string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		return fmt.Errorf("node: handler %q already registered", name)
	}
	sorted := append([]string(nil), outputs...)
	sort.Strings(sorted)
	r.handlers[name] = Registration{Name: name, Outputs: sorted, Handler: h}
	return nil
}

// Outputs implements workflow.HandlerSet.
func (r *Registry) Outputs(name string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	if !ok {
		return nil, false
	}
	return reg.Outputs, true
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	if !ok {
		return nil, false
	}
	return reg.Handler, true
}

// Runner executes handlers on behalf of one node identity.
type Runner struct {
	nodeID string
	caps   CapabilityClient
	logger *slog.Logger
}

func NewRunner(nodeID string, caps CapabilityClient) *Runner {
	return &Runner{
		nodeID: nodeID,
		caps:   caps,
		logger: slog.Default().With("component", "node", "node_id", nodeID),
	}
}

func (r *Runner) NodeID() string { return r.nodeID }

// Invoke runs the handler once for the firing and tags the result with
// this node's identity. Panics are contained and reported as handler
// failures; one misbehaving handler must not take the process down.
func (r *Runner) Invoke(ctx context.Context, h Handler, firing contracts.Firing) (rec *contracts.ResultRecord, err error) {
	defer func() {
		if p := recover(); p != nil {
			rec = nil
			err = &HandlerError{NodeID: r.nodeID, FiringID: firing.FiringID, Err: fmt.Errorf("handler panic: %v", p)}
		}
	}()

	fields, herr := h(ctx, &Context{Firing: firing, Capabilities: r.caps})
	if herr != nil {
		return nil, &HandlerError{NodeID: r.nodeID, FiringID: firing.FiringID, Err: herr}
	}
	return &contracts.ResultRecord{
		NodeID:     r.nodeID,
		FiringID:   firing.FiringID,
		Fields:     fields,
		ProducedAt: time.Now().UTC(),
	}, nil
}
