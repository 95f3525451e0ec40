package node

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/arome3/ciel/pkg/contracts"
)

// Pool fans a firing out to N independent runners and feeds successful
// results into one synchronization point (the submit callback). A runner
// failure is logged and absorbed; it must never cancel its peers.
// Non-determinism across nodes, partial failures included, is expected
// and resolved by consensus, not treated as a global error.
type Pool struct {
	runners []*Runner
	logger  *slog.Logger
}

func NewPool(runners []*Runner) *Pool {
	return &Pool{
		runners: runners,
		logger:  slog.Default().With("component", "node.pool"),
	}
}

// Size returns the number of participating runners.
func (p *Pool) Size() int { return len(p.runners) }

// Execute runs the handler on every runner concurrently. submit is called
// once per successful invocation, from the invoking goroutine; the callee
// serializes. Execute returns once every runner has finished.
func (p *Pool) Execute(ctx context.Context, h Handler, firing contracts.Firing, submit func(contracts.ResultRecord)) {
	var g errgroup.Group
	for _, r := range p.runners {
		r := r
		g.Go(func() error {
			rec, err := r.Invoke(ctx, h, firing)
			if err != nil {
				p.logger.WarnContext(ctx, "node invocation failed",
					"node_id", r.NodeID(), "firing_id", firing.FiringID, "error", err)
				return nil
			}
			submit(*rec)
			return nil
		})
	}
	_ = g.Wait()
}
