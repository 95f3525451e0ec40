// Package trigger produces firing events for workflow definitions: a
// clock-driven cron variant and a log-driven EVM variant. Sources own no
// workflow logic; they emit Firings on a single logical stream and stay
// silent when their upstream is unavailable.
package trigger

import (
	"context"

	"github.com/arome3/ciel/pkg/contracts"
)

// Source is one logical firing stream for one workflow definition.
type Source interface {
	// Start begins emission. The returned channel closes when the source
	// stops, either via ctx or Close.
	Start(ctx context.Context) (<-chan contracts.Firing, error)
	Close() error
}

// firingBuffer is the emission channel depth. A consumer that falls
// behind loses ticks rather than accumulating unbounded rounds.
const firingBuffer = 16
