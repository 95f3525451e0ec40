package capability

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds the retry loop for one capability call.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoff is used when the client config leaves the policy zero.
var DefaultBackoff = BackoffPolicy{
	BaseMs:      100,
	MaxMs:       5000,
	MaxJitterMs: 50,
	MaxAttempts: 3,
}

// ComputeBackoff returns the delay before the given attempt. Jitter is
// deterministic: a PRF over (op, callID, attempt) so two replicas
// retrying the same call do not thundering-herd in lockstep, yet replays
// reproduce the schedule exactly.
func ComputeBackoff(op, callID string, attempt int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay+deterministicJitter(op, callID, attempt, policy)) * time.Millisecond
}

func deterministicJitter(op, callID string, attempt int, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs == 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", op, callID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs))
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
