package capability

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ClientConfig tunes the retry, size and rate behavior layered on top of
// a Provider.
type ClientConfig struct {
	Backoff          BackoffPolicy
	MaxResponseBytes int64
	CallTimeout      time.Duration
	// RatePerSecond caps outbound calls per client; zero disables.
	RatePerSecond float64
	RateBurst     int
}

// DefaultClientConfig returns the runtime defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Backoff:          DefaultBackoff,
		MaxResponseBytes: 1 << 20, // 1 MiB
		CallTimeout:      30 * time.Second,
	}
}

// Client wraps a Provider with bounded retries, exponential backoff,
// response size enforcement and optional rate limiting. Calls block the
// invoking node only.
type Client struct {
	provider Provider
	cfg      ClientConfig
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewClient builds a Client over the given provider.
func NewClient(provider Provider, cfg ClientConfig) *Client {
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxResponseBytes == 0 {
		cfg.MaxResponseBytes = DefaultClientConfig().MaxResponseBytes
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultClientConfig().CallTimeout
	}
	c := &Client{
		provider: provider,
		cfg:      cfg,
		logger:   slog.Default().With("component", "capability"),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c
}

// HTTPFetch performs a size-capped fetch with bounded retries.
func (c *Client) HTTPFetch(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	if req.Timeout == 0 {
		req.Timeout = c.cfg.CallTimeout
	}
	var resp *HTTPResponse
	err := c.withRetry(ctx, "http_fetch", func(ctx context.Context) error {
		r, err := c.provider.HTTPFetch(ctx, req)
		if err != nil {
			return err
		}
		if int64(len(r.Body)) > c.cfg.MaxResponseBytes {
			return ErrResponseTooLarge
		}
		if r.Status >= 500 {
			return &httpStatusError{status: r.Status}
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// EVMCall performs a read-only contract call with bounded retries.
func (c *Client) EVMCall(ctx context.Context, chainSelector uint64, address string, callData []byte) ([]byte, error) {
	var out []byte
	err := c.withRetry(ctx, "evm_call", func(ctx context.Context) error {
		b, err := c.provider.EVMCall(ctx, chainSelector, address, callData)
		if err != nil {
			return err
		}
		if int64(len(b)) > c.cfg.MaxResponseBytes {
			return ErrResponseTooLarge
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EVMWriteReport submits a report payload and returns the transaction
// reference. Safe to call more than once with the same payload.
func (c *Client) EVMWriteReport(ctx context.Context, chainSelector uint64, address string, payload []byte) (string, error) {
	var txRef string
	err := c.withRetry(ctx, "evm_write_report", func(ctx context.Context) error {
		ref, err := c.provider.EVMWriteReport(ctx, chainSelector, address, payload)
		if err != nil {
			return err
		}
		txRef = ref
		return nil
	})
	if err != nil {
		return "", err
	}
	return txRef, nil
}

// ConfirmTx reports whether a submitted transaction has confirmed.
// Single attempt: the committer owns the confirmation polling loop.
func (c *Client) ConfirmTx(ctx context.Context, chainSelector uint64, txRef string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return c.provider.ConfirmTx(ctx, chainSelector, txRef)
}

func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Op: op, Attempts: 0, Err: err}
		}
	}

	callID := uuid.NewString()
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.cfg.Backoff.MaxAttempts; attempt++ {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) || attempt == c.cfg.Backoff.MaxAttempts {
			break
		}
		delay := ComputeBackoff(op, callID, attempt, c.cfg.Backoff)
		c.logger.DebugContext(ctx, "capability call retrying",
			"op", op, "attempt", attempt+1, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	return &Error{Op: op, Attempts: attempts, Err: lastErr}
}

// retryable classifies a failure. Size violations and cancellations are
// terminal; transport faults and 5xx responses are worth another attempt.
func retryable(err error) bool {
	if errors.Is(err, ErrResponseTooLarge) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return "upstream returned status " + strconv.Itoa(e.status)
}
