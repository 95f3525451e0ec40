package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ChainBackend provides the onchain half of a Provider. Chain access
// (nonce ordering, confirmation tracking, key custody) lives behind this
// boundary and is not reimplemented here.
type ChainBackend interface {
	Call(ctx context.Context, chainSelector uint64, address string, callData []byte) ([]byte, error)
	WriteReport(ctx context.Context, chainSelector uint64, address string, payload []byte) (string, error)
	Confirmed(ctx context.Context, chainSelector uint64, txRef string) (bool, error)
}

// HTTPProvider implements Provider using net/http for fetches and a
// ChainBackend for EVM operations. Bodies are read through a hard cap;
// an oversized body fails the read rather than truncating.
type HTTPProvider struct {
	httpClient *http.Client
	chain      ChainBackend
	maxBody    int64
}

// NewHTTPProvider builds a provider. chain may be nil for workflows that
// never touch a chain capability.
func NewHTTPProvider(httpClient *http.Client, chain ChainBackend, maxBody int64) *HTTPProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &HTTPProvider{httpClient: httpClient, chain: chain, maxBody: maxBody}
}

// HTTPFetch implements Provider.
func (p *HTTPProvider) HTTPFetch(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	// Read one byte past the cap so the violation is observable.
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(data)) > p.maxBody {
		return nil, ErrResponseTooLarge
	}

	return &HTTPResponse{Status: resp.StatusCode, Body: data}, nil
}

// ErrNoChainBackend is returned when an EVM capability is invoked without
// a configured backend.
var ErrNoChainBackend = errors.New("capability: no chain backend configured")

// EVMCall implements Provider.
func (p *HTTPProvider) EVMCall(ctx context.Context, chainSelector uint64, address string, callData []byte) ([]byte, error) {
	if p.chain == nil {
		return nil, ErrNoChainBackend
	}
	return p.chain.Call(ctx, chainSelector, address, callData)
}

// EVMWriteReport implements Provider.
func (p *HTTPProvider) EVMWriteReport(ctx context.Context, chainSelector uint64, address string, payload []byte) (string, error) {
	if p.chain == nil {
		return "", ErrNoChainBackend
	}
	return p.chain.WriteReport(ctx, chainSelector, address, payload)
}

// ConfirmTx implements Provider.
func (p *HTTPProvider) ConfirmTx(ctx context.Context, chainSelector uint64, txRef string) (bool, error) {
	if p.chain == nil {
		return false, ErrNoChainBackend
	}
	return p.chain.Confirmed(ctx, chainSelector, txRef)
}
