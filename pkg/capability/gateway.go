package capability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayBackend implements ChainBackend against an external capability
// gateway: the service that owns keys, nonce ordering and ABI encoding.
// The runtime only ever speaks this narrow JSON surface.
type GatewayBackend struct {
	baseURL    string
	httpClient *http.Client
}

// NewGatewayBackend points the backend at the gateway's base URL.
func NewGatewayBackend(baseURL string, httpClient *http.Client) *GatewayBackend {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GatewayBackend{baseURL: baseURL, httpClient: httpClient}
}

type gatewayCallRequest struct {
	ChainSelector uint64 `json:"chain_selector"`
	Address       string `json:"address"`
	Data          string `json:"data"` // base64
}

type gatewayCallResponse struct {
	Result string `json:"result"` // base64
	Error  string `json:"error,omitempty"`
}

type gatewayWriteResponse struct {
	TxRef string `json:"tx_ref"`
	Error string `json:"error,omitempty"`
}

type gatewayConfirmResponse struct {
	Confirmed bool   `json:"confirmed"`
	Error     string `json:"error,omitempty"`
}

// Call implements ChainBackend.
func (g *GatewayBackend) Call(ctx context.Context, chainSelector uint64, address string, callData []byte) ([]byte, error) {
	var resp gatewayCallResponse
	err := g.post(ctx, "/v1/call", gatewayCallRequest{
		ChainSelector: chainSelector,
		Address:       address,
		Data:          base64.StdEncoding.EncodeToString(callData),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("capability: gateway call: %s", resp.Error)
	}
	return base64.StdEncoding.DecodeString(resp.Result)
}

// WriteReport implements ChainBackend.
func (g *GatewayBackend) WriteReport(ctx context.Context, chainSelector uint64, address string, payload []byte) (string, error) {
	var resp gatewayWriteResponse
	err := g.post(ctx, "/v1/write-report", gatewayCallRequest{
		ChainSelector: chainSelector,
		Address:       address,
		Data:          base64.StdEncoding.EncodeToString(payload),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("capability: gateway write: %s", resp.Error)
	}
	return resp.TxRef, nil
}

// Confirmed implements ChainBackend.
func (g *GatewayBackend) Confirmed(ctx context.Context, chainSelector uint64, txRef string) (bool, error) {
	var resp gatewayConfirmResponse
	err := g.post(ctx, "/v1/confirm", map[string]any{
		"chain_selector": chainSelector,
		"tx_ref":         txRef,
	}, &resp)
	if err != nil {
		return false, err
	}
	if resp.Error != "" {
		return false, fmt.Errorf("capability: gateway confirm: %s", resp.Error)
	}
	return resp.Confirmed, nil
}

func (g *GatewayBackend) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("capability: encode gateway request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("capability: build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("capability: gateway %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
