package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arome3/ciel/pkg/contracts"
)

// GatewayFeed polls the external chain gateway for matched logs. Each
// Subscribe call tracks its own cursor so independent sources never
// steal each other's logs.
type GatewayFeed struct {
	baseURL    string
	httpClient *http.Client
	interval   time.Duration
	logger     *slog.Logger
}

// NewGatewayFeed builds a feed polling baseURL every interval.
func NewGatewayFeed(baseURL string, httpClient *http.Client, interval time.Duration) *GatewayFeed {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &GatewayFeed{
		baseURL:    baseURL,
		httpClient: httpClient,
		interval:   interval,
		logger:     slog.Default().With("component", "trigger.gatewayfeed"),
	}
}

type gatewayLogsRequest struct {
	ChainSelector uint64 `json:"chain_selector"`
	Address       string `json:"address"`
	EventSig      string `json:"event_sig"`
	Cursor        string `json:"cursor,omitempty"`
}

type gatewayLog struct {
	BlockHash string                     `json:"block_hash"`
	TxHash    string                     `json:"tx_hash"`
	LogIndex  uint32                     `json:"log_index"`
	Timestamp time.Time                  `json:"timestamp"`
	Fields    map[string]contracts.Value `json:"fields"`
}

type gatewayLogsResponse struct {
	Logs   []gatewayLog `json:"logs"`
	Cursor string       `json:"cursor"`
}

// Subscribe implements LogFeed. The channel closes when ctx is done.
func (f *GatewayFeed) Subscribe(ctx context.Context, chainSelector uint64, address, eventSig string) (<-chan Log, error) {
	out := make(chan Log, firingBuffer)
	go f.poll(ctx, out, chainSelector, address, eventSig)
	return out, nil
}

func (f *GatewayFeed) poll(ctx context.Context, out chan<- Log, chainSelector uint64, address, eventSig string) {
	defer close(out)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	cursor := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := f.fetch(ctx, gatewayLogsRequest{
			ChainSelector: chainSelector,
			Address:       address,
			EventSig:      eventSig,
			Cursor:        cursor,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.WarnContext(ctx, "gateway log poll failed", "address", address, "error", err)
			continue
		}
		cursor = resp.Cursor

		for _, gl := range resp.Logs {
			log := Log{
				ChainSelector: chainSelector,
				BlockHash:     gl.BlockHash,
				TxHash:        gl.TxHash,
				LogIndex:      gl.LogIndex,
				Address:       address,
				EventSig:      eventSig,
				Fields:        gl.Fields,
				Timestamp:     gl.Timestamp,
			}
			select {
			case out <- log:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *GatewayFeed) fetch(ctx context.Context, reqBody gatewayLogsRequest) (*gatewayLogsResponse, error) {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("trigger: encode log request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/v1/logs", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("trigger: build log request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trigger: gateway logs returned status %d", httpResp.StatusCode)
	}
	var resp gatewayLogsResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
