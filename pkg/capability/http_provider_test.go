package capability

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProvider_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"price":42}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.Client(), nil, 1<<10)
	resp, err := p.HTTPFetch(context.Background(), &HTTPRequest{
		URL:     srv.URL,
		Method:  http.MethodGet,
		Headers: map[string]string{"Accept": "application/json"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"price":42}`, string(resp.Body))
}

func TestHTTPProvider_OversizedBodyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.Client(), nil, 64)
	_, err := p.HTTPFetch(context.Background(), &HTTPRequest{URL: srv.URL, Method: http.MethodGet})
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestHTTPProvider_NoChainBackend(t *testing.T) {
	p := NewHTTPProvider(nil, nil, 0)

	_, err := p.EVMCall(context.Background(), 1, "0xabc", nil)
	assert.ErrorIs(t, err, ErrNoChainBackend)
	_, err = p.EVMWriteReport(context.Background(), 1, "0xabc", nil)
	assert.ErrorIs(t, err, ErrNoChainBackend)
	_, err = p.ConfirmTx(context.Background(), 1, "0xtx")
	assert.ErrorIs(t, err, ErrNoChainBackend)
}

func TestGatewayBackend_WriteAndConfirm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/write-report":
			var req gatewayCallRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, uint64(1), req.ChainSelector)
			payload, err := base64.StdEncoding.DecodeString(req.Data)
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), payload)
			_ = json.NewEncoder(w).Encode(gatewayWriteResponse{TxRef: "0xtx1"})
		case "/v1/confirm":
			_ = json.NewEncoder(w).Encode(gatewayConfirmResponse{Confirmed: true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g := NewGatewayBackend(srv.URL, srv.Client())

	txRef, err := g.WriteReport(context.Background(), 1, "0xabc", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "0xtx1", txRef)

	confirmed, err := g.Confirmed(context.Background(), 1, txRef)
	require.NoError(t, err)
	assert.True(t, confirmed)
}

func TestGatewayBackend_SurfacesRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(gatewayCallResponse{Error: "execution reverted"})
	}))
	defer srv.Close()

	g := NewGatewayBackend(srv.URL, srv.Client())
	_, err := g.Call(context.Background(), 1, "0xabc", []byte{0x01})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution reverted")
}
