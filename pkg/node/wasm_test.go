package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWasmHandler_RejectsGarbage(t *testing.T) {
	_, err := NewWasmHandler(context.Background(), []byte("not wasm"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile wasm handler")
}

// A syntactically valid module without the guest ABI exports must be
// rejected at load time, not at first invocation.
func TestNewWasmHandler_RequiresExports(t *testing.T) {
	// Minimal empty module: magic + version, no sections.
	empty := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	_, err := NewWasmHandler(context.Background(), empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing export")
}
