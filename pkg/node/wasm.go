package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/arome3/ciel/pkg/contracts"
)

// WasmHandler runs a workflow handler compiled to WebAssembly. The
// module is compiled once; each invocation gets a fresh instance, so
// guest state never leaks between firings.
//
// Guest ABI:
//
//	alloc(size: u32) -> ptr: u32
//	run(ptr: u32, len: u32) -> packed: u64   // (outPtr << 32) | outLen
//
// run receives the invocation JSON {workflow_id, firing_id, timestamp,
// payload} and returns {"fields": {...}} or {"error": "..."}. Guests are
// pure computations over the firing payload; capability access stays on
// the host side.
type WasmHandler struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

type wasmInput struct {
	WorkflowID string                     `json:"workflow_id"`
	FiringID   string                     `json:"firing_id"`
	Timestamp  string                     `json:"timestamp"`
	Payload    map[string]contracts.Value `json:"payload,omitempty"`
}

type wasmOutput struct {
	Fields map[string]contracts.Value `json:"fields"`
	Error  string                     `json:"error"`
}

// NewWasmHandler compiles the module and verifies the ABI exports exist.
func NewWasmHandler(ctx context.Context, wasmBytes []byte) (*WasmHandler, error) {
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("node: compile wasm handler: %w", err)
	}
	exports := compiled.ExportedFunctions()
	for _, name := range []string{"alloc", "run"} {
		if _, ok := exports[name]; !ok {
			_ = r.Close(ctx)
			return nil, fmt.Errorf("node: wasm handler missing export %q", name)
		}
	}
	return &WasmHandler{runtime: r, compiled: compiled}, nil
}

// Handler adapts the module to the Handler signature.
func (w *WasmHandler) Handler() Handler {
	return func(ctx context.Context, hctx *Context) (map[string]contracts.Value, error) {
		return w.invoke(ctx, hctx.Firing)
	}
}

func (w *WasmHandler) invoke(ctx context.Context, firing contracts.Firing) (map[string]contracts.Value, error) {
	input, err := json.Marshal(wasmInput{
		WorkflowID: firing.WorkflowID,
		FiringID:   firing.FiringID,
		Timestamp:  firing.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:    firing.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode wasm input: %w", err)
	}

	// Anonymous instance per invocation.
	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm handler: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	allocRes, err := mod.ExportedFunction("alloc").Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("wasm alloc: %w", err)
	}
	ptr := uint32(allocRes[0])
	if !mod.Memory().Write(ptr, input) {
		return nil, errors.New("wasm input write out of range")
	}

	runRes, err := mod.ExportedFunction("run").Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("wasm run: %w", err)
	}
	packed := runRes[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)
	data, ok := mod.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, errors.New("wasm output read out of range")
	}

	var out wasmOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode wasm output: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("wasm handler: %s", out.Error)
	}
	return out.Fields, nil
}

// Close releases the compiled module and runtime.
func (w *WasmHandler) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}
