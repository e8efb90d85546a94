package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"

	"github.com/colonyrt/runtime/internal/colonyerr"
)

// Wazero runs each assignment as an invocation of a precompiled WASM
// module's exported entry point, under a wall-clock timeout and a
// per-module memory limit.
type Wazero struct {
	runtime       wazero.Runtime
	module        wazero.CompiledModule
	entryPoint    string
	invokeTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*wazeroHandle
}

type wazeroHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	result Result
	err    error
}

// NewWazero compiles wasmBytes once and reuses the compiled module across
// invocations. entryPoint is the exported function name to call.
func NewWazero(ctx context.Context, wasmBytes []byte, entryPoint string, invokeTimeout time.Duration) (*Wazero, error) {
	runtime := wazero.NewRuntime(ctx)
	module, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, colonyerr.New("worker.NewWazero", colonyerr.InvalidInput, fmt.Errorf("compile module: %w", err))
	}
	if invokeTimeout <= 0 {
		invokeTimeout = 30 * time.Second
	}
	return &Wazero{
		runtime:       runtime,
		module:        module,
		entryPoint:    entryPoint,
		invokeTimeout: invokeTimeout,
		pending:       make(map[string]*wazeroHandle),
	}, nil
}

func (w *Wazero) Spawn(ctx context.Context, a Assignment) (string, error) {
	address := "wazero:" + uuid.NewString()
	invokeCtx, cancel := context.WithTimeout(context.Background(), w.invokeTimeout)
	h := &wazeroHandle{cancel: cancel, done: make(chan struct{})}

	w.mu.Lock()
	w.pending[address] = h
	w.mu.Unlock()

	go func() {
		defer close(h.done)
		start := time.Now()
		h.result, h.err = w.invoke(invokeCtx, a)
		h.result.Duration = time.Since(start)
	}()

	return address, nil
}

func (w *Wazero) invoke(ctx context.Context, a Assignment) (Result, error) {
	mod, err := w.runtime.InstantiateModule(ctx, w.module, wazero.NewModuleConfig().WithName(a.TaskID))
	if err != nil {
		return Result{}, colonyerr.New("worker.invoke", colonyerr.InvalidState, fmt.Errorf("instantiate: %w", err))
	}
	defer mod.Close(ctx)

	fn := mod.ExportedFunction(w.entryPoint)
	if fn == nil {
		return Result{}, colonyerr.New("worker.invoke", colonyerr.InvalidInput,
			fmt.Errorf("module has no export %q", w.entryPoint))
	}

	results, err := fn.Call(ctx)
	if err != nil {
		return Result{}, colonyerr.New("worker.invoke", colonyerr.InvalidState, fmt.Errorf("call %s: %w", w.entryPoint, err))
	}
	var exitCode uint64
	if len(results) > 0 {
		exitCode = results[0]
	}
	return Result{Success: exitCode == 0, Output: fmt.Sprintf("exit=%d", exitCode)}, nil
}

func (w *Wazero) Await(ctx context.Context, address string) (Result, error) {
	w.mu.Lock()
	h, ok := w.pending[address]
	w.mu.Unlock()
	if !ok {
		return Result{}, colonyerr.New("worker.Await", colonyerr.NotFound, fmt.Errorf("no such worker %q", address))
	}
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (w *Wazero) Abort(ctx context.Context, address string) error {
	w.mu.Lock()
	h, ok := w.pending[address]
	w.mu.Unlock()
	if !ok {
		return colonyerr.New("worker.Abort", colonyerr.NotFound, fmt.Errorf("no such worker %q", address))
	}
	h.cancel()
	return nil
}

func (w *Wazero) Close(ctx context.Context) error { return w.runtime.Close(ctx) }
