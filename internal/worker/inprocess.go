package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/colonyrt/runtime/internal/colonyerr"
)

// Func is a locally-runnable task body: the only thing a caller must
// supply to exercise InProcess without a real sandbox.
type Func func(ctx context.Context, a Assignment) (Result, error)

// InProcess runs assignments as goroutines inside the runtime's own
// process: the default executor for development and single-binary
// deployments with no container runtime available.
type InProcess struct {
	fn Func

	mu      sync.Mutex
	workers map[string]*inprocessHandle
}

type inprocessHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	result Result
	err    error
}

func NewInProcess(fn Func) *InProcess {
	return &InProcess{fn: fn, workers: make(map[string]*inprocessHandle)}
}

func (p *InProcess) Spawn(ctx context.Context, a Assignment) (string, error) {
	address := "inprocess:" + uuid.NewString()
	workerCtx, cancel := context.WithCancel(context.Background())
	if a.TimeoutMs > 0 {
		workerCtx, cancel = context.WithTimeout(workerCtx, time.Duration(a.TimeoutMs)*time.Millisecond)
	}
	h := &inprocessHandle{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	p.workers[address] = h
	p.mu.Unlock()

	go func() {
		defer close(h.done)
		start := time.Now()
		result, err := p.fn(workerCtx, a)
		result.Duration = time.Since(start)
		h.result, h.err = result, err
	}()

	return address, nil
}

func (p *InProcess) Await(ctx context.Context, address string) (Result, error) {
	p.mu.Lock()
	h, ok := p.workers[address]
	p.mu.Unlock()
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

func (p *InProcess) Abort(ctx context.Context, address string) error {
	p.mu.Lock()
	h, ok := p.workers[address]
	p.mu.Unlock()
	if !ok {
		return colonyerr.New("worker.Abort", colonyerr.NotFound, fmt.Errorf("no such worker %q", address))
	}
	h.cancel()
	return nil
}
