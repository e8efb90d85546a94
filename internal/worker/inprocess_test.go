package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInProcessSpawnAndAwait(t *testing.T) {
	p := NewInProcess(func(ctx context.Context, a Assignment) (Result, error) {
		return Result{Success: true, Output: "did " + a.Title}, nil
	})

	addr, err := p.Spawn(context.Background(), Assignment{TaskID: "t1", Title: "thing"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	res, err := p.Await(context.Background(), addr)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !res.Success || res.Output != "did thing" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInProcessAbortCancelsContext(t *testing.T) {
	started := make(chan struct{})
	p := NewInProcess(func(ctx context.Context, a Assignment) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	})

	addr, err := p.Spawn(context.Background(), Assignment{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-started
	if err := p.Abort(context.Background(), addr); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = p.Await(ctx, addr)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled after abort, got %v", err)
	}
}

func TestInProcessAwaitUnknownAddress(t *testing.T) {
	p := NewInProcess(func(ctx context.Context, a Assignment) (Result, error) { return Result{}, nil })
	if _, err := p.Await(context.Background(), "inprocess:missing"); err == nil {
		t.Fatalf("expected error for unknown address")
	}
}
