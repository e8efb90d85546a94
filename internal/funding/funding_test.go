package funding

import (
	"context"
	"testing"

	"github.com/colonyrt/runtime/internal/colonyerr"
)

func TestTransferAndRecall(t *testing.T) {
	l := NewLedger(1000)
	ctx := context.Background()

	id, err := l.Transfer(ctx, "worker-1", 300)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if l.Balance() != 700 {
		t.Fatalf("expected balance 700 after escrow, got %d", l.Balance())
	}

	recalled, err := l.Recall(ctx, id, 120)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if recalled != 180 {
		t.Fatalf("expected 180 recalled, got %d", recalled)
	}
	if l.Balance() != 880 {
		t.Fatalf("expected balance 880 after recall, got %d", l.Balance())
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	l := NewLedger(100)
	_, err := l.Transfer(context.Background(), "worker-1", 500)
	if !colonyerr.Is(err, colonyerr.BudgetExceeded) {
		t.Fatalf("expected BUDGET_EXCEEDED, got %v", err)
	}
}

func TestRecallUnknownTransfer(t *testing.T) {
	l := NewLedger(100)
	_, err := l.Recall(context.Background(), "xfer-999", 0)
	if !colonyerr.Is(err, colonyerr.NotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestFundAgentForTaskUsesLarger(t *testing.T) {
	l := NewLedger(1000)
	id, err := FundAgentForTask(context.Background(), l, "worker-1", 50, 200)
	if err != nil {
		t.Fatalf("FundAgentForTask: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a transfer id")
	}
	if l.Balance() != 800 {
		t.Fatalf("expected balance 800 (transferred default 200), got %d", l.Balance())
	}
}

func TestFundAgentForTaskNoopWhenBothZero(t *testing.T) {
	l := NewLedger(1000)
	id, err := FundAgentForTask(context.Background(), l, "worker-1", 0, 0)
	if err != nil {
		t.Fatalf("FundAgentForTask: %v", err)
	}
	if id != "" {
		t.Fatalf("expected no-op transfer id, got %q", id)
	}
	if l.Balance() != 1000 {
		t.Fatalf("expected balance unchanged, got %d", l.Balance())
	}
}
