// Package funding defines the FundingProtocol boundary the Orchestrator
// calls through to pay a worker before dispatching a task assignment,
// plus an in-memory ledger implementation. FundingProtocol is an
// excluded external collaborator: a production deployment
// swaps this for a real payment rail; this package owns the transfer
// contract and a deterministic reference implementation.
//
package funding

import (
	"context"
	"fmt"
	"sync"

	"github.com/colonyrt/runtime/internal/audit"
	"github.com/colonyrt/runtime/internal/colonyerr"
)

// Protocol transfers compute credits to a worker address and recalls
// unspent credits once a task completes.
type Protocol interface {
	// Transfer moves costCents of credit to address, returning a transfer
	// id the caller can later Recall against.
	Transfer(ctx context.Context, address string, costCents int64) (transferID string, err error)
	// Recall returns unspent credit from a prior Transfer. spentCents is
	// what the worker reports it actually used.
	Recall(ctx context.Context, transferID string, spentCents int64) (recalledCents int64, err error)
}

// Ledger is an in-memory Protocol: each Transfer opens an escrow entry,
// each Recall closes it and reports the difference. Not durable across
// restarts: a real deployment backs this with the Store or an external
// payment rail.
type Ledger struct {
	mu       sync.Mutex
	nextID   int64
	escrowed map[string]int64
	balance  int64
}

// NewLedger creates a ledger pre-funded with startingBalanceCents.
func NewLedger(startingBalanceCents int64) *Ledger {
	return &Ledger{escrowed: make(map[string]int64), balance: startingBalanceCents}
}

func (l *Ledger) Transfer(ctx context.Context, address string, costCents int64) (string, error) {
	if costCents < 0 {
		audit.Record("deny", "funding.transfer", "negative transfer amount", "", address)
		return "", colonyerr.New("funding.Transfer", colonyerr.InvalidInput, fmt.Errorf("negative transfer amount"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if costCents > l.balance {
		audit.Record("deny", "funding.transfer", fmt.Sprintf("insufficient balance: have %d, need %d", l.balance, costCents), "", address)
		return "", colonyerr.New("funding.Transfer", colonyerr.BudgetExceeded,
			fmt.Errorf("insufficient balance: have %d, need %d", l.balance, costCents))
	}
	l.nextID++
	id := fmt.Sprintf("xfer-%d", l.nextID)
	l.balance -= costCents
	l.escrowed[id] = costCents
	audit.Record("approve", "funding.transfer", fmt.Sprintf("escrowed %d cents as %s", costCents, id), "", address)
	return id, nil
}

func (l *Ledger) Recall(ctx context.Context, transferID string, spentCents int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	escrowed, ok := l.escrowed[transferID]
	if !ok {
		return 0, colonyerr.New("funding.Recall", colonyerr.NotFound, fmt.Errorf("unknown transfer %q", transferID))
	}
	delete(l.escrowed, transferID)
	if spentCents < 0 {
		spentCents = 0
	}
	if spentCents > escrowed {
		spentCents = escrowed
	}
	recalled := escrowed - spentCents
	l.balance += recalled
	return recalled, nil
}

// Balance reports the ledger's current unescrowed balance.
func (l *Ledger) Balance() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// FundAgentForTask transfers max(estimatedCostCents, defaultTaskFundingCents)
// credits to address. If both are zero it is a no-op.
func FundAgentForTask(ctx context.Context, p Protocol, address string, estimatedCostCents, defaultTaskFundingCents int64) (string, error) {
	amount := estimatedCostCents
	if defaultTaskFundingCents > amount {
		amount = defaultTaskFundingCents
	}
	if amount == 0 {
		return "", nil
	}
	return p.Transfer(ctx, address, amount)
}
