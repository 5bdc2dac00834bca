/*
balance.go - Balance Effect collaborator

PURPOSE:
  Materializing or removing a ledger row moves money on the accounts named
  in its payload. The ledger triggers the effect; the recurrence engine never
  touches balances itself.

DIRECTION:
  Income:   credit SourceAccount
  Expense:  debit SourceAccount
  Transfer: debit SourceAccount, credit DestinationAccount

  Rollback applies the exact inverse, so Apply followed by Rollback leaves
  every account where it started.

SEE ALSO:
  - ledger.go: Calls Apply on create and Rollback on delete
*/
package generic

import (
	"context"
	"sort"
	"sync"
)

// BalanceEffect is owned by the host application.
type BalanceEffect interface {
	Apply(ctx context.Context, tx Transaction) error
	Rollback(ctx context.Context, tx Transaction) error
}

// =============================================================================
// ACCOUNT BALANCES - In-memory decimal implementation
// =============================================================================

// AccountBalances keeps a running balance per account.
type AccountBalances struct {
	mu       sync.RWMutex
	balances map[AccountRef]Amount
}

func NewAccountBalances() *AccountBalances {
	return &AccountBalances{balances: make(map[AccountRef]Amount)}
}

func (b *AccountBalances) Apply(_ context.Context, tx Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.post(tx.Payload, false)
	return nil
}

func (b *AccountBalances) Rollback(_ context.Context, tx Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.post(tx.Payload, true)
	return nil
}

func (b *AccountBalances) post(p Payload, reverse bool) {
	amount := p.Amount
	if reverse {
		amount = amount.Neg()
	}

	switch {
	case p.IsTransfer():
		b.adjust(p.SourceAccount, amount.Neg())
		b.adjust(p.DestinationAccount, amount)
	case p.IsIncome:
		b.adjust(p.SourceAccount, amount)
	default:
		b.adjust(p.SourceAccount, amount.Neg())
	}
}

func (b *AccountBalances) adjust(account AccountRef, delta Amount) {
	if account == "" {
		return
	}
	current, ok := b.balances[account]
	if !ok {
		current = delta.Zero()
	}
	b.balances[account] = current.Add(delta)
}

// Balance returns the account balance (zero when never touched).
func (b *AccountBalances) Balance(account AccountRef) Amount {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[account]
}

// AccountBalance is one row of a Snapshot.
type AccountBalance struct {
	Account AccountRef
	Balance Amount
}

// Snapshot returns every touched account, sorted by account ref.
func (b *AccountBalances) Snapshot() []AccountBalance {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]AccountBalance, 0, len(b.balances))
	for acct, bal := range b.balances {
		out = append(out, AccountBalance{Account: acct, Balance: bal})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}
