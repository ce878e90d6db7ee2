// Package ledger releases funds held by the proxy back to accounts on the
// foreign domain. How value actually moves is the ledger's business; the
// proxy only decides who is owed what.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrInvalidPayout = errors.New("ledger: payout amount must be positive")

// Treasury pays amounts out of the proxy's custody.
type Treasury interface {
	Pay(ctx context.Context, to string, amount decimal.Decimal, memo string) error
}

// Payout is an immutable record of funds released by the proxy.
type Payout struct {
	ID        string          `json:"id"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo"`
	Timestamp time.Time       `json:"timestamp"`
}

// MemoryLedger credits in-memory balances. Used for testing and development.
type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[string]decimal.Decimal
	payouts  []Payout
	hook     func(Payout)
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]decimal.Decimal)}
}

// OnPay registers a function called after every payout, outside the lock.
// Tests use it to simulate recipients that call back into the proxy.
func (l *MemoryLedger) OnPay(fn func(Payout)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = fn
}

func (l *MemoryLedger) Pay(_ context.Context, to string, amount decimal.Decimal, memo string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidPayout, amount)
	}
	p := Payout{
		ID:        uuid.New().String(),
		To:        to,
		Amount:    amount,
		Memo:      memo,
		Timestamp: time.Now().UTC(),
	}

	l.mu.Lock()
	l.balances[to] = l.balances[to].Add(amount)
	l.payouts = append(l.payouts, p)
	hook := l.hook
	l.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

// Balance returns the total paid to addr.
func (l *MemoryLedger) Balance(addr string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[addr]
}

// Payouts returns every payout in order.
func (l *MemoryLedger) Payouts() []Payout {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Payout(nil), l.payouts...)
}
