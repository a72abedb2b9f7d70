// Package transfer provides value-transfer capabilities for the escrow engine.
// A transfer either succeeds or fails as a unit; a failed transfer leaves no
// trace in the transferer's state.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
	"github.com/google/uuid"
)

// ErrRejected is returned when the receiving side refuses a transfer.
var ErrRejected = errors.New("transfer rejected")

// Payout is one stake release. Key names the settlement, so every attempt to
// pay out the same promise carries the same key and a receiver can drop
// duplicates.
type Payout struct {
	Key       string         `json:"idempotency_key"`
	PromiseID ledger.ID      `json:"promise_id"`
	To        ledger.Address `json:"to"`
	Amount    int64          `json:"amount"`
}

// PayoutFor builds the payout releasing the stake of promise id.
func PayoutFor(id ledger.ID, to ledger.Address, amount int64) Payout {
	return Payout{Key: fmt.Sprintf("promise-%d", id), PromiseID: id, To: to, Amount: amount}
}

func (p Payout) key() string {
	if p.Key == "" {
		return uuid.New().String()
	}
	return p.Key
}

// Record is one completed transfer.
type Record struct {
	Key       string         `json:"idempotency_key"`
	PromiseID ledger.ID      `json:"promise_id"`
	To        ledger.Address `json:"to"`
	Amount    int64          `json:"amount"`
	At        time.Time      `json:"at"`
}

// Memory credits in-process balances. It is used in lite mode and in tests,
// where failures can be injected per call or per receiver.
type Memory struct {
	mu       sync.Mutex
	balances map[ledger.Address]int64
	records  []Record
	paid     map[string]struct{}
	failNext error
	failFor  map[ledger.Address]error
	clock    func() time.Time
}

// NewMemory creates an empty in-memory transferer.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[ledger.Address]int64),
		paid:     make(map[string]struct{}),
		failFor:  make(map[ledger.Address]error),
		clock:    time.Now,
	}
}

// Transfer credits the payout to its receiver. A key that was already paid is
// acknowledged without crediting again.
func (m *Memory) Transfer(ctx context.Context, p Payout) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext; err != nil {
		m.failNext = nil
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if err, ok := m.failFor[p.To]; ok {
		return fmt.Errorf("%w: %s: %w", ErrRejected, p.To, err)
	}
	if p.Amount < 0 {
		return fmt.Errorf("%w: negative amount %d", ErrRejected, p.Amount)
	}

	key := p.key()
	if _, done := m.paid[key]; done {
		return nil
	}
	m.paid[key] = struct{}{}
	m.balances[p.To] += p.Amount
	m.records = append(m.records, Record{
		Key:       key,
		PromiseID: p.PromiseID,
		To:        p.To,
		Amount:    p.Amount,
		At:        m.clock().UTC(),
	})
	return nil
}

// FailNext makes the next Transfer fail with err.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// FailFor makes every transfer to the receiver fail until cleared with a nil err.
func (m *Memory) FailFor(to ledger.Address, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failFor, to)
		return
	}
	m.failFor[to] = err
}

// Balance returns the total credited to the address.
func (m *Memory) Balance(a ledger.Address) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[a]
}

// Records returns a copy of all completed transfers in order.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}
