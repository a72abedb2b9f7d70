// Package ledger is the append-only promise ledger.
//
//   - One record per promise, stored at the index equal to its id
//   - Ids start at 0, increase by one, and are never reused
//   - Each record is hash-chained to its predecessor
//   - Only the settled flag changes after append, and only false -> true
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// GenesisHash is the PrevHash of the first promise.
const GenesisHash = "genesis"

var (
	// ErrNotFound is returned for an id outside the ledger.
	ErrNotFound = errors.New("promise not found")
	// ErrAlreadySettled is returned when settling a promise twice.
	ErrAlreadySettled = errors.New("promise already settled")
)

// ID identifies a promise. It equals the promise's insertion index.
type ID uint64

// Address identifies a party (creator, verifier, platform owner).
type Address string

// Promise is one commitment record.
type Promise struct {
	ID          ID        `json:"id"`
	Task        string    `json:"task"`
	Amount      int64     `json:"amount"` // minor units
	Creator     Address   `json:"creator"`
	Verifier    Address   `json:"verifier"`
	Deadline    int64     `json:"deadline"` // unix seconds
	Settled     bool      `json:"settled"`
	CreatedAt   time.Time `json:"created_at"`
	ContentHash string    `json:"content_hash"`
	PrevHash    string    `json:"prev_hash"`
}

// Pending reports whether the promise still awaits resolution.
func (p Promise) Pending() bool {
	return !p.Settled
}

// Ledger is the append-only promise log.
type Ledger struct {
	mu       sync.RWMutex
	entries  []Promise
	headHash string
	clock    func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		entries:  make([]Promise, 0),
		headHash: GenesisHash,
		clock:    time.Now,
	}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Load rebuilds a ledger from previously exported entries. The hash chain and
// the id == index rule are verified before the ledger is returned.
func Load(entries []Promise) (*Ledger, error) {
	l := New()
	l.entries = append(l.entries, entries...)
	if ok, reason := l.Verify(); !ok {
		return nil, fmt.Errorf("load ledger: %s", reason)
	}
	if len(l.entries) > 0 {
		l.headHash = l.entries[len(l.entries)-1].ContentHash
	}
	return l, nil
}

type hashInput struct {
	ID        ID        `json:"id"`
	Task      string    `json:"task"`
	Amount    int64     `json:"amount"`
	Creator   Address   `json:"creator"`
	Verifier  Address   `json:"verifier"`
	Deadline  int64     `json:"deadline"`
	CreatedAt time.Time `json:"created_at"`
	PrevHash  string    `json:"prev"`
}

func contentHash(p Promise) (string, error) {
	raw, err := json.Marshal(hashInput{
		ID:        p.ID,
		Task:      p.Task,
		Amount:    p.Amount,
		Creator:   p.Creator,
		Verifier:  p.Verifier,
		Deadline:  p.Deadline,
		CreatedAt: p.CreatedAt,
		PrevHash:  p.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal promise: %w", err)
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// Append stores a new pending promise and returns its id. The ID, Settled,
// CreatedAt and hash fields of rec are assigned by the ledger.
func (l *Ledger) Append(rec Promise) (ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.ID = ID(len(l.entries))
	rec.Settled = false
	rec.CreatedAt = l.clock().UTC()
	rec.PrevHash = l.headHash

	h, err := contentHash(rec)
	if err != nil {
		return 0, err
	}
	rec.ContentHash = h

	l.entries = append(l.entries, rec)
	l.headHash = h
	return rec.ID, nil
}

// Get returns a copy of the promise with the given id.
func (l *Ledger) Get(id ID) (Promise, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if uint64(id) >= uint64(len(l.entries)) {
		return Promise{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return l.entries[id], nil
}

// MarkSettled flips the settled flag of a pending promise.
func (l *Ledger) MarkSettled(id ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if uint64(id) >= uint64(len(l.entries)) {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if l.entries[id].Settled {
		return fmt.Errorf("%w: id %d", ErrAlreadySettled, id)
	}
	l.entries[id].Settled = true
	return nil
}

// RevertSettled undoes MarkSettled. It is only valid inside an operation that
// is being rolled back, before anything has observed the settlement.
func (l *Ledger) RevertSettled(id ID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if uint64(id) < uint64(len(l.entries)) {
		l.entries[id].Settled = false
	}
}

// Truncate drops the newest entries so that n remain. It undoes Append inside
// an operation that is being rolled back.
func (l *Ledger) Truncate(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n < 0 || n >= len(l.entries) {
		return
	}
	l.entries = l.entries[:n]
	if n == 0 {
		l.headHash = GenesisHash
	} else {
		l.headHash = l.entries[n-1].ContentHash
	}
}

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of promises ever created.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a copy of every promise in id order.
func (l *Ledger) Entries() []Promise {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Promise, len(l.entries))
	copy(out, l.entries)
	return out
}

// Verify checks the integrity of the entire chain.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := GenesisHash
	for i, entry := range l.entries {
		if entry.ID != ID(i) {
			return false, fmt.Sprintf("id mismatch at index %d: got %d", i, entry.ID)
		}
		if entry.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at promise %d: expected prev %s, got %s", i, prevHash, entry.PrevHash)
		}
		computed, err := contentHash(entry)
		if err != nil {
			return false, fmt.Sprintf("failed to marshal promise %d", i)
		}
		if computed != entry.ContentHash {
			return false, fmt.Sprintf("hash mismatch at promise %d", i)
		}
		prevHash = entry.ContentHash
	}

	return true, "chain verified"
}
