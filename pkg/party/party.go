// Package party keeps per-address escrow bookkeeping: the funds locked by each
// party and the two membership lists (promises created, promises to verify).
// Every list is paired with a reverse index from promise id to list position
// so that insertion, lookup and removal are all O(1).
package party

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
)

var (
	// ErrInvariantViolation marks a bookkeeping defect. It is never a caller
	// mistake and the in-flight operation must be aborted.
	ErrInvariantViolation = errors.New("escrow invariant violated")

	// ErrNotAMember is returned when removing an id that is not in the list.
	ErrNotAMember = fmt.Errorf("%w: not a member", ErrInvariantViolation)

	// ErrNegativeLocked is returned when an adjustment would drive locked
	// funds below zero.
	ErrNegativeLocked = fmt.Errorf("%w: negative locked funds", ErrInvariantViolation)

	// ErrLockedOverflow is returned when an adjustment would overflow int64.
	ErrLockedOverflow = errors.New("locked funds overflow")
)

// Account is the bookkeeping for one address. A zero account (nothing locked,
// empty lists) is a valid steady state.
type Account struct {
	LockedFunds int64
	Created     Membership
	ToVerify    Membership
}

func newAccount() *Account {
	return &Account{
		Created:  newMembership(),
		ToVerify: newMembership(),
	}
}

// Index holds every account, created lazily on first reference.
// Index is not safe for concurrent use; the escrow engine serializes access.
type Index struct {
	accounts map[ledger.Address]*Account
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{accounts: make(map[ledger.Address]*Account)}
}

func (ix *Index) account(a ledger.Address) *Account {
	acc, ok := ix.accounts[a]
	if !ok {
		acc = newAccount()
		ix.accounts[a] = acc
	}
	return acc
}

// AddToCreated appends id to the party's created list and returns its position.
func (ix *Index) AddToCreated(a ledger.Address, id ledger.ID) int {
	return ix.account(a).Created.add(id)
}

// AddToVerify appends id to the party's to-verify list and returns its position.
func (ix *Index) AddToVerify(a ledger.Address, id ledger.ID) int {
	return ix.account(a).ToVerify.add(id)
}

// RemoveFromCreated swap-and-pops id out of the party's created list. The
// returned position can be handed to RestoreCreated to undo the removal.
func (ix *Index) RemoveFromCreated(a ledger.Address, id ledger.ID) (int, error) {
	p, err := ix.account(a).Created.remove(id)
	if err != nil {
		return 0, fmt.Errorf("created list of %s: %w", a, err)
	}
	return p, nil
}

// RemoveFromVerify swap-and-pops id out of the party's to-verify list.
func (ix *Index) RemoveFromVerify(a ledger.Address, id ledger.ID) (int, error) {
	p, err := ix.account(a).ToVerify.remove(id)
	if err != nil {
		return 0, fmt.Errorf("to-verify list of %s: %w", a, err)
	}
	return p, nil
}

// RestoreCreated puts id back at position p, undoing the most recent
// RemoveFromCreated on this list.
func (ix *Index) RestoreCreated(a ledger.Address, id ledger.ID, p int) {
	ix.account(a).Created.restore(id, p)
}

// RestoreVerify undoes the most recent RemoveFromVerify on this list.
func (ix *Index) RestoreVerify(a ledger.Address, id ledger.ID, p int) {
	ix.account(a).ToVerify.restore(id, p)
}

// AdjustLocked applies a signed change to the party's locked funds. The
// balance is left untouched when the result would be negative or overflow.
func (ix *Index) AdjustLocked(a ledger.Address, delta int64) error {
	acc := ix.account(a)
	if delta > 0 && acc.LockedFunds > math.MaxInt64-delta {
		return fmt.Errorf("%w: %s has %d, adding %d", ErrLockedOverflow, a, acc.LockedFunds, delta)
	}
	next := acc.LockedFunds + delta
	if next < 0 {
		return fmt.Errorf("%w: %s would hold %d", ErrNegativeLocked, a, next)
	}
	acc.LockedFunds = next
	return nil
}

// CanLock reports whether amount can be added to the party's locked funds.
func (ix *Index) CanLock(a ledger.Address, amount int64) bool {
	acc, ok := ix.accounts[a]
	if !ok || amount <= 0 {
		return true
	}
	return acc.LockedFunds <= math.MaxInt64-amount
}

// LockedFunds returns the party's locked balance.
func (ix *Index) LockedFunds(a ledger.Address) int64 {
	if acc, ok := ix.accounts[a]; ok {
		return acc.LockedFunds
	}
	return 0
}

// CreatedIDs returns a copy of the party's created list.
func (ix *Index) CreatedIDs(a ledger.Address) []ledger.ID {
	if acc, ok := ix.accounts[a]; ok {
		return acc.Created.IDs()
	}
	return []ledger.ID{}
}

// ToVerifyIDs returns a copy of the party's to-verify list.
func (ix *Index) ToVerifyIDs(a ledger.Address) []ledger.ID {
	if acc, ok := ix.accounts[a]; ok {
		return acc.ToVerify.IDs()
	}
	return []ledger.ID{}
}

// IsCreatedMember reports whether id is in the party's created list.
func (ix *Index) IsCreatedMember(a ledger.Address, id ledger.ID) bool {
	acc, ok := ix.accounts[a]
	return ok && acc.Created.Contains(id)
}

// IsVerifyMember reports whether id is in the party's to-verify list.
func (ix *Index) IsVerifyMember(a ledger.Address, id ledger.ID) bool {
	acc, ok := ix.accounts[a]
	return ok && acc.ToVerify.Contains(id)
}

// Addresses returns every known address in sorted order.
func (ix *Index) Addresses() []ledger.Address {
	out := make([]ledger.Address, 0, len(ix.accounts))
	for a := range ix.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Check verifies the list/reverse-index bijection and the non-negative balance
// of every account.
func (ix *Index) Check() error {
	for _, a := range ix.Addresses() {
		acc := ix.accounts[a]
		if acc.LockedFunds < 0 {
			return fmt.Errorf("%w: %s holds %d", ErrNegativeLocked, a, acc.LockedFunds)
		}
		if err := acc.Created.check(); err != nil {
			return fmt.Errorf("created list of %s: %w", a, err)
		}
		if err := acc.ToVerify.check(); err != nil {
			return fmt.Errorf("to-verify list of %s: %w", a, err)
		}
	}
	return nil
}
