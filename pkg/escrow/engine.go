// Package escrow implements the resolution protocol over the promise ledger and
// the party index.
//
// Every operation is serialized behind one mutex and runs to completion: either
// all of its structural mutations commit, or a journal replays their inverses
// and the store is left exactly as it was. Notifications are published only
// after commit.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChinmayGopal931/Motivate-app/pkg/events"
	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
	"github.com/ChinmayGopal931/Motivate-app/pkg/party"
	"github.com/ChinmayGopal931/Motivate-app/pkg/transfer"
)

// Transferer moves value to an address. A failed transfer must leave no effect,
// and a payout whose key was already paid must not pay again.
type Transferer interface {
	Transfer(ctx context.Context, p transfer.Payout) error
}

// VerifierCleanup selects whose to-verify list is cleaned when a promise is
// resolved.
type VerifierCleanup int

const (
	// CleanupOriginalVerifier removes the id from the promise's verifier list,
	// whoever resolves it.
	CleanupOriginalVerifier VerifierCleanup = iota
	// CleanupResolver removes the id from the resolver's list. An owner claim
	// then leaves a stale entry in the verifier's list; it is logged, not fatal.
	CleanupResolver
)

func (c VerifierCleanup) String() string {
	switch c {
	case CleanupOriginalVerifier:
		return "verifier"
	case CleanupResolver:
		return "resolver"
	default:
		return fmt.Sprintf("VerifierCleanup(%d)", int(c))
	}
}

// ParseVerifierCleanup parses "verifier" or "resolver".
func ParseVerifierCleanup(s string) (VerifierCleanup, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "verifier", "original", "original_verifier":
		return CleanupOriginalVerifier, nil
	case "resolver", "legacy":
		return CleanupResolver, nil
	}
	return 0, fmt.Errorf("unknown verifier cleanup mode %q", s)
}

// CreateRequest carries the arguments of a promise creation.
type CreateRequest struct {
	Task          string
	Amount        int64
	Verifier      ledger.Address
	Deadline      int64 // unix seconds
	AttachedValue int64
	Creator       ledger.Address
}

// Settlement describes a committed resolution.
type Settlement struct {
	PromiseID ledger.ID      `json:"promise_id"`
	Resolver  ledger.Address `json:"resolver"`
	Recipient ledger.Address `json:"recipient"`
	Amount    int64          `json:"amount"`
	// OwnerClaim is set when the owner took the stake after the deadline.
	OwnerClaim bool `json:"owner_claim,omitempty"`
	// StaleVerifyEntry is set when the verifier's to-verify list still holds
	// the id (CleanupResolver mode, owner claim).
	StaleVerifyEntry bool `json:"stale_verify_entry,omitempty"`
}

// Engine is the escrow store: the ledger, the party index and the platform
// owner, threaded through every operation.
type Engine struct {
	mu         sync.Mutex
	ledger     *ledger.Ledger
	parties    *party.Index
	owner      ledger.Address
	transferer Transferer
	publisher  events.Publisher
	cleanup    VerifierCleanup
	clock      func() time.Time
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used by the deadline gate.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPublisher sets the notification sink.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithVerifierCleanup selects the to-verify cleanup mode.
func WithVerifierCleanup(c VerifierCleanup) Option {
	return func(e *Engine) { e.cleanup = c }
}

// New creates an empty engine owned by owner.
func New(owner ledger.Address, t Transferer, opts ...Option) *Engine {
	return newEngine(ledger.New(), party.NewIndex(), owner, t, opts)
}

func newEngine(l *ledger.Ledger, ix *party.Index, owner ledger.Address, t Transferer, opts []Option) *Engine {
	e := &Engine{
		ledger:     l,
		parties:    ix,
		owner:      owner,
		transferer: t,
		clock:      time.Now,
		logger:     slog.Default().With("component", "escrow"),
	}
	for _, o := range opts {
		o(e)
	}
	e.ledger.WithClock(e.clock)
	return e
}

// Owner returns the platform owner address.
func (e *Engine) Owner() ledger.Address {
	return e.owner
}

// CreatePromise locks req.Amount from the creator against a new promise and
// returns its id.
func (e *Engine) CreatePromise(ctx context.Context, req CreateRequest) (ledger.ID, error) {
	e.mu.Lock()
	p, err := e.create(req)
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}

	e.logger.Info("promise created",
		"promise_id", p.ID, "creator", p.Creator, "verifier", p.Verifier,
		"amount", p.Amount, "deadline", p.Deadline)
	e.publish(ctx, events.PromiseCreated(p, e.clock()))
	return p.ID, nil
}

func (e *Engine) create(req CreateRequest) (ledger.Promise, error) {
	if req.Amount < 0 {
		return ledger.Promise{}, reject(OpCreate, 0, fmt.Errorf("%w: negative stake %d", ErrInvalidAmount, req.Amount))
	}
	if req.AttachedValue != req.Amount {
		return ledger.Promise{}, reject(OpCreate, 0,
			fmt.Errorf("%w: attached %d, declared %d", ErrAmountMismatch, req.AttachedValue, req.Amount))
	}
	if !e.parties.CanLock(req.Creator, req.Amount) {
		return ledger.Promise{}, reject(OpCreate, 0,
			fmt.Errorf("%w: locked balance of %s would overflow", ErrInvalidAmount, req.Creator))
	}

	var j journal
	n := e.ledger.Length()
	id, err := e.ledger.Append(ledger.Promise{
		Task:     req.Task,
		Amount:   req.Amount,
		Creator:  req.Creator,
		Verifier: req.Verifier,
		Deadline: req.Deadline,
	})
	if err != nil {
		return ledger.Promise{}, reject(OpCreate, 0, err)
	}
	j.record(func() { e.ledger.Truncate(n) })

	e.parties.AddToCreated(req.Creator, id)
	j.record(func() { _, _ = e.parties.RemoveFromCreated(req.Creator, id) })

	e.parties.AddToVerify(req.Verifier, id)
	j.record(func() { _, _ = e.parties.RemoveFromVerify(req.Verifier, id) })

	if err := e.parties.AdjustLocked(req.Creator, req.Amount); err != nil {
		j.rollback()
		return ledger.Promise{}, e.abort(OpCreate, id, err)
	}
	j.record(func() { _ = e.parties.AdjustLocked(req.Creator, -req.Amount) })

	p, err := e.ledger.Get(id)
	if err != nil {
		j.rollback()
		return ledger.Promise{}, e.abort(OpCreate, id, err)
	}
	return p, nil
}

// ResolvePromise settles a pending promise on behalf of caller and transfers
// the stake. The verifier may resolve at any time and the stake returns to the
// creator; the owner may resolve once the deadline has passed and receives the
// stake.
func (e *Engine) ResolvePromise(ctx context.Context, id ledger.ID, caller ledger.Address) (*Settlement, error) {
	e.mu.Lock()
	s, p, err := e.resolve(ctx, id, caller)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.logger.Info("promise settled",
		"promise_id", id, "resolver", s.Resolver, "recipient", s.Recipient, "amount", s.Amount)
	e.publish(ctx, events.PromiseSettled(p, s.Resolver, s.Recipient, e.clock()))
	return s, nil
}

func (e *Engine) resolve(ctx context.Context, id ledger.ID, caller ledger.Address) (*Settlement, ledger.Promise, error) {
	p, err := e.ledger.Get(id)
	if err != nil {
		return nil, p, reject(OpResolve, id, err)
	}

	var (
		recipient ledger.Address
		claim     bool
	)
	now := e.clock().Unix()
	switch {
	case caller == p.Verifier:
		recipient = p.Creator
	case caller == e.owner && now >= p.Deadline:
		recipient, claim = e.owner, true
	default:
		return nil, p, reject(OpResolve, id,
			fmt.Errorf("%w: %s at %d (deadline %d)", ErrUnauthorized, caller, now, p.Deadline))
	}
	if p.Settled {
		return nil, p, reject(OpResolve, id, fmt.Errorf("%w: id %d", ErrAlreadySettled, id))
	}

	var j journal
	s := &Settlement{PromiseID: id, Resolver: caller, Recipient: recipient, Amount: p.Amount, OwnerClaim: claim}

	pos, err := e.parties.RemoveFromCreated(p.Creator, id)
	if err != nil {
		return nil, p, e.abort(OpResolve, id, err)
	}
	j.record(func() { e.parties.RestoreCreated(p.Creator, id, pos) })

	if err := e.parties.AdjustLocked(p.Creator, -p.Amount); err != nil {
		j.rollback()
		return nil, p, e.abort(OpResolve, id, err)
	}
	j.record(func() { _ = e.parties.AdjustLocked(p.Creator, p.Amount) })

	target := p.Verifier
	if e.cleanup == CleanupResolver {
		target = caller
	}
	vpos, err := e.parties.RemoveFromVerify(target, id)
	switch {
	case err == nil:
		j.record(func() { e.parties.RestoreVerify(target, id, vpos) })
	case errors.Is(err, ErrNotAMember) && e.cleanup == CleanupResolver && target != p.Verifier:
		s.StaleVerifyEntry = true
		e.logger.Warn("to-verify entry left in place",
			"promise_id", id, "resolver", caller, "verifier", p.Verifier)
	default:
		j.rollback()
		return nil, p, e.abort(OpResolve, id, err)
	}

	if err := e.ledger.MarkSettled(id); err != nil {
		j.rollback()
		return nil, p, e.abort(OpResolve, id, err)
	}
	j.record(func() { e.ledger.RevertSettled(id) })

	if err := e.transferer.Transfer(ctx, transfer.PayoutFor(id, recipient, p.Amount)); err != nil {
		j.rollback()
		e.logger.Warn("transfer failed, resolution rolled back",
			"promise_id", id, "recipient", recipient, "amount", p.Amount, "error", err)
		return nil, p, reject(OpResolve, id, fmt.Errorf("%w: %w", ErrTransferFailed, err))
	}
	p.Settled = true
	return s, p, nil
}

// abort converts an error raised mid-operation into a rejection. Callers must
// have rolled back first.
func (e *Engine) abort(op string, id ledger.ID, err error) *Rejection {
	rej := reject(op, id, err)
	if rej.Fatal() {
		e.logger.Error("operation aborted and rolled back",
			"op", op, "promise_id", id, "kind", rej.Kind, "error", err)
	}
	return rej
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("event delivery failed", "event_id", ev.ID, "kind", ev.Kind, "error", err)
	}
}

// LockedFunds returns the stake currently locked by the party.
func (e *Engine) LockedFunds(a ledger.Address) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parties.LockedFunds(a)
}

// Promise returns the promise with the given id.
func (e *Engine) Promise(id ledger.ID) (ledger.Promise, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.ledger.Get(id)
	if err != nil {
		return ledger.Promise{}, reject(OpGet, id, err)
	}
	return p, nil
}

// CreatedPromiseIDs returns the pending promises created by the party.
func (e *Engine) CreatedPromiseIDs(a ledger.Address) []ledger.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parties.CreatedIDs(a)
}

// PromisesToVerify returns the promises the party is asked to verify.
func (e *Engine) PromisesToVerify(a ledger.Address) []ledger.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parties.ToVerifyIDs(a)
}

// Length returns the number of promises ever created.
func (e *Engine) Length() int {
	return e.ledger.Length()
}

// Head returns the ledger's head hash.
func (e *Engine) Head() string {
	return e.ledger.Head()
}
