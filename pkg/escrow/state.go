package escrow

import (
	"fmt"

	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
	"github.com/ChinmayGopal931/Motivate-app/pkg/party"
)

// State is the persisted form of an engine: the ledger in id order and the
// address to account map.
type State struct {
	Owner    ledger.Address                        `json:"owner"`
	Cleanup  string                                `json:"verifier_cleanup"`
	Promises []ledger.Promise                      `json:"promises"`
	Accounts map[ledger.Address]party.AccountState `json:"accounts"`
}

// Snapshot captures the engine state between operations.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return State{
		Owner:    e.owner,
		Cleanup:  e.cleanup.String(),
		Promises: e.ledger.Entries(),
		Accounts: e.parties.Export(),
	}
}

// Restore rebuilds an engine from a snapshot. The ledger chain is verified and
// the state must pass Audit; otherwise nothing is returned. The cleanup mode
// recorded in the snapshot applies unless overridden by opts.
func Restore(st State, t Transferer, opts ...Option) (*Engine, error) {
	l, err := ledger.Load(st.Promises)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvariantViolation, err)
	}
	ix, err := party.Load(st.Accounts)
	if err != nil {
		return nil, fmt.Errorf("restore accounts: %w", err)
	}

	cleanup, err := ParseVerifierCleanup(st.Cleanup)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	opts = append([]Option{WithVerifierCleanup(cleanup)}, opts...)

	e := newEngine(l, ix, st.Owner, t, opts)
	if _, err := e.audit(); err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	return e, nil
}
