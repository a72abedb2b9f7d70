package party

import (
	"fmt"

	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
)

// AccountState is the persisted form of an Account. Reverse indexes are not
// stored; they are rebuilt from list order on load.
type AccountState struct {
	LockedFunds int64       `json:"locked_funds"`
	Created     []ledger.ID `json:"created"`
	ToVerify    []ledger.ID `json:"to_verify"`
}

// Export returns the persisted form of every account.
func (ix *Index) Export() map[ledger.Address]AccountState {
	out := make(map[ledger.Address]AccountState, len(ix.accounts))
	for a, acc := range ix.accounts {
		out[a] = AccountState{
			LockedFunds: acc.LockedFunds,
			Created:     acc.Created.IDs(),
			ToVerify:    acc.ToVerify.IDs(),
		}
	}
	return out
}

// Load rebuilds an index from exported accounts, preserving list order.
func Load(accounts map[ledger.Address]AccountState) (*Index, error) {
	ix := NewIndex()
	for a, st := range accounts {
		if st.LockedFunds < 0 {
			return nil, fmt.Errorf("load %s: %w", a, ErrNegativeLocked)
		}
		created, err := membershipFrom(st.Created)
		if err != nil {
			return nil, fmt.Errorf("load created list of %s: %w", a, err)
		}
		toVerify, err := membershipFrom(st.ToVerify)
		if err != nil {
			return nil, fmt.Errorf("load to-verify list of %s: %w", a, err)
		}
		ix.accounts[a] = &Account{
			LockedFunds: st.LockedFunds,
			Created:     created,
			ToVerify:    toVerify,
		}
	}
	return ix, nil
}
