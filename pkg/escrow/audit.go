package escrow

import (
	"fmt"

	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
)

// AuditReport summarizes a successful audit.
type AuditReport struct {
	Promises           int    `json:"promises"`
	Pending            int    `json:"pending"`
	Parties            int    `json:"parties"`
	LockedTotal        int64  `json:"locked_total"`
	StaleVerifyEntries int    `json:"stale_verify_entries"`
	Head               string `json:"head"`
}

// Audit checks the whole store:
//
//   - every party's locked funds equal the sum of its pending created stakes
//   - every membership list agrees with its reverse index
//   - every pending promise sits in exactly its creator's created list and its
//     verifier's to-verify list, and no settled promise sits in a created list
//
// Settled ids left in a verifier's to-verify list are counted as stale in
// CleanupResolver mode and reported as violations otherwise.
func (e *Engine) Audit() (AuditReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audit()
}

func (e *Engine) audit() (AuditReport, error) {
	var r AuditReport

	if ok, reason := e.ledger.Verify(); !ok {
		return r, fmt.Errorf("%w: %s", ErrInvariantViolation, reason)
	}
	if err := e.parties.Check(); err != nil {
		return r, err
	}

	promises := e.ledger.Entries()
	r.Promises = len(promises)
	r.Head = e.ledger.Head()

	lookup := func(id ledger.ID) (ledger.Promise, error) {
		if uint64(id) >= uint64(len(promises)) {
			return ledger.Promise{}, fmt.Errorf("%w: id %d listed but not in ledger", ErrInvariantViolation, id)
		}
		return promises[id], nil
	}

	addrs := e.parties.Addresses()
	r.Parties = len(addrs)
	for _, a := range addrs {
		var sum int64
		for _, id := range e.parties.CreatedIDs(a) {
			p, err := lookup(id)
			if err != nil {
				return r, err
			}
			if p.Settled {
				return r, fmt.Errorf("%w: settled promise %d in created list of %s", ErrInvariantViolation, id, a)
			}
			if p.Creator != a {
				return r, fmt.Errorf("%w: promise %d in created list of %s, creator is %s", ErrInvariantViolation, id, a, p.Creator)
			}
			sum += p.Amount
		}
		if locked := e.parties.LockedFunds(a); locked != sum {
			return r, fmt.Errorf("%w: %s locks %d, pending stakes sum to %d", ErrInvariantViolation, a, locked, sum)
		}
		r.LockedTotal += sum

		for _, id := range e.parties.ToVerifyIDs(a) {
			p, err := lookup(id)
			if err != nil {
				return r, err
			}
			if p.Verifier != a {
				return r, fmt.Errorf("%w: promise %d in to-verify list of %s, verifier is %s", ErrInvariantViolation, id, a, p.Verifier)
			}
			if p.Settled {
				if e.cleanup != CleanupResolver {
					return r, fmt.Errorf("%w: settled promise %d in to-verify list of %s", ErrInvariantViolation, id, a)
				}
				r.StaleVerifyEntries++
			}
		}
	}

	for _, p := range promises {
		if p.Settled {
			continue
		}
		r.Pending++
		if !e.parties.IsCreatedMember(p.Creator, p.ID) {
			return r, fmt.Errorf("%w: pending promise %d missing from created list of %s", ErrInvariantViolation, p.ID, p.Creator)
		}
		if !e.parties.IsVerifyMember(p.Verifier, p.ID) {
			return r, fmt.Errorf("%w: pending promise %d missing from to-verify list of %s", ErrInvariantViolation, p.ID, p.Verifier)
		}
	}
	return r, nil
}
