package party

import (
	"fmt"

	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
)

// Membership is a dense list of promise ids plus the reverse index from id to
// current position. For every id at position p, pos[id] == p, and vice versa.
// Order carries no meaning; the list only backs O(1) removal.
type Membership struct {
	ids []ledger.ID
	pos map[ledger.ID]int
}

func newMembership() Membership {
	return Membership{
		ids: make([]ledger.ID, 0),
		pos: make(map[ledger.ID]int),
	}
}

func (m *Membership) add(id ledger.ID) int {
	p := len(m.ids)
	m.ids = append(m.ids, id)
	m.pos[id] = p
	return p
}

// remove is the swap-and-pop. The last element overwrites slot p before the
// moved element is re-indexed, and the removed id's entry is erased last, so
// removing the tail (a self-overwrite) leaves no stale index entry behind.
func (m *Membership) remove(id ledger.ID) (int, error) {
	p, ok := m.pos[id]
	if !ok {
		return 0, fmt.Errorf("%w: id %d", ErrNotAMember, id)
	}
	last := len(m.ids) - 1
	moved := m.ids[last]

	m.ids[p] = moved
	m.pos[moved] = p
	m.ids = m.ids[:last]
	delete(m.pos, id)

	return p, nil
}

// restore re-inserts id at position p. It is the exact inverse of the remove
// that returned p, provided nothing else touched the list in between.
func (m *Membership) restore(id ledger.ID, p int) {
	if p >= len(m.ids) {
		m.add(id)
		return
	}
	displaced := m.ids[p]
	m.ids = append(m.ids, displaced)
	m.pos[displaced] = len(m.ids) - 1
	m.ids[p] = id
	m.pos[id] = p
}

// Len returns the number of members.
func (m Membership) Len() int {
	return len(m.ids)
}

// Contains reports whether id is a member.
func (m Membership) Contains(id ledger.ID) bool {
	_, ok := m.pos[id]
	return ok
}

// IDs returns a copy of the backing list.
func (m Membership) IDs() []ledger.ID {
	out := make([]ledger.ID, len(m.ids))
	copy(out, m.ids)
	return out
}

func (m Membership) check() error {
	if len(m.pos) != len(m.ids) {
		return fmt.Errorf("%w: %d ids but %d index entries", ErrInvariantViolation, len(m.ids), len(m.pos))
	}
	for p, id := range m.ids {
		if got, ok := m.pos[id]; !ok || got != p {
			return fmt.Errorf("%w: id %d at %d indexed at %d", ErrInvariantViolation, id, p, got)
		}
	}
	return nil
}

func membershipFrom(ids []ledger.ID) (Membership, error) {
	m := newMembership()
	for _, id := range ids {
		if m.Contains(id) {
			return Membership{}, fmt.Errorf("%w: duplicate id %d", ErrInvariantViolation, id)
		}
		m.add(id)
	}
	return m, nil
}
