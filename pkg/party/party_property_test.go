package party

import (
	"sort"
	"testing"

	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestMembershipMatchesSetModel toggles ids in and out of a list and compares
// against a plain set after every step.
// Property: ids(list) == model, and the reverse index is a bijection.
func TestMembershipMatchesSetModel(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("swap-and-pop keeps list and index consistent", prop.ForAll(
		func(ops []uint8) bool {
			ix := NewIndex()
			model := make(map[ledger.ID]bool)

			for _, op := range ops {
				id := ledger.ID(op % 16)
				before := len(ix.CreatedIDs(alice))
				if model[id] {
					if _, err := ix.RemoveFromCreated(alice, id); err != nil {
						return false
					}
					delete(model, id)
					if len(ix.CreatedIDs(alice)) != before-1 {
						return false
					}
				} else {
					ix.AddToCreated(alice, id)
					model[id] = true
				}
				if ix.Check() != nil {
					return false
				}
			}

			got := ix.CreatedIDs(alice)
			if len(got) != len(model) {
				return false
			}
			sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
			for _, id := range got {
				if !model[id] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

// TestRestoreIsInverseOfRemove removes then restores any member.
// Property: restore(remove(list, id)) == list, element for element.
func TestRestoreIsInverseOfRemove(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("restore undoes remove exactly", prop.ForAll(
		func(n int, pick int) bool {
			ix := NewIndex()
			for i := 0; i < n; i++ {
				ix.AddToVerify(alice, ledger.ID(i))
			}
			before := ix.ToVerifyIDs(alice)
			victim := ledger.ID(pick % n)

			p, err := ix.RemoveFromVerify(alice, victim)
			if err != nil {
				return false
			}
			ix.RestoreVerify(alice, victim, p)

			after := ix.ToVerifyIDs(alice)
			if len(after) != len(before) {
				return false
			}
			for i := range before {
				if before[i] != after[i] {
					return false
				}
			}
			return ix.Check() == nil
		},
		gen.IntRange(1, 40),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
