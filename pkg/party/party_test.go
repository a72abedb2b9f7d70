package party

import (
	"math"
	"testing"

	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alice ledger.Address = "alice"

func fill(ix *Index, n int) {
	for i := 0; i < n; i++ {
		ix.AddToCreated(alice, ledger.ID(i))
	}
}

func TestAddRecordsPosition(t *testing.T) {
	ix := NewIndex()
	assert.Equal(t, 0, ix.AddToCreated(alice, 10))
	assert.Equal(t, 1, ix.AddToCreated(alice, 11))
	assert.Equal(t, 0, ix.AddToVerify(alice, 10))

	assert.Equal(t, []ledger.ID{10, 11}, ix.CreatedIDs(alice))
	assert.Equal(t, []ledger.ID{10}, ix.ToVerifyIDs(alice))
	require.NoError(t, ix.Check())
}

func TestRemoveFromMiddleMovesTail(t *testing.T) {
	ix := NewIndex()
	fill(ix, 4) // [0 1 2 3]

	p, err := ix.RemoveFromCreated(alice, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, p)
	assert.Equal(t, []ledger.ID{0, 3, 2}, ix.CreatedIDs(alice))
	assert.False(t, ix.IsCreatedMember(alice, 1))
	require.NoError(t, ix.Check())
}

func TestRemoveLastInserted(t *testing.T) {
	ix := NewIndex()
	fill(ix, 3)

	p, err := ix.RemoveFromCreated(alice, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, p)
	assert.Equal(t, []ledger.ID{0, 1}, ix.CreatedIDs(alice))
	assert.False(t, ix.IsCreatedMember(alice, 2), "self-overwrite must not leave an index entry")
	require.NoError(t, ix.Check())
}

func TestRemoveSoleMember(t *testing.T) {
	ix := NewIndex()
	ix.AddToVerify(alice, 9)

	_, err := ix.RemoveFromVerify(alice, 9)
	require.NoError(t, err)
	assert.Empty(t, ix.ToVerifyIDs(alice))
	require.NoError(t, ix.Check())
}

func TestRemoveNonMemberIsInvariantViolation(t *testing.T) {
	ix := NewIndex()
	fill(ix, 2)

	_, err := ix.RemoveFromCreated(alice, 5)
	assert.ErrorIs(t, err, ErrNotAMember)
	assert.ErrorIs(t, err, ErrInvariantViolation)

	_, err = ix.RemoveFromVerify("nobody", 0)
	assert.ErrorIs(t, err, ErrNotAMember)

	assert.Equal(t, []ledger.ID{0, 1}, ix.CreatedIDs(alice), "failed removal must not mutate")
}

func TestRestoreUndoesRemove(t *testing.T) {
	for _, victim := range []ledger.ID{0, 2, 4} {
		ix := NewIndex()
		fill(ix, 5)
		before := ix.CreatedIDs(alice)

		p, err := ix.RemoveFromCreated(alice, victim)
		require.NoError(t, err)
		ix.RestoreCreated(alice, victim, p)

		assert.Equal(t, before, ix.CreatedIDs(alice), "victim %d", victim)
		require.NoError(t, ix.Check())
	}
}

func TestRestoreVerifyIntoEmptyList(t *testing.T) {
	ix := NewIndex()
	ix.AddToVerify(alice, 3)
	p, err := ix.RemoveFromVerify(alice, 3)
	require.NoError(t, err)

	ix.RestoreVerify(alice, 3, p)
	assert.Equal(t, []ledger.ID{3}, ix.ToVerifyIDs(alice))
	require.NoError(t, ix.Check())
}

func TestAdjustLocked(t *testing.T) {
	ix := NewIndex()
	require.NoError(t, ix.AdjustLocked(alice, 100))
	require.NoError(t, ix.AdjustLocked(alice, -40))
	assert.Equal(t, int64(60), ix.LockedFunds(alice))

	err := ix.AdjustLocked(alice, -61)
	assert.ErrorIs(t, err, ErrNegativeLocked)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, int64(60), ix.LockedFunds(alice), "rejected adjustment must not apply")
}

func TestAdjustLockedOverflow(t *testing.T) {
	ix := NewIndex()
	require.NoError(t, ix.AdjustLocked(alice, math.MaxInt64-1))
	assert.False(t, ix.CanLock(alice, 2))
	assert.True(t, ix.CanLock(alice, 1))
	assert.ErrorIs(t, ix.AdjustLocked(alice, 2), ErrLockedOverflow)
	assert.Equal(t, int64(math.MaxInt64-1), ix.LockedFunds(alice))
}

func TestUnknownPartyReadsAsZero(t *testing.T) {
	ix := NewIndex()
	assert.Zero(t, ix.LockedFunds("ghost"))
	assert.Empty(t, ix.CreatedIDs("ghost"))
	assert.Empty(t, ix.ToVerifyIDs("ghost"))
	assert.Empty(t, ix.Addresses(), "reads must not create accounts")
}

func TestExportLoadRoundTrip(t *testing.T) {
	ix := NewIndex()
	fill(ix, 4)
	ix.AddToVerify("bob", 2)
	require.NoError(t, ix.AdjustLocked(alice, 400))
	_, err := ix.RemoveFromCreated(alice, 0)
	require.NoError(t, err)

	loaded, err := Load(ix.Export())
	require.NoError(t, err)
	assert.Equal(t, ix.CreatedIDs(alice), loaded.CreatedIDs(alice))
	assert.Equal(t, ix.ToVerifyIDs("bob"), loaded.ToVerifyIDs("bob"))
	assert.Equal(t, int64(400), loaded.LockedFunds(alice))
	require.NoError(t, loaded.Check())

	_, err = loaded.RemoveFromCreated(alice, 2)
	require.NoError(t, err)
	require.NoError(t, loaded.Check())
}

func TestLoadRejectsCorruptState(t *testing.T) {
	_, err := Load(map[ledger.Address]AccountState{alice: {Created: []ledger.ID{1, 1}}})
	assert.ErrorIs(t, err, ErrInvariantViolation)

	_, err = Load(map[ledger.Address]AccountState{alice: {LockedFunds: -1}})
	assert.ErrorIs(t, err, ErrNegativeLocked)
}
