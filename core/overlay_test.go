package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOverlayFailsClosedWithoutMembership(t *testing.T) {
	_, err := NewOverlay(nil, testSeed, 0, 0)
	require.ErrorIs(t, err, ErrEmptyMembership)
}

func TestLeaderDeterministicAcrossNodes(t *testing.T) {
	a := testOverlay(4)
	b := testOverlay(4)
	for view := uint64(1); view <= 100; view++ {
		leaderA, err := a.Leader(view)
		require.NoError(t, err)
		leaderB, err := b.Leader(view)
		require.NoError(t, err)
		require.Equal(t, leaderA, leaderB, "view %d", view)
	}
}

func TestLeaderIsAlwaysAMember(t *testing.T) {
	overlay := testOverlay(7)
	for view := uint64(1); view <= 200; view++ {
		leader, err := overlay.Leader(view)
		require.NoError(t, err)
		_, ok := overlay.MemberOf(view, leader)
		require.True(t, ok, "leader %s of view %d not on committee", leader, view)
	}
}

func TestLeaderRotates(t *testing.T) {
	overlay := testOverlay(4)
	seen := make(map[string]bool)
	for view := uint64(1); view <= 64; view++ {
		leader, err := overlay.Leader(view)
		require.NoError(t, err)
		seen[leader] = true
	}
	// a seeded weighted draw over 64 views should touch every node
	require.Len(t, seen, 4)
}

func TestWeightedLeaderFavorsHeavyMember(t *testing.T) {
	weights := map[string]uint64{"heavy": 90, "light1": 5, "light2": 5}
	overlay, err := NewOverlay(weights, testSeed, 0, 0)
	require.NoError(t, err)

	heavyCount := 0
	const views = 500
	for view := uint64(1); view <= views; view++ {
		leader, err := overlay.Leader(view)
		require.NoError(t, err)
		if leader == "heavy" {
			heavyCount++
		}
	}
	require.Greater(t, heavyCount, views/2)
}

func TestCommitteeStableWithinEpochRotatesAcross(t *testing.T) {
	weights := testWeights(8)
	overlay, err := NewOverlay(weights, testSeed, 4, 10)
	require.NoError(t, err)

	first, err := overlay.Committee(1)
	require.NoError(t, err)
	require.Len(t, first, 4)
	sameEpoch, err := overlay.Committee(9)
	require.NoError(t, err)
	require.Equal(t, first, sameEpoch)

	rotated := false
	for epoch := uint64(1); epoch <= 8; epoch++ {
		next, err := overlay.Committee(epoch*10 + 1)
		require.NoError(t, err)
		if !equalMembers(first, next) {
			rotated = true
			break
		}
	}
	require.True(t, rotated, "committee never rotated across epochs")
}

func TestQuorumThreshold(t *testing.T) {
	overlay := testOverlay(4)
	cases := []struct {
		members int
		want    uint64
	}{
		{3, 2},
		{4, 3},
		{7, 5},
		{10, 7},
	}
	for _, tc := range cases {
		committee := make([]Member, tc.members)
		for i := range committee {
			committee[i] = Member{Name: testNames(tc.members)[i], Weight: 1}
		}
		require.Equal(t, tc.want, overlay.QuorumThreshold(committee), "n=%d", tc.members)
	}

	weighted := []Member{{Name: "a", Weight: 5}, {Name: "b", Weight: 1}, {Name: "c", Weight: 1}}
	require.Equal(t, uint64(5), overlay.QuorumThreshold(weighted))
}

func equalMembers(a, b []Member) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
