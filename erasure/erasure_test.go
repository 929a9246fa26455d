package erasure

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitReconstructRoundTrip(t *testing.T) {
	data := make([]byte, 10_000)
	rand.Read(data)

	shards, err := Split(data, 3, 1)
	require.NoError(t, err)
	require.Len(t, shards, 4)

	got, err := Reconstruct(shards, 3, 1, len(data))
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestReconstructWithMissingShard(t *testing.T) {
	data := make([]byte, 4_099) // deliberately not a multiple of the shard count
	rand.Read(data)

	shards, err := Split(data, 3, 1)
	require.NoError(t, err)

	shards[1] = nil
	got, err := Reconstruct(shards, 3, 1, len(data))
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestReconstructBelowQuorumFails(t *testing.T) {
	data := make([]byte, 1_024)
	rand.Read(data)

	shards, err := Split(data, 3, 1)
	require.NoError(t, err)

	shards[0] = nil
	shards[2] = nil
	_, err = Reconstruct(shards, 3, 1, len(data))
	require.Error(t, err)
}
