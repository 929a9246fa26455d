package erasure

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Split erasure-codes data into dataShards+parityShards shards. Any
// dataShards of them reconstruct the original. Used to disseminate
// large proposals: the leader sends one shard per peer instead of the
// whole payload to everyone.
func Split(data []byte, dataShards, parityShards int) ([][]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("build encoder: %w", err)
	}
	shards, err := enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("split payload: %w", err)
	}
	if err = enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encode parity: %w", err)
	}
	return shards, nil
}

// Reconstruct rebuilds the original byte slice of length size from the
// shard set; missing shards are nil entries.
func Reconstruct(shards [][]byte, dataShards, parityShards, size int) ([]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("build encoder: %w", err)
	}
	if err = enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("reconstruct payload: %w", err)
	}
	data := make([]byte, 0, size)
	for _, shard := range shards[:dataShards] {
		data = append(data, shard...)
	}
	if len(data) < size {
		return nil, fmt.Errorf("reconstructed %d bytes, expected %d", len(data), size)
	}
	return data[:size], nil
}
