package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
)

func genMsgHashSum(data []byte) ([]byte, error) {
	msgHash := sha256.New()
	_, err := msgHash.Write(data)
	if err != nil {
		return nil, err
	}
	return msgHash.Sum(nil), nil
}

// encode encodes the data into bytes.
// Data can be of any type.
func encode(data interface{}) ([]byte, error) {
	buf := bytes.Buffer{}
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	return dec.Decode(out)
}

// VoteDigest is the message partially signed by voters: the pair
// (view, block hash). Every honest node derives the identical digest
// for the identical pair, so partial signatures aggregate.
func VoteDigest(view uint64, blockHash []byte) []byte {
	h := sha256.New()
	_, _ = h.Write([]byte("vote"))
	viewAsBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(viewAsBytes, view)
	_, _ = h.Write(viewAsBytes)
	_, _ = h.Write(blockHash)
	return h.Sum(nil)
}

// TimeoutDigest is the message partially signed when abandoning a
// view. Domain-separated from vote digests so a timeout aggregate can
// never be confused with a block certificate.
func TimeoutDigest(view uint64) []byte {
	h := sha256.New()
	_, _ = h.Write([]byte("timeout"))
	viewAsBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(viewAsBytes, view)
	_, _ = h.Write(viewAsBytes)
	return h.Sum(nil)
}

func hashAsString(hash []byte) string {
	return hex.EncodeToString(hash)
}
