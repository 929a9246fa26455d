package core

import "reflect"

const (
	ProposalTag uint8 = iota
	VoteTag
	QCTag
	TimeoutTag
	ChunkTag
)

// QCMsg announces a freshly formed certificate so every replica can
// advance its view without waiting for the next proposal.
type QCMsg struct {
	Sender string
	QC     *QC
}

// TimeoutMsg is one node's signed statement that it is abandoning View.
// HighQC proves the sender loses no safety by moving on.
type TimeoutMsg struct {
	Sender     string
	View       uint64
	HighQC     *QC
	PartialSig []byte
}

// ProposalChunk carries one erasure-coded shard of a large proposal.
// Replicas reconstruct the block once DataShards distinct shards for
// the same (proposer, view) have arrived.
type ProposalChunk struct {
	Proposer     string
	View         uint64
	Index        int
	DataShards   int
	ParityShards int
	Size         int // byte length of the encoded block
	Payload      []byte
}

var proposal Block
var vote Vote
var qcMsg QCMsg
var timeoutMsg TimeoutMsg
var proposalChunk ProposalChunk

// ReflectedTypesMap tells the transport which struct to decode for
// each tag byte.
var ReflectedTypesMap = map[uint8]reflect.Type{
	ProposalTag: reflect.TypeOf(proposal),
	VoteTag:     reflect.TypeOf(vote),
	QCTag:       reflect.TypeOf(qcMsg),
	TimeoutTag:  reflect.TypeOf(timeoutMsg),
	ChunkTag:    reflect.TypeOf(proposalChunk),
}
