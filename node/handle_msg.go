package node

import (
	"strconv"

	"viewbft/core"
	"viewbft/erasure"
)

// maxChunkSets caps the number of partially reassembled proposals kept
// at once; beyond it the lowest-view set is evicted.
const maxChunkSets = 64

type chunkSet struct {
	view         uint64
	shards       [][]byte
	have         int
	dataShards   int
	parityShards int
	size         int
}

// HandleMsgLoop authenticates every inbound message against the
// sender's ED25519 key and hands it to the engine, which serializes
// all events. Chunked proposals are reassembled here before entering
// the engine.
func (n *Node) HandleMsgLoop() {
	msgCh := n.trans.MsgChan()
	for msgWithSig := range msgCh {
		if n.isFaulty {
			continue
		}
		switch msgAsserted := msgWithSig.Msg.(type) {
		case core.Block:
			if !n.verifySigED25519(msgAsserted.Proposer, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the proposal's signature", "view", msgAsserted.View,
					"proposer", msgAsserted.Proposer)
				continue
			}
			n.submit(&msgAsserted)
		case core.Vote:
			if !n.verifySigED25519(msgAsserted.Voter, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the vote's signature", "view", msgAsserted.View,
					"voter", msgAsserted.Voter)
				continue
			}
			n.submit(&msgAsserted)
		case core.QCMsg:
			if !n.verifySigED25519(msgAsserted.Sender, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the certificate message's signature",
					"sender", msgAsserted.Sender)
				continue
			}
			n.submit(&msgAsserted)
		case core.TimeoutMsg:
			if !n.verifySigED25519(msgAsserted.Sender, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the timeout's signature", "view", msgAsserted.View,
					"sender", msgAsserted.Sender)
				continue
			}
			n.submit(&msgAsserted)
		case core.ProposalChunk:
			if !n.verifySigED25519(msgAsserted.Proposer, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the chunk's signature", "view", msgAsserted.View,
					"proposer", msgAsserted.Proposer)
				continue
			}
			n.handleChunk(&msgAsserted)
		}
	}
}

func (n *Node) submit(msg interface{}) {
	if err := n.engine.Submit(msg); err != nil {
		n.logger.Debug("engine rejected the message", "error", err)
	}
}

// handleChunk accumulates shards per (proposer, view) and submits the
// reconstructed proposal once a quorum of distinct shards arrived.
func (n *Node) handleChunk(chunk *core.ProposalChunk) {
	total := chunk.DataShards + chunk.ParityShards
	if chunk.Index < 0 || chunk.Index >= total || chunk.DataShards < 1 {
		n.logger.Error("malformed chunk dropped", "view", chunk.View, "index", chunk.Index)
		return
	}
	key := chunk.Proposer + ":" + strconv.FormatUint(chunk.View, 10)
	set, ok := n.chunks[key]
	if !ok {
		if len(n.chunks) >= maxChunkSets {
			n.evictOldestChunkSet()
		}
		set = &chunkSet{
			view:         chunk.View,
			shards:       make([][]byte, total),
			dataShards:   chunk.DataShards,
			parityShards: chunk.ParityShards,
			size:         chunk.Size,
		}
		n.chunks[key] = set
	}
	if set.dataShards != chunk.DataShards || set.parityShards != chunk.ParityShards ||
		set.size != chunk.Size || set.shards[chunk.Index] != nil {
		return
	}
	set.shards[chunk.Index] = chunk.Payload
	set.have++
	if set.have < set.dataShards {
		return
	}
	// the set is spent whether or not reassembly works out; a fresh
	// copy can always be rebuilt from retransmitted shards
	delete(n.chunks, key)

	blockAsBytes, err := reconstruct(set)
	if err != nil {
		n.logger.Error("fail to reconstruct the proposal", "view", chunk.View,
			"proposer", chunk.Proposer, "error", err)
		return
	}
	var block core.Block
	if err = decode(blockAsBytes, &block); err != nil {
		n.logger.Error("fail to decode the reconstructed proposal", "view", chunk.View, "error", err)
		return
	}
	if block.Proposer != chunk.Proposer || block.View != chunk.View {
		n.logger.Error("reconstructed proposal disagrees with its chunks", "view", chunk.View,
			"proposer", chunk.Proposer)
		return
	}
	n.submit(&block)
}

// evictOldestChunkSet drops the set with the lowest view, the one
// least likely to still matter.
func (n *Node) evictOldestChunkSet() {
	oldestKey := ""
	var oldestView uint64
	for key, set := range n.chunks {
		if oldestKey == "" || set.view < oldestView {
			oldestKey, oldestView = key, set.view
		}
	}
	if oldestKey != "" {
		delete(n.chunks, oldestKey)
	}
}

func reconstruct(set *chunkSet) ([]byte, error) {
	shards := make([][]byte, len(set.shards))
	copy(shards, set.shards)
	return erasure.Reconstruct(shards, set.dataShards, set.parityShards, set.size)
}
