package core

import (
	"bytes"
	"sync"
)

// Block is one proposal in the chained protocol. Its identity is the
// hash of its content; two blocks with identical fields are
// indistinguishable. Justify is the certificate for the parent block,
// TC is only set when the view was entered through a view change.
type Block struct {
	Proposer   string
	View       uint64
	ParentHash []byte
	Txs        [][]byte
	Justify    *QC
	TC         *TimeoutCert
}

func (b *Block) getHash() ([]byte, error) {
	encodedBlock, err := encode(b)
	if err != nil {
		return nil, err
	}
	return genMsgHashSum(encodedBlock)
}

// Hash returns the content hash identifying the block.
func (b *Block) Hash() []byte {
	hash, err := b.getHash()
	if err != nil {
		panic(err)
	}
	return hash
}

func (b *Block) getHashAsString() string {
	return hashAsString(b.Hash())
}

// Vote carries one committee member's partial threshold signature over
// (view, block hash). It lives only until folded into a tally.
type Vote struct {
	Voter      string
	View       uint64
	BlockHash  []byte
	PartialSig []byte
}

// QC is the aggregated proof that quorum committee weight voted for
// BlockHash in View. It is the only proof that a block is safe to
// build on.
type QC struct {
	View      uint64
	BlockHash []byte
	AggSig    []byte
	Voters    []string
}

// IsGenesis reports whether the certificate is the well-known genesis
// certificate, which carries no aggregate signature.
func (qc *QC) IsGenesis() bool {
	return qc.View == 0 && len(qc.AggSig) == 0
}

// TimeoutCert justifies entering View+1 without a block certificate
// for View. HighQC is the highest block certificate among the
// contributors, the new leader must build on it.
type TimeoutCert struct {
	View   uint64
	AggSig []byte
	Voters []string
	HighQC *QC
}

// SafetyState is the durable per-node state consulted before every
// vote. HighestVotedView and the locked view never decrease.
type SafetyState struct {
	HighestVotedView  uint64
	LockedQC          *QC
	LastCommittedView uint64
	LastCommittedHash []byte
}

// GenesisBlock returns the well-known block every chain starts from.
func GenesisBlock() *Block {
	return &Block{
		Proposer:   "genesis",
		View:       0,
		ParentHash: []byte{},
		Txs:        [][]byte{},
	}
}

// GenesisQC returns the certificate treated as valid for the genesis
// block without verification.
func GenesisQC() *QC {
	return &QC{View: 0, BlockHash: GenesisBlock().Hash()}
}

// Chain is the committed, append-only block index. Committed blocks
// form a single contiguous path; Append refuses anything that does not
// extend the current tip.
type Chain struct {
	mu     sync.RWMutex
	blocks map[uint64]*Block // map from height to block
	byHash map[string]*Block
	height uint64
	view   uint64
}

func NewChain() *Chain {
	genesis := GenesisBlock()
	c := &Chain{
		blocks: make(map[uint64]*Block),
		byHash: make(map[string]*Block),
	}
	c.blocks[0] = genesis
	c.byHash[genesis.getHashAsString()] = genesis
	return c
}

// Append adds a committed block on top of the tip. Returns false when
// the block does not link to the current tip or does not advance the
// committed view.
func (c *Chain) Append(block *Block) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tip := c.blocks[c.height]
	if block.View <= c.view {
		return false
	}
	if !bytes.Equal(block.ParentHash, tip.Hash()) {
		return false
	}
	c.height++
	c.blocks[c.height] = block
	c.byHash[block.getHashAsString()] = block
	c.view = block.View
	return true
}

// Tip returns the highest committed block.
func (c *Chain) Tip() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[c.height]
}

// Height returns the height of the committed tip.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height
}

// View returns the view of the committed tip.
func (c *Chain) View() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

// ByHash returns the committed block with the given hash, if any.
func (c *Chain) ByHash(hash []byte) *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byHash[hashAsString(hash)]
}

// ByHeight returns the committed block at the given height, if any.
func (c *Chain) ByHeight(height uint64) *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[height]
}
