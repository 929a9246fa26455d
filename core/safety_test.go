package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// testChainOf builds a chain of blocks b1..bn at views 1..n, each
// justified by a synthetic certificate for its parent, and returns the
// blocks plus a lookup over them.
func testChainOf(n int) ([]*Block, func(hash []byte) *Block) {
	blocks := make([]*Block, 0, n)
	index := make(map[string]*Block)
	genesis := GenesisBlock()
	index[genesis.getHashAsString()] = genesis

	parentHash := genesis.Hash()
	justify := GenesisQC()
	for view := uint64(1); view <= uint64(n); view++ {
		block := &Block{
			Proposer:   "node0",
			View:       view,
			ParentHash: parentHash,
			Txs:        [][]byte{},
			Justify:    justify,
		}
		blocks = append(blocks, block)
		index[block.getHashAsString()] = block
		parentHash = block.Hash()
		justify = &QC{View: view, BlockHash: block.Hash(), AggSig: []byte{1}, Voters: []string{"node0"}}
	}
	return blocks, func(hash []byte) *Block { return index[hashAsString(hash)] }
}

func newTestSafety(t *testing.T, store *memStore) *SafetyEngine {
	engine, err := NewSafetyEngine(store, testLogger("safety"))
	require.NoError(t, err)
	return engine
}

func TestCanVoteRejectsViewAtOrBelowHighestVoted(t *testing.T) {
	store := newMemStore()
	engine := newTestSafety(t, store)
	blocks, _ := testChainOf(3)

	require.NoError(t, engine.CanVote(blocks[0]))
	require.NoError(t, engine.RecordVote(1))

	// same view, even with different content
	other := *blocks[0]
	other.Txs = [][]byte{[]byte("different payload")}
	require.ErrorIs(t, engine.CanVote(&other), ErrViewTooLow)
	require.ErrorIs(t, engine.CanVote(blocks[0]), ErrViewTooLow)
	// higher views stay votable
	require.NoError(t, engine.CanVote(blocks[1]))
}

func TestCanVoteRejectsForkBelowLock(t *testing.T) {
	store := newMemStore()
	engine := newTestSafety(t, store)
	blocks, lookup := testChainOf(3)

	qc2 := &QC{View: 2, BlockHash: blocks[1].Hash(), AggSig: []byte{1}, Voters: []string{"node0"}}
	advanced, _, err := engine.OnQCFormed(qc2, lookup)
	require.NoError(t, err)
	require.True(t, advanced)

	// a block justified below the locked view forks the locked chain
	fork := &Block{
		Proposer:   "node1",
		View:       3,
		ParentHash: GenesisBlock().Hash(),
		Justify:    GenesisQC(),
	}
	require.ErrorIs(t, engine.CanVote(fork), ErrForksLockedChain)
	// the canonical extension remains votable
	require.NoError(t, engine.CanVote(blocks[2]))
}

func TestCanVoteRejectsParentMismatch(t *testing.T) {
	engine := newTestSafety(t, newMemStore())
	blocks, _ := testChainOf(2)

	bad := *blocks[1]
	bad.ParentHash = GenesisBlock().Hash() // justify still points at b1
	require.ErrorIs(t, engine.CanVote(&bad), ErrInvalidProposal)
}

func TestRecordVotePersistsBeforeReturning(t *testing.T) {
	store := newMemStore()
	engine := newTestSafety(t, store)

	require.NoError(t, engine.RecordVote(5))
	require.NotNil(t, store.state)
	require.Equal(t, uint64(5), store.state.HighestVotedView)

	// the pairing invariant: persistence failure means no vote
	store.failSaves = true
	err := engine.RecordVote(6)
	require.Error(t, err)
	// the in-memory view still advanced, so no later double vote
	require.ErrorIs(t, engine.RecordVote(6), ErrViewTooLow)
}

func TestCommitRuleRequiresTwoConsecutiveQCs(t *testing.T) {
	blocks, lookup := testChainOf(4)

	// chain length 1: a single certificate never commits
	engine := newTestSafety(t, newMemStore())
	qc1 := &QC{View: 1, BlockHash: blocks[0].Hash(), AggSig: []byte{1}}
	_, committed, err := engine.OnQCFormed(qc1, lookup)
	require.NoError(t, err)
	require.Empty(t, committed)

	// chain length 2 with consecutive views: the grandparent commits
	qc2 := &QC{View: 2, BlockHash: blocks[1].Hash(), AggSig: []byte{1}}
	_, committed, err = engine.OnQCFormed(qc2, lookup)
	require.NoError(t, err)
	require.Len(t, committed, 1)
	require.Equal(t, blocks[0].Hash(), committed[0].Hash())
	require.Equal(t, uint64(1), engine.LastCommittedView())

	// chain length 3: the next consecutive certificate commits b2 only
	qc3 := &QC{View: 3, BlockHash: blocks[2].Hash(), AggSig: []byte{1}}
	_, committed, err = engine.OnQCFormed(qc3, lookup)
	require.NoError(t, err)
	require.Len(t, committed, 1)
	require.Equal(t, blocks[1].Hash(), committed[0].Hash())
}

func TestCommitRuleRejectsNonConsecutiveQCs(t *testing.T) {
	engine := newTestSafety(t, newMemStore())

	// b5 justified by a view-3 certificate: a view gap from a timeout
	genesis := GenesisBlock()
	b3 := &Block{Proposer: "node0", View: 3, ParentHash: genesis.Hash(), Justify: GenesisQC()}
	qc3 := &QC{View: 3, BlockHash: b3.Hash(), AggSig: []byte{1}}
	b5 := &Block{Proposer: "node1", View: 5, ParentHash: b3.Hash(), Justify: qc3}
	qc5 := &QC{View: 5, BlockHash: b5.Hash(), AggSig: []byte{1}}

	index := map[string]*Block{
		genesis.getHashAsString(): genesis,
		b3.getHashAsString():      b3,
		b5.getHashAsString():      b5,
	}
	lookup := func(hash []byte) *Block { return index[hashAsString(hash)] }

	_, committed, err := engine.OnQCFormed(qc3, lookup)
	require.NoError(t, err)
	require.Empty(t, committed)
	// qc5 certifies b5 but b5's justify is for view 3: no commit
	_, committed, err = engine.OnQCFormed(qc5, lookup)
	require.NoError(t, err)
	require.Empty(t, committed)
}

func TestCommitIncludesSkippedAncestors(t *testing.T) {
	engine := newTestSafety(t, newMemStore())

	// b1 was certified but its commit trigger never fired (timeout at
	// view 2); when b3/b4 later commit, b1 commits with them
	genesis := GenesisBlock()
	b1 := &Block{Proposer: "node0", View: 1, ParentHash: genesis.Hash(), Justify: GenesisQC()}
	qc1 := &QC{View: 1, BlockHash: b1.Hash(), AggSig: []byte{1}}
	b3 := &Block{Proposer: "node1", View: 3, ParentHash: b1.Hash(), Justify: qc1}
	qc3 := &QC{View: 3, BlockHash: b3.Hash(), AggSig: []byte{1}}
	b4 := &Block{Proposer: "node2", View: 4, ParentHash: b3.Hash(), Justify: qc3}
	qc4 := &QC{View: 4, BlockHash: b4.Hash(), AggSig: []byte{1}}

	index := map[string]*Block{
		genesis.getHashAsString(): genesis,
		b1.getHashAsString():      b1,
		b3.getHashAsString():      b3,
		b4.getHashAsString():      b4,
	}
	lookup := func(hash []byte) *Block { return index[hashAsString(hash)] }

	_, committed, err := engine.OnQCFormed(qc4, lookup)
	require.NoError(t, err)
	require.Len(t, committed, 2)
	require.Equal(t, b1.Hash(), committed[0].Hash())
	require.Equal(t, b3.Hash(), committed[1].Hash())
}

func TestLockAdvancesOnlyUpward(t *testing.T) {
	engine := newTestSafety(t, newMemStore())
	blocks, lookup := testChainOf(3)

	qc2 := &QC{View: 2, BlockHash: blocks[1].Hash(), AggSig: []byte{1}}
	advanced, _, err := engine.OnQCFormed(qc2, lookup)
	require.NoError(t, err)
	require.True(t, advanced)
	require.Equal(t, uint64(2), engine.LockedQC().View)

	qc1 := &QC{View: 1, BlockHash: blocks[0].Hash(), AggSig: []byte{1}}
	advanced, _, err = engine.OnQCFormed(qc1, lookup)
	require.NoError(t, err)
	require.False(t, advanced)
	require.Equal(t, uint64(2), engine.LockedQC().View)
}

func TestSafetyStateSurvivesRestart(t *testing.T) {
	store := newMemStore()
	engine := newTestSafety(t, store)
	blocks, lookup := testChainOf(2)

	require.NoError(t, engine.RecordVote(2))
	qc2 := &QC{View: 2, BlockHash: blocks[1].Hash(), AggSig: []byte{1}}
	_, _, err := engine.OnQCFormed(qc2, lookup)
	require.NoError(t, err)

	restarted := newTestSafety(t, store)
	require.Equal(t, uint64(2), restarted.HighestVotedView())
	require.Equal(t, uint64(2), restarted.LockedQC().View)
	// a replayed pre-crash proposal cannot extract a second vote
	require.ErrorIs(t, restarted.CanVote(blocks[1]), ErrViewTooLow)
}
