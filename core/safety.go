package core

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// commitChain is the number of consecutive-view certificates required
// beneath a block before it commits.
const commitChain = 2

// SafetyEngine guards the two invariants the protocol cannot survive
// losing: one vote per view, and no fork below the lock. All decisions
// are functions of the durable SafetyState, which is persisted through
// the store before any vote is acknowledged.
type SafetyEngine struct {
	state  SafetyState
	store  Store
	logger hclog.Logger
}

// NewSafetyEngine restores the safety state from the store. It must
// run before the node casts any vote, otherwise a restart could allow
// equivocation.
func NewSafetyEngine(store Store, logger hclog.Logger) (*SafetyEngine, error) {
	state, err := store.LoadSafetyState()
	if err != nil {
		return nil, fmt.Errorf("load safety state: %w", err)
	}
	if state == nil {
		state = &SafetyState{LockedQC: GenesisQC()}
	}
	if state.LockedQC == nil {
		state.LockedQC = GenesisQC()
	}
	return &SafetyEngine{state: *state, store: store, logger: logger}, nil
}

// CanVote decides whether a vote for the block is permitted. The
// caller must have verified the justify certificate cryptographically;
// CanVote checks the voting rules only: the view is strictly above the
// highest voted view (rejecting same-view equivocation regardless of
// content), the proposal extends the certified parent, and the parent
// certificate is at or above the lock.
func (s *SafetyEngine) CanVote(block *Block) error {
	if block.View <= s.state.HighestVotedView {
		return fmt.Errorf("%w: block view %d, highest voted %d",
			ErrViewTooLow, block.View, s.state.HighestVotedView)
	}
	if block.Justify == nil {
		return fmt.Errorf("%w: proposal carries no justify certificate", ErrInvalidProposal)
	}
	if !bytes.Equal(block.ParentHash, block.Justify.BlockHash) {
		return fmt.Errorf("%w: parent hash disagrees with the justify certificate", ErrInvalidProposal)
	}
	if block.Justify.View < s.state.LockedQC.View {
		return fmt.Errorf("%w: justify view %d, locked view %d",
			ErrForksLockedChain, block.Justify.View, s.state.LockedQC.View)
	}
	return nil
}

// RecordVote advances the highest voted view and persists the safety
// state. The caller must emit the vote if and only if RecordVote
// returns nil: no vote without the durable update, no update without
// the vote. On a persistence failure the in-memory view still
// advances, so the node can only under-vote, never double-vote.
func (s *SafetyEngine) RecordVote(view uint64) error {
	if view <= s.state.HighestVotedView {
		return fmt.Errorf("%w: view %d, highest voted %d",
			ErrViewTooLow, view, s.state.HighestVotedView)
	}
	s.state.HighestVotedView = view
	if err := s.store.SaveSafetyState(s.stateCopy()); err != nil {
		return fmt.Errorf("persist safety state: %w", err)
	}
	return nil
}

// OnQCFormed applies a newly formed or received certificate: the lock
// advances on any certificate for a view above the current lock, and
// the commit rule fires when the certificate and the block's own
// justify are for consecutive views. Committed blocks are returned
// oldest first; lookup resolves hashes to known blocks.
func (s *SafetyEngine) OnQCFormed(qc *QC, lookup func(hash []byte) *Block) (advanced bool, committed []*Block, err error) {
	if qc.View > s.state.LockedQC.View {
		s.state.LockedQC = qc
		advanced = true
	}

	block := lookup(qc.BlockHash)
	if block != nil && block.Justify != nil && qc.View == block.Justify.View+(commitChain-1) {
		committed = s.commitAncestors(lookup(block.ParentHash), lookup)
	}

	if advanced || len(committed) > 0 {
		if err = s.store.SaveSafetyState(s.stateCopy()); err != nil {
			return advanced, committed, fmt.Errorf("persist safety state: %w", err)
		}
	}
	return advanced, committed, nil
}

// commitAncestors collects block and all its not-yet-committed
// ancestors, oldest first, and advances the committed mark.
func (s *SafetyEngine) commitAncestors(block *Block, lookup func(hash []byte) *Block) []*Block {
	var newlyCommitted []*Block
	for block != nil && block.View > s.state.LastCommittedView {
		newlyCommitted = append(newlyCommitted, block)
		block = lookup(block.ParentHash)
	}
	if len(newlyCommitted) == 0 {
		return nil
	}
	// reverse to oldest first
	for i, j := 0, len(newlyCommitted)-1; i < j; i, j = i+1, j-1 {
		newlyCommitted[i], newlyCommitted[j] = newlyCommitted[j], newlyCommitted[i]
	}
	head := newlyCommitted[len(newlyCommitted)-1]
	s.state.LastCommittedView = head.View
	s.state.LastCommittedHash = head.Hash()
	return newlyCommitted
}

// HighestVotedView returns the highest view this node ever voted in.
func (s *SafetyEngine) HighestVotedView() uint64 {
	return s.state.HighestVotedView
}

// LockedQC returns the certificate the node has promised not to
// abandon.
func (s *SafetyEngine) LockedQC() *QC {
	return s.state.LockedQC
}

// LastCommittedView returns the view of the newest committed block.
func (s *SafetyEngine) LastCommittedView() uint64 {
	return s.state.LastCommittedView
}

func (s *SafetyEngine) stateCopy() *SafetyState {
	state := s.state
	return &state
}
