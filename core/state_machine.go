package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.dedis.ch/kyber/v3/share"

	"viewbft/sign"
)

// futureWindow bounds how many views ahead a proposal may be buffered;
// anything further out is dropped and recovered through the normal
// liveness path.
const futureWindow = 8

// Step is the per-view position of the state machine.
type Step uint8

const (
	AwaitingProposal Step = iota
	Voted
	AwaitingQC
	ViewChanging
)

func (s Step) String() string {
	switch s {
	case AwaitingProposal:
		return "AwaitingProposal"
	case Voted:
		return "Voted"
	case AwaitingQC:
		return "AwaitingQC"
	case ViewChanging:
		return "ViewChanging"
	}
	return "Unknown"
}

// EngineConfig carries the engine's identity, keys and timers.
type EngineConfig struct {
	Name         string
	TsPrivateKey *share.PriShare
	TsPublicKey  *share.PubPoly
	BatchSize    int
	BaseTimeout  time.Duration
	MaxTimeout   time.Duration
	Logger       hclog.Logger
}

// Engine drives the protocol rounds. It is a single-writer state
// machine: every inbound message and timer firing is serialized onto
// one event channel and applied by the one Run goroutine, so no state
// here needs locking.
type Engine struct {
	name    string
	overlay *Overlay
	safety  *SafetyEngine
	tally   *Tally
	chain   *Chain

	net     Network
	mempool Mempool
	store   Store

	tsPrivateKey *share.PriShare

	view uint64
	step Step

	highQC *QC
	highTC *TimeoutCert

	pendingBlocks   map[string]*Block // map from hash to uncommitted block
	futureProposals map[uint64]*Block // map from view to proposal arrived early

	currentBatch [][]byte // leader batch, released back on timeout

	baseTimeout         time.Duration
	maxTimeout          time.Duration
	consecutiveTimeouts uint32
	timer               *time.Timer

	batchSize int

	eventCh  chan interface{}
	commitCh chan *Block
	errCh    chan error
	quit     chan struct{}
	stopped  chan struct{}

	votingHalted bool

	logger hclog.Logger
}

// NewEngine wires the consensus core to its collaborators and restores
// the durable state. The returned engine is not running until Run.
func NewEngine(conf *EngineConfig, overlay *Overlay, net Network, mempool Mempool, store Store) (*Engine, error) {
	logger := conf.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "engine",
			Output: hclog.DefaultOutput,
			Level:  hclog.Info,
		})
	}
	safety, err := NewSafetyEngine(store, logger)
	if err != nil {
		return nil, err
	}
	committee, err := overlay.Committee(1)
	if err != nil {
		return nil, err
	}
	quorum := int(overlay.QuorumThreshold(committee))

	e := &Engine{
		name:            conf.Name,
		overlay:         overlay,
		safety:          safety,
		tally:           NewTally(overlay, conf.TsPublicKey, quorum, overlay.Size(), logger),
		chain:           NewChain(),
		net:             net,
		mempool:         mempool,
		store:           store,
		tsPrivateKey:    conf.TsPrivateKey,
		highQC:          GenesisQC(),
		pendingBlocks:   make(map[string]*Block),
		futureProposals: make(map[uint64]*Block),
		baseTimeout:     conf.BaseTimeout,
		maxTimeout:      conf.MaxTimeout,
		batchSize:       conf.BatchSize,
		eventCh:         make(chan interface{}, 1024),
		commitCh:        make(chan *Block, 256),
		errCh:           make(chan error, 1),
		quit:            make(chan struct{}),
		stopped:         make(chan struct{}),
		logger:          logger,
	}
	if e.baseTimeout == 0 {
		e.baseTimeout = time.Second
	}
	if e.maxTimeout == 0 {
		e.maxTimeout = e.baseTimeout * 32
	}
	if err := e.restore(); err != nil {
		return nil, err
	}
	return e, nil
}

// restore reloads the chain tip and decides the starting view. The
// safety state was already reloaded by the safety engine; starting
// above the highest voted view keeps a restarted node from
// re-casting old votes.
func (e *Engine) restore() error {
	tip, qc, err := e.store.LoadChainTip()
	if err != nil {
		return fmt.Errorf("load chain tip: %w", err)
	}
	if tip != nil {
		e.pendingBlocks[tip.getHashAsString()] = tip
		if qc != nil && qc.View > e.highQC.View {
			e.highQC = qc
		}
	}
	if locked := e.safety.LockedQC(); locked.View > e.highQC.View {
		e.highQC = locked
	}
	e.view = e.safety.HighestVotedView()
	if e.highQC.View > e.view {
		e.view = e.highQC.View
	}
	e.view++
	return nil
}

// CommitChan delivers committed blocks, oldest first.
func (e *Engine) CommitChan() <-chan *Block {
	return e.commitCh
}

// Err surfaces the one fatal condition: voting halted because safety
// state could not be persisted.
func (e *Engine) Err() <-chan error {
	return e.errCh
}

// CurrentView returns the view the engine last entered. Only safe to
// read for logging and tests.
func (e *Engine) CurrentView() uint64 {
	return e.view
}

// Submit hands one inbound message to the engine. Safe to call from
// any goroutine; the engine applies events strictly one at a time.
func (e *Engine) Submit(msg interface{}) error {
	select {
	case e.eventCh <- msg:
		return nil
	case <-e.quit:
		return ErrEngineStopped
	}
}

// Stop terminates the event loop.
func (e *Engine) Stop() {
	select {
	case <-e.quit:
	default:
		close(e.quit)
	}
	<-e.stopped
}

// Run enters the current view and serializes all events until Stop.
func (e *Engine) Run() {
	defer close(e.stopped)
	e.timer = time.NewTimer(e.timeoutDuration())
	defer e.timer.Stop()
	e.enterView(e.view)
	for {
		select {
		case ev := <-e.eventCh:
			e.dispatch(ev)
		case <-e.timer.C:
			e.onLocalTimeout()
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) dispatch(ev interface{}) {
	switch msg := ev.(type) {
	case *Block:
		e.onProposal(msg)
	case *Vote:
		e.onVote(msg)
	case *QCMsg:
		e.onQCMsg(msg)
	case *TimeoutMsg:
		e.onTimeoutMsg(msg)
	default:
		e.logger.Error("unknown event type dropped", "event", fmt.Sprintf("%T", ev))
	}
}

// ---- view entry ----

func (e *Engine) enterView(view uint64) {
	e.view = view
	e.resetTimer()
	for bufferedView := range e.futureProposals {
		if bufferedView < view {
			delete(e.futureProposals, bufferedView)
		}
	}

	leader, err := e.overlay.Leader(view)
	if err != nil {
		// fail closed: without a leader we can only wait for timeout
		e.logger.Error("cannot determine the leader, waiting for view change", "view", view, "error", err)
		e.step = AwaitingProposal
		return
	}
	e.logger.Debug("entering view", "view", view, "leader", leader)

	if leader == e.name {
		e.propose(view)
	} else {
		e.step = AwaitingProposal
		if proposal, ok := e.futureProposals[view]; ok {
			delete(e.futureProposals, view)
			e.onProposal(proposal)
		}
	}
}

// propose assembles a block on top of the highest certificate and
// broadcasts it. The leader votes for its own proposal.
func (e *Engine) propose(view uint64) {
	batch := e.mempool.TakeBatch(e.batchSize)
	e.currentBatch = batch
	block := &Block{
		Proposer:   e.name,
		View:       view,
		ParentHash: e.highQC.BlockHash,
		Txs:        batch,
		Justify:    e.highQC,
	}
	if e.highTC != nil && e.highTC.View == view-1 {
		block.TC = e.highTC
	}
	e.pendingBlocks[block.getHashAsString()] = block
	if err := e.net.Broadcast(ProposalTag, *block); err != nil {
		e.logger.Error("fail to broadcast the proposal", "view", view, "error", err)
	}
	e.logger.Info("proposed a block", "view", view, "txs", len(batch))
	e.step = AwaitingQC
	e.voteFor(block)
}

// ---- proposal path ----

func (e *Engine) onProposal(block *Block) {
	if block.View < e.view {
		e.logger.Debug("stale proposal dropped", "view", block.View, "current", e.view)
		return
	}
	if block.View > e.view {
		e.bufferFutureProposal(block)
		return
	}

	leader, err := e.overlay.Leader(block.View)
	if err != nil {
		e.logger.Error("cannot verify the proposer", "view", block.View, "error", err)
		return
	}
	if block.Proposer != leader {
		e.logger.Error("proposal from a non-leader dropped", "view", block.View,
			"proposer", block.Proposer, "leader", leader, "error", ErrWrongLeader)
		return
	}
	if err := e.validateJustify(block); err != nil {
		e.logger.Error("proposal justification rejected", "view", block.View,
			"proposer", block.Proposer, "error", err)
		return
	}

	e.pendingBlocks[block.getHashAsString()] = block

	// the justify certificate may advance our lock and commit ancestors
	e.applyQC(block.Justify, false)

	if err := e.safety.CanVote(block); err != nil {
		e.logger.Info("not voting for the proposal", "view", block.View,
			"proposer", block.Proposer, "reason", err)
		return
	}
	e.voteFor(block)
}

// bufferFutureProposal holds a proposal for a view we have not entered
// yet. Only the genuine leader of that view may occupy its slot, and
// only within the window, so the buffer cannot be grown or squatted by
// an arbitrary authenticated peer.
func (e *Engine) bufferFutureProposal(block *Block) {
	if block.View > e.view+futureWindow {
		e.logger.Debug("proposal too far ahead dropped", "view", block.View, "current", e.view)
		return
	}
	leader, err := e.overlay.Leader(block.View)
	if err != nil || block.Proposer != leader {
		e.logger.Debug("future proposal from a non-leader dropped",
			"view", block.View, "proposer", block.Proposer)
		return
	}
	e.futureProposals[block.View] = block
}

// validateJustify verifies the certificates a proposal carries: the
// justify QC always, plus the timeout certificate when the previous
// view ended without a quorum.
func (e *Engine) validateJustify(block *Block) error {
	if block.Justify == nil {
		return fmt.Errorf("%w: missing justify certificate", ErrInvalidProposal)
	}
	if err := e.tally.VerifyQC(block.Justify); err != nil {
		return err
	}
	if block.Justify.View != block.View-1 {
		// a non-consecutive justify is only legitimate behind a timeout certificate
		if block.TC == nil {
			return fmt.Errorf("%w: justify view %d does not directly precede block view %d",
				ErrInvalidProposal, block.Justify.View, block.View)
		}
		if block.TC.View != block.View-1 {
			return fmt.Errorf("%w: timeout certificate is for view %d, expected %d",
				ErrInvalidProposal, block.TC.View, block.View-1)
		}
		if err := e.tally.VerifyTC(block.TC); err != nil {
			return err
		}
	}
	return nil
}

// voteFor records the vote in the durable safety state and only then
// emits it. The two must stay paired: a vote without the record
// enables equivocation after a restart.
func (e *Engine) voteFor(block *Block) {
	if e.votingHalted {
		e.logger.Error("voting halted, observing only", "view", block.View)
		return
	}
	if err := e.safety.RecordVote(block.View); err != nil {
		if errors.Is(err, ErrViewTooLow) {
			e.logger.Info("vote suppressed", "view", block.View, "reason", err)
			return
		}
		// storage failure: no durable record means no vote, ever
		e.haltVoting(err)
		return
	}
	hash := block.Hash()
	vote := &Vote{
		Voter:      e.name,
		View:       block.View,
		BlockHash:  hash,
		PartialSig: sign.SignTSPartial(e.tsPrivateKey, VoteDigest(block.View, hash)),
	}

	// votes go to the collector: the leader of the next view
	collector, err := e.overlay.Leader(block.View + 1)
	if err != nil {
		e.logger.Error("cannot determine the vote collector", "view", block.View+1, "error", err)
		return
	}
	if collector == e.name {
		e.onVote(vote)
	} else if err := e.net.Send(collector, VoteTag, *vote); err != nil {
		e.logger.Error("fail to send the vote", "view", vote.View, "collector", collector, "error", err)
	}
	if e.step != AwaitingQC {
		e.step = Voted
	}
	e.logger.Debug("voted", "view", block.View, "proposer", block.Proposer)
}

// ---- vote / certificate path ----

func (e *Engine) onVote(vote *Vote) {
	qc, err := e.tally.AddVote(vote)
	if err != nil {
		e.logger.Error("vote rejected", "view", vote.View, "voter", vote.Voter, "error", err)
		return
	}
	if qc == nil {
		return
	}
	e.logger.Info("formed a certificate", "view", qc.View, "voters", len(qc.Voters))
	if err := e.net.Broadcast(QCTag, QCMsg{Sender: e.name, QC: qc}); err != nil {
		e.logger.Error("fail to broadcast the certificate", "view", qc.View, "error", err)
	}
	e.applyQC(qc, true)
}

func (e *Engine) onQCMsg(msg *QCMsg) {
	if err := e.tally.VerifyQC(msg.QC); err != nil {
		e.logger.Error("certificate rejected", "sender", msg.Sender, "error", err)
		return
	}
	e.applyQC(msg.QC, true)
}

// applyQC runs the lock/commit rules for a verified certificate and,
// when advance is set, moves to the view after the certificate's.
func (e *Engine) applyQC(qc *QC, advance bool) {
	if qc == nil {
		return
	}
	if qc.View > e.highQC.View {
		e.highQC = qc
	}
	advancedLock, committed, err := e.safety.OnQCFormed(qc, e.lookupBlock)
	if err != nil {
		e.haltVoting(err)
		return
	}
	if advancedLock {
		e.tally.GC(e.safety.LockedQC().View)
		e.gcPending()
	}
	for _, block := range committed {
		e.commit(block)
	}
	if len(committed) > 0 {
		e.consecutiveTimeouts = 0
	}
	if advance && qc.View >= e.view {
		e.currentBatch = nil
		e.enterView(qc.View + 1)
	}
}

func (e *Engine) commit(block *Block) {
	if !e.chain.Append(block) {
		e.logger.Error("commit does not extend the chain tip, waiting for sync",
			"view", block.View, "proposer", block.Proposer)
		return
	}
	if err := e.store.SaveBlock(block, e.highQC); err != nil {
		// the decision stands; re-derivable from peers after restart
		e.logger.Error("fail to persist the committed block", "view", block.View, "error", err)
	}
	e.logger.Info("commit the block", "node", e.name, "view", block.View,
		"height", e.chain.Height(), "block-proposer", block.Proposer, "txs", len(block.Txs))
	select {
	case e.commitCh <- block:
	default:
		e.logger.Error("commit channel full, dropping notification", "view", block.View)
	}
}

func (e *Engine) lookupBlock(hash []byte) *Block {
	if block, ok := e.pendingBlocks[hashAsString(hash)]; ok {
		return block
	}
	return e.chain.ByHash(hash)
}

// gcPending drops non-canonical blocks whose view was superseded
// without a certificate, releasing their payloads.
func (e *Engine) gcPending() {
	lockedView := e.safety.LockedQC().View
	for key, block := range e.pendingBlocks {
		if block.View < lockedView && e.chain.ByHash(block.Hash()) == nil {
			delete(e.pendingBlocks, key)
		}
	}
}

// ---- timeout path ----

func (e *Engine) onLocalTimeout() {
	e.logger.Info("view timed out", "view", e.view, "step", e.step.String())
	e.step = ViewChanging
	e.consecutiveTimeouts++
	if e.currentBatch != nil {
		e.mempool.Release(e.currentBatch)
		e.currentBatch = nil
	}
	msg := &TimeoutMsg{
		Sender:     e.name,
		View:       e.view,
		HighQC:     e.highQC,
		PartialSig: sign.SignTSPartial(e.tsPrivateKey, TimeoutDigest(e.view)),
	}
	if err := e.net.Broadcast(TimeoutTag, *msg); err != nil {
		e.logger.Error("fail to broadcast the timeout", "view", e.view, "error", err)
	}
	e.onTimeoutMsg(msg)
	e.resetTimer()
}

func (e *Engine) onTimeoutMsg(msg *TimeoutMsg) {
	if msg.View < e.view {
		e.logger.Debug("stale timeout dropped", "view", msg.View, "current", e.view)
		return
	}
	// every carried certificate is verified, not only those above the
	// local one: an unverified equal-view forgery could otherwise ride
	// the assembled timeout certificate
	if err := e.tally.VerifyQC(msg.HighQC); err != nil {
		e.logger.Error("timeout carries an invalid certificate", "sender", msg.Sender, "error", err)
		return
	}
	if msg.HighQC.View > e.highQC.View {
		e.applyQC(msg.HighQC, false)
	}
	tc, err := e.tally.AddTimeout(msg)
	if err != nil {
		e.logger.Error("timeout rejected", "view", msg.View, "sender", msg.Sender, "error", err)
		return
	}
	if tc == nil {
		return
	}
	e.logger.Info("formed a timeout certificate", "view", tc.View, "contributors", len(tc.Voters))
	if tc.View >= e.view {
		e.highTC = tc
		e.enterView(tc.View + 1)
	}
}

// ---- timers / failure ----

func (e *Engine) timeoutDuration() time.Duration {
	d := e.baseTimeout
	for i := uint32(0); i < e.consecutiveTimeouts; i++ {
		d *= 2
		if d >= e.maxTimeout {
			return e.maxTimeout
		}
	}
	return d
}

func (e *Engine) resetTimer() {
	if !e.timer.Stop() {
		select {
		case <-e.timer.C:
		default:
		}
	}
	e.timer.Reset(e.timeoutDuration())
}

// haltVoting is the StorageFailure hard stop: the node keeps
// observing and forwarding but casts no further votes until restarted
// with working storage.
func (e *Engine) haltVoting(err error) {
	if e.votingHalted {
		return
	}
	e.votingHalted = true
	e.logger.Error("safety state cannot be persisted, voting halted", "error", err)
	select {
	case e.errCh <- err:
	default:
	}
}
