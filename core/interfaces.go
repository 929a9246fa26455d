package core

// Network is the outbound half of the network collaborator. Inbound
// messages reach the engine through Engine.Submit. Implementations
// must support authenticated point-to-point sends and committee-wide
// broadcast; both are fire-and-forget from the engine's perspective.
type Network interface {
	Broadcast(msgType uint8, msg interface{}) error
	Send(target string, msgType uint8, msg interface{}) error
}

// Mempool supplies the opaque transaction batches proposals carry. The
// engine never inspects payload contents. Release returns an unused
// batch after a failed or superseded view.
type Mempool interface {
	TakeBatch(maxSize int) [][]byte
	Release(batch [][]byte)
}

// Store is the persistence collaborator. SaveSafetyState must be
// durable before the engine acknowledges a vote as cast; a failure
// there halts voting.
type Store interface {
	SaveSafetyState(state *SafetyState) error
	LoadSafetyState() (*SafetyState, error)
	SaveBlock(block *Block, qc *QC) error
	LoadChainTip() (*Block, *QC, error)
}
