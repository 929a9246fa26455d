package core

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.dedis.ch/kyber/v3/share"

	"viewbft/sign"
)

var testSeed = [32]byte{42}

// testNames returns node0..node{n-1}; the overlay sorts members by
// name, so shares[i] belongs to node{i}.
func testNames(n int) []string {
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = fmt.Sprintf("node%d", i)
	}
	return names
}

// shareIndexOf maps node{i} to i, the index of its threshold share in
// the sorted member order.
func shareIndexOf(name string) int {
	i, err := strconv.Atoi(name[4:])
	if err != nil {
		panic(err)
	}
	return i
}

func testWeights(n int) map[string]uint64 {
	weights := make(map[string]uint64, n)
	for _, name := range testNames(n) {
		weights[name] = 1
	}
	return weights
}

func testOverlay(n int) *Overlay {
	overlay, err := NewOverlay(testWeights(n), testSeed, 0, 0)
	if err != nil {
		panic(err)
	}
	return overlay
}

func testLogger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Output: hclog.DefaultOutput,
		Level:  hclog.Error,
	})
}

// memStore is an in-process Store for engine and safety tests.
// failSaves simulates a broken disk.
type memStore struct {
	mu        sync.Mutex
	state     *SafetyState
	tipBlock  *Block
	tipQC     *QC
	failSaves bool
}

func newMemStore() *memStore { return &memStore{} }

func (s *memStore) SaveSafetyState(state *SafetyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return fmt.Errorf("memstore: saves disabled")
	}
	copied := *state
	s.state = &copied
	return nil
}

func (s *memStore) LoadSafetyState() (*SafetyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	copied := *s.state
	return &copied, nil
}

func (s *memStore) SaveBlock(block *Block, qc *QC) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return fmt.Errorf("memstore: saves disabled")
	}
	s.tipBlock, s.tipQC = block, qc
	return nil
}

func (s *memStore) LoadChainTip() (*Block, *QC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tipBlock, s.tipQC, nil
}

// fixedMempool returns the same batch on every take.
type fixedMempool struct {
	batch [][]byte
}

func (m *fixedMempool) TakeBatch(maxSize int) [][]byte { return m.batch }
func (m *fixedMempool) Release(batch [][]byte)         {}

// sentMsg records one outbound message of the engine under test.
type sentMsg struct {
	target  string // empty for broadcast
	msgType uint8
	msg     interface{}
}

// recordingNet captures the engine's outbound traffic for assertions.
type recordingNet struct {
	mu   sync.Mutex
	sent []sentMsg
	ch   chan sentMsg
}

func newRecordingNet() *recordingNet {
	return &recordingNet{ch: make(chan sentMsg, 256)}
}

func (r *recordingNet) Broadcast(msgType uint8, msg interface{}) error {
	return r.record(sentMsg{msgType: msgType, msg: msg})
}

func (r *recordingNet) Send(target string, msgType uint8, msg interface{}) error {
	return r.record(sentMsg{target: target, msgType: msgType, msg: msg})
}

func (r *recordingNet) record(m sentMsg) error {
	r.mu.Lock()
	r.sent = append(r.sent, m)
	r.mu.Unlock()
	select {
	case r.ch <- m:
	default:
	}
	return nil
}

// waitFor blocks until a recorded message satisfies match or the
// deadline passes.
func (r *recordingNet) waitFor(match func(sentMsg) bool, timeout time.Duration) (sentMsg, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case m := <-r.ch:
			if match(m) {
				return m, true
			}
		case <-deadline:
			return sentMsg{}, false
		}
	}
}

func (r *recordingNet) countVotes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, m := range r.sent {
		if m.msgType == VoteTag {
			count++
		}
	}
	return count
}

// hubNet connects a cluster of in-process engines; messages are
// re-submitted as the pointer types the engines dispatch on. silenced
// nodes neither send nor receive, simulating a crash.
type hubNet struct {
	mu       sync.Mutex
	engines  map[string]*Engine
	silenced map[string]bool
}

func newHubNet() *hubNet {
	return &hubNet{
		engines:  make(map[string]*Engine),
		silenced: make(map[string]bool),
	}
}

func (h *hubNet) register(name string, engine *Engine) *hubPort {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engines[name] = engine
	return &hubPort{hub: h, name: name}
}

func (h *hubNet) silence(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.silenced[name] = true
}

func (h *hubNet) deliver(from, to string, msg interface{}) {
	h.mu.Lock()
	engine := h.engines[to]
	blocked := h.silenced[from] || h.silenced[to]
	h.mu.Unlock()
	if engine == nil || blocked {
		return
	}
	_ = engine.Submit(asEvent(msg))
}

func (h *hubNet) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.engines))
	for name := range h.engines {
		names = append(names, name)
	}
	return names
}

// asEvent converts the value the network carries back into the
// pointer type the engine dispatches on.
func asEvent(msg interface{}) interface{} {
	switch m := msg.(type) {
	case Block:
		return &m
	case Vote:
		return &m
	case QCMsg:
		return &m
	case TimeoutMsg:
		return &m
	}
	return msg
}

type hubPort struct {
	hub  *hubNet
	name string
}

func (p *hubPort) Broadcast(msgType uint8, msg interface{}) error {
	for _, name := range p.hub.names() {
		p.hub.deliver(p.name, name, msg)
	}
	return nil
}

func (p *hubPort) Send(target string, msgType uint8, msg interface{}) error {
	p.hub.deliver(p.name, target, msg)
	return nil
}

// testCluster spins up n engines joined through one hub.
type testCluster struct {
	hub     *hubNet
	engines []*Engine
	stores  []*memStore
	names   []string
}

func newTestCluster(n int, baseTimeout time.Duration, shares []*share.PriShare, pubPoly *share.PubPoly) *testCluster {
	cluster := &testCluster{hub: newHubNet(), names: testNames(n)}
	for i, name := range cluster.names {
		store := newMemStore()
		conf := &EngineConfig{
			Name:         name,
			TsPrivateKey: shares[i],
			TsPublicKey:  pubPoly,
			BatchSize:    4,
			BaseTimeout:  baseTimeout,
			MaxTimeout:   baseTimeout * 8,
			Logger:       testLogger(name),
		}
		engine, err := NewEngine(conf, testOverlay(n), nil, &fixedMempool{batch: [][]byte{[]byte("tx")}}, store)
		if err != nil {
			panic(err)
		}
		engine.net = cluster.hub.register(name, engine)
		cluster.engines = append(cluster.engines, engine)
		cluster.stores = append(cluster.stores, store)
	}
	return cluster
}

func (c *testCluster) start() {
	for _, engine := range c.engines {
		go engine.Run()
	}
}

func (c *testCluster) stop() {
	for _, engine := range c.engines {
		engine.Stop()
	}
}

// makeVote builds a correctly signed vote.
func makeVote(voter string, priShare *share.PriShare, view uint64, blockHash []byte) *Vote {
	return &Vote{
		Voter:      voter,
		View:       view,
		BlockHash:  blockHash,
		PartialSig: sign.SignTSPartial(priShare, VoteDigest(view, blockHash)),
	}
}

// makeTimeout builds a correctly signed timeout message.
func makeTimeout(sender string, priShare *share.PriShare, view uint64, highQC *QC) *TimeoutMsg {
	return &TimeoutMsg{
		Sender:     sender,
		View:       view,
		HighQC:     highQC,
		PartialSig: sign.SignTSPartial(priShare, TimeoutDigest(view)),
	}
}
