package node

import (
	"crypto/ed25519"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"

	"viewbft/config"
	"viewbft/conn"
	"viewbft/core"
	"viewbft/mempool"
	"viewbft/sign"
	"viewbft/storage"
)

// Node is the service adapter: it feeds the consensus engine from the
// transport, authenticates peers, disseminates proposals (erasure
// coded when large) and owns the collaborators the engine consumes.
type Node struct {
	name   string
	conf   *config.Config
	logger hclog.Logger

	engine  *core.Engine
	mempool *mempool.Pool
	store   core.Store
	trans   *conn.NetworkTransport

	clusterAddr          map[string]string // map from name to address
	clusterPort          map[string]int    // map from name to p2p port
	clusterAddrWithPorts map[string]uint8  // map from addr:port to index

	nodeNum   int
	quorumNum int

	publicKeyMap map[string]ed25519.PublicKey
	privateKey   ed25519.PrivateKey

	maxPool         int
	maxPayloadBytes int
	isFaulty        bool

	chunks map[string]*chunkSet // map from proposer:view to partial shards

	outboundCh chan outboundMsg
	quitCh     chan struct{}
}

// NewNode builds the node and its collaborators from the config.
func NewNode(conf *config.Config) (*Node, error) {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "viewbft-node",
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})

	weights := conf.ClusterWeight
	if len(weights) == 0 {
		weights = make(map[string]uint64, len(conf.ClusterAddr))
		for name := range conf.ClusterAddr {
			weights[name] = 1
		}
	}
	overlay, err := core.NewOverlay(weights, conf.Seed, conf.CommitteeSize, conf.EpochLength)
	if err != nil {
		return nil, err
	}

	var store core.Store
	if conf.StoragePath != "" {
		if store, err = storage.NewFileStore(conf.StoragePath, logger.Named("storage")); err != nil {
			return nil, err
		}
	} else {
		store = storage.NewMemStore()
	}

	n := &Node{
		name:                 conf.Name,
		conf:                 conf,
		logger:               logger,
		mempool:              mempool.New(conf.MaxPool*1000, logger.Named("mempool")),
		store:                store,
		clusterAddr:          conf.ClusterAddr,
		clusterPort:          conf.ClusterPort,
		clusterAddrWithPorts: conf.ClusterAddrWithPorts,
		nodeNum:              len(conf.ClusterAddr),
		publicKeyMap:         conf.PublicKeyMap,
		privateKey:           conf.PrivateKey,
		maxPool:              conf.MaxPool,
		maxPayloadBytes:      conf.MaxPayloadBytes,
		isFaulty:             conf.IsFaulty,
		chunks:               make(map[string]*chunkSet),
		outboundCh:           make(chan outboundMsg, 1024),
		quitCh:               make(chan struct{}),
	}
	committee, err := overlay.Committee(1)
	if err != nil {
		return nil, err
	}
	n.quorumNum = int(overlay.QuorumThreshold(committee))

	engineConf := &core.EngineConfig{
		Name:         conf.Name,
		TsPrivateKey: conf.TsPrivateKey,
		TsPublicKey:  conf.TsPublicKey,
		BatchSize:    conf.BatchSize,
		BaseTimeout:  conf.BaseTimeout,
		MaxTimeout:   conf.MaxTimeout,
		Logger:       logger.Named("engine"),
	}
	if n.engine, err = core.NewEngine(engineConf, overlay, n, n.mempool, store); err != nil {
		return nil, err
	}
	return n, nil
}

// StartP2PListen starts the transport listener.
func (n *Node) StartP2PListen() error {
	addr := n.clusterAddr[n.name]
	port := n.clusterPort[n.name]
	trans, err := conn.NewTCPTransport(addr+":"+strconv.Itoa(port), 2*time.Second,
		n.maxPool, core.ReflectedTypesMap, n.logger.Named("transport"))
	if err != nil {
		return err
	}
	n.trans = trans
	go n.sendLoop()
	return nil
}

// EstablishP2PConns warms one pooled connection to every peer. Called
// after all nodes listen.
func (n *Node) EstablishP2PConns() error {
	if n.trans == nil {
		return fmt.Errorf("transport has not been created")
	}
	for addrWithPort := range n.clusterAddrWithPorts {
		netConn, err := n.trans.GetConn(addrWithPort)
		if err != nil {
			return err
		}
		if err = n.trans.ReturnConn(netConn); err != nil {
			return err
		}
		n.logger.Debug("connected to the peer", "addr", addrWithPort)
	}
	return nil
}

// RunLoop runs the consensus engine until Stop.
func (n *Node) RunLoop() {
	n.engine.Run()
}

// CommitChan delivers committed blocks, oldest first.
func (n *Node) CommitChan() <-chan *core.Block {
	return n.engine.CommitChan()
}

// Err surfaces a fatal storage failure: the engine has halted voting.
func (n *Node) Err() <-chan error {
	return n.engine.Err()
}

// SubmitTx queues one opaque transaction for inclusion in a future
// proposal.
func (n *Node) SubmitTx(tx []byte) {
	n.mempool.Add(tx)
}

// IsFaultyNode reports whether this node is configured to play dead.
func (n *Node) IsFaultyNode() bool {
	return n.isFaulty
}

// Stop terminates the engine, the sender and the transport.
func (n *Node) Stop() {
	select {
	case <-n.quitCh:
	default:
		close(n.quitCh)
	}
	n.engine.Stop()
	if n.trans != nil {
		_ = n.trans.Close()
	}
}

func (n *Node) verifySigED25519(peer string, data interface{}, sig []byte) bool {
	pubKey, ok := n.publicKeyMap[peer]
	if !ok {
		n.logger.Error("node is unknown", "node", peer)
		return false
	}
	dataAsBytes, err := encode(data)
	if err != nil {
		n.logger.Error("fail to encode the data", "error", err)
		return false
	}
	ok, err = sign.VerifySignEd25519(pubKey, dataAsBytes, sig)
	if err != nil {
		n.logger.Error("fail to verify the ED25519 signature", "error", err)
		return false
	}
	return ok
}
