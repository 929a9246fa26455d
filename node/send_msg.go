package node

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"

	"viewbft/conn"
	"viewbft/core"
	"viewbft/erasure"
	"viewbft/sign"
)

var errNodeStopped = errors.New("node stopped")

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

// outboundMsg is one queued send; an empty target means broadcast.
type outboundMsg struct {
	target  string
	msgType uint8
	msg     interface{}
}

// Broadcast queues the message for every node in the cluster. Sends
// run on the sender goroutine so a stalled peer cannot hold up the
// engine's event processing.
func (n *Node) Broadcast(msgType uint8, msg interface{}) error {
	return n.enqueue(outboundMsg{msgType: msgType, msg: msg})
}

// Send queues the message for one node.
func (n *Node) Send(target string, msgType uint8, msg interface{}) error {
	return n.enqueue(outboundMsg{target: target, msgType: msgType, msg: msg})
}

func (n *Node) enqueue(out outboundMsg) error {
	select {
	case n.outboundCh <- out:
		return nil
	case <-n.quitCh:
		return errNodeStopped
	}
}

// sendLoop drains the outbound queue in order, one message at a time.
func (n *Node) sendLoop() {
	for {
		select {
		case out := <-n.outboundCh:
			var err error
			if out.target == "" {
				err = n.deliverBroadcast(out.msgType, out.msg)
			} else {
				err = n.deliverTo(out.target, out.msgType, out.msg)
			}
			if err != nil {
				n.logger.Error("fail to send the message", "type", out.msgType,
					"target", out.target, "error", err)
			}
		case <-n.quitCh:
			return
		}
	}
}

// deliverBroadcast sends the message to every node. Proposals above
// the configured payload limit are disseminated as erasure-coded
// chunks so a single lost message does not lose the block.
func (n *Node) deliverBroadcast(msgType uint8, msg interface{}) error {
	if msgType == core.ProposalTag {
		if block, ok := msg.(core.Block); ok {
			if sent, err := n.broadcastChunked(&block); sent || err != nil {
				return err
			}
		}
	}
	return n.broadcast(msgType, msg)
}

// deliverTo sends the message to one node.
func (n *Node) deliverTo(target string, msgType uint8, msg interface{}) error {
	msgAsBytes, err := encode(msg)
	if err != nil {
		return err
	}
	sig := sign.SignEd25519(n.privateKey, msgAsBytes)
	addr := n.clusterAddr[target]
	port := n.clusterPort[target]
	addrWithPort := addr + ":" + strconv.Itoa(port)
	netConn, err := n.trans.GetConn(addrWithPort)
	if err != nil {
		return err
	}
	if err = conn.SendMsg(netConn, msgType, msg, sig); err != nil {
		return err
	}
	return n.trans.ReturnConn(netConn)
}

// broadcast sends one signed message to all nodes, including the
// slot for this node's own address (the transport loops it back).
func (n *Node) broadcast(msgType uint8, msg interface{}) error {
	msgAsBytes, err := encode(msg)
	if err != nil {
		return err
	}
	sig := sign.SignEd25519(n.privateKey, msgAsBytes)
	for addrWithPort := range n.clusterAddrWithPorts {
		netConn, err := n.trans.GetConn(addrWithPort)
		if err != nil {
			return err
		}
		if err = conn.SendMsg(netConn, msgType, msg, sig); err != nil {
			return err
		}
		if err = n.trans.ReturnConn(netConn); err != nil {
			return err
		}
	}
	return nil
}

// broadcastChunked splits a large proposal into quorum data shards
// plus parity and broadcasts each shard separately. Returns false when
// the proposal is small enough to travel whole.
func (n *Node) broadcastChunked(block *core.Block) (bool, error) {
	blockAsBytes, err := encode(block)
	if err != nil {
		return false, err
	}
	if n.maxPayloadBytes <= 0 || len(blockAsBytes) <= n.maxPayloadBytes {
		return false, nil
	}
	dataShards := n.quorumNum
	parityShards := n.nodeNum - n.quorumNum
	if dataShards < 1 || parityShards < 1 {
		return false, nil
	}
	shards, err := erasure.Split(blockAsBytes, dataShards, parityShards)
	if err != nil {
		return false, err
	}
	n.logger.Debug("proposal disseminated in chunks", "view", block.View,
		"bytes", len(blockAsBytes), "shards", len(shards))
	for i, shard := range shards {
		chunk := core.ProposalChunk{
			Proposer:     block.Proposer,
			View:         block.View,
			Index:        i,
			DataShards:   dataShards,
			ParityShards: parityShards,
			Size:         len(blockAsBytes),
			Payload:      shard,
		}
		if err = n.broadcast(core.ChunkTag, chunk); err != nil {
			return true, err
		}
	}
	return true, nil
}
