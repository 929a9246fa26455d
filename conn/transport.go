package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated
	ErrTransportShutdown = errors.New("transport shutdown")

	// ErrUnknownMsgTag is returned when an inbound stream carries a tag
	// byte that has no registered message type
	ErrUnknownMsgTag = errors.New("unknown message tag")
)

// MsgWithSig pairs a decoded message with the sender's signature over
// its encoding.
type MsgWithSig struct {
	Msg interface{}
	Sig []byte
}

// NetConn is a pooled outbound connection to one peer.
type NetConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

// Release closes the underlying connection without returning it to the
// pool.
func (c *NetConn) Release() error {
	return c.conn.Close()
}

// NetworkTransport provides a TCP-based transport that carries the
// tagged, msgpack-encoded consensus messages between nodes. Inbound
// messages are decoded and published on MsgChan; outbound connections
// are pooled per target.
type NetworkTransport struct {
	connPool     map[string][]*NetConn
	connPoolLock sync.Mutex
	maxPool      int

	listener net.Listener
	timeout  time.Duration

	reflectedTypesMap map[uint8]reflect.Type

	msgCh chan MsgWithSig

	streamCtx    context.Context
	streamCancel context.CancelFunc

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	logger hclog.Logger
}

// NewTCPTransport starts listening on bindAddr and returns a transport
// ready to accept and pool connections. reflectedTypesMap maps each tag
// byte to the concrete struct type decoded for it.
func NewTCPTransport(bindAddr string, timeout time.Duration, maxPool int,
	reflectedTypesMap map[uint8]reflect.Type, logger hclog.Logger) (*NetworkTransport, error) {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", bindAddr, err)
	}
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "transport",
			Output: hclog.DefaultOutput,
			Level:  hclog.Info,
		})
	}
	ctx, cancel := context.WithCancel(context.Background())
	trans := &NetworkTransport{
		connPool:          make(map[string][]*NetConn),
		maxPool:           maxPool,
		listener:          listener,
		timeout:           timeout,
		reflectedTypesMap: reflectedTypesMap,
		msgCh:             make(chan MsgWithSig, 10000),
		streamCtx:         ctx,
		streamCancel:      cancel,
		shutdownCh:        make(chan struct{}),
		logger:            logger,
	}
	go trans.listen()
	return trans, nil
}

// MsgChan returns the channel of decoded inbound messages.
func (t *NetworkTransport) MsgChan() <-chan MsgWithSig {
	return t.msgCh
}

// GetStreamContext returns the context cancelled on shutdown.
func (t *NetworkTransport) GetStreamContext() context.Context {
	return t.streamCtx
}

// Close shuts down the listener and all pooled connections.
func (t *NetworkTransport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()
	if t.shutdown {
		return nil
	}
	t.shutdown = true
	close(t.shutdownCh)
	t.streamCancel()
	err := t.listener.Close()

	t.connPoolLock.Lock()
	for _, conns := range t.connPool {
		for _, netConn := range conns {
			_ = netConn.conn.Close()
		}
	}
	t.connPool = make(map[string][]*NetConn)
	t.connPoolLock.Unlock()
	return err
}

// GetConn takes a pooled connection to target (addr:port), dialing a
// new one when the pool is empty.
func (t *NetworkTransport) GetConn(target string) (*NetConn, error) {
	if netConn := t.getPooledConn(target); netConn != nil {
		return netConn, nil
	}
	dialer := &net.Dialer{Timeout: t.timeout}
	netCon, err := dialer.Dial("tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	w := bufio.NewWriter(netCon)
	return &NetConn{
		target: target,
		conn:   netCon,
		w:      w,
		enc:    codec.NewEncoder(w, &codec.MsgpackHandle{}),
	}, nil
}

// ReturnConn gives a connection back to the pool, closing it when the
// pool is full or the transport has shut down.
func (t *NetworkTransport) ReturnConn(netConn *NetConn) error {
	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()

	key := netConn.target
	conns := t.connPool[key]
	if !t.isShutdown() && len(conns) < t.maxPool {
		t.connPool[key] = append(conns, netConn)
		return nil
	}
	return netConn.Release()
}

// SendMsg writes one tagged message and its signature on the connection.
func SendMsg(netConn *NetConn, msgType uint8, msg interface{}, sig []byte) error {
	if err := netConn.w.WriteByte(msgType); err != nil {
		return err
	}
	if err := netConn.enc.Encode(msg); err != nil {
		return err
	}
	if err := netConn.enc.Encode(sig); err != nil {
		return err
	}
	return netConn.w.Flush()
}

func (t *NetworkTransport) getPooledConn(target string) *NetConn {
	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()
	conns := t.connPool[target]
	if len(conns) == 0 {
		return nil
	}
	netConn := conns[len(conns)-1]
	t.connPool[target] = conns[:len(conns)-1]
	return netConn
}

func (t *NetworkTransport) isShutdown() bool {
	select {
	case <-t.shutdownCh:
		return true
	default:
		return false
	}
}

func (t *NetworkTransport) listen() {
	for {
		netCon, err := t.listener.Accept()
		if err != nil {
			if t.isShutdown() {
				return
			}
			t.logger.Error("fail to accept the connection", "error", err)
			continue
		}
		go t.handleConn(netCon)
	}
}

// handleConn decodes the inbound stream of one peer connection and
// publishes every message on msgCh.
func (t *NetworkTransport) handleConn(netCon net.Conn) {
	defer netCon.Close()
	r := bufio.NewReader(netCon)
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})

	for {
		msgWithSig, err := t.decodeMsg(r, dec)
		if err != nil {
			if !t.isShutdown() && !errors.Is(err, net.ErrClosed) {
				t.logger.Debug("inbound connection closed", "error", err)
			}
			return
		}
		select {
		case t.msgCh <- *msgWithSig:
		case <-t.shutdownCh:
			return
		}
	}
}

func (t *NetworkTransport) decodeMsg(r *bufio.Reader, dec *codec.Decoder) (*MsgWithSig, error) {
	msgType, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	reflectedType, ok := t.reflectedTypesMap[msgType]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMsgTag, msgType)
	}
	msg := reflect.New(reflectedType)
	if err = dec.Decode(msg.Interface()); err != nil {
		return nil, err
	}
	var sig []byte
	if err = dec.Decode(&sig); err != nil {
		return nil, err
	}
	return &MsgWithSig{Msg: msg.Elem().Interface(), Sig: sig}, nil
}
