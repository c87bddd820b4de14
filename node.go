package kcoord

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// NodeEventKind enumerates the asynchronous signals a Node emits.
type NodeEventKind uint8

const (
	NodeDead NodeEventKind = iota
	NodeConnectError
	NodeReadError
	NodeWriteError
	NodeDecodeError
	NodeConnected
	NodeRequestSent
	NodeResponseReceived
	NodeProduceAck
	NodeFetchAck
	NodeOffsetAck
)

// NodeEvent is one signal from a Node to the coordinator's node-event
// adapter (events.go). Only the fields relevant to Kind are populated.
type NodeEvent struct {
	Kind NodeEventKind
	Err  error

	ProduceAck *ProduceAck
	FetchAck   *FetchAck
	OffsetAck  *OffsetAck
}

// ProduceAck, FetchAck, and OffsetAck are the acknowledgement payloads
// forwarded verbatim to the produce/consume routers. The routers
// themselves are out of scope; these are the shapes the node-event
// adapter passes through.
type ProduceAck struct {
	Topic     string
	Partition int32
	Response  *kmsg.ProduceResponse
}

type FetchAck struct {
	Topic     string
	Partition int32
	Response  *kmsg.FetchResponse
}

type OffsetAck struct {
	Topic     string
	Partition int32
	Response  *kmsg.OffsetFetchResponse
}

// Node is an owned handle to one broker connection. The coordinator
// exclusively owns the set of nodes it creates via a NodeFactory and
// controls their lifecycle.
type Node interface {
	// Name is a stable string used for logging (e.g. "host:port").
	Name() string
	// FetchMetadata issues a metadata request, optionally scoped to
	// specific topics. No topics means "all topics", for a
	// full-metadata fetch.
	FetchMetadata(ctx context.Context, topics ...string) (*kmsg.MetadataResponse, error)
	// Stop tears down the node's connection. Idempotent.
	Stop(ctx context.Context) error
	// Events returns the channel of asynchronous signals this node
	// emits for its lifetime. It is closed after Stop completes.
	Events() <-chan NodeEvent
}

// NodeFactory constructs a Node for one broker address. The
// coordinator is the only caller.
type NodeFactory func(host string, port int32) Node

// maxConsecutiveNodeFailures is how many connect/read/write failures
// in a row a node tolerates before giving up and emitting NodeDead;
// the node, not the coordinator, decides when it is dead.
const maxConsecutiveNodeFailures = 3

type promisedMetaReq struct {
	ctx     context.Context
	topics  []string
	promise func(*kmsg.MetadataResponse, error)
}

// tcpNode is the default Node implementation: a single request-handling
// goroutine serializes writes over one connection, an atomic dead flag
// stops further sends without blocking on an in-flight read, and
// stopping is idempotent. dieMu is held for read around every send on
// reqs and for write while closing it, so a Stop racing a FetchMetadata
// can never close the channel out from under an in-flight send.
type tcpNode struct {
	name string
	addr string

	clientID string
	dialer   net.Dialer

	reqs   chan promisedMetaReq
	events chan NodeEvent

	dieMu sync.RWMutex
	dead  int32

	consecutiveFailures int // owned by handleReqs; not shared

	stopOnce sync.Once
	stopped  chan struct{}
}

func newTCPNode(host string, port int32, clientID string) *tcpNode {
	n := &tcpNode{
		name:     net.JoinHostPort(host, strconv.Itoa(int(port))),
		addr:     net.JoinHostPort(host, strconv.Itoa(int(port))),
		clientID: clientID,
		reqs:     make(chan promisedMetaReq, 8),
		events:   make(chan NodeEvent, 16),
		stopped:  make(chan struct{}),
	}
	go n.handleReqs()
	return n
}

// defaultNodeFactory returns a NodeFactory producing tcpNodes, used
// when the caller does not supply one of their own via WithNodeFactory.
func defaultNodeFactory(clientID string) NodeFactory {
	return func(host string, port int32) Node {
		return newTCPNode(host, port, clientID)
	}
}

func (n *tcpNode) Name() string { return n.name }

func (n *tcpNode) Events() <-chan NodeEvent { return n.events }

func (n *tcpNode) emit(ev NodeEvent) {
	select {
	case n.events <- ev:
	default:
		// Slow consumer: drop rather than block the connection
		// goroutine. The coordinator's node-event adapter normally
		// drains promptly since it only ever posts a tiny action to
		// the agent mailbox.
	}
}

// recordFailure counts one connect/read/write failure against the
// handleReqs goroutine's own streak; once it reaches
// maxConsecutiveNodeFailures the node gives up on itself.
func (n *tcpNode) recordFailure() {
	n.consecutiveFailures++
	if n.consecutiveFailures >= maxConsecutiveNodeFailures {
		n.giveUp()
	}
}

// giveUp marks the node dead and emits NodeDead exactly once, mirroring
// the effect of Stop's dead flag without tearing down reqs/events: the
// coordinator owns closing those via Stop, triggered by its reaction to
// this event.
func (n *tcpNode) giveUp() {
	if atomic.CompareAndSwapInt32(&n.dead, 0, 1) {
		n.emit(NodeEvent{Kind: NodeDead})
	}
}

func (n *tcpNode) FetchMetadata(ctx context.Context, topics ...string) (*kmsg.MetadataResponse, error) {
	if atomic.LoadInt32(&n.dead) == 1 {
		return nil, wrapErr(ErrKindTransportConnect, fmt.Errorf("node %s is dead", n.name))
	}
	done := make(chan struct{})
	var resp *kmsg.MetadataResponse
	var err error

	// Holding dieMu for read across the send means a concurrent Stop
	// (which takes it for write before closing reqs) cannot close the
	// channel until this send has either completed or backed off onto
	// ctx.Done/n.stopped.
	n.dieMu.RLock()
	if atomic.LoadInt32(&n.dead) == 1 {
		n.dieMu.RUnlock()
		return nil, wrapErr(ErrKindTransportConnect, fmt.Errorf("node %s is dead", n.name))
	}
	select {
	case n.reqs <- promisedMetaReq{
		ctx:    ctx,
		topics: topics,
		promise: func(r *kmsg.MetadataResponse, e error) {
			resp, err = r, e
			close(done)
		},
	}:
		n.dieMu.RUnlock()
	case <-ctx.Done():
		n.dieMu.RUnlock()
		return nil, wrapErr(ErrKindCancelled, ctx.Err())
	case <-n.stopped:
		n.dieMu.RUnlock()
		return nil, wrapErr(ErrKindTransportConnect, fmt.Errorf("node %s stopped", n.name))
	}
	select {
	case <-done:
		return resp, err
	case <-ctx.Done():
		return nil, wrapErr(ErrKindCancelled, ctx.Err())
	}
}

func (n *tcpNode) handleReqs() {
	var conn net.Conn
	var corrID int32
	for pr := range n.reqs {
		if atomic.LoadInt32(&n.dead) == 1 {
			pr.promise(nil, wrapErr(ErrKindTransportConnect, fmt.Errorf("node %s is dead", n.name)))
			continue
		}

		if conn == nil {
			var err error
			conn, err = n.dialer.DialContext(pr.ctx, "tcp", n.addr)
			if err != nil {
				n.emit(NodeEvent{Kind: NodeConnectError, Err: err})
				pr.promise(nil, wrapErr(ErrKindTransportConnect, err))
				n.recordFailure()
				continue
			}
			n.emit(NodeEvent{Kind: NodeConnected})
		}

		corrID++
		resp, err := n.roundTrip(conn, corrID, pr.ctx, pr.topics)
		if err != nil {
			conn.Close()
			conn = nil
			n.recordFailure()
		} else {
			n.consecutiveFailures = 0
		}
		pr.promise(resp, err)
	}
	if conn != nil {
		conn.Close()
	}
	close(n.stopped)
	close(n.events)
}

// roundTrip writes one MetadataRequest and reads its response using
// the standard Kafka request/response framing: a 4-byte big-endian
// size prefix around (api key, api version, correlation id, client id,
// body). The body itself is encoded and decoded entirely by the real
// kmsg codec; only the envelope is hand-rolled here, since the wire
// protocol codec proper is an out-of-scope external collaborator.
func (n *tcpNode) roundTrip(conn net.Conn, corrID int32, ctx context.Context, topics []string) (*kmsg.MetadataResponse, error) {
	req := kmsg.NewMetadataRequest()
	if len(topics) > 0 {
		req.Topics = make([]kmsg.MetadataRequestTopic, len(topics))
		for i, t := range topics {
			topic := t
			rt := kmsg.NewMetadataRequestTopic()
			rt.Topic = &topic
			req.Topics[i] = rt
		}
	} else {
		req.Topics = nil // nil means "all topics" for MetadataRequest
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	} else {
		conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	var hdr [8]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(req.Key()))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(req.Version))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(corrID))

	body := make([]byte, 0, 128)
	body = append(body, hdr[:]...)
	body = appendSizePrefixedString(body, n.clientID)
	body = req.AppendTo(body)

	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(body)))

	w := bufio.NewWriter(conn)
	if _, err := w.Write(size[:]); err != nil {
		n.emit(NodeEvent{Kind: NodeWriteError, Err: err})
		return nil, wrapErr(ErrKindTransportWrite, err)
	}
	if _, err := w.Write(body); err != nil {
		n.emit(NodeEvent{Kind: NodeWriteError, Err: err})
		return nil, wrapErr(ErrKindTransportWrite, err)
	}
	if err := w.Flush(); err != nil {
		n.emit(NodeEvent{Kind: NodeWriteError, Err: err})
		return nil, wrapErr(ErrKindTransportWrite, err)
	}
	n.emit(NodeEvent{Kind: NodeRequestSent})

	r := bufio.NewReader(conn)
	var respSize [4]byte
	if _, err := io.ReadFull(r, respSize[:]); err != nil {
		n.emit(NodeEvent{Kind: NodeReadError, Err: err})
		return nil, wrapErr(ErrKindTransportRead, err)
	}
	respBody := make([]byte, binary.BigEndian.Uint32(respSize[:]))
	if _, err := io.ReadFull(r, respBody); err != nil {
		n.emit(NodeEvent{Kind: NodeReadError, Err: err})
		return nil, wrapErr(ErrKindTransportRead, err)
	}
	n.emit(NodeEvent{Kind: NodeResponseReceived})

	if len(respBody) < 4 {
		err := fmt.Errorf("short response from %s", n.name)
		n.emit(NodeEvent{Kind: NodeDecodeError, Err: err})
		return nil, wrapErr(ErrKindDecode, err)
	}
	// Skip the 4-byte correlation id in the response header; the body
	// decoder takes over from there.
	resp := kmsg.NewMetadataResponse()
	resp.Version = req.Version
	if err := resp.ReadFrom(respBody[4:]); err != nil {
		n.emit(NodeEvent{Kind: NodeDecodeError, Err: err})
		return nil, wrapErr(ErrKindDecode, err)
	}
	return &resp, nil
}

func appendSizePrefixedString(dst []byte, s string) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	dst = append(dst, l[:]...)
	dst = append(dst, s...)
	return dst
}

func (n *tcpNode) Stop(ctx context.Context) error {
	n.stopOnce.Do(func() {
		atomic.StoreInt32(&n.dead, 1)
		n.dieMu.Lock()
		close(n.reqs)
		n.dieMu.Unlock()
	})
	select {
	case <-n.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
