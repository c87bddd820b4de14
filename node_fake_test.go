package kcoord

import (
	"context"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// fakeNode is a hand-scripted Node used across the coordinator tests:
// it isolates the transport behind a small request/response surface (a
// channel in front of a goroutine) but is driven entirely by
// test-supplied responses instead of a real socket.
type fakeNode struct {
	mu       sync.Mutex
	name     string
	metaFunc func(topics []string) (*kmsg.MetadataResponse, error)
	events   chan NodeEvent
	stopped  bool
}

func newFakeNode(name string) *fakeNode {
	return &fakeNode{
		name:   name,
		events: make(chan NodeEvent, 16),
	}
}

func (n *fakeNode) Name() string { return n.name }

func (n *fakeNode) Events() <-chan NodeEvent { return n.events }

func (n *fakeNode) FetchMetadata(ctx context.Context, topics ...string) (*kmsg.MetadataResponse, error) {
	n.mu.Lock()
	f := n.metaFunc
	n.mu.Unlock()
	if f == nil {
		return nil, wrapErr(ErrKindProtocol, fmt.Errorf("fakeNode %s has no scripted response", n.name))
	}
	return f(topics)
}

func (n *fakeNode) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return nil
	}
	n.stopped = true
	close(n.events)
	return nil
}

// setMetadata scripts the response the next FetchMetadata call(s)
// return.
func (n *fakeNode) setMetadata(resp *kmsg.MetadataResponse, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.metaFunc = func([]string) (*kmsg.MetadataResponse, error) { return resp, err }
}

// die emits a NodeDead event as if the connection had been lost.
func (n *fakeNode) die() {
	n.events <- NodeEvent{Kind: NodeDead}
}

// fakeProduceRouter is a hand-scripted ProduceRouter: Acknowledge and
// ChangeRoutingTable are no-ops, and emit lets a test push the
// expired/discarded/acknowledged events the coordinator's adapter taps.
type fakeProduceRouter struct {
	stopOnce sync.Once
	events   chan ProduceRouterEvent
}

func newFakeProduceRouter() *fakeProduceRouter {
	return &fakeProduceRouter{events: make(chan ProduceRouterEvent, 16)}
}

func (r *fakeProduceRouter) Acknowledge(ProduceAck)           {}
func (r *fakeProduceRouter) ChangeRoutingTable(*RoutingTable) {}

func (r *fakeProduceRouter) Stop() {
	r.stopOnce.Do(func() { close(r.events) })
}

func (r *fakeProduceRouter) Events() <-chan ProduceRouterEvent { return r.events }

func (r *fakeProduceRouter) emit(ev ProduceRouterEvent) {
	r.events <- ev
}
