package kcoord

import "context"

// RoutingTableProvider is the interface routers use to obtain a fresh
// routing table on demand. The coordinator is passed to routers as an
// interface; routers are owned by the coordinator, so no back-owning
// reference is needed at runtime.
type RoutingTableProvider interface {
	RequireNewRoutingTable(ctx context.Context) (*RoutingTable, error)
}

// ProduceRouterEventKind enumerates the asynchronous signals a
// ProduceRouter emits, mirroring the Node event pattern.
type ProduceRouterEventKind uint8

const (
	ProduceMessageExpired ProduceRouterEventKind = iota
	ProduceMessagesAcknowledged
	ProduceMessagesDiscarded
)

// ProduceRouterEvent is one signal from a ProduceRouter to the
// coordinator's statistics collector. Count is populated for
// ProduceMessagesAcknowledged and ProduceMessagesDiscarded.
type ProduceRouterEvent struct {
	Kind  ProduceRouterEventKind
	Topic string
	Count int
}

// ProduceRouter is the out-of-scope external collaborator that owns
// batching/retries/offset tracking for produce traffic. The
// coordinator only publishes routing-table changes to it and forwards
// produce acknowledgements; it also taps Events for the expired/
// discarded statistics counters the same way it taps Node events.
type ProduceRouter interface {
	Acknowledge(ack ProduceAck)
	ChangeRoutingTable(rt *RoutingTable)
	Stop()
	Events() <-chan ProduceRouterEvent
}

// ConsumeRouter is the consume-side analog of ProduceRouter.
type ConsumeRouter interface {
	AcknowledgeFetch(ack FetchAck)
	AcknowledgeOffset(ack OffsetAck)
	ChangeRoutingTable(rt *RoutingTable)
	Stop()
}

// NopProduceRouter and NopConsumeRouter are minimal stand-ins so a
// Coordinator is constructible and testable without pulling in a real
// producer/consumer, which are out of this module's scope.
type NopProduceRouter struct{}

func (NopProduceRouter) Acknowledge(ProduceAck)           {}
func (NopProduceRouter) ChangeRoutingTable(*RoutingTable) {}
func (NopProduceRouter) Stop()                            {}
func (NopProduceRouter) Events() <-chan ProduceRouterEvent {
	ch := make(chan ProduceRouterEvent)
	close(ch)
	return ch
}

type NopConsumeRouter struct{}

func (NopConsumeRouter) AcknowledgeFetch(FetchAck)        {}
func (NopConsumeRouter) AcknowledgeOffset(OffsetAck)      {}
func (NopConsumeRouter) ChangeRoutingTable(*RoutingTable) {}
func (NopConsumeRouter) Stop()                            {}
