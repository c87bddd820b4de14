package kcoord

import "context"

// msgKind tags the one mailbox message variant in use: represent as a
// tagged variant, not a union that forgoes the tag.
type msgKind uint8

const (
	msgFullMetadata msgKind = iota
	msgTopicMetadata
	msgNodeEvent
)

type fullMetaResult struct {
	table *RoutingTable
	err   error
}

type topicMetaResult struct {
	ids []int32
	err error
}

// mailboxMsg is the single message type the agent's mailbox carries.
// At most one of the waiter channels is non-nil for msgFullMetadata /
// msgTopicMetadata (a refresh posted by the refresher or the node-dead
// handler carries none); action is non-nil (and nothing else is) for
// msgNodeEvent. The kind field is always authoritative - callers must
// not infer the kind from which field is set.
type mailboxMsg struct {
	kind msgKind

	topic string

	fullWaiter  chan fullMetaResult
	topicWaiter chan topicMetaResult

	action func(ctx context.Context)
}

// installNodeEventAdapter subscribes to node's event stream and
// converts each event into a msgNodeEvent action posted to the agent's
// mailbox. This gives node-event handling the same single-writer
// serialization domain as topology mutation.
func (c *Coordinator) installNodeEventAdapter(node Node) {
	go func() {
		for ev := range node.Events() {
			ev := ev
			n := node
			c.postNodeEvent(func(ctx context.Context) {
				c.handleNodeEvent(ctx, n, ev)
			})
		}
	}()
}

// installProduceRouterEventAdapter subscribes to r's event stream and
// taps the expired/discarded statistics counters directly; unlike node
// events these never touch the registry or routing table, so they do
// not need to round-trip through the agent mailbox.
func (c *Coordinator) installProduceRouterEventAdapter(r ProduceRouter) {
	go func() {
		for ev := range r.Events() {
			switch ev.Kind {
			case ProduceMessageExpired:
				c.stats.incExpired()
			case ProduceMessagesDiscarded:
				c.stats.addDiscarded(uint64(ev.Count))
			case ProduceMessagesAcknowledged:
				// Already reflected per-message via NodeProduceAck's
				// successfulSent increment; the router's own rollup is
				// for its callers, not double-counted here.
			}
		}
	}()
}

// postNodeEvent enqueues an action to run on the agent goroutine. It
// is best-effort on a closed/stopping mailbox: a coordinator that is
// shutting down simply drops late node events rather than blocking the
// emitting goroutine forever.
func (c *Coordinator) postNodeEvent(action func(ctx context.Context)) {
	select {
	case c.mailbox <- mailboxMsg{kind: msgNodeEvent, action: action}:
	case <-c.closed:
	}
}

// handleNodeEvent is the per-kind handler table for node events. It
// always runs on the agent goroutine.
func (c *Coordinator) handleNodeEvent(ctx context.Context, node Node, ev NodeEvent) {
	switch ev.Kind {
	case NodeDead:
		hp := c.hostPortOf(node)
		if hp != "" {
			if removed := c.registry.removeByHostPort(hp); removed != nil {
				removed.Stop(ctx)
			}
		}
		c.stats.incNodeDead()
		c.logger.Log(LogLevelError, "node died, removed from registry", "node", node.Name())
		c.checkNoMoreNodes(ctx)
		c.postFullMetadataRefresh()

	case NodeConnectError:
		c.stats.incErrors()
		c.logger.Log(LogLevelWarn, "failed to connect, retrying", "node", node.Name(), "err", ev.Err)

	case NodeReadError:
		c.stats.incErrors()
		c.logger.Log(LogLevelError, "read from node failed", "node", node.Name(), "err", ev.Err)

	case NodeWriteError:
		c.stats.incErrors()
		c.logger.Log(LogLevelError, "write to node failed", "node", node.Name(), "err", ev.Err)

	case NodeDecodeError:
		c.stats.incErrors()
		c.logger.Log(LogLevelError, "failed to decode response from node", "node", node.Name(), "err", ev.Err)

	case NodeConnected:
		c.logger.Log(LogLevelInfo, "connected to node", "node", node.Name())

	case NodeRequestSent:
		c.stats.incRequestsSent()

	case NodeResponseReceived:
		c.stats.incResponsesReceived()

	case NodeProduceAck:
		c.stats.incSuccessfulSent()
		if c.produceRouter != nil && ev.ProduceAck != nil {
			c.produceRouter.Acknowledge(*ev.ProduceAck)
		}

	case NodeFetchAck:
		c.stats.incReceived()
		if c.consumeRouter != nil && ev.FetchAck != nil {
			c.consumeRouter.AcknowledgeFetch(*ev.FetchAck)
		}

	case NodeOffsetAck:
		c.stats.incReceived()
		if c.consumeRouter != nil && ev.OffsetAck != nil {
			c.consumeRouter.AcknowledgeOffset(*ev.OffsetAck)
		}
	}
}

// hostPortOf finds the registry key currently mapped to node, if any.
// Linear in the registry size, which is bounded by the live broker
// count - fine for the node-death path, which is rare relative to
// steady-state metadata refreshes.
func (c *Coordinator) hostPortOf(node Node) string {
	for hp, e := range c.registry.byHostPort {
		if e.node == node {
			return hp
		}
	}
	return ""
}

// checkNoMoreNodes is the last-resort recovery: if the registry has
// become empty, re-materialize the seed nodes.
func (c *Coordinator) checkNoMoreNodes(ctx context.Context) {
	if c.registry.len() > 0 {
		return
	}
	c.logger.Log(LogLevelError, "no brokers left in registry, re-bootstrapping from seeds")
	c.bootstrapSeeds()
}
