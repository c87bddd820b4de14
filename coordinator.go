// Package kcoord implements the cluster coordinator of a client for a
// distributed partitioned log broker: given bootstrap broker
// addresses, it continuously discovers the live topology and publishes
// a routing table the produce/consume routers consult to dispatch
// every request to the correct leader broker.
package kcoord

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
)

// State is one of the coordinator's three lifecycle states.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return "created"
	}
}

// Coordinator is the single long-lived object: a coordinator agent
// (single-consumer mailbox) surrounded by a broker registry, a
// routing-table builder, a node-event adapter, a periodic refresher,
// and a statistics collector.
type Coordinator struct {
	cfg cfg

	registry *brokerRegistry
	stats    *statsCollector
	logger   Logger

	nodeFactory   NodeFactory
	produceRouter ProduceRouter
	consumeRouter ConsumeRouter

	seedMetas []BrokerMeta

	mailbox chan mailboxMsg

	rt atomic.Value // *RoutingTable

	state int32 // State, accessed atomically

	startOnce sync.Once
	stopOnce  sync.Once

	closed        chan struct{}
	agentDone     chan struct{}
	refresherDone chan struct{}
}

// New constructs a Coordinator. Seeds are parsed and seed nodes are
// materialized immediately; an invalid seed configuration fails
// synchronously.
func New(opts ...Opt) (*Coordinator, error) {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}

	seedMetas, err := parseSeeds(c.seedsRaw)
	if err != nil {
		return nil, err
	}
	if err := c.compressionCodec.validate(); err != nil {
		return nil, fmt.Errorf("kcoord: invalid compression codec: %w", err)
	}

	if c.nodeFactory == nil {
		c.nodeFactory = defaultNodeFactory(c.clientID)
	}
	if c.produceRouter == nil {
		c.produceRouter = NopProduceRouter{}
	}
	if c.consumeRouter == nil {
		c.consumeRouter = NopConsumeRouter{}
	}
	if c.logger == nil {
		c.logger = nopLogger{}
	}

	co := &Coordinator{
		cfg:           c,
		registry:      newBrokerRegistry(),
		stats:         &statsCollector{},
		logger:        c.logger,
		nodeFactory:   c.nodeFactory,
		produceRouter: c.produceRouter,
		consumeRouter: c.consumeRouter,
		seedMetas:     seedMetas,
		mailbox:       make(chan mailboxMsg, 256),
		closed:        make(chan struct{}),
		agentDone:     make(chan struct{}),
		refresherDone: make(chan struct{}),
	}
	co.rt.Store((*RoutingTable)(nil))
	co.bootstrapSeeds()
	co.installProduceRouterEventAdapter(co.produceRouter)
	return co, nil
}

// bootstrapSeeds materializes a node for each parsed seed and
// registers it with unknown id. Also the last-resort recovery path of
// checkNoMoreNodes.
func (c *Coordinator) bootstrapSeeds() {
	for _, meta := range c.seedMetas {
		node := c.nodeFactory(meta.Host, int32(meta.Port))
		c.installNodeEventAdapter(node)
		c.registry.put(meta, node)
	}
}

// State reports the coordinator's current lifecycle state.
func (c *Coordinator) State() State { return State(atomic.LoadInt32(&c.state)) }

// Start arms the refresh timer and posts the initial metadata fetch.
// Idempotent.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(StateStarted))
		go c.runAgent()
		go c.runRefresher()
		c.postFullMetadataRefresh()
	})
}

// Stop cancels the refresh timer, stops the routers (consume then
// produce), closes and drains the agent mailbox, then stops all nodes.
// Idempotent; safe to call without a prior Start.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.closed)
		if c.State() == StateStarted {
			<-c.refresherDone
		}

		c.consumeRouter.Stop()
		c.stats.incExited()
		c.produceRouter.Stop()
		c.stats.incExited()

		close(c.mailbox)
		if c.State() == StateStarted {
			<-c.agentDone
		}

		c.registry.stopAll(ctx)
		atomic.StoreInt32(&c.state, int32(StateStopped))
	})
	return nil
}

// runAgent is the coordinator agent: a single-consumer mailbox that
// processes messages strictly in arrival order. Mutations of the
// registry and routing table happen only here, so they need no locks.
func (c *Coordinator) runAgent() {
	defer close(c.agentDone)
	for msg := range c.mailbox {
		switch msg.kind {
		case msgFullMetadata:
			c.handleFullMetadata(msg)
		case msgTopicMetadata:
			c.handleTopicMetadata(msg)
		case msgNodeEvent:
			msg.action(context.Background())
		}
	}
}

// handleFullMetadata fetches full cluster metadata from a randomly
// chosen broker, reconciles topology, rebuilds and publishes the
// routing table, and resolves the attached waiter, if any.
func (c *Coordinator) handleFullMetadata(msg mailboxMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.requestTimeout)
	defer cancel()

	node, ok := c.pickRandomBroker()
	if !ok {
		err := fmt.Errorf("no brokers available in registry")
		c.resolveFullMetadata(msg, nil, errCancelled)
		c.fireInternalError(wrapErr(ErrKindProtocol, err))
		return
	}

	resp, err := node.FetchMetadata(ctx)
	if err != nil {
		c.resolveFullMetadata(msg, nil, errCancelled)
		c.fireInternalError(toCoordinatorError(err))
		return
	}

	c.reconcileTopology(ctx, resp)
	rt := buildRoutingTable(resp, c.registry, c.logger)
	c.publishRoutingTable(rt)
	c.resolveFullMetadata(msg, rt, nil)
	c.checkNoMoreNodes(ctx)
}

// handleTopicMetadata fetches metadata scoped to one topic and
// resolves the attached waiter with that topic's partition ids.
func (c *Coordinator) handleTopicMetadata(msg mailboxMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.requestTimeout)
	defer cancel()

	node, ok := c.pickRandomBroker()
	if !ok {
		err := fmt.Errorf("no brokers available in registry")
		c.resolveTopicMetadata(msg, nil, errCancelled)
		c.fireInternalError(wrapErr(ErrKindProtocol, err))
		return
	}

	resp, err := node.FetchMetadata(ctx, msg.topic)
	if err != nil {
		c.resolveTopicMetadata(msg, nil, errCancelled)
		c.fireInternalError(toCoordinatorError(err))
		return
	}

	ids, err := partitionIDsForTopic(resp, msg.topic)
	if err != nil {
		c.resolveTopicMetadata(msg, nil, errCancelled)
		c.fireInternalError(err)
		return
	}
	c.resolveTopicMetadata(msg, ids, nil)
}

func (c *Coordinator) resolveFullMetadata(msg mailboxMsg, table *RoutingTable, err error) {
	if msg.fullWaiter != nil {
		msg.fullWaiter <- fullMetaResult{table: table, err: err}
	}
}

func (c *Coordinator) resolveTopicMetadata(msg mailboxMsg, ids []int32, err error) {
	if msg.topicWaiter != nil {
		msg.topicWaiter <- topicMetaResult{ids: ids, err: err}
	}
}

func toCoordinatorError(err error) error {
	if ce, ok := err.(*CoordinatorError); ok {
		return ce
	}
	return wrapErr(ErrKindUnknown, err)
}

// pickRandomBroker selects uniformly at random over the primary
// registry at the instant of dispatch: any broker can answer
// metadata, so there is no stickiness or weighting.
func (c *Coordinator) pickRandomBroker() (Node, bool) {
	nodes := c.registry.allNodes()
	if len(nodes) == 0 {
		return nil, false
	}
	return nodes[rand.Intn(len(nodes))], true
}

// publishRoutingTable replaces the published table wholesale and
// broadcasts the change. Publication strictly precedes waiter
// resolution for the same full-metadata message, since this method
// returns before handleFullMetadata calls resolveFullMetadata.
func (c *Coordinator) publishRoutingTable(rt *RoutingTable) {
	c.rt.Store(rt)
	c.produceRouter.ChangeRoutingTable(rt)
	c.consumeRouter.ChangeRoutingTable(rt)
	for _, sub := range c.cfg.routingTableSubs {
		sub(rt)
	}
}

func (c *Coordinator) fireInternalError(err error) {
	for _, sub := range c.cfg.internalErrorSubs {
		sub(err)
	}
}

// LastRoutingTable returns the most recently published routing table,
// or nil if none has been published yet. Unlike RequireNewRoutingTable
// this never triggers a fetch; it is a lock-free read of the last
// published value.
func (c *Coordinator) LastRoutingTable() *RoutingTable {
	rt, _ := c.rt.Load().(*RoutingTable)
	return rt
}

// RequireNewRoutingTable enqueues a full-metadata message and blocks
// until it resolves with the routing table that fetch produced, or
// with its failure.
func (c *Coordinator) RequireNewRoutingTable(ctx context.Context) (*RoutingTable, error) {
	waiter := make(chan fullMetaResult, 1)
	select {
	case c.mailbox <- mailboxMsg{kind: msgFullMetadata, fullWaiter: waiter}:
	case <-c.closed:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-waiter:
		return res.table, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrStopped
	}
}

// RequireAllPartitionsForTopic enqueues a topic-metadata message and
// blocks until it resolves with the partition ids for topic, in the
// order the metadata response listed them.
func (c *Coordinator) RequireAllPartitionsForTopic(ctx context.Context, topic string) ([]int32, error) {
	waiter := make(chan topicMetaResult, 1)
	select {
	case c.mailbox <- mailboxMsg{kind: msgTopicMetadata, topic: topic, topicWaiter: waiter}:
	case <-c.closed:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-waiter:
		return res.ids, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrStopped
	}
}

// Statistics returns a value-copy snapshot of the process-wide
// counters.
func (c *Coordinator) Statistics() Statistics { return c.stats.snapshot() }

var _ RoutingTableProvider = (*Coordinator)(nil)
