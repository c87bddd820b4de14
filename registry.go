package kcoord

import (
	"context"
	"fmt"
)

// BrokerMeta identifies one broker. Identity for registry purposes is
// the (host, port) pair; id is populated once metadata names it.
type BrokerMeta struct {
	ID   int32 // -1 until learned
	Host string
	Port uint16
}

func (m BrokerMeta) hostPort() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

const unknownBrokerID int32 = -1

// brokerEntry is the primary map's value: a node handle plus the meta
// describing it.
type brokerEntry struct {
	node Node
	meta BrokerMeta
}

// brokerRegistry is the coordinated broker indices: the primary set of
// entries, keyed by host:port so it doubles as the host-port index,
// and the by-id index. It is mutated only by the
// coordinator agent goroutine, so it carries no lock of its own - the
// single-writer agent plays the role a lock would otherwise play.
type brokerRegistry struct {
	byHostPort map[string]*brokerEntry
	byID       map[int32]*brokerEntry
}

func newBrokerRegistry() *brokerRegistry {
	return &brokerRegistry{
		byHostPort: make(map[string]*brokerEntry),
		byID:       make(map[int32]*brokerEntry),
	}
}

func (r *brokerRegistry) len() int { return len(r.byHostPort) }

func (r *brokerRegistry) nodeByID(id int32) (Node, bool) {
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.node, true
}

// allNodes returns every node currently registered. Used for random
// broker selection and for shutdown.
func (r *brokerRegistry) allNodes() []Node {
	nodes := make([]Node, 0, len(r.byHostPort))
	for _, e := range r.byHostPort {
		nodes = append(nodes, e.node)
	}
	return nodes
}

// put registers node under meta, indexing by host:port and, if
// meta.ID is known, by id. Any previous id-index entry for a
// different id is left untouched by this call; callers that learn a
// new id for an existing entry must call setID.
func (r *brokerRegistry) put(meta BrokerMeta, node Node) *brokerEntry {
	e := &brokerEntry{node: node, meta: meta}
	r.byHostPort[meta.hostPort()] = e
	if meta.ID != unknownBrokerID {
		r.byID[meta.ID] = e
	}
	return e
}

// setID updates an existing entry's id and indexes it: the primary
// map entry's id is always set and the id-index always points at this
// node.
func (r *brokerRegistry) setID(e *brokerEntry, id int32) {
	if e.meta.ID != unknownBrokerID && e.meta.ID != id {
		delete(r.byID, e.meta.ID)
	}
	e.meta.ID = id
	r.byID[id] = e
}

// removeByHostPort drops an entry from the primary map and the id
// index. It returns
// the removed node, if any, so the caller can explicitly stop it.
func (r *brokerRegistry) removeByHostPort(hostPort string) Node {
	e, ok := r.byHostPort[hostPort]
	if !ok {
		return nil
	}
	delete(r.byHostPort, hostPort)
	if e.meta.ID != unknownBrokerID {
		if cur, ok := r.byID[e.meta.ID]; ok && cur == e {
			delete(r.byID, e.meta.ID)
		}
	}
	return e.node
}

// removeIDNotIn drops every id-index entry whose id is absent from
// keep. The primary map entries are left alone; host-port pruning is
// what actually removes brokers.
func (r *brokerRegistry) removeIDNotIn(keep map[int32]struct{}) {
	for id := range r.byID {
		if _, ok := keep[id]; !ok {
			delete(r.byID, id)
		}
	}
}

// removeHostPortNotIn drops every primary/host-port entry whose key is
// absent from keep, returning the dropped nodes so the caller can stop
// them.
func (r *brokerRegistry) removeHostPortNotIn(keep map[string]struct{}) []Node {
	var dropped []Node
	for hp, e := range r.byHostPort {
		if _, ok := keep[hp]; !ok {
			delete(r.byHostPort, hp)
			if e.meta.ID != unknownBrokerID {
				if cur, ok := r.byID[e.meta.ID]; ok && cur == e {
					delete(r.byID, e.meta.ID)
				}
			}
			dropped = append(dropped, e.node)
		}
	}
	return dropped
}

// stopAll stops every registered node and empties the registry. Used
// on coordinator Stop.
func (r *brokerRegistry) stopAll(ctx context.Context) {
	for _, e := range r.byHostPort {
		e.node.Stop(ctx)
	}
	r.byHostPort = make(map[string]*brokerEntry)
	r.byID = make(map[int32]*brokerEntry)
}
