package kcoord

import (
	"context"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// reconcileTopology is the topology reconciler: the registry is
// mutated in place to equal the brokers advertised by meta, preserving
// existing node handles so open connections are reused (look up by
// key, reuse if present, otherwise materialize via the factory).
//
// Nodes dropped from the registry (their host:port is no longer
// advertised) are explicitly stopped here rather than left to leak.
func (c *Coordinator) reconcileTopology(ctx context.Context, meta *kmsg.MetadataResponse) {
	advertisedHostPort := make(map[string]struct{}, len(meta.Brokers))
	advertisedID := make(map[int32]struct{}, len(meta.Brokers))

	for i := range meta.Brokers {
		b := &meta.Brokers[i]
		hp := BrokerMeta{Host: b.Host, Port: uint16(b.Port)}.hostPort()
		advertisedHostPort[hp] = struct{}{}
		advertisedID[b.NodeID] = struct{}{}

		if entry, exists := c.registry.byHostPort[hp]; exists {
			// Still advertised: reuse the existing node handle rather
			// than recycling the connection.
			c.registry.setID(entry, b.NodeID)
			continue
		}

		node := c.nodeFactory(b.Host, b.Port)
		c.installNodeEventAdapter(node)
		brokerMeta := BrokerMeta{ID: b.NodeID, Host: b.Host, Port: uint16(b.Port)}
		c.registry.put(brokerMeta, node)
	}

	c.registry.removeIDNotIn(advertisedID)
	dropped := c.registry.removeHostPortNotIn(advertisedHostPort)
	for _, node := range dropped {
		node.Stop(ctx)
	}
}
