package kcoord

import (
	"sort"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Partition is one ordered shard of a topic's routing entry, with its
// current leader resolved to a live Node.
type Partition struct {
	ID     int32
	Leader Node
}

// RoutingTable is an immutable topic -> ordered-partitions snapshot.
// Once built it is never mutated; a new table replaces it wholesale.
type RoutingTable struct {
	topics map[string][]Partition
}

// Topics returns the set of topics present in the table.
func (t *RoutingTable) Topics() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.topics))
	for name := range t.topics {
		names = append(names, name)
	}
	return names
}

// Partitions returns the ordered partitions for topic, or nil if the
// topic is not present.
func (t *RoutingTable) Partitions(topic string) []Partition {
	if t == nil {
		return nil
	}
	return t.topics[topic]
}

// okForClients is the "ok for clients" predicate: an error code is
// acceptable to surface a partition/topic for iff resolving it yields
// no error. Delegates to the real kerr package.
func okForClients(code int16) bool {
	return kerr.ErrorForCode(code) == nil
}

// buildRoutingTable is the routing table builder: include a topic iff
// its error code is ok for clients; within it, include a partition iff
// its error code is ok for clients and its leader id is >= 0; resolve
// the leader against the (already reconciled) registry, dropping
// partitions whose leader cannot be resolved; sort partitions
// ascending by id.
func buildRoutingTable(meta *kmsg.MetadataResponse, reg *brokerRegistry, logger Logger) *RoutingTable {
	rt := &RoutingTable{topics: make(map[string][]Partition, len(meta.Topics))}

	for i := range meta.Topics {
		topicMeta := &meta.Topics[i]
		if !okForClients(topicMeta.ErrorCode) {
			continue
		}

		var partitions []Partition
		for j := range topicMeta.Partitions {
			partMeta := &topicMeta.Partitions[j]
			if !okForClients(partMeta.ErrorCode) {
				continue
			}
			if partMeta.Leader < 0 {
				continue
			}
			leader, ok := reg.nodeByID(partMeta.Leader)
			if !ok {
				// Consistent registry after reconciliation should
				// guarantee presence; if it somehow doesn't, the
				// partition is dropped rather than published with a
				// null leader.
				logger.Log(LogLevelWarn, "dropping partition with unresolvable leader",
					"err", &errUnknownLeaderForPartition{
						topic:     topicMeta.Topic,
						partition: partMeta.Partition,
						leader:    partMeta.Leader,
					})
				continue
			}
			partitions = append(partitions, Partition{ID: partMeta.Partition, Leader: leader})
		}

		if len(partitions) == 0 {
			continue
		}
		sort.Slice(partitions, func(a, b int) bool { return partitions[a].ID < partitions[b].ID })
		rt.topics[topicMeta.Topic] = partitions
	}

	return rt
}

// partitionIDsForTopic extracts partitions[*].id from the first topic
// entry whose name equals topic, preserving response order: the
// topic-query path does not sort.
func partitionIDsForTopic(meta *kmsg.MetadataResponse, topic string) ([]int32, error) {
	for i := range meta.Topics {
		topicMeta := &meta.Topics[i]
		if topicMeta.Topic != topic {
			continue
		}
		ids := make([]int32, len(topicMeta.Partitions))
		for j := range topicMeta.Partitions {
			ids[j] = topicMeta.Partitions[j].Partition
		}
		return ids, nil
	}
	return nil, &ErrNoSuchTopic{Topic: topic}
}
