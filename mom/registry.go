// Package mom implements the message-oriented middleware: a per-class broker
// that tracks which nodes serve which topics and forwards INVOKE datagrams to
// the first registrant of their topic.
package mom

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sort"
)

var (
	// ErrUnknownNode is returned for MONITORING or UNREGISTRATION of a node id
	// that never registered (or already left).
	ErrUnknownNode = errors.New("unknown node")
	// ErrUnknownTopic is returned when an INVOKE names a topic without registrants.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrInvalidLoad is returned for a MONITORING load that is not a number.
	ErrInvalidLoad = errors.New("invalid load")
)

// Node is a registered worker.
type Node struct {
	ID       uint32
	Endpoint netip.AddrPort
	// Load is the last reported CPU load in percent (0-100).
	Load uint8
}

// Registry maps topics to the ordered ids of the nodes serving them and node
// ids to their endpoint and load. Every id held in a topic list refers to a
// live node.
//
// A Registry is not safe for concurrent use; it is owned by one broker goroutine.
type Registry struct {
	nodes  map[uint32]*Node
	topics map[string][]uint32
	// reverse index used to prune topic lists on unregistration
	nodeTopics map[uint32]map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes:      make(map[uint32]*Node),
		topics:     make(map[string][]uint32),
		nodeTopics: make(map[uint32]map[string]struct{}),
	}
}

// Register upserts node id at endpoint and appends it to topic's list unless
// it is already there. A new node starts with load 0; a known node keeps its
// load and moves to the new endpoint. It reports whether the node was created.
func (r *Registry) Register(id uint32, topic string, endpoint netip.AddrPort) bool {
	n, ok := r.nodes[id]
	if !ok {
		n = &Node{ID: id}
		r.nodes[id] = n
		r.nodeTopics[id] = make(map[string]struct{})
	}
	n.Endpoint = endpoint

	if _, listed := r.nodeTopics[id][topic]; !listed {
		r.topics[topic] = append(r.topics[topic], id)
		r.nodeTopics[id][topic] = struct{}{}
	}
	return !ok
}

// UpdateLoad records a load fraction (0.0-1.0) for a known node.
func (r *Registry) UpdateLoad(id uint32, fraction float32) error {
	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("node %d: %w", id, ErrUnknownNode)
	}
	if math.IsNaN(float64(fraction)) {
		return fmt.Errorf("node %d: %w: NaN", id, ErrInvalidLoad)
	}
	n.Load = LoadPercent(fraction)
	return nil
}

// Unregister removes the node and its id from every topic list. Topics stay
// in the registry even when their list becomes empty.
func (r *Registry) Unregister(id uint32) error {
	if _, ok := r.nodes[id]; !ok {
		return fmt.Errorf("node %d: %w", id, ErrUnknownNode)
	}

	for topic := range r.nodeTopics[id] {
		ids := r.topics[topic]
		kept := ids[:0]
		for _, other := range ids {
			if other != id {
				kept = append(kept, other)
			}
		}
		r.topics[topic] = kept
	}

	delete(r.nodeTopics, id)
	delete(r.nodes, id)
	return nil
}

// Route returns the node that should receive an INVOKE for topic: always the
// first registrant, regardless of load.
func (r *Registry) Route(topic string) (Node, error) {
	ids := r.topics[topic]
	if len(ids) == 0 {
		return Node{}, fmt.Errorf("topic %q: %w", topic, ErrUnknownTopic)
	}
	return *r.nodes[ids[0]], nil
}

// Node looks up a node by id.
func (r *Registry) Node(id uint32) (Node, bool) {
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Subscribers returns a copy of topic's ordered node ids.
func (r *Registry) Subscribers(topic string) []uint32 {
	ids := r.topics[topic]
	out := make([]uint32, len(ids))
	copy(out, ids)
	return out
}

// NodeCount returns the number of live nodes.
func (r *Registry) NodeCount() int { return len(r.nodes) }

// TopicCount returns the number of known topics, including empty ones.
func (r *Registry) TopicCount() int { return len(r.topics) }

// Snapshot returns an immutable copy of the registry, nodes sorted by id and
// topics by name.
func (r *Registry) Snapshot() *Snapshot {
	s := &Snapshot{
		Nodes:  make([]Node, 0, len(r.nodes)),
		Topics: make([]Topic, 0, len(r.topics)),
	}
	for _, n := range r.nodes {
		s.Nodes = append(s.Nodes, *n)
	}
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].ID < s.Nodes[j].ID })

	for name, ids := range r.topics {
		cp := make([]uint32, len(ids))
		copy(cp, ids)
		s.Topics = append(s.Topics, Topic{Name: name, Nodes: cp})
	}
	sort.Slice(s.Topics, func(i, j int) bool { return s.Topics[i].Name < s.Topics[j].Name })
	return s
}

// LoadPercent converts a load fraction into a percentage, rounded to the
// nearest integer and clamped to 0-100.
func LoadPercent(fraction float32) uint8 {
	p := math.Round(float64(fraction) * 100)
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	}
	return uint8(p)
}

// Topic is a topic and its ordered registrants.
type Topic struct {
	Name  string
	Nodes []uint32
}

// Snapshot is a point-in-time copy of a broker's registry.
type Snapshot struct {
	Class  Class
	Nodes  []Node
	Topics []Topic
}
