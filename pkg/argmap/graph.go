package argmap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Graph holds the argument nodes and edges for one session. All methods are
// safe for concurrent use; classification completions may land from
// background goroutines while snapshot reads are served.
type Graph struct {
	mu    sync.Mutex
	nodes map[int]ArgumentNode
	edges []ArgumentEdge
}

func NewGraph() *Graph {
	return &Graph{nodes: map[int]ArgumentNode{}}
}

// UpsertNode inserts the node for its turn id, replacing any previous node.
// Replacement only happens on idempotent re-classification of the same turn.
func (g *Graph) UpsertNode(n ArgumentNode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	g.nodes[n.TurnID] = n
}

// AddEdge appends an edge from source to target carrying the given type.
// It returns false without mutating the graph when the target has no node
// yet; forward references are dropped, not recorded.
func (g *Graph) AddEdge(source, target int, typ ArgumentType) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[target]; !ok {
		return false
	}
	g.edges = append(g.edges, ArgumentEdge{
		SourceID:  source,
		TargetID:  target,
		Type:      typ,
		Timestamp: time.Now(),
	})
	return true
}

func (g *Graph) HasNode(turnID int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.nodes[turnID]
	return ok
}

func (g *Graph) Node(turnID int) (ArgumentNode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[turnID]
	return n, ok
}

func (g *Graph) NodeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

func (g *Graph) EdgeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges)
}

// Edges returns a copy of the edge list in creation order.
func (g *Graph) Edges() []ArgumentEdge {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ArgumentEdge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Snapshot renders the graph in its broadcast/persisted shape, with string
// ids and edges in creation order.
func (g *Graph) Snapshot() GraphSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := GraphSnapshot{
		Nodes: make(map[string]NodeView, len(g.nodes)),
		Edges: make([]EdgeView, 0, len(g.edges)),
	}
	for turnID, node := range g.nodes {
		id := strconv.Itoa(turnID)
		snap.Nodes[id] = NodeView{
			ID:      id,
			TurnID:  node.TurnID,
			Type:    string(node.Type),
			Summary: node.Summary,
			Topic:   node.Topic,
			Speaker: node.Speaker,
		}
	}
	for _, e := range g.edges {
		snap.Edges = append(snap.Edges, EdgeView{
			Source: strconv.Itoa(e.SourceID),
			Target: strconv.Itoa(e.TargetID),
			Type:   string(e.Type),
		})
	}
	return snap
}

// ContextString renders nodes and their outgoing edges for the classifier
// prompt, one line per node in turn order:
//
//	#3 (counter): disagrees with the premise [Responds to: #1, #2]
func (g *Graph) ContextString() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]int, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		node := g.nodes[id]
		targets := make([]string, 0)
		for _, e := range g.edges {
			if e.SourceID == id {
				targets = append(targets, fmt.Sprintf("#%d", e.TargetID))
			}
		}
		lines = append(lines, fmt.Sprintf("#%d (%s): %s [Responds to: %s]",
			id, node.Type, node.Summary, strings.Join(targets, ", ")))
	}
	return strings.Join(lines, "\n")
}
