// Package graph provides the immutable execution DAG: nodes, typed edges,
// topological ordering, route resolution, and the canonical topology hash
// checkpoints validate against on resume.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/elspeth-io/elspeth/internal/landscape"
)

// Reserved route destinations a gate or transform may target besides a sink name.
const (
	RouteContinue = "continue"
	RouteFork     = "fork"
	RouteDiscard  = "discard"
)

var (
	// ErrCyclicGraph is returned when the registered edges contain a cycle.
	ErrCyclicGraph = errors.New("graph: cyclic dependency between nodes")

	// ErrDuplicateGateName is returned when two gate nodes share a name.
	ErrDuplicateGateName = errors.New("graph: duplicate gate name")

	// ErrUnknownNode is returned when an edge references a node id that was never added.
	ErrUnknownNode = errors.New("graph: edge references unknown node")
)

// NodeSpec describes one node to register with Build.
type NodeSpec struct {
	NodeID        string
	NodeType      landscape.NodeType
	PluginName    string
	PluginVersion string
	ConfigHash    string
	Determinism   landscape.Determinism

	// GateName, for NodeTypeGate nodes, is the name route maps are keyed by
	// (distinct from NodeID: a human-facing alias versus the internal id).
	GateName string

	// Routes, for gate nodes, maps a route label to a destination: a sink
	// name, or RouteContinue/RouteFork.
	Routes map[string]string

	// OnError, for transform nodes, is a sink name or RouteDiscard.
	OnError string

	// OnValidationFailure, for the source node, is a sink name or RouteDiscard.
	OnValidationFailure string
}

// EdgeSpec describes one directed edge to register with Build.
type EdgeSpec struct {
	FromNodeID string
	ToNodeID   string
	Label      string
}

// RouteValidationError reports a gate or transform whose route/on_error
// destination does not resolve to an existing sink or a reserved label.
type RouteValidationError struct {
	NodeID         string
	Destination    string
	AvailableSinks []string
}

func (e *RouteValidationError) Error() string {
	return fmt.Sprintf("graph: node %q routes to unknown destination %q (available sinks: %s)",
		e.NodeID, e.Destination, strings.Join(e.AvailableSinks, ", "))
}

// Graph is the immutable execution DAG built from NodeSpec/EdgeSpec once at
// pipeline initialization. Every lookup map is built eagerly in Build; the
// accessors return those maps directly, except RouteResolutionMap, which
// copies its entries into a new map on each call.
type Graph struct {
	nodes []NodeSpec
	edges []EdgeSpec

	byID         map[string]*NodeSpec
	adjacency    map[string][]string
	transformIDs map[int]string
	sinkIDs      map[string]string
	gateIDs      map[string]string
	routeMap     map[routeKey]string
	topoOrder    []string
	topologyHash string
}

type routeKey struct {
	gateNodeID string
	label      string
}

// Build constructs and fully validates a Graph. Validation runs once, here,
// before any row is processed: a graph that fails to Build must never be used.
func Build(nodes []NodeSpec, edges []EdgeSpec) (*Graph, error) {
	g := &Graph{
		nodes:        nodes,
		edges:        edges,
		byID:         make(map[string]*NodeSpec, len(nodes)),
		adjacency:    make(map[string][]string, len(nodes)),
		transformIDs: make(map[int]string),
		sinkIDs:      make(map[string]string),
		gateIDs:      make(map[string]string),
		routeMap:     make(map[routeKey]string),
	}

	seqIndex := 0

	for i := range nodes {
		n := &nodes[i]
		g.byID[n.NodeID] = n

		switch n.NodeType {
		case landscape.NodeTypeTransform:
			g.transformIDs[seqIndex] = n.NodeID
			seqIndex++
		case landscape.NodeTypeSink:
			g.sinkIDs[n.PluginName] = n.NodeID
		case landscape.NodeTypeGate:
			if n.GateName == "" {
				n.GateName = n.NodeID
			}

			if _, exists := g.gateIDs[n.GateName]; exists {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateGateName, n.GateName)
			}

			g.gateIDs[n.GateName] = n.NodeID
		}
	}

	for _, e := range edges {
		if _, ok := g.byID[e.FromNodeID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, e.FromNodeID)
		}

		if _, ok := g.byID[e.ToNodeID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, e.ToNodeID)
		}

		g.adjacency[e.FromNodeID] = append(g.adjacency[e.FromNodeID], e.ToNodeID)
	}

	order, err := g.computeTopologicalOrder()
	if err != nil {
		return nil, err
	}

	g.topoOrder = order

	if err := g.validateRoutes(); err != nil {
		return nil, err
	}

	g.topologyHash = g.computeFullTopologyHash()

	return g, nil
}

// TopologicalOrder returns node ids in a valid topological order, tie-broken
// by (node_type priority, then lexicographic node_id).
func (g *Graph) TopologicalOrder() []string {
	return g.topoOrder
}

// TransformIDMap returns sequence-index → node_id for every transform node,
// in registration order.
func (g *Graph) TransformIDMap() map[int]string {
	return g.transformIDs
}

// SinkIDMap returns sink-name → node_id.
func (g *Graph) SinkIDMap() map[string]string {
	return g.sinkIDs
}

// ConfigGateIDMap returns gate-name → node_id.
func (g *Graph) ConfigGateIDMap() map[string]string {
	return g.gateIDs
}

// RouteResolutionMap returns (gate_node_id, route_label) → destination.
func (g *Graph) RouteResolutionMap() map[[2]string]string {
	out := make(map[[2]string]string, len(g.routeMap))
	for k, v := range g.routeMap {
		out[[2]string{k.gateNodeID, k.label}] = v
	}

	return out
}

// Edges returns every registered edge as (from, to, label) triples.
func (g *Graph) Edges() []EdgeSpec {
	return g.edges
}

// Node returns the spec for nodeID, or (nil, false) if unknown.
func (g *Graph) Node(nodeID string) (*NodeSpec, bool) {
	n, ok := g.byID[nodeID]

	return n, ok
}

// TopologyHash returns the canonical hash of every node and edge, computed
// once at Build time. Checkpoints compare against this to detect a pipeline
// definition change between the run that wrote them and the run resuming.
func (g *Graph) TopologyHash() string {
	return g.topologyHash
}

// computeTopologicalOrder runs Kahn's algorithm, at each step picking the
// ready node with the lowest (node_type priority, node_id) so independent
// nodes come out in the documented tie-break order rather than an
// incidental DFS order.
func (g *Graph) computeTopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.byID {
		inDegree[id] = 0
	}

	for _, tos := range g.adjacency {
		for _, to := range tos {
			inDegree[to]++
		}
	}

	var ready []string

	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(g.nodes))

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return g.lessByPriorityThenID(ready[i], ready[j])
		})

		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, to := range g.adjacency[next] {
			inDegree[to]--
			if inDegree[to] == 0 {
				ready = append(ready, to)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("%w", ErrCyclicGraph)
	}

	return order, nil
}

func (g *Graph) lessByPriorityThenID(a, b string) bool {
	na, nb := g.byID[a], g.byID[b]
	pa, pb := na.NodeType.Priority(), nb.NodeType.Priority()

	if pa != pb {
		return pa < pb
	}

	return a < b
}

func (g *Graph) validateRoutes() error {
	var availableSinks []string
	for name := range g.sinkIDs {
		availableSinks = append(availableSinks, name)
	}

	sort.Strings(availableSinks)

	isValidDestination := func(dest string) bool {
		if dest == RouteContinue || dest == RouteFork || dest == RouteDiscard {
			return true
		}

		_, ok := g.sinkIDs[dest]

		return ok
	}

	for i := range g.nodes {
		n := &g.nodes[i]

		switch n.NodeType {
		case landscape.NodeTypeGate:
			for label, dest := range n.Routes {
				if dest == RouteContinue || dest == RouteFork {
					continue
				}

				if !isValidDestination(dest) {
					return &RouteValidationError{NodeID: n.NodeID, Destination: dest, AvailableSinks: availableSinks}
				}

				g.routeMap[routeKey{gateNodeID: n.NodeID, label: label}] = dest
			}

			for label, dest := range n.Routes {
				if dest == RouteContinue || dest == RouteFork {
					g.routeMap[routeKey{gateNodeID: n.NodeID, label: label}] = dest
				}
			}
		case landscape.NodeTypeTransform:
			if _, isSink := g.sinkIDs[n.OnError]; n.OnError != "" && n.OnError != RouteDiscard && !isSink {
				return &RouteValidationError{NodeID: n.NodeID, Destination: n.OnError, AvailableSinks: availableSinks}
			}
		case landscape.NodeTypeSource:
			if _, isSink := g.sinkIDs[n.OnValidationFailure]; n.OnValidationFailure != "" && n.OnValidationFailure != RouteDiscard && !isSink {
				return &RouteValidationError{NodeID: n.NodeID, Destination: n.OnValidationFailure, AvailableSinks: availableSinks}
			}
		}
	}

	return nil
}

// computeFullTopologyHash hashes every node (id, type, plugin, version,
// config hash, determinism) and every edge (from, to, label) in a fixed,
// sorted order: concatenate the canonical fields, then SHA-256.
func (g *Graph) computeFullTopologyHash() string {
	nodeIDs := make([]string, 0, len(g.nodes))
	for i := range g.nodes {
		nodeIDs = append(nodeIDs, g.nodes[i].NodeID)
	}

	sort.Strings(nodeIDs)

	var sb strings.Builder

	for _, id := range nodeIDs {
		n := g.byID[id]
		sb.WriteString(n.NodeID)
		sb.WriteString("|")
		sb.WriteString(string(n.NodeType))
		sb.WriteString("|")
		sb.WriteString(n.PluginName)
		sb.WriteString("|")
		sb.WriteString(n.PluginVersion)
		sb.WriteString("|")
		sb.WriteString(n.ConfigHash)
		sb.WriteString("|")
		sb.WriteString(string(n.Determinism))
		sb.WriteString(";")
	}

	edges := append([]EdgeSpec{}, g.edges...)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].FromNodeID != edges[j].FromNodeID {
			return edges[i].FromNodeID < edges[j].FromNodeID
		}

		if edges[i].ToNodeID != edges[j].ToNodeID {
			return edges[i].ToNodeID < edges[j].ToNodeID
		}

		return edges[i].Label < edges[j].Label
	})

	for _, e := range edges {
		sb.WriteString(e.FromNodeID)
		sb.WriteString("|")
		sb.WriteString(e.ToNodeID)
		sb.WriteString("|")
		sb.WriteString(e.Label)
		sb.WriteString(";")
	}

	sum := sha256.Sum256([]byte(sb.String()))

	return hex.EncodeToString(sum[:])
}
