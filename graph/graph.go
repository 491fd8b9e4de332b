// Package graph implements the Execution Graph (spec §4.2): the typed DAG
// of nodes and labeled edges built once per run from configuration and
// immutable thereafter.
package graph

import (
	"fmt"

	"github.com/pipeflow/corepipe/recorder"
)

type (
	// NodeConfig describes one DAG vertex as supplied by an external config
	// loader. The `yaml` tags let a caller deserialize these directly from a
	// pipeline definition file; this package never reads YAML itself.
	NodeConfig struct {
		NodeID        string `yaml:"node_id"`
		PluginName    string `yaml:"plugin_name"`
		Type          recorder.NodeType `yaml:"type"`
		PluginVersion string `yaml:"plugin_version"`
	}

	// EdgeConfig describes one labeled routing connection.
	EdgeConfig struct {
		FromNode string            `yaml:"from_node"`
		ToNode   string            `yaml:"to_node"`
		Label    string            `yaml:"label"`
		Mode     recorder.EdgeMode `yaml:"mode"`
	}

	// Route resolves a gate's label to either a sink name, "continue", or
	// "fork" (branches taken from the node's ForkTo list).
	Route struct {
		Label  string `yaml:"label"`
		Target string `yaml:"target"`
	}

	// GateSettings configures the routes a config or plugin gate may resolve
	// labels to.
	GateSettings struct {
		NodeID  string            `yaml:"node_id"`
		Routes  map[string]string `yaml:"routes"`
		ForkTo  []string          `yaml:"fork_to"`
	}

	edgeKey struct {
		nodeID string
		label  string
	}

	// Graph is the immutable, validated DAG for one run.
	Graph struct {
		nodes    map[string]NodeConfig
		nodeOrd  []string
		edges    []EdgeConfig
		edgeByID map[string]EdgeConfig
		lookup   map[edgeKey]string // (fromNode, label) -> edgeID
		routes   map[string]GateSettings
	}
)

// RouteValidationError is raised at construction time when a gate's routes
// reference an unregistered destination or a fork branch has no edge.
type RouteValidationError struct {
	NodeID string
	Detail string
}

func (e *RouteValidationError) Error() string {
	return fmt.Sprintf("route validation failed for node %q: %s", e.NodeID, e.Detail)
}

// ConfigError is raised at construction time for structural problems that
// are not route-specific (duplicate node ids, no source, dangling edges).
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string { return "graph config error: " + e.Detail }

func edgeID(fromNode, label string) string {
	return fromNode + "#" + label
}

// Build validates and constructs a Graph. Construction fails fast: a
// malformed DAG never starts a run (spec §4.2, §7 tier 1).
func Build(nodes []NodeConfig, edges []EdgeConfig, gates []GateSettings) (*Graph, error) {
	g := &Graph{
		nodes:    make(map[string]NodeConfig, len(nodes)),
		edgeByID: make(map[string]EdgeConfig, len(edges)),
		lookup:   make(map[edgeKey]string, len(edges)),
		routes:   make(map[string]GateSettings, len(gates)),
	}

	hasSource := false
	for _, n := range nodes {
		if _, dup := g.nodes[n.NodeID]; dup {
			return nil, &ConfigError{Detail: fmt.Sprintf("duplicate node id %q", n.NodeID)}
		}
		g.nodes[n.NodeID] = n
		g.nodeOrd = append(g.nodeOrd, n.NodeID)
		if n.Type == recorder.NodeSource {
			hasSource = true
		}
	}
	if !hasSource {
		return nil, &ConfigError{Detail: "graph must declare at least one source node"}
	}

	for _, e := range edges {
		if _, ok := g.nodes[e.FromNode]; !ok {
			return nil, &ConfigError{Detail: fmt.Sprintf("edge references unknown from_node %q", e.FromNode)}
		}
		if _, ok := g.nodes[e.ToNode]; !ok {
			return nil, &ConfigError{Detail: fmt.Sprintf("edge references unknown to_node %q", e.ToNode)}
		}
		id := edgeID(e.FromNode, e.Label)
		if _, dup := g.lookup[edgeKey{e.FromNode, e.Label}]; dup {
			return nil, &ConfigError{Detail: fmt.Sprintf("duplicate edge label %q from node %q", e.Label, e.FromNode)}
		}
		g.edges = append(g.edges, e)
		g.edgeByID[id] = e
		g.lookup[edgeKey{e.FromNode, e.Label}] = id
	}

	for _, gs := range gates {
		if _, ok := g.nodes[gs.NodeID]; !ok {
			return nil, &RouteValidationError{NodeID: gs.NodeID, Detail: "gate settings reference unknown node"}
		}
		g.routes[gs.NodeID] = gs

		for label, target := range gs.Routes {
			switch target {
			case "continue":
				if _, ok := g.lookup[edgeKey{gs.NodeID, "continue"}]; !ok {
					return nil, &RouteValidationError{NodeID: gs.NodeID, Detail: fmt.Sprintf("route %q targets continue but no continue edge is registered", label)}
				}
			case "fork":
				if len(gs.ForkTo) == 0 {
					return nil, &RouteValidationError{NodeID: gs.NodeID, Detail: fmt.Sprintf("route %q targets fork but fork_to is empty", label)}
				}
			default:
				if _, ok := g.nodes[target]; !ok {
					return nil, &RouteValidationError{NodeID: gs.NodeID, Detail: fmt.Sprintf("route %q targets unregistered sink %q", label, target)}
				}
				if g.nodes[target].Type != recorder.NodeSink {
					return nil, &RouteValidationError{NodeID: gs.NodeID, Detail: fmt.Sprintf("route %q target %q is not a sink", label, target)}
				}
			}
		}

		for _, branch := range gs.ForkTo {
			if _, ok := g.lookup[edgeKey{gs.NodeID, branch}]; !ok {
				return nil, &RouteValidationError{NodeID: gs.NodeID, Detail: fmt.Sprintf("fork branch %q has no registered edge", branch)}
			}
		}
	}

	return g, nil
}

// Node returns the configuration for a registered node id.
func (g *Graph) Node(nodeID string) (NodeConfig, bool) {
	n, ok := g.nodes[nodeID]
	return n, ok
}

// Nodes returns every node id in registration order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.nodeOrd))
	copy(out, g.nodeOrd)
	return out
}

// EdgeID looks up the edge registered for (nodeID, label), as required by
// routing events and fork/route resolution.
func (g *Graph) EdgeID(nodeID, label string) (string, bool) {
	id, ok := g.lookup[edgeKey{nodeID, label}]
	return id, ok
}

// Edge returns the full edge configuration for a previously resolved edge id.
func (g *Graph) Edge(edgeID string) (EdgeConfig, bool) {
	e, ok := g.edgeByID[edgeID]
	return e, ok
}

// RouteResolution resolves a gate label to its configured target
// ("continue", "fork", or a sink node id), distinct from fork branch labels
// which resolve to "fork".
func (g *Graph) RouteResolution(nodeID, label string) (string, bool) {
	gs, ok := g.routes[nodeID]
	if !ok {
		return "", false
	}
	target, ok := gs.Routes[label]
	return target, ok
}

// ForkBranches returns the branch names configured for a gate's fork route.
func (g *Graph) ForkBranches(nodeID string) []string {
	gs, ok := g.routes[nodeID]
	if !ok {
		return nil
	}
	out := make([]string, len(gs.ForkTo))
	copy(out, gs.ForkTo)
	return out
}
