// Package graph implements the agent graph model and its executor: a
// validated node/edge spec, a condition expression language for edge
// selection, polymorphic node variants, bounded loops, parallel fan-out
// with deterministic convergence, and checkpoint-based pause/resume.
package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// NodeType discriminates the node implementation variants.
type NodeType string

const (
	NodeLLMGenerate NodeType = "llm_generate"
	NodeLLMToolUse  NodeType = "llm_tool_use"
	NodeFunction    NodeType = "function"
	NodeRouter      NodeType = "router"
	NodeClientInput NodeType = "client_input"
	NodeSubGraph    NodeType = "sub_graph"
)

// DefaultMaxNodeVisits caps re-entries of a node when the spec does not
// set max_node_visits.
const DefaultMaxNodeVisits = 10

// NodeSpec describes one addressable unit of work in a graph.
type NodeSpec struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Type       NodeType `json:"type"`
	InputKeys  []string `json:"input_keys"`
	OutputKeys []string `json:"output_keys"`

	Tools         []string `json:"tools,omitempty"`
	SystemPrompt  string   `json:"system_prompt,omitempty"`
	Function      string   `json:"function,omitempty"`
	MaxNodeVisits int      `json:"max_node_visits,omitempty"`
	LoopCondition string   `json:"loop_condition,omitempty"`
	ClientFacing  bool     `json:"client_facing,omitempty"`

	// OutputSchema, when set on an llm_generate node, is the JSON schema
	// the model's structured output must conform to.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	// MaxOutputChars bounds LLM output length. A violation triggers one
	// corrective re-prompt with a halved target before failing.
	MaxOutputChars int `json:"max_output_chars,omitempty"`

	// SubGraph embeds the child graph for sub_graph nodes.
	SubGraph *GraphSpec `json:"sub_graph,omitempty"`

	// Prompt is shown to the client on client_input pauses.
	Prompt string `json:"prompt,omitempty"`
}

// MaxVisits returns the node's visit cap, applying the default.
func (n *NodeSpec) MaxVisits() int {
	if n.MaxNodeVisits > 0 {
		return n.MaxNodeVisits
	}
	return DefaultMaxNodeVisits
}

// EdgeSpec is a directed, conditional connection between two nodes.
// Lower priority numbers are evaluated first; ties break on ID.
type EdgeSpec struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition"`
	Priority  int    `json:"priority,omitempty"`
	Parallel  bool   `json:"parallel,omitempty"`

	cond *condition
}

// DefaultEdgePriority applies when an edge does not set priority.
const DefaultEdgePriority = 100

func (e *EdgeSpec) priority() int {
	if e.Priority != 0 {
		return e.Priority
	}
	return DefaultEdgePriority
}

// Constraint bounds a goal along one axis.
type Constraint struct {
	// Category is one of cost, quality, functional, safety.
	Category string `json:"category"`
	// Kind is hard or soft.
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

// Goal states what an agent is trying to achieve.
type Goal struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	SuccessCriteria []string     `json:"success_criteria,omitempty"`
	Constraints     []Constraint `json:"constraints,omitempty"`
}

// GraphSpec is the immutable description of an agent graph. Immutable
// after Load; the executor never mutates it.
type GraphSpec struct {
	ID            string            `json:"id"`
	GoalID        string            `json:"goal_id"`
	Version       string            `json:"version,omitempty"`
	EntryNode     string            `json:"entry_node"`
	TerminalNodes []string          `json:"terminal_nodes"`
	EntryPoints   map[string]string `json:"entry_points,omitempty"`
	Nodes         []NodeSpec        `json:"nodes"`
	Edges         []EdgeSpec        `json:"edges"`

	// Derived at load time.
	nodesByID   map[string]*NodeSpec
	outgoing    map[string][]*EdgeSpec // sorted by (priority, id)
	terminals   map[string]bool
	convergence map[string]string // fan-out source -> convergence node
}

const specSchema = `{
  "type": "object",
  "required": ["id", "entry_node", "terminal_nodes", "nodes", "edges"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "goal_id": {"type": "string"},
    "version": {"type": "string"},
    "entry_node": {"type": "string", "minLength": 1},
    "terminal_nodes": {"type": "array", "items": {"type": "string"}},
    "entry_points": {"type": "object", "additionalProperties": {"type": "string"}},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "type", "input_keys", "output_keys"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "type": {"enum": ["llm_generate", "llm_tool_use", "function", "router", "client_input", "sub_graph"]},
          "input_keys": {"type": "array", "items": {"type": "string"}},
          "output_keys": {"type": "array", "items": {"type": "string"}},
          "max_node_visits": {"type": "integer", "minimum": 1}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "source", "target", "condition"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "source": {"type": "string"},
          "target": {"type": "string"},
          "condition": {"type": "string"},
          "priority": {"type": "integer"},
          "parallel": {"type": "boolean"}
        }
      }
    }
  }
}`

var compiledSpecSchema = jsonschema.MustCompileString("graphspec.json", specSchema)

// Load parses and validates a graph spec from JSON.
func Load(r io.Reader) (*GraphSpec, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read graph spec: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrInvalidGraph, err)
	}
	if err := compiledSpecSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var spec GraphSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidGraph, err)
	}
	if err := spec.compile(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadFile reads a graph spec from a file path.
func LoadFile(path string) (*GraphSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open graph spec: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Compile validates an in-memory spec and builds its derived indexes.
// Load calls this; specs constructed programmatically must call it
// before execution.
func (g *GraphSpec) Compile() error { return g.compile() }

func (g *GraphSpec) compile() error {
	g.nodesByID = make(map[string]*NodeSpec, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if _, dup := g.nodesByID[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidGraph, n.ID)
		}
		switch n.Type {
		case NodeLLMGenerate, NodeLLMToolUse, NodeFunction, NodeRouter, NodeClientInput, NodeSubGraph:
		default:
			return fmt.Errorf("%w: node %q has unknown type %q", ErrInvalidGraph, n.ID, n.Type)
		}
		if n.Type == NodeSubGraph {
			if n.SubGraph == nil {
				return fmt.Errorf("%w: sub_graph node %q has no embedded graph", ErrInvalidGraph, n.ID)
			}
			if err := n.SubGraph.compile(); err != nil {
				return fmt.Errorf("sub_graph node %q: %w", n.ID, err)
			}
		}
		g.nodesByID[n.ID] = n
	}

	if _, ok := g.nodesByID[g.EntryNode]; !ok {
		return fmt.Errorf("%w: entry node %q not found", ErrInvalidGraph, g.EntryNode)
	}
	g.terminals = make(map[string]bool, len(g.TerminalNodes))
	for _, id := range g.TerminalNodes {
		if _, ok := g.nodesByID[id]; !ok {
			return fmt.Errorf("%w: terminal node %q not found", ErrInvalidGraph, id)
		}
		g.terminals[id] = true
	}
	for name, id := range g.EntryPoints {
		if _, ok := g.nodesByID[id]; !ok {
			return fmt.Errorf("%w: entry point %q references unknown node %q", ErrInvalidGraph, name, id)
		}
	}

	g.outgoing = make(map[string][]*EdgeSpec)
	seenEdges := make(map[string]bool, len(g.Edges))
	for i := range g.Edges {
		e := &g.Edges[i]
		if seenEdges[e.ID] {
			return fmt.Errorf("%w: duplicate edge id %q", ErrInvalidGraph, e.ID)
		}
		seenEdges[e.ID] = true
		if _, ok := g.nodesByID[e.Source]; !ok {
			return fmt.Errorf("%w: edge %q source %q not found", ErrInvalidGraph, e.ID, e.Source)
		}
		if _, ok := g.nodesByID[e.Target]; !ok {
			return fmt.Errorf("%w: edge %q target %q not found", ErrInvalidGraph, e.ID, e.Target)
		}
		if g.terminals[e.Source] {
			return fmt.Errorf("%w: edge %q leaves terminal node %q", ErrInvalidGraph, e.ID, e.Source)
		}
		cond, err := parseCondition(e.Condition)
		if err != nil {
			return fmt.Errorf("%w: edge %q condition: %v", ErrInvalidGraph, e.ID, err)
		}
		e.cond = cond
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
	}
	for _, edges := range g.outgoing {
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].priority() != edges[j].priority() {
				return edges[i].priority() < edges[j].priority()
			}
			return edges[i].ID < edges[j].ID
		})
	}

	return g.computeConvergence()
}

// Node returns the node spec for id, or nil.
func (g *GraphSpec) Node(id string) *NodeSpec { return g.nodesByID[id] }

// IsTerminal reports whether id names a terminal node.
func (g *GraphSpec) IsTerminal(id string) bool { return g.terminals[id] }

// Outgoing returns the outgoing edges of a node, ordered by ascending
// priority with stable id tie-break.
func (g *GraphSpec) Outgoing(id string) []*EdgeSpec { return g.outgoing[id] }

// ParallelTargets returns the fan-out target set of a node: the targets
// of its edges marked parallel. A fan-out needs at least two.
func (g *GraphSpec) ParallelTargets(id string) []string {
	var targets []string
	for _, e := range g.outgoing[id] {
		if e.Parallel {
			targets = append(targets, e.Target)
		}
	}
	if len(targets) < 2 {
		return nil
	}
	return targets
}

// Convergence returns the fan-in node for a fan-out source, computed at
// load time as the lowest common descendant of the parallel targets.
func (g *GraphSpec) Convergence(source string) (string, bool) {
	c, ok := g.convergence[source]
	return c, ok
}

// computeConvergence finds, for every fan-out source, the lowest common
// descendant of its parallel targets by BFS. Deterministic: among
// candidates at the same depth the smallest node id wins.
func (g *GraphSpec) computeConvergence() error {
	g.convergence = make(map[string]string)
	for source := range g.outgoing {
		targets := g.ParallelTargets(source)
		if targets == nil {
			continue
		}
		depths := make([]map[string]int, len(targets))
		for i, t := range targets {
			depths[i] = g.bfsDepths(t)
		}
		best := ""
		bestDepth := -1
		for node, d0 := range depths[0] {
			maxDepth := d0
			common := true
			for _, dm := range depths[1:] {
				d, ok := dm[node]
				if !ok {
					common = false
					break
				}
				if d > maxDepth {
					maxDepth = d
				}
			}
			if !common {
				continue
			}
			if bestDepth == -1 || maxDepth < bestDepth || (maxDepth == bestDepth && node < best) {
				best = node
				bestDepth = maxDepth
			}
		}
		if best == "" {
			return fmt.Errorf("%w: parallel edges from %q have no common descendant", ErrInvalidGraph, source)
		}
		g.convergence[source] = best
	}
	return nil
}

// bfsDepths maps every node reachable from start (excluding start
// itself) to its BFS depth.
func (g *GraphSpec) bfsDepths(start string) map[string]int {
	depths := map[string]int{}
	queue := []string{start}
	depth := map[string]int{start: 0}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.outgoing[cur] {
			if _, seen := depth[e.Target]; seen {
				continue
			}
			depth[e.Target] = depth[cur] + 1
			depths[e.Target] = depth[e.Target]
			queue = append(queue, e.Target)
		}
	}
	return depths
}

// ResolveEntry maps a named entry point to its node id, defaulting to
// the graph's entry node for an empty name.
func (g *GraphSpec) ResolveEntry(name string) (string, error) {
	if name == "" {
		return g.EntryNode, nil
	}
	id, ok := g.EntryPoints[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown entry point %q", ErrInvalidGraph, name)
	}
	return id, nil
}

// String renders a short human identifier for logs.
func (g *GraphSpec) String() string {
	var sb strings.Builder
	sb.WriteString(g.ID)
	if g.Version != "" {
		sb.WriteString("@")
		sb.WriteString(g.Version)
	}
	return sb.String()
}
