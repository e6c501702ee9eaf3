package core

import "fmt"

// Node is one point in a flow graph bound to an agent persona.
type Node struct {
	ID       string         `json:"id" yaml:"id"`
	AgentRef string         `json:"agentRef" yaml:"agentRef"`
	Label    string         `json:"label,omitempty" yaml:"label,omitempty"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// EdgeCondition is an optional hint describing when an edge should be taken,
// e.g. {Type: "intent", Match: "sales"}. The runtime treats it as advisory
// routing metadata; it is never evaluated as code.
type EdgeCondition struct {
	Type  string `json:"type,omitempty" yaml:"type,omitempty"`
	Match string `json:"match,omitempty" yaml:"match,omitempty"`
}

// Edge is a directed connection between two nodes of a flow.
type Edge struct {
	ID        string         `json:"id" yaml:"id"`
	From      string         `json:"from" yaml:"from"`
	To        string         `json:"to" yaml:"to"`
	Condition *EdgeCondition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Flow is a directed graph of agent nodes and conditioned edges describing
// possible conversation handoffs. Node and edge order is significant: it is
// the declaration order used for entry-node resolution, round-robin cycling
// and tie-breaking.
//
// A running session operates on a deep copy (see Clone) so later edits to a
// stored flow never mutate live sessions.
type Flow struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Version int    `json:"version,omitempty" yaml:"version,omitempty"`
	Nodes   []Node `json:"nodes" yaml:"nodes"`
	Edges   []Edge `json:"edges" yaml:"edges"`
}

// Validate checks the structural invariants: at least one node, unique node
// ids and edges that reference existing nodes.
func (f *Flow) Validate() error {
	if len(f.Nodes) == 0 {
		return fmt.Errorf("flow %s: %w", f.ID, ErrNoEntryNode)
	}
	seen := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" {
			return fmt.Errorf("flow %s: node with empty id", f.ID)
		}
		if n.AgentRef == "" {
			return fmt.Errorf("flow %s: node %s has no agentRef", f.ID, n.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("flow %s: duplicate node id %s", f.ID, n.ID)
		}
		seen[n.ID] = true
	}
	for _, e := range f.Edges {
		if !seen[e.From] {
			return fmt.Errorf("flow %s: edge %s references unknown node %s: %w", f.ID, e.ID, e.From, ErrNodeNotFound)
		}
		if !seen[e.To] {
			return fmt.Errorf("flow %s: edge %s references unknown node %s: %w", f.ID, e.ID, e.To, ErrNodeNotFound)
		}
	}
	return nil
}

// Node returns the node with the given id.
func (f *Flow) Node(id string) (Node, bool) {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// EntryNode resolves the designated first node: the first declared node
// without incoming edges, falling back to the first declared node.
func (f *Flow) EntryNode() (Node, bool) {
	if len(f.Nodes) == 0 {
		return Node{}, false
	}
	for _, n := range f.Nodes {
		if len(f.Incoming(n.ID)) == 0 {
			return n, true
		}
	}
	return f.Nodes[0], true
}

// Outgoing returns the target node ids of all edges leaving nodeID, in edge
// declaration order.
func (f *Flow) Outgoing(nodeID string) []string {
	var out []string
	for _, e := range f.Edges {
		if e.From == nodeID {
			out = append(out, e.To)
		}
	}
	return out
}

// Incoming returns the source node ids of all edges entering nodeID.
func (f *Flow) Incoming(nodeID string) []string {
	var in []string
	for _, e := range f.Edges {
		if e.To == nodeID {
			in = append(in, e.From)
		}
	}
	return in
}

// MaxOutgoing returns the largest outgoing edge count over all nodes.
func (f *Flow) MaxOutgoing() int {
	max := 0
	for _, n := range f.Nodes {
		if c := len(f.Outgoing(n.ID)); c > max {
			max = c
		}
	}
	return max
}

// Clone returns a deep copy of the flow safe for independent mutation. Nil
// slices stay nil so a clone compares equal to its source.
func (f *Flow) Clone() *Flow {
	clone := &Flow{ID: f.ID, Name: f.Name, Version: f.Version}
	if f.Nodes != nil {
		clone.Nodes = make([]Node, len(f.Nodes))
		for i, n := range f.Nodes {
			cn := n
			if n.Config != nil {
				cn.Config = make(map[string]any, len(n.Config))
				for k, v := range n.Config {
					cn.Config[k] = v
				}
			}
			clone.Nodes[i] = cn
		}
	}
	if f.Edges != nil {
		clone.Edges = make([]Edge, len(f.Edges))
		for i, e := range f.Edges {
			ce := e
			if e.Condition != nil {
				cond := *e.Condition
				ce.Condition = &cond
			}
			clone.Edges[i] = ce
		}
	}
	return clone
}
