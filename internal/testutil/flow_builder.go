package testutil

import (
	"fmt"

	"github.com/hupe1980/flowmesh/core"
)

// FlowBuilder provides a fluent helper for constructing flows in tests.
// Example:
//
//	flow := NewFlowBuilder("support").
//	    Node("greeter", "agent-greeter").
//	    Node("sales", "agent-sales", "Sales").
//	    Edge("greeter", "sales").
//	    Build()
//
// Chain only the parts you need; sensible defaults are applied.
type FlowBuilder struct {
	flow *core.Flow
}

// NewFlowBuilder creates a builder for a flow with the given id.
func NewFlowBuilder(id string) *FlowBuilder {
	return &FlowBuilder{flow: &core.Flow{ID: id, Name: id}}
}

// Name overrides the flow's display name (chainable).
func (b *FlowBuilder) Name(name string) *FlowBuilder {
	b.flow.Name = name
	return b
}

// Node appends a node. The optional third argument sets the routing label.
func (b *FlowBuilder) Node(id, agentRef string, label ...string) *FlowBuilder {
	n := core.Node{ID: id, AgentRef: agentRef}
	if len(label) > 0 {
		n.Label = label[0]
	}
	b.flow.Nodes = append(b.flow.Nodes, n)
	return b
}

// Edge appends a directed edge between two node ids (chainable).
func (b *FlowBuilder) Edge(from, to string) *FlowBuilder {
	b.flow.Edges = append(b.flow.Edges, core.Edge{
		ID:   fmt.Sprintf("%s-%s", from, to),
		From: from,
		To:   to,
	})
	return b
}

// ConditionalEdge appends an edge carrying a condition hint (chainable).
func (b *FlowBuilder) ConditionalEdge(from, to, condType, match string) *FlowBuilder {
	b.flow.Edges = append(b.flow.Edges, core.Edge{
		ID:        fmt.Sprintf("%s-%s", from, to),
		From:      from,
		To:        to,
		Condition: &core.EdgeCondition{Type: condType, Match: match},
	})
	return b
}

// Build returns the constructed flow.
func (b *FlowBuilder) Build() *core.Flow { return b.flow }

// Persona returns a minimal valid persona for tests. Variadic keywords feed
// the conditional router.
func Persona(id, role string, keywords ...string) core.PersonaConfig {
	return core.PersonaConfig{
		ID:       id,
		Name:     id,
		Role:     role,
		Keywords: keywords,
	}
}
