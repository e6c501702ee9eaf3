package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/internal/testutil"
)

func supportFlow() *core.Flow {
	return testutil.NewFlowBuilder("support").
		Node("greeter", "agent-greeter", "Greeter").
		Node("sales", "agent-sales", "Sales").
		Node("tech", "agent-tech", "Tech").
		Edge("greeter", "sales").
		Edge("greeter", "tech").
		Build()
}

func supportPersonas() PersonaLookup {
	personas := map[string]core.PersonaConfig{
		"greeter": testutil.Persona("agent-greeter", "receptionist", "hello"),
		"sales":   testutil.Persona("agent-sales", "sales representative", "pricing", "buy"),
		"tech":    testutil.Persona("agent-tech", "support engineer", "bug", "crash"),
	}
	return func(nodeID string) (core.PersonaConfig, bool) {
		p, ok := personas[nodeID]
		return p, ok
	}
}

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"sequential", "round_robin", "conditional", "priority", "parallel"} {
		s, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, Strategy(name), s)
	}

	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, Strategy(""), s)

	_, err = ParseStrategy("shortest_path")
	assert.ErrorContains(t, err, "unknown routing strategy")
}

func TestInferStrategy(t *testing.T) {
	noEdges := testutil.NewFlowBuilder("panel").
		Node("a", "agent-a").
		Node("b", "agent-b").
		Build()
	assert.Equal(t, StrategyRoundRobin, InferStrategy(noEdges))

	chain := testutil.NewFlowBuilder("chain").
		Node("a", "agent-a").
		Node("b", "agent-b").
		Node("c", "agent-c").
		Edge("a", "b").
		Edge("b", "c").
		Build()
	assert.Equal(t, StrategySequential, InferStrategy(chain))

	assert.Equal(t, StrategyConditional, InferStrategy(supportFlow()))
}

func TestNew_EmptyFlow(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, core.ErrRouterInit)

	_, err = New(&core.Flow{ID: "empty"})
	assert.ErrorIs(t, err, core.ErrRouterInit)
}

func TestNew_ExplicitStrategyWins(t *testing.T) {
	r, err := New(supportFlow(), func(o *Options) { o.Strategy = StrategyRoundRobin })
	require.NoError(t, err)
	assert.Equal(t, StrategyRoundRobin, r.Strategy())
}

func TestRouter_Sequential(t *testing.T) {
	chain := testutil.NewFlowBuilder("chain").
		Node("a", "agent-a").
		Node("b", "agent-b").
		Node("c", "agent-c").
		Edge("a", "b").
		Edge("b", "c").
		Build()
	r, err := New(chain)
	require.NoError(t, err)

	next, decision := r.SelectNext(Trigger{ActiveNodeID: "a"})
	assert.Equal(t, "b", next)
	assert.Equal(t, "sequential", decision.Strategy)
	assert.Equal(t, "b", decision.SelectedNodeID)

	next, _ = r.SelectNext(Trigger{ActiveNodeID: "b"})
	assert.Equal(t, "c", next)

	// End of chain: stay.
	next, decision = r.SelectNext(Trigger{ActiveNodeID: "c"})
	assert.Empty(t, next)
	assert.Empty(t, decision.SelectedNodeID)
}

func TestRouter_RoundRobin(t *testing.T) {
	panel := testutil.NewFlowBuilder("panel").
		Node("a", "agent-a").
		Node("b", "agent-b").
		Node("c", "agent-c").
		Build()
	r, err := New(panel)
	require.NoError(t, err)

	next, _ := r.SelectNext(Trigger{ActiveNodeID: "a"})
	assert.Equal(t, "b", next)
	next, _ = r.SelectNext(Trigger{ActiveNodeID: "c"})
	assert.Equal(t, "a", next, "round robin wraps to the first node")
	next, _ = r.SelectNext(Trigger{ActiveNodeID: "unknown"})
	assert.Equal(t, "a", next, "unknown active node restarts the cycle")
}

func TestRouter_Conditional_LabelMatch(t *testing.T) {
	r, err := New(supportFlow(), func(o *Options) { o.Personas = supportPersonas() })
	require.NoError(t, err)

	next, decision := r.SelectNext(Trigger{Message: "transfer me to sales", ActiveNodeID: "greeter"})
	assert.Equal(t, "sales", next)
	// Label match, the persona role word "sales", plus adjacency from the
	// greeter.
	assert.Equal(t, labelScore+roleWordScore+adjacencyBonus, decision.CandidateScores["sales"])
}

func TestRouter_Conditional_KeywordAndRole(t *testing.T) {
	r, err := New(supportFlow(), func(o *Options) { o.Personas = supportPersonas() })
	require.NoError(t, err)

	next, decision := r.SelectNext(Trigger{Message: "my app keeps crashing with a bug", ActiveNodeID: "greeter"})
	assert.Equal(t, "tech", next)
	assert.Equal(t, keywordScore+adjacencyBonus, decision.CandidateScores["tech"])

	next, _ = r.SelectNext(Trigger{Message: "I need a support engineer", ActiveNodeID: "greeter"})
	assert.Equal(t, "tech", next)
}

func TestRouter_Conditional_ZeroScoreStays(t *testing.T) {
	// No adjacency when the active node has no outgoing edges, and the
	// message mentions nothing: every candidate scores zero, so stay.
	r, err := New(supportFlow(), func(o *Options) { o.Personas = supportPersonas() })
	require.NoError(t, err)

	next, decision := r.SelectNext(Trigger{Message: "what is the weather today", ActiveNodeID: "sales"})
	assert.Empty(t, next)
	assert.Empty(t, decision.SelectedNodeID)
	for node, score := range decision.CandidateScores {
		assert.Zero(t, score, "node %s", node)
	}
}

func TestRouter_Conditional_SelectingActiveIsStay(t *testing.T) {
	r, err := New(supportFlow(), func(o *Options) { o.Personas = supportPersonas() })
	require.NoError(t, err)

	next, _ := r.SelectNext(Trigger{Message: "talk sales pricing", ActiveNodeID: "sales"})
	assert.Empty(t, next, "handing off to the already-active node is a no-op")
}

func TestRouter_Conditional_TieBreaksInDeclarationOrder(t *testing.T) {
	flow := testutil.NewFlowBuilder("tie").
		Node("first", "agent-a", "Billing").
		Node("second", "agent-b", "Billing").
		Edge("first", "second").
		Edge("second", "first").
		Build()
	r, err := New(flow, func(o *Options) { o.Strategy = StrategyConditional })
	require.NoError(t, err)

	next, _ := r.SelectNext(Trigger{Message: "billing question"})
	assert.Equal(t, "first", next)
}

func TestRouter_Conditional_NoPersonaLookup(t *testing.T) {
	// Without personas only labels and adjacency score.
	r, err := New(supportFlow(), func(o *Options) { o.Strategy = StrategyConditional })
	require.NoError(t, err)

	next, _ := r.SelectNext(Trigger{Message: "I want to buy pricing info", ActiveNodeID: "greeter"})
	assert.NotEqual(t, "", next, "adjacency alone still produces a candidate")
}

func TestRouter_Priority(t *testing.T) {
	r, err := New(supportFlow(), func(o *Options) { o.Strategy = StrategyPriority })
	require.NoError(t, err)

	next, _ := r.SelectNext(Trigger{ActiveNodeID: "tech"})
	assert.Equal(t, "greeter", next)

	next, _ = r.SelectNext(Trigger{ActiveNodeID: "greeter"})
	assert.Empty(t, next, "already on the priority node")
}

func TestRouter_Parallel_NeverHandsOff(t *testing.T) {
	r, err := New(supportFlow(), func(o *Options) { o.Strategy = StrategyParallel })
	require.NoError(t, err)

	next, decision := r.SelectNext(Trigger{Message: "transfer me to sales", ActiveNodeID: "greeter"})
	assert.Empty(t, next)
	assert.Equal(t, "parallel", decision.Strategy)
}
