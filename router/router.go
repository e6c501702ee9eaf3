package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/flowmesh/core"
)

// Strategy names a routing strategy. The zero value means "infer from flow
// topology" (see InferStrategy).
type Strategy string

const (
	// StrategySequential follows the single outgoing edge of the active node.
	StrategySequential Strategy = "sequential"
	// StrategyRoundRobin cycles through nodes in declaration order, ignoring edges.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyConditional scores nodes by content overlap and graph adjacency.
	StrategyConditional Strategy = "conditional"
	// StrategyPriority always selects the first declared node.
	StrategyPriority Strategy = "priority"
	// StrategyParallel is not a handoff strategy: input fans out to every
	// node concurrently and the active node never changes.
	StrategyParallel Strategy = "parallel"
)

// ParseStrategy validates a strategy name from configuration or a request.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySequential, StrategyRoundRobin, StrategyConditional, StrategyPriority, StrategyParallel:
		return Strategy(s), nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("unknown routing strategy %q", s)
	}
}

// InferStrategy derives a default strategy from flow topology: flows without
// edges round-robin, chains (at most one outgoing edge per node) run
// sequentially, anything denser routes conditionally. This is a default, not
// a hard rule; an explicit strategy always wins.
func InferStrategy(flow *core.Flow) Strategy {
	if len(flow.Edges) == 0 {
		return StrategyRoundRobin
	}
	if flow.MaxOutgoing() <= 1 {
		return StrategySequential
	}
	return StrategyConditional
}

// Trigger carries the conversation state a routing decision is based on.
type Trigger struct {
	// Message is the triggering user utterance. Empty for non-content
	// triggers (e.g. sequential advancement).
	Message string
	// ActiveNodeID is the session's current node, empty before start.
	ActiveNodeID string
}

// PersonaLookup resolves the persona bound to a node, used by the
// conditional strategy to score role and keyword overlap. May be nil, in
// which case only labels and adjacency are scored.
type PersonaLookup func(nodeID string) (core.PersonaConfig, bool)

// Options configure Router construction.
type Options struct {
	// Strategy overrides topology inference when non-empty.
	Strategy Strategy
	// Personas provides persona cards for conditional scoring.
	Personas PersonaLookup
}

// Router selects the next node of a flow session. It is immutable after
// construction and safe for concurrent use.
type Router struct {
	flow     *core.Flow
	strategy Strategy
	personas PersonaLookup
}

// New builds a Router over the given flow snapshot. It fails with
// core.ErrRouterInit when the flow is missing or empty; callers must not
// route against an uninitialized router.
func New(flow *core.Flow, optFns ...func(o *Options)) (*Router, error) {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	if flow == nil || len(flow.Nodes) == 0 {
		return nil, core.ErrRouterInit
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = InferStrategy(flow)
	}
	return &Router{flow: flow, strategy: strategy, personas: opts.Personas}, nil
}

// Strategy returns the effective strategy (explicit or inferred).
func (r *Router) Strategy() Strategy { return r.strategy }

// SelectNext evaluates the strategy against the trigger. The returned node
// id is empty when the session should stay on its current node. The
// decision record is always returned for observability.
func (r *Router) SelectNext(trigger Trigger) (string, core.RoutingDecision) {
	decision := core.RoutingDecision{
		Strategy:  string(r.strategy),
		Timestamp: time.Now().UTC(),
	}

	var selected string
	switch r.strategy {
	case StrategySequential:
		selected = r.selectSequential(trigger.ActiveNodeID)
	case StrategyRoundRobin:
		selected = r.selectRoundRobin(trigger.ActiveNodeID)
	case StrategyConditional:
		selected, decision.CandidateScores = r.selectConditional(trigger)
	case StrategyPriority:
		selected = r.flow.Nodes[0].ID
	case StrategyParallel:
		// Fan-out is handled by the session; no handoff here.
	}

	// Selecting the node that is already active is a stay.
	if selected == trigger.ActiveNodeID {
		selected = ""
	}
	decision.SelectedNodeID = selected
	return selected, decision
}

// selectSequential follows the single outgoing edge of the active node. A
// node without outgoing edges ends the chain: stay.
func (r *Router) selectSequential(activeNodeID string) string {
	if activeNodeID == "" {
		if entry, ok := r.flow.EntryNode(); ok {
			return entry.ID
		}
		return ""
	}
	if out := r.flow.Outgoing(activeNodeID); len(out) > 0 {
		return out[0]
	}
	return ""
}

// selectRoundRobin cycles through node ids in declaration order, independent
// of edges. An unknown active node restarts the cycle.
func (r *Router) selectRoundRobin(activeNodeID string) string {
	nodes := r.flow.Nodes
	if activeNodeID == "" {
		return nodes[0].ID
	}
	for i, n := range nodes {
		if n.ID == activeNodeID {
			return nodes[(i+1)%len(nodes)].ID
		}
	}
	return nodes[0].ID
}

// selectConditional scores every node by content overlap with the trigger
// message plus an adjacency bonus for nodes reachable from the active node.
// A zero score for all candidates means no handoff. Ties break in
// declaration order.
func (r *Router) selectConditional(trigger Trigger) (string, map[string]int) {
	message := strings.ToLower(trigger.Message)
	var adjacent map[string]bool
	if trigger.ActiveNodeID != "" {
		adjacent = make(map[string]bool)
		for _, to := range r.flow.Outgoing(trigger.ActiveNodeID) {
			adjacent[to] = true
		}
	}

	scores := make(map[string]int, len(r.flow.Nodes))
	best := ""
	bestScore := 0
	for _, n := range r.flow.Nodes {
		score := r.scoreNode(n, message)
		if adjacent[n.ID] {
			score += adjacencyBonus
		}
		scores[n.ID] = score
		if score > bestScore {
			best = n.ID
			bestScore = score
		}
	}
	return best, scores
}

// Score weights mirror intent matching in the flow designer: an explicit
// label mention dominates, persona overlap refines, adjacency nudges.
const (
	labelScore     = 10
	roleWordScore  = 5
	keywordScore   = 5
	adjacencyBonus = 3
)

func (r *Router) scoreNode(n core.Node, message string) int {
	if message == "" {
		return 0
	}
	score := 0
	if label := strings.ToLower(n.Label); label != "" && strings.Contains(message, label) {
		score += labelScore
	}
	if r.personas == nil {
		return score
	}
	persona, ok := r.personas(n.ID)
	if !ok {
		return score
	}
	for _, word := range strings.Fields(strings.ToLower(persona.Role)) {
		if strings.Contains(message, word) {
			score += roleWordScore
			break
		}
	}
	for _, kw := range persona.Keywords {
		if kw != "" && strings.Contains(message, strings.ToLower(kw)) {
			score += keywordScore
			break
		}
	}
	return score
}
