package graph

import (
	"fmt"
	"slices"
	"strings"
)

// Policy decides which cycle findings block activation.
type Policy string

const (
	// PolicyRejectAllCycles blocks on any reachable cycle in either graph.
	PolicyRejectAllCycles Policy = "reject_all_cycles"
	// PolicyAllowHumanClosable lets request graph cycles pass, since a person
	// must act on every edge of them. Task graph cycles still block.
	PolicyAllowHumanClosable Policy = "allow_human_closable"
)

// DefaultPolicy is used when no policy is configured.
const DefaultPolicy = PolicyRejectAllCycles

// ParsePolicy validates a policy name. The empty string selects DefaultPolicy.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case "":
		return DefaultPolicy, nil
	case PolicyRejectAllCycles, PolicyAllowHumanClosable:
		return Policy(name), nil
	default:
		return "", fmt.Errorf("unknown loop policy %q", name)
	}
}

// Finding is one cycle found in a sub-graph. Path starts and ends at the same state.
type Finding struct {
	Graph    Kind     `json:"graph"`
	Path     []string `json:"path"`
	SelfLoop bool     `json:"self_loop,omitempty"`
}

func (f Finding) String() string {
	return string(f.Graph) + ": " + strings.Join(f.Path, " -> ")
}

// Report is the outcome of a loop check.
type Report struct {
	Cycles     []Finding `json:"cycles"`
	DeadStates []string  `json:"dead_states"` // Declared states unreachable from the init state
	Reachable  []string  `json:"reachable"`
}

// Blocking returns the findings that prevent activation under policy.
func (r *Report) Blocking(policy Policy) []Finding {
	blocking := make([]Finding, 0, len(r.Cycles))

	for _, finding := range r.Cycles {
		if policy == PolicyAllowHumanClosable && finding.Graph == KindReq {
			continue
		}

		blocking = append(blocking, finding)
	}

	return blocking
}

// Check runs three-colour cycle detection over both sub-graphs, rooted at every
// state reachable from initStateID through either kind of edge. Self loops are
// ignored in the request graph and reported in the task graph.
func Check(graphs *Graphs, initStateID string, states []string) *Report {
	reachable := reach(graphs, initStateID)

	report := &Report{
		Cycles:     make([]Finding, 0),
		DeadStates: make([]string, 0),
		Reachable:  reachable,
	}

	report.Cycles = append(report.Cycles, findCycles(graphs.Req, reachable, false)...)
	report.Cycles = append(report.Cycles, findCycles(graphs.Task, reachable, true)...)

	for _, state := range states {
		if !slices.Contains(reachable, state) {
			report.DeadStates = append(report.DeadStates, state)
		}
	}

	return report
}

func reach(graphs *Graphs, initStateID string) []string {
	seen := map[string]bool{initStateID: true}
	order := []string{initStateID}

	for i := 0; i < len(order); i++ {
		current := order[i]

		for _, g := range []*Graph{graphs.Req, graphs.Task} {
			for _, next := range g.Successors(current) {
				if !seen[next] {
					seen[next] = true
					order = append(order, next)
				}
			}
		}
	}

	return order
}

type color int

const (
	white color = iota
	gray
	black
)

type frame struct {
	node string
	next int
}

func findCycles(g *Graph, roots []string, flagSelfLoops bool) []Finding {
	colors := make(map[string]color)
	findings := make([]Finding, 0)

	for _, root := range roots {
		if colors[root] != white {
			continue
		}

		colors[root] = gray
		stack := []frame{{node: root}}
		path := []string{root}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			successors := g.Successors(top.node)

			if top.next >= len(successors) {
				colors[top.node] = black
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]

				continue
			}

			node := top.node
			next := successors[top.next]
			top.next++

			if next == node {
				if flagSelfLoops {
					findings = append(findings, Finding{Graph: g.kind, Path: []string{node, node}, SelfLoop: true})
				}

				continue
			}

			switch colors[next] {
			case gray:
				start := slices.Index(path, next)
				cycle := append(slices.Clone(path[start:]), next)
				findings = append(findings, Finding{Graph: g.kind, Path: cycle})
			case white:
				colors[next] = gray
				stack = append(stack, frame{node: next})
				path = append(path, next)
			case black:
			}
		}
	}

	return findings
}
