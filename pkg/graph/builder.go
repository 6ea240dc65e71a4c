// Package graph builds the request and task adjacency views of a model version
// and checks them for cycles before the version is activated.
package graph

import (
	"errors"
	"fmt"
	"slices"

	"github.com/dukex/stateflow/pkg/models"
)

// Kind distinguishes the manual and automatic sub-graphs.
type Kind string

const (
	KindReq  Kind = "req"  // Edges of manually requested transitions
	KindTask Kind = "task" // Edges of auto and timer transitions
)

// Edge is a directed edge between two states.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind Kind   `json:"kind"`
}

// Graph is an adjacency mapping from a state to the ordered set of its successors.
type Graph struct {
	kind  Kind
	nodes []string
	adj   map[string][]string
}

func newGraph(kind Kind) *Graph {
	return &Graph{kind: kind, adj: make(map[string][]string)}
}

func (g *Graph) Kind() Kind {
	return g.kind
}

// AddEdge adds from -> to. Duplicate edges collapse; it reports whether the edge was new.
func (g *Graph) AddEdge(from, to string) bool {
	g.addNode(from)
	g.addNode(to)

	if slices.Contains(g.adj[from], to) {
		return false
	}

	g.adj[from] = append(g.adj[from], to)

	return true
}

func (g *Graph) addNode(id string) {
	if _, ok := g.adj[id]; ok {
		return
	}

	g.adj[id] = nil
	g.nodes = append(g.nodes, id)
}

// Successors returns the successors of id in insertion order.
func (g *Graph) Successors(id string) []string {
	return g.adj[id]
}

// Nodes returns every state touching an edge, in insertion order.
func (g *Graph) Nodes() []string {
	return g.nodes
}

func (g *Graph) OutDegree(id string) int {
	return len(g.adj[id])
}

func (g *Graph) HasEdge(from, to string) bool {
	return slices.Contains(g.adj[from], to)
}

// Graphs holds both sub-graphs of one model version.
type Graphs struct {
	Tag       string
	Req       *Graph
	Task      *Graph
	SelfLoops []Edge
}

// Terminal reports whether no transition of either kind leaves stateID.
func (gs *Graphs) Terminal(stateID string) bool {
	return gs.Req.OutDegree(stateID) == 0 && gs.Task.OutDegree(stateID) == 0
}

// ReferenceError reports a transition pointing at a state the version does not declare.
type ReferenceError struct {
	TransitionID string
	StateID      string
	Side         string // "from" or "to"
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("transition %s references undeclared %s state %q", e.TransitionID, e.Side, e.StateID)
}

// Build derives the request and task graphs of a version's transitions.
// All undeclared state references are reported, joined.
func Build(tag string, states []string, transitions []*models.Transition) (*Graphs, error) {
	declared := make(map[string]struct{}, len(states))
	for _, id := range states {
		declared[id] = struct{}{}
	}

	graphs := &Graphs{
		Tag:  tag,
		Req:  newGraph(KindReq),
		Task: newGraph(KindTask),
	}

	var errs []error

	for _, t := range transitions {
		if _, ok := declared[t.FromStateID]; !ok {
			errs = append(errs, &ReferenceError{TransitionID: t.ID, StateID: t.FromStateID, Side: "from"})
		}

		if _, ok := declared[t.ToStateID]; !ok {
			errs = append(errs, &ReferenceError{TransitionID: t.ID, StateID: t.ToStateID, Side: "to"})
		}

		if len(errs) > 0 {
			continue
		}

		target := graphs.Req
		if t.Action.Automatic() {
			target = graphs.Task
		}

		added := target.AddEdge(t.FromStateID, t.ToStateID)
		if added && t.SelfLoop() {
			graphs.SelfLoops = append(graphs.SelfLoops, Edge{From: t.FromStateID, To: t.ToStateID, Kind: target.kind})
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return graphs, nil
}

// ForVersion builds the graphs of a model version.
func ForVersion(version *models.ModelVersion) (*Graphs, error) {
	return Build(version.Tag, version.States, version.Transitions)
}
