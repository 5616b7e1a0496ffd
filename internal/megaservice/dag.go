package megaservice

import (
	"fmt"
	"slices"

	"github.com/savaki/opea-comps/internal/errors"
)

// DAG is a directed acyclic graph of service names.
// Every listing preserves insertion order so scheduling is deterministic.
type DAG struct {
	nodes []string
	edges map[string][]string
}

func NewDAG() *DAG {
	return &DAG{edges: map[string][]string{}}
}

func (d *DAG) Has(node string) bool {
	_, ok := d.edges[node]
	return ok
}

// AddNode adds node unless it already exists
func (d *DAG) AddNode(node string) {
	if d.Has(node) {
		return
	}
	d.nodes = append(d.nodes, node)
	d.edges[node] = nil
}

// AddEdge adds from -> to. The edge is rolled back when it would introduce a cycle.
func (d *DAG) AddEdge(from, to string) error {
	for _, n := range []string{from, to} {
		if !d.Has(n) {
			return fmt.Errorf("%w: %s", errors.ErrUnknownNode, n)
		}
	}
	if slices.Contains(d.edges[from], to) {
		return nil
	}

	d.edges[from] = append(d.edges[from], to)
	if !d.acyclic() {
		d.edges[from] = d.edges[from][:len(d.edges[from])-1]
		return fmt.Errorf("%w: %s -> %s", errors.ErrCycle, from, to)
	}
	return nil
}

func (d *DAG) DeleteEdge(from, to string) error {
	i := slices.Index(d.edges[from], to)
	if i < 0 {
		return fmt.Errorf("%w: edge %s -> %s", errors.ErrUnknownNode, from, to)
	}
	d.edges[from] = slices.Delete(d.edges[from], i, i+1)
	return nil
}

// DeleteNode removes node and every edge touching it. Unknown nodes are ignored.
func (d *DAG) DeleteNode(node string) {
	if !d.Has(node) {
		return
	}
	delete(d.edges, node)
	d.nodes = slices.DeleteFunc(d.nodes, func(n string) bool { return n == node })
	for from, to := range d.edges {
		d.edges[from] = slices.DeleteFunc(to, func(n string) bool { return n == node })
	}
}

func (d *DAG) Nodes() []string {
	return slices.Clone(d.nodes)
}

// Downstream returns the direct successors of node
func (d *DAG) Downstream(node string) []string {
	return slices.Clone(d.edges[node])
}

func (d *DAG) Predecessors(node string) []string {
	var preds []string
	for _, n := range d.nodes {
		if slices.Contains(d.edges[n], node) {
			preds = append(preds, n)
		}
	}
	return preds
}

// IndependentNodes returns nodes without predecessors
func (d *DAG) IndependentNodes() []string {
	var nodes []string
	for _, n := range d.nodes {
		if len(d.Predecessors(n)) == 0 {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// AllDownstreams returns every node reachable from node, breadth first
func (d *DAG) AllDownstreams(node string) []string {
	var (
		seen  = map[string]bool{}
		out   []string
		queue = d.Downstream(node)
	)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		queue = append(queue, d.edges[n]...)
	}
	return out
}

// Leaves returns nodes without successors
func (d *DAG) Leaves() []string {
	var leaves []string
	for _, n := range d.nodes {
		if len(d.edges[n]) == 0 {
			leaves = append(leaves, n)
		}
	}
	return leaves
}

func (d *DAG) Clone() *DAG {
	c := &DAG{
		nodes: slices.Clone(d.nodes),
		edges: make(map[string][]string, len(d.edges)),
	}
	for n, to := range d.edges {
		c.edges[n] = slices.Clone(to)
	}
	return c
}

// acyclic runs Kahn's algorithm over the graph
func (d *DAG) acyclic() bool {
	degree := make(map[string]int, len(d.nodes))
	for _, to := range d.edges {
		for _, n := range to {
			degree[n]++
		}
	}

	var queue []string
	for _, n := range d.nodes {
		if degree[n] == 0 {
			queue = append(queue, n)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, m := range d.edges[n] {
			degree[m]--
			if degree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	return visited == len(d.nodes)
}
