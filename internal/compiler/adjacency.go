package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/signalflow/internal/model"
)

// AdjacencyWarning reports a questionable link in the road network.
//
// These are warnings, not errors: a one-way street or a boundary
// intersection is a legitimate reason for either.
type AdjacencyWarning struct {
	Path    []string `json:"path"`
	Message string   `json:"message"`
	Level   string   `json:"level"` // "warning" or "info"
}

// AnalyzeAdjacency reports one-directional adjacency links (warning) and
// intersections with no neighbours in a multi-intersection topology (info).
// Unknown ids are left to Validate.
func AnalyzeAdjacency(topology []model.Intersection) []AdjacencyWarning {
	graph := buildGraph(topology)

	var warnings []AdjacencyWarning
	for _, id := range graph.nodes() {
		for _, n := range graph[id] {
			if _, known := graph[n]; !known || n == id {
				continue
			}
			if !graph.linked(n, id) {
				warnings = append(warnings, AdjacencyWarning{
					Path:    []string{id, n},
					Message: fmt.Sprintf("%s lists %s as adjacent but not the reverse", id, n),
					Level:   "warning",
				})
			}
		}
	}

	if len(graph) > 1 {
		for _, id := range graph.nodes() {
			if len(graph.undirected(id)) == 0 {
				warnings = append(warnings, AdjacencyWarning{
					Path:    []string{id},
					Message: fmt.Sprintf("%s has no adjacent intersections", id),
					Level:   "info",
				})
			}
		}
	}

	if warnings == nil {
		return []AdjacencyWarning{}
	}
	return warnings
}

// Networks groups intersections into connected road networks, treating
// adjacency as undirected. Each network and the list are sorted.
func Networks(topology []model.Intersection) [][]string {
	graph := buildGraph(topology)
	seen := make(map[string]bool, len(graph))

	var out [][]string
	for _, start := range graph.nodes() {
		if seen[start] {
			continue
		}
		var group []string
		queue := []string{start}
		seen[start] = true
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			group = append(group, id)
			for _, n := range graph.undirected(id) {
				if !seen[n] {
					seen[n] = true
					queue = append(queue, n)
				}
			}
		}
		sort.Strings(group)
		out = append(out, group)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// CorridorGaps returns "a->b" for each consecutive pair of a corridor that
// is not linked in either direction.
func CorridorGaps(topology []model.Intersection, corridor []string) []string {
	graph := buildGraph(topology)
	var gaps []string
	for i := 1; i < len(corridor); i++ {
		a, b := corridor[i-1], corridor[i]
		if !graph.linked(a, b) && !graph.linked(b, a) {
			gaps = append(gaps, strings.Join([]string{a, b}, "->"))
		}
	}
	return gaps
}

// graph maps intersection id to its declared adjacent ids.
type graph map[string][]string

func buildGraph(topology []model.Intersection) graph {
	g := make(graph, len(topology))
	for _, in := range topology {
		g[in.ID] = append(g[in.ID], in.Adjacent...)
	}
	return g
}

func (g graph) nodes() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g graph) linked(from, to string) bool {
	for _, n := range g[from] {
		if n == to {
			return true
		}
	}
	return false
}

// undirected returns the known neighbours of id in either direction.
func (g graph) undirected(id string) []string {
	set := make(map[string]bool)
	for _, n := range g[id] {
		if _, ok := g[n]; ok && n != id {
			set[n] = true
		}
	}
	for other, adj := range g {
		if other == id {
			continue
		}
		for _, n := range adj {
			if n == id {
				set[other] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
