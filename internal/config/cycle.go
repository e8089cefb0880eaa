package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/autotag/internal/tag"
)

// CycleWarning reports tags whose assign_tags actions reach each other.
//
// Cycles are warnings, not errors: adding a member that is already present
// is a no-op, so a loop of assign_tags settles after one round. A loop that
// mixes in remove_tags or eviction can still flap.
type CycleWarning struct {
	Path    []string `json:"path"`    // e.g. ["a", "b", "a"]
	Message string   `json:"message"` // human-readable description
}

// assignGraph maps a folded tag name to the folded names its assign_tags
// action adds members to. Only defined tags are nodes.
type assignGraph map[string][]string

// AnalyzeCycles finds the strongly connected components of the assign_tags
// graph and reports every component larger than one tag, plus self-loops.
// An acyclic set of definitions returns an empty list.
func AnalyzeCycles(defs []TagDef) []CycleWarning {
	graph, names := buildAssignGraph(defs)

	warnings := []CycleWarning{}
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			warnings = append(warnings, cycleWarning(scc, graph, names))
		}
	}
	return warnings
}

func buildAssignGraph(defs []TagDef) (assignGraph, map[string]string) {
	names := make(map[string]string, len(defs))
	for _, def := range defs {
		names[tag.Fold(def.Name)] = def.Name
	}

	graph := make(assignGraph, len(defs))
	for _, def := range defs {
		from := tag.Fold(def.Name)
		if graph[from] == nil {
			graph[from] = []string{}
		}
		if !def.Policy.Exec.Has(tag.ExecAssignTags) {
			continue
		}
		for _, target := range def.Policy.ExecAssignTags {
			to := tag.Fold(tag.NormalizeName(target))
			if _, ok := names[to]; ok && !slices.Contains(graph[from], to) {
				graph[from] = append(graph[from], to)
			}
		}
	}
	return graph, names
}

func hasSelfLoop(node string, graph assignGraph) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order so the result is stable.
func tarjanSCC(graph assignGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

func cycleWarning(scc []string, graph assignGraph, names map[string]string) CycleWarning {
	path := cyclePath(scc, graph)
	for i, n := range path {
		path[i] = names[n]
	}
	if len(scc) == 1 {
		return CycleWarning{
			Path:    path,
			Message: fmt.Sprintf("tag %q assigns itself", path[0]),
		}
	}
	return CycleWarning{
		Path:    path,
		Message: "assign_tags cycle: " + strings.Join(path, " -> "),
	}
}

// cyclePath walks edges inside the component from its first node until it
// returns to the start.
func cyclePath(scc []string, graph assignGraph) []string {
	start := scc[0]
	if len(scc) == 1 {
		return []string{start, start}
	}

	inSCC := make(map[string]bool, len(scc))
	for _, n := range scc {
		inSCC[n] = true
	}

	path := []string{start}
	visited := map[string]bool{}
	for current := start; ; {
		visited[current] = true
		next := ""
		for _, w := range graph[current] {
			if inSCC[w] && (!visited[w] || w == start) {
				next = w
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
