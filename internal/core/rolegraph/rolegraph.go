// Package rolegraph partitions a flat set of host role operations into
// ordered batches that respect the role command order.
package rolegraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/clusterd/backend/internal/domain"
)

var (
	ErrCyclicDependency   = errors.New("rolegraph: cyclic role dependency")
	ErrUnmappedRole       = errors.New("rolegraph: role has no service mapping")
	ErrDuplicateOperation = errors.New("rolegraph: duplicate host role operation")
	ErrInvalidOperation   = errors.New("rolegraph: invalid operation")
)

// Dependencies is the part of the role command order the graph consults.
type Dependencies interface {
	Dependencies(p domain.RoleCommandPair) (mustPrecede, mustFollow []domain.RoleCommandPair)
}

// Operation is one proposed (host, role, command) with its parameters.
type Operation struct {
	Host              string
	Role              domain.Role
	Command           domain.RoleCommand
	CustomCommandName string
	Service           string
	Params            domain.JSONB
	Timeout           time.Duration
}

func (o Operation) Pair() domain.RoleCommandPair {
	return domain.RoleCommandPair{Role: o.Role, Command: o.Command}
}

// Batch is a set of operations with no unmet dependency between them.
type Batch struct {
	Index      int
	Pairs      []domain.RoleCommandPair
	Operations []Operation
}

type Graph struct {
	order Dependencies
}

func New(order Dependencies) *Graph {
	return &Graph{order: order}
}

// Build ranks every distinct role command pair of ops with Kahn's algorithm,
// processed layer by layer, and groups operations by rank. Ties inside a
// layer are broken alphabetically so equal inputs give equal batches.
func (g *Graph) Build(ops []Operation) ([]Batch, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	if err := validate(ops); err != nil {
		return nil, err
	}

	present := make(map[domain.RoleCommandPair]bool)
	var nodes []domain.RoleCommandPair
	for _, op := range ops {
		p := op.Pair()
		if !present[p] {
			present[p] = true
			nodes = append(nodes, p)
		}
	}
	sortPairs(nodes)

	inDegree := make(map[domain.RoleCommandPair]int, len(nodes))
	forward := make(map[domain.RoleCommandPair][]domain.RoleCommandPair)
	blockedBy := make(map[domain.RoleCommandPair][]domain.RoleCommandPair)
	for _, n := range nodes {
		inDegree[n] += 0
		precede, _ := g.order.Dependencies(n)
		for _, dep := range precede {
			if !present[dep] {
				continue
			}
			inDegree[n]++
			forward[dep] = append(forward[dep], n)
			blockedBy[n] = append(blockedBy[n], dep)
		}
	}

	rank := make(map[domain.RoleCommandPair]int, len(nodes))
	var layer []domain.RoleCommandPair
	for _, n := range nodes {
		if inDegree[n] == 0 {
			layer = append(layer, n)
		}
	}
	var layers [][]domain.RoleCommandPair
	for len(layer) > 0 {
		layers = append(layers, layer)
		var next []domain.RoleCommandPair
		for _, n := range layer {
			rank[n] = len(layers) - 1
			for _, dependent := range forward[n] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sortPairs(next)
		layer = next
	}

	if len(rank) != len(nodes) {
		cycle := findCycle(nodes, blockedBy, rank)
		return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cycle, " -> "))
	}

	batches := make([]Batch, len(layers))
	for i, pairs := range layers {
		batches[i] = Batch{Index: i, Pairs: pairs}
	}
	for _, op := range ops {
		r := rank[op.Pair()]
		batches[r].Operations = append(batches[r].Operations, op)
	}
	for i := range batches {
		sortOperations(batches[i].Operations)
		if err := checkUnique(batches[i].Operations); err != nil {
			return nil, err
		}
	}
	return batches, nil
}

func validate(ops []Operation) error {
	for _, op := range ops {
		if op.Host == "" || op.Role == "" {
			return fmt.Errorf("%w: host and role are required", ErrInvalidOperation)
		}
		if !op.Command.IsValid() {
			return fmt.Errorf("%w: unknown command %q for %s", ErrInvalidOperation, op.Command, op.Role)
		}
		if op.Service == "" {
			return fmt.Errorf("%w: %s", ErrUnmappedRole, op.Role)
		}
	}
	return nil
}

func checkUnique(ops []Operation) error {
	for i := 1; i < len(ops); i++ {
		if ops[i].Host == ops[i-1].Host && ops[i].Role == ops[i-1].Role {
			return fmt.Errorf("%w: %s on %s", ErrDuplicateOperation, ops[i].Role, ops[i].Host)
		}
	}
	return nil
}

// findCycle walks blocked-by edges among the unranked pairs and returns one
// cycle in dependency order.
func findCycle(nodes []domain.RoleCommandPair, blockedBy map[domain.RoleCommandPair][]domain.RoleCommandPair, ranked map[domain.RoleCommandPair]int) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[domain.RoleCommandPair]int)
	parent := make(map[domain.RoleCommandPair]domain.RoleCommandPair)
	var cycle []string

	var dfs func(n domain.RoleCommandPair) bool
	dfs = func(n domain.RoleCommandPair) bool {
		color[n] = gray
		for _, dep := range blockedBy[n] {
			if _, ok := ranked[dep]; ok {
				continue
			}
			if color[dep] == gray {
				path := []domain.RoleCommandPair{dep}
				for cur := n; cur != dep; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep)
				for _, p := range path {
					cycle = append(cycle, p.String())
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = n
				if dfs(dep) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}

	for _, n := range nodes {
		if _, ok := ranked[n]; ok || color[n] != white {
			continue
		}
		if dfs(n) {
			return cycle
		}
	}
	return []string{"(cycle detected)"}
}

func sortPairs(p []domain.RoleCommandPair) {
	sort.Slice(p, func(i, j int) bool { return p[i].Less(p[j]) })
}

func sortOperations(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Host != ops[j].Host {
			return ops[i].Host < ops[j].Host
		}
		if ops[i].Role != ops[j].Role {
			return ops[i].Role < ops[j].Role
		}
		return ops[i].Command < ops[j].Command
	})
}
