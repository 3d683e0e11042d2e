package nodes

import (
	"fmt"
	"math/rand"

	"github.com/lineopthq/optimizer/pkg/types"
)

// Registry holds the measurement node IDs available per line. Node IDs
// are opaque strings understood by the probe service.
type Registry struct {
	byLine map[types.Line][]string
}

// Builtin returns the registry of nodes the probe service is known to
// expose for each line.
func Builtin() *Registry {
	return &Registry{byLine: map[types.Line][]string{
		types.LineTelecom:  {"1227", "1312", "1169", "1135", "1310", "1132", "1214", "1311", "1138", "1304"},
		types.LineUnicom:   {"1254", "1275", "1278", "1264", "1273", "1266", "1276", "1277", "1253", "1226"},
		types.LineMobile:   {"1249", "1237", "1290", "1294", "1250", "1295", "1287", "1242", "1245", "1283"},
		types.LineOverseas: {"1340", "1341", "1343", "1345"},
	}}
}

// NewRegistry builds a registry from an explicit per-line catalog.
func NewRegistry(byLine map[types.Line][]string) (*Registry, error) {
	if len(byLine) == 0 {
		return nil, fmt.Errorf("node catalog is empty")
	}
	copied := make(map[types.Line][]string, len(byLine))
	for line, ids := range byLine {
		if !line.Valid() || line == types.LineDefault {
			return nil, fmt.Errorf("node catalog: unknown line %q", line)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("node catalog: line %s has no nodes", line)
		}
		copied[line] = append([]string(nil), ids...)
	}
	return &Registry{byLine: copied}, nil
}

// NodesFor returns the node IDs serving a line, in catalog order.
func (r *Registry) NodesFor(line types.Line) []string {
	return append([]string(nil), r.byLine[line]...)
}

// Sample returns up to k distinct node IDs for the line, shuffled with
// the provided source. A nil rng yields catalog order truncated to k.
func (r *Registry) Sample(line types.Line, k int, rng *rand.Rand) []string {
	pool := r.NodesFor(line)
	if rng != nil {
		rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	}
	if k > 0 && k < len(pool) {
		pool = pool[:k]
	}
	return pool
}

// SampleExcluding returns up to k distinct node IDs for the line that
// are not in the exclude set. Used for validation, where the confirming
// nodes must be disjoint from the node that produced the initial
// measurement.
func (r *Registry) SampleExcluding(line types.Line, k int, exclude []string, rng *rand.Rand) []string {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	pool := make([]string, 0, len(r.byLine[line]))
	for _, id := range r.byLine[line] {
		if !skip[id] {
			pool = append(pool, id)
		}
	}
	if rng != nil {
		rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	}
	if k > 0 && k < len(pool) {
		pool = pool[:k]
	}
	return pool
}

// Len returns the number of nodes serving a line.
func (r *Registry) Len(line types.Line) int {
	return len(r.byLine[line])
}
