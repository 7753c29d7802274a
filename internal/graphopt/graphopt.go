// Package graphopt implements the graph clean-up passes run before
// quantization.
//
// Every pass works in place on an onnx.GraphProto and returns the number of
// rewrites it made. Optimize runs all of them until none applies.
package graphopt

import (
	"fmt"

	"github.com/born-ml/modelprep/internal/logger"
	"github.com/born-ml/modelprep/internal/onnx"
)

// maxIterations bounds Optimize; each iteration strictly shrinks the graph
// so this is only reached on very deep Identity chains.
const maxIterations = 16

// Stats counts the rewrites of an Optimize run.
type Stats struct {
	Iterations         int
	IdentitiesRemoved  int
	TransposesFolded   int
	DeadNodesRemoved   int
	InitializersPruned int
}

// Changed reports whether any pass rewrote the graph.
func (s *Stats) Changed() bool {
	return s.IdentitiesRemoved+s.TransposesFolded+s.DeadNodesRemoved+s.InitializersPruned > 0
}

// Optimize runs every pass over the model graph until it stops changing.
func Optimize(m *onnx.ModelProto) (*Stats, error) {
	if m.Graph == nil {
		return nil, onnx.ErrNoGraph
	}
	g := m.Graph
	stats := &Stats{}
	for stats.Iterations < maxIterations {
		stats.Iterations++

		identities := EliminateIdentity(g)
		folded, err := FoldConstantTranspose(g)
		if err != nil {
			return nil, err
		}
		dead := EliminateDeadNodes(g)
		pruned := PruneInitializers(g)

		stats.IdentitiesRemoved += identities
		stats.TransposesFolded += folded
		stats.DeadNodesRemoved += dead
		stats.InitializersPruned += pruned

		logger.Log.Debug("optimization pass",
			"iteration", stats.Iterations,
			"identity", identities,
			"transpose", folded,
			"dead_nodes", dead,
			"initializers", pruned)

		if identities+folded+dead+pruned == 0 {
			break
		}
	}
	return stats, nil
}

// EliminateIdentity removes Identity nodes by pointing their consumers at
// the Identity input. Identities feeding a graph output or read from a
// subgraph are kept.
func EliminateIdentity(g *onnx.GraphProto) int {
	removed := 0
	for {
		idx, from, to := findRemovableIdentity(g)
		if idx < 0 {
			return removed
		}
		for _, c := range g.Consumers()[from] {
			g.RenameInput(c, from, to)
		}
		g.Nodes = append(g.Nodes[:idx], g.Nodes[idx+1:]...)
		removed++
	}
}

func findRemovableIdentity(g *onnx.GraphProto) (int, string, string) {
	outputs := g.OutputNames()
	consumers := g.Consumers()
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.OpType != "Identity" || !n.IsDefaultDomain() || len(n.Inputs) != 1 || len(n.Outputs) != 1 {
			continue
		}
		in, out := n.Inputs[0], n.Outputs[0]
		if in == "" || outputs[out] {
			continue
		}
		if readsOnlyDirectly(g, consumers[out], out) {
			return i, out, in
		}
	}
	return -1, "", ""
}

// readsOnlyDirectly reports whether every consumer of name reads it as a
// node input rather than from inside a subgraph.
func readsOnlyDirectly(g *onnx.GraphProto, consumers []int, name string) bool {
	for _, c := range consumers {
		direct := false
		for _, in := range g.Nodes[c].Inputs {
			if in == name {
				direct = true
				break
			}
		}
		if !direct {
			return false
		}
		for j := range g.Nodes[c].Attributes {
			a := &g.Nodes[c].Attributes[j]
			if a.G != nil || len(a.Graphs) > 0 {
				return false
			}
		}
	}
	return true
}

// FoldConstantTranspose replaces Transpose nodes over float32 initializers
// with a pre-transposed initializer. Only initializers read by that single
// node are folded so that no weight is stored twice.
func FoldConstantTranspose(g *onnx.GraphProto) (int, error) {
	folded := 0
	consumers := g.Consumers()
	inits := g.InitializerIndex()
	outputs := g.OutputNames()
	inputs := make(map[string]bool, len(g.Inputs))
	for i := range g.Inputs {
		inputs[g.Inputs[i].Name] = true
	}

	keep := g.Nodes[:0]
	for _, n := range g.Nodes {
		if n.OpType != "Transpose" || !n.IsDefaultDomain() || len(n.Inputs) != 1 || len(n.Outputs) != 1 {
			keep = append(keep, n)
			continue
		}
		src, dst := n.Inputs[0], n.Outputs[0]
		idx, ok := inits[src]
		if !ok || len(consumers[src]) != 1 || outputs[src] || outputs[dst] || inputs[src] {
			keep = append(keep, n)
			continue
		}
		t := &g.Initializers[idx]
		if t.DataType != onnx.TensorProtoFloat || t.IsExternal() {
			keep = append(keep, n)
			continue
		}

		var perm []int64
		if a := n.Attr("perm"); a != nil {
			perm = a.Ints
		}
		values, err := t.Float32s()
		if err != nil {
			return folded, err
		}
		dims, out, err := Transpose(t.Dims, values, perm)
		if err != nil {
			return folded, fmt.Errorf("transpose %s: %w", n.Name, err)
		}
		g.Initializers[idx] = onnx.FloatTensor(dst, dims, out)
		folded++
	}
	g.Nodes = keep
	return folded, nil
}

// Transpose permutes a row-major tensor. A nil perm reverses the axes.
func Transpose(dims []int64, values []float32, perm []int64) ([]int64, []float32, error) {
	rank := len(dims)
	if perm == nil {
		perm = make([]int64, rank)
		for i := range perm {
			perm[i] = int64(rank - 1 - i)
		}
	}
	if len(perm) != rank {
		return nil, nil, fmt.Errorf("perm %v does not match rank %d", perm, rank)
	}
	used := make([]bool, rank)
	for _, p := range perm {
		if p < 0 || int(p) >= rank || used[p] {
			return nil, nil, fmt.Errorf("invalid perm %v", perm)
		}
		used[p] = true
	}

	strides := make([]int64, rank)
	s := int64(1)
	for i := rank - 1; i >= 0; i-- {
		strides[i] = s
		s *= dims[i]
	}
	if int64(len(values)) != s {
		return nil, nil, fmt.Errorf("%d values for shape %v", len(values), dims)
	}

	outDims := make([]int64, rank)
	srcStrides := make([]int64, rank)
	for i, p := range perm {
		outDims[i] = dims[p]
		srcStrides[i] = strides[p]
	}

	out := make([]float32, len(values))
	counter := make([]int64, rank)
	var src int64
	for i := range out {
		out[i] = values[src]
		// Advance the output index like an odometer, tracking the source offset.
		for d := rank - 1; d >= 0; d-- {
			counter[d]++
			src += srcStrides[d]
			if counter[d] < outDims[d] {
				break
			}
			src -= counter[d] * srcStrides[d]
			counter[d] = 0
		}
	}
	return outDims, out, nil
}

// EliminateDeadNodes removes nodes none of whose outputs reach a graph output.
func EliminateDeadNodes(g *onnx.GraphProto) int {
	producers := g.Producers()
	live := make([]bool, len(g.Nodes))

	var queue []string
	for name := range g.OutputNames() {
		queue = append(queue, name)
	}
	for len(queue) > 0 {
		name := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		p, ok := producers[name]
		if !ok || live[p] {
			continue
		}
		live[p] = true
		for _, in := range g.Nodes[p].Reads() {
			if in != "" {
				queue = append(queue, in)
			}
		}
	}

	removed := 0
	keep := g.Nodes[:0]
	for i, n := range g.Nodes {
		if live[i] {
			keep = append(keep, n)
		} else {
			removed++
		}
	}
	g.Nodes = keep
	return removed
}

// PruneInitializers drops initializers nothing reads, together with any
// graph input entry of the same name.
func PruneInitializers(g *onnx.GraphProto) int {
	read := make(map[string]bool)
	for i := range g.Nodes {
		for _, name := range g.Nodes[i].Reads() {
			read[name] = true
		}
	}
	for name := range g.OutputNames() {
		read[name] = true
	}

	pruned := make(map[string]bool)
	keep := g.Initializers[:0]
	for _, t := range g.Initializers {
		if read[t.Name] {
			keep = append(keep, t)
		} else {
			pruned[t.Name] = true
		}
	}
	g.Initializers = keep

	if len(pruned) > 0 {
		inputs := g.Inputs[:0]
		for _, in := range g.Inputs {
			if !pruned[in.Name] {
				inputs = append(inputs, in)
			}
		}
		g.Inputs = inputs
	}
	return len(pruned)
}
