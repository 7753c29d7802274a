package export

import (
	"fmt"

	"github.com/born-ml/modelprep/internal/onnx"
)

// graphBuilder appends nodes and initializers to a graph. Every node is named
// after its first output. The first name defined twice is kept in err and
// reported once the build finishes.
type graphBuilder struct {
	g      *onnx.GraphProto
	seen   map[string]bool
	consts map[string]string // constant key -> initializer name
	err    error
}

func newGraphBuilder(name string) *graphBuilder {
	return &graphBuilder{
		g:      &onnx.GraphProto{Name: name},
		seen:   make(map[string]bool),
		consts: make(map[string]string),
	}
}

// op emits a single-output node and returns its output name.
func (b *graphBuilder) op(opType, output string, inputs []string, attrs ...onnx.AttributeProto) string {
	b.opN(opType, []string{output}, inputs, attrs...)
	return output
}

// opN emits a node with several outputs.
func (b *graphBuilder) opN(opType string, outputs, inputs []string, attrs ...onnx.AttributeProto) {
	for _, out := range outputs {
		b.define(out)
	}
	b.g.Nodes = append(b.g.Nodes, onnx.NodeProto{
		Name:       outputs[0],
		OpType:     opType,
		Inputs:     inputs,
		Outputs:    outputs,
		Attributes: attrs,
	})
}

// initializer adds t to the graph and returns its name.
func (b *graphBuilder) initializer(t onnx.TensorProto) string {
	b.define(t.Name)
	b.g.Initializers = append(b.g.Initializers, t)
	return t.Name
}

// scalar returns a shared float32 scalar initializer.
func (b *graphBuilder) scalar(name string, v float32) string {
	key := fmt.Sprintf("f:%s", name)
	if n, ok := b.consts[key]; ok {
		return n
	}
	n := b.initializer(onnx.FloatScalar("const."+name, v))
	b.consts[key] = n
	return n
}

// ints returns a shared int64 initializer.
func (b *graphBuilder) ints(name string, dims []int64, v ...int64) string {
	key := fmt.Sprintf("i:%s", name)
	if n, ok := b.consts[key]; ok {
		return n
	}
	n := b.initializer(onnx.Int64Tensor("const."+name, dims, v))
	b.consts[key] = n
	return n
}

// define marks name as produced, recording a collision with an earlier value.
func (b *graphBuilder) define(name string) {
	if b.seen[name] && b.err == nil {
		b.err = fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	b.seen[name] = true
}

func (b *graphBuilder) input(v onnx.ValueInfoProto) {
	b.define(v.Name)
	b.g.Inputs = append(b.g.Inputs, v)
}

func (b *graphBuilder) output(v onnx.ValueInfoProto) {
	b.g.Outputs = append(b.g.Outputs, v)
}
