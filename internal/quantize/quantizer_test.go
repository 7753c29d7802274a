package quantize

import (
	"testing"

	"github.com/born-ml/modelprep/internal/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (float32(i) - float32(n)/2) * scale
	}
	return out
}

// buildMixedModel has two MatMuls sharing an input, a Gather, and a float
// reader (Neg) of the second MatMul weight.
func buildMixedModel(opset int64) *onnx.ModelProto {
	return &onnx.ModelProto{
		IRVersion:   7,
		OpsetImport: []onnx.OperatorSetID{{Version: opset}},
		Graph: &onnx.GraphProto{
			Name: "mixed",
			Nodes: []onnx.NodeProto{
				{Name: "mm", OpType: "MatMul", Inputs: []string{"x", "W"}, Outputs: []string{"h"}},
				{Name: "mm2", OpType: "MatMul", Inputs: []string{"x", "W2"}, Outputs: []string{"h2"}},
				{Name: "gather", OpType: "Gather", Inputs: []string{"E", "ids"}, Outputs: []string{"e"}, Attributes: []onnx.AttributeProto{onnx.AttrInt("axis", 0)}},
				{Name: "neg", OpType: "Neg", Inputs: []string{"W2"}, Outputs: []string{"w2neg"}},
			},
			Initializers: []onnx.TensorProto{
				onnx.FloatTensor("W", []int64{3, 4}, ramp(12, 0.1)),
				onnx.FloatTensor("W2", []int64{3, 2}, ramp(6, 0.5)),
				onnx.FloatTensor("E", []int64{5, 3}, ramp(15, 0.2)),
			},
			Inputs: []onnx.ValueInfoProto{
				onnx.TensorValueInfo("x", onnx.TensorProtoFloat, 1, 3),
				onnx.TensorValueInfo("ids", onnx.TensorProtoInt64, 2),
			},
			Outputs: []onnx.ValueInfoProto{{Name: "h"}, {Name: "h2"}, {Name: "e"}, {Name: "w2neg"}},
		},
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Optimize = false
	opts.Workers = 1
	return opts
}

func ops(g *onnx.GraphProto) []string {
	out := make([]string, len(g.Nodes))
	for i := range g.Nodes {
		out[i] = g.Nodes[i].OpType
	}
	return out
}

func TestQuantizeModel(t *testing.T) {
	m := buildMixedModel(12)
	stats, err := QuantizeModel(m, testOptions())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Weights)
	assert.Equal(t, 2, stats.MatMuls)
	assert.Equal(t, 1, stats.Gathers)
	assert.Equal(t, 1, stats.ActivationQuants, "x is quantized once")
	assert.Equal(t, 1, stats.Dequantized)
	assert.Equal(t, int64((12+6+15)*4), stats.FloatBytes)
	assert.Equal(t, int64(12+6+15+3*(4+1)), stats.QuantizedBytes)
	assert.False(t, stats.OpsetUpgraded)

	g := m.Graph
	assert.Equal(t, []string{
		"DequantizeLinear",
		"DynamicQuantizeLinear", "MatMulInteger", "Cast", "Mul", "Mul",
		"MatMulInteger", "Cast", "Mul", "Mul",
		"Gather", "DequantizeLinear",
		"Neg",
	}, ops(g))

	mmi := g.Nodes[2]
	assert.Equal(t, []string{"x_quantized", "W_quantized", "x_zero_point", "W_zero_point"}, mmi.Inputs)
	assert.Equal(t, int64(onnx.TensorProtoFloat), g.Nodes[3].Attr("to").I)
	assert.Equal(t, []string{"x_scale", "W_scale"}, g.Nodes[4].Inputs)
	assert.Equal(t, []string{"h"}, g.Nodes[5].Outputs, "original output name is kept")

	gather := g.Nodes[10]
	assert.Equal(t, []string{"E_quantized", "ids"}, gather.Inputs)
	assert.Equal(t, int64(0), gather.Attr("axis").I)
	assert.Equal(t, []string{"e"}, g.Nodes[11].Outputs)

	deq := g.Nodes[0]
	assert.Equal(t, []string{"W2_quantized", "W2_scale", "W2_zero_point"}, deq.Inputs)
	assert.Equal(t, []string{"W2"}, deq.Outputs, "float readers keep the weight name")

	assert.Nil(t, g.Initializer("W"))
	assert.Nil(t, g.Initializer("W2"))
	assert.Nil(t, g.Initializer("E"))
	require.Len(t, g.Initializers, 9)
	for i := range g.Initializers {
		tp := &g.Initializers[i]
		assert.False(t, tp.DataType == onnx.TensorProtoFloat && tp.NumElements() > 1, "%s is still a float tensor", tp.Name)
	}
	assert.Equal(t, int32(onnx.TensorProtoUint8), g.Initializer("W_quantized").DataType)
	assert.Empty(t, g.Initializer("W_scale").Dims, "per-tensor scale is a scalar")
}

func TestQuantizedWeightsDequantizeClose(t *testing.T) {
	for _, wt := range []WeightType{QUInt8, QInt8} {
		t.Run(string(wt), func(t *testing.T) {
			original := ramp(12, 0.1)
			m := buildMixedModel(12)
			opts := testOptions()
			opts.WeightType = wt
			_, err := QuantizeModel(m, opts)
			require.NoError(t, err)

			g := m.Graph
			q := g.Initializer("W_quantized")
			scale, err := g.Initializer("W_scale").Float32s()
			require.NoError(t, err)
			zp := g.Initializer("W_zero_point")

			p := Params{Scale: scale[0]}
			if wt == QInt8 {
				assert.Equal(t, int32(onnx.TensorProtoInt8), q.DataType)
				assert.Equal(t, int32(onnx.TensorProtoInt8), zp.DataType)
				p.ZeroPoint = int32(int8(zp.RawData[0]))
			} else {
				p.ZeroPoint = int32(zp.RawData[0])
			}
			for i, v := range original {
				stored := int32(q.RawData[i])
				if wt == QInt8 {
					stored = int32(int8(q.RawData[i]))
				}
				assert.InDelta(t, v, p.Dequantize(stored), float64(p.Scale)/2+1e-6)
			}
		})
	}
}

func TestQuantizeModelPerChannel(t *testing.T) {
	m := buildMixedModel(12)
	opts := testOptions()
	opts.PerChannel = true
	_, err := QuantizeModel(m, opts)
	require.NoError(t, err)

	g := m.Graph
	assert.Equal(t, []int64{4}, g.Initializer("W_scale").Dims)
	assert.Equal(t, []int64{4}, g.Initializer("W_zero_point").Dims)
	assert.Empty(t, g.Initializer("W2_scale").Dims, "weights with float readers stay per-tensor")
	assert.Empty(t, g.Initializer("E_scale").Dims, "Gather is per-tensor")
}

func TestQuantizeModelOpTypes(t *testing.T) {
	m := buildMixedModel(12)
	opts := testOptions()
	opts.OpTypes = []string{OpGather}
	stats, err := QuantizeModel(m, opts)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Weights)
	assert.Zero(t, stats.MatMuls)
	assert.NotNil(t, m.Graph.Initializer("W"))
	assert.Nil(t, m.Graph.Initializer("E"))
}

func TestQuantizeModelExcludedNodes(t *testing.T) {
	m := buildMixedModel(12)
	opts := testOptions()
	opts.NodesToExclude = []string{"mm"}
	stats, err := QuantizeModel(m, opts)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ExcludedNodes)
	assert.Equal(t, 1, stats.MatMuls)
	assert.NotNil(t, m.Graph.Initializer("W"), "only reader excluded")
	var kept *onnx.NodeProto
	for i := range m.Graph.Nodes {
		if m.Graph.Nodes[i].Name == "mm" {
			kept = &m.Graph.Nodes[i]
		}
	}
	require.NotNil(t, kept)
	assert.Equal(t, "MatMul", kept.OpType)
}

func TestQuantizeModelOpset(t *testing.T) {
	_, err := QuantizeModel(buildMixedModel(9), testOptions())
	assert.ErrorIs(t, err, ErrUnsupportedOpset)

	m := buildMixedModel(10)
	stats, err := QuantizeModel(m, testOptions())
	require.NoError(t, err)
	assert.True(t, stats.OpsetUpgraded)
	assert.Equal(t, int64(11), m.OpsetVersion(""))
}

func TestQuantizeModelInvalidOptions(t *testing.T) {
	opts := testOptions()
	opts.OpTypes = []string{"Conv"}
	_, err := QuantizeModel(buildMixedModel(12), opts)
	assert.ErrorIs(t, err, ErrUnsupportedOp)

	opts = testOptions()
	opts.WeightType = "QInt4"
	_, err = QuantizeModel(buildMixedModel(12), opts)
	assert.ErrorIs(t, err, ErrUnsupportedWeightType)

	_, err = QuantizeModel(&onnx.ModelProto{OpsetImport: []onnx.OperatorSetID{{Version: 12}}}, testOptions())
	assert.ErrorIs(t, err, onnx.ErrNoGraph)
}

func TestQuantizeModelExternalData(t *testing.T) {
	m := buildMixedModel(12)
	w := m.Graph.Initializer("W")
	w.DataLocation = onnx.DataLocationExternal
	w.RawData = nil

	_, err := QuantizeModel(m, testOptions())
	assert.ErrorIs(t, err, onnx.ErrExternalData)
}

func TestQuantizeModelSkipsNonFloatAndInputs(t *testing.T) {
	m := buildMixedModel(12)
	e := m.Graph.Initializer("E")
	e.DataType = onnx.TensorProtoFloat16
	e.RawData = make([]byte, 15*2)
	m.Graph.Inputs = append(m.Graph.Inputs, onnx.TensorValueInfo("W", onnx.TensorProtoFloat, 3, 4))

	stats, err := QuantizeModel(m, testOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SkippedNonFloat)
	assert.Equal(t, 1, stats.Weights, "only W2 is rewritten")
	assert.NotNil(t, m.Graph.Initializer("W"), "overridable initializers stay float")
}

func TestQuantizeModelSharedActivationOrder(t *testing.T) {
	// W2 is visited first but its reader comes last; the shared
	// DynamicQuantizeLinear must still precede both readers.
	m := &onnx.ModelProto{
		OpsetImport: []onnx.OperatorSetID{{Version: 12}},
		Graph: &onnx.GraphProto{
			Nodes: []onnx.NodeProto{
				{Name: "first", OpType: "MatMul", Inputs: []string{"x", "W1"}, Outputs: []string{"a"}},
				{Name: "second", OpType: "MatMul", Inputs: []string{"x", "W2"}, Outputs: []string{"b"}},
			},
			Initializers: []onnx.TensorProto{
				onnx.FloatTensor("W2", []int64{2, 2}, ramp(4, 1)),
				onnx.FloatTensor("W1", []int64{2, 2}, ramp(4, 1)),
			},
			Inputs:  []onnx.ValueInfoProto{onnx.TensorValueInfo("x", onnx.TensorProtoFloat, 1, 2)},
			Outputs: []onnx.ValueInfoProto{{Name: "a"}, {Name: "b"}},
		},
	}

	_, err := QuantizeModel(m, testOptions())
	require.NoError(t, err)

	seen := map[string]bool{"x": true}
	for _, tp := range m.Graph.Initializers {
		seen[tp.Name] = true
	}
	for _, n := range m.Graph.Nodes {
		for _, in := range n.Inputs {
			assert.True(t, seen[in], "%s reads %s before it is produced", n.Name, in)
		}
		for _, out := range n.Outputs {
			seen[out] = true
		}
	}
}

func TestUniqueNames(t *testing.T) {
	q := &quantizer{names: map[string]bool{"w_scale": true, "w_scale_1": true}}
	assert.Equal(t, "w_scale_2", q.unique("w_scale"))
	assert.Equal(t, "w_zero_point", q.unique("w_zero_point"))
	assert.Equal(t, "w_zero_point_1", q.unique("w_zero_point"))
}
