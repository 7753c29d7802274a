package quantize

import (
	"fmt"
	"slices"

	"github.com/born-ml/modelprep/internal/graphopt"
	"github.com/born-ml/modelprep/internal/logger"
	"github.com/born-ml/modelprep/internal/onnx"
	"github.com/born-ml/modelprep/internal/parallel"
)

// minOpset is the lowest opset MatMulInteger exists in. DynamicQuantizeLinear
// needs 11, so opset 10 models are upgraded.
const (
	minOpset     = 10
	dynamicOpset = 11
)

// Stats counts what QuantizeModel rewrote.
type Stats struct {
	Weights          int // initializers replaced by integer tensors
	MatMuls          int // MatMul nodes turned into MatMulInteger
	Gathers          int // Gather nodes reading quantized data
	ActivationQuants int // DynamicQuantizeLinear nodes added
	Dequantized      int // weights still read as float through DequantizeLinear
	SkippedNonFloat  int // candidate weights stored as float16, double, ...
	ExcludedNodes    int
	FloatBytes       int64 // payload of the replaced float initializers
	QuantizedBytes   int64 // payload of the integer tensors, scales and zero points
	OpsetUpgraded    bool
	Optimize         *graphopt.Stats
}

// weightUse is one node reading a candidate weight.
type weightUse struct {
	node  int
	quant bool // rewritten to read the integer tensor
}

type quantizer struct {
	opts    Options
	cfg     parallel.Config
	g       *onnx.GraphProto
	stats   *Stats
	names   map[string]bool
	outputs map[string]bool
	exclude map[string]bool

	// Activation quantization shared by every MatMul reading the same input.
	activations map[string][3]string

	// Nodes emitted in place of node i, and nodes to place first.
	replace map[int][]onnx.NodeProto
	prefix  []onnx.NodeProto
}

// QuantizeModel rewrites the float weights of m into 8-bit integer tensors
// in place. MatMul nodes with a constant 2-D B become DynamicQuantizeLinear +
// MatMulInteger and Gather nodes over constant data become Gather +
// DequantizeLinear. Any other reader of a quantized weight receives it
// through a shared DequantizeLinear.
func QuantizeModel(m *onnx.ModelProto, opts Options) (*Stats, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if m.Graph == nil {
		return nil, onnx.ErrNoGraph
	}

	stats := &Stats{}
	opset := m.OpsetVersion("")
	switch {
	case opset < minOpset:
		return nil, fmt.Errorf("%w: %d (need at least %d)", ErrUnsupportedOpset, opset, minOpset)
	case opset < dynamicOpset:
		m.SetOpsetVersion("", dynamicOpset)
		stats.OpsetUpgraded = true
		logger.Log.Info("upgraded opset for dynamic quantization", "from", opset, "to", dynamicOpset)
	}

	if opts.Optimize {
		optStats, err := graphopt.Optimize(m)
		if err != nil {
			return nil, fmt.Errorf("failed to optimize graph: %w", err)
		}
		stats.Optimize = optStats
	}

	q := &quantizer{
		opts:        opts,
		cfg:         parallel.WithWorkers(opts.Workers),
		g:           m.Graph,
		stats:       stats,
		names:       allNames(m.Graph),
		outputs:     m.Graph.OutputNames(),
		exclude:     make(map[string]bool, len(opts.NodesToExclude)),
		activations: make(map[string][3]string),
		replace:     make(map[int][]onnx.NodeProto),
	}
	for _, n := range opts.NodesToExclude {
		q.exclude[n] = true
	}
	if err := q.run(); err != nil {
		return nil, err
	}
	return stats, nil
}

func (q *quantizer) run() error {
	g := q.g
	consumers := g.Consumers()
	graphInputs := make(map[string]bool, len(g.Inputs))
	for i := range g.Inputs {
		graphInputs[g.Inputs[i].Name] = true
	}

	// Visit weights in initializer order so the output is deterministic.
	dropped := make(map[string]bool)
	var added []onnx.TensorProto
	for wi := range g.Initializers {
		w := &g.Initializers[wi]
		if graphInputs[w.Name] {
			continue
		}
		uses, perChannel := q.classify(w, consumers[w.Name])
		if !anyQuant(uses) {
			continue
		}
		if w.IsExternal() {
			return fmt.Errorf("weight %s: %w", w.Name, onnx.ErrExternalData)
		}
		if w.DataType != onnx.TensorProtoFloat {
			q.stats.SkippedNonFloat++
			continue
		}

		tensors, err := q.quantizeWeight(w, uses, perChannel)
		if err != nil {
			return err
		}
		q.stats.FloatBytes += w.ByteSize()
		for i := range tensors {
			q.stats.QuantizedBytes += tensors[i].ByteSize()
		}
		added = append(added, tensors...)
		dropped[w.Name] = true
	}

	if len(dropped) == 0 {
		logger.Log.Info("no weights to quantize")
		return nil
	}

	g.Initializers = slices.DeleteFunc(g.Initializers, func(t onnx.TensorProto) bool {
		return dropped[t.Name]
	})
	g.Initializers = append(g.Initializers, added...)

	nodes := make([]onnx.NodeProto, 0, len(g.Nodes)+4*len(q.replace)+len(q.prefix))
	nodes = append(nodes, q.prefix...)
	for i := range g.Nodes {
		if r, ok := q.replace[i]; ok {
			nodes = append(nodes, r...)
			continue
		}
		nodes = append(nodes, g.Nodes[i])
	}
	// A shared DynamicQuantizeLinear is emitted with whichever reader was
	// rewritten first, which need not be the earliest one.
	g.Nodes = onnx.TopologicalSort(nodes)
	q.stats.Weights = len(dropped)
	return nil
}

// classify splits the readers of w into rewritable and float readers and
// decides whether per-channel scales can be used.
func (q *quantizer) classify(w *onnx.TensorProto, readers []int) ([]weightUse, bool) {
	uses := make([]weightUse, 0, len(readers))
	allMatMul := len(readers) > 0
	for _, i := range readers {
		n := &q.g.Nodes[i]
		quant := false
		switch {
		case !n.IsDefaultDomain():
		case q.exclude[n.Name] && n.Name != "":
			q.stats.ExcludedNodes++
		case n.OpType == OpMatMul && q.opts.quantizes(OpMatMul):
			quant = len(n.Inputs) == 2 && n.Inputs[1] == w.Name && n.Inputs[0] != w.Name && len(w.Dims) == 2
		case n.OpType == OpGather && q.opts.quantizes(OpGather):
			quant = len(n.Inputs) == 2 && n.Inputs[0] == w.Name && n.Inputs[1] != w.Name
		}
		if !quant || n.OpType != OpMatMul {
			allMatMul = false
		}
		uses = append(uses, weightUse{node: i, quant: quant})
	}
	return uses, q.opts.PerChannel && allMatMul
}

func anyQuant(uses []weightUse) bool {
	for _, u := range uses {
		if u.quant {
			return true
		}
	}
	return false
}

// quantizeWeight builds the integer tensor, scale and zero point of w and
// schedules the node rewrites of its readers.
func (q *quantizer) quantizeWeight(w *onnx.TensorProto, uses []weightUse, perChannel bool) ([]onnx.TensorProto, error) {
	values, err := w.Float32s()
	if err != nil {
		return nil, err
	}

	var (
		data       []byte
		scales     []float32
		zeroPoints []byte
		paramDims  []int64
	)
	if perChannel {
		rows, cols := int(w.Dims[0]), int(w.Dims[1])
		var params []Params
		data, params = quantizeColumns(values, rows, cols, q.opts.WeightType, q.cfg)
		for _, p := range params {
			scales = append(scales, p.Scale)
			zeroPoints = append(zeroPoints, encode(p.ZeroPoint))
		}
		paramDims = []int64{int64(cols)}
	} else {
		var p Params
		data, p = quantizeTensor(values, q.opts.WeightType, q.cfg)
		scales = []float32{p.Scale}
		zeroPoints = []byte{encode(p.ZeroPoint)}
	}

	qName := q.unique(w.Name + "_quantized")
	sName := q.unique(w.Name + "_scale")
	zpName := q.unique(w.Name + "_zero_point")
	tensors := []onnx.TensorProto{
		q.intTensor(qName, w.Dims, data),
		onnx.FloatTensor(sName, paramDims, scales),
		q.intTensor(zpName, paramDims, zeroPoints),
	}

	floatReaders := q.outputs[w.Name]
	for _, u := range uses {
		n := q.g.Nodes[u.node]
		if !u.quant {
			floatReaders = true
			continue
		}
		switch n.OpType {
		case OpMatMul:
			q.replace[u.node] = q.matMulInteger(n, qName, sName, zpName)
			q.stats.MatMuls++
		case OpGather:
			q.replace[u.node] = q.gatherDequantize(n, qName, sName, zpName)
			q.stats.Gathers++
		}
	}

	// Float readers keep using the original name, now produced by a
	// DequantizeLinear instead of stored.
	if floatReaders {
		q.prefix = append(q.prefix, onnx.NodeProto{
			Name:    q.unique(w.Name + "_DequantizeLinear"),
			OpType:  "DequantizeLinear",
			Inputs:  []string{qName, sName, zpName},
			Outputs: []string{w.Name},
		})
		q.stats.Dequantized++
	}

	logger.Log.Debug("quantized weight",
		"name", w.Name,
		"dims", w.Dims,
		"per_channel", perChannel,
		"float_readers", floatReaders)
	return tensors, nil
}

func (q *quantizer) intTensor(name string, dims []int64, data []byte) onnx.TensorProto {
	if q.opts.WeightType == QInt8 {
		return onnx.Int8Tensor(name, dims, data)
	}
	return onnx.Uint8Tensor(name, dims, data)
}

// activation returns the DynamicQuantizeLinear outputs for input a, emitting
// the node the first time a is seen.
func (q *quantizer) activation(a string) ([3]string, *onnx.NodeProto) {
	if outs, ok := q.activations[a]; ok {
		return outs, nil
	}
	outs := [3]string{
		q.unique(a + "_quantized"),
		q.unique(a + "_scale"),
		q.unique(a + "_zero_point"),
	}
	q.activations[a] = outs
	q.stats.ActivationQuants++
	return outs, &onnx.NodeProto{
		Name:    q.unique(a + "_QuantizeLinear"),
		OpType:  "DynamicQuantizeLinear",
		Inputs:  []string{a},
		Outputs: outs[:],
	}
}

// matMulInteger rewrites Y = MatMul(A, W) as
// Y = Cast(MatMulInteger(Aq, Wq, Azp, Wzp)) * (Ascale * Wscale).
func (q *quantizer) matMulInteger(n onnx.NodeProto, wq, ws, wzp string) []onnx.NodeProto {
	var nodes []onnx.NodeProto
	a, y := n.Inputs[0], n.Outputs[0]
	act, dql := q.activation(a)
	if dql != nil {
		nodes = append(nodes, *dql)
	}

	base := n.Name
	if base == "" {
		base = y
	}
	intOut := q.unique(y + "_output_quantized")
	castOut := q.unique(y + "_output_quantized_cast")
	scales := q.unique(y + "_scales_mul")

	return append(nodes,
		onnx.NodeProto{
			Name:    q.unique(base + "_quant"),
			OpType:  "MatMulInteger",
			Inputs:  []string{act[0], wq, act[2], wzp},
			Outputs: []string{intOut},
		},
		onnx.NodeProto{
			Name:       q.unique(base + "_output_cast"),
			OpType:     "Cast",
			Inputs:     []string{intOut},
			Outputs:    []string{castOut},
			Attributes: []onnx.AttributeProto{onnx.AttrInt("to", onnx.TensorProtoFloat)},
		},
		onnx.NodeProto{
			Name:    q.unique(base + "_scales_mul"),
			OpType:  "Mul",
			Inputs:  []string{act[1], ws},
			Outputs: []string{scales},
		},
		onnx.NodeProto{
			Name:    q.unique(base + "_output_scale_mul"),
			OpType:  "Mul",
			Inputs:  []string{castOut, scales},
			Outputs: []string{y},
		},
	)
}

// gatherDequantize rewrites Y = Gather(W, idx) as
// Y = DequantizeLinear(Gather(Wq, idx), Wscale, Wzp).
func (q *quantizer) gatherDequantize(n onnx.NodeProto, wq, ws, wzp string) []onnx.NodeProto {
	y := n.Outputs[0]
	base := n.Name
	if base == "" {
		base = y
	}
	gathered := q.unique(y + "_quantized")
	return []onnx.NodeProto{
		{
			Name:       q.unique(base + "_quant"),
			OpType:     "Gather",
			Inputs:     []string{wq, n.Inputs[1]},
			Outputs:    []string{gathered},
			Attributes: n.Attributes,
		},
		{
			Name:    q.unique(base + "_DequantizeLinear"),
			OpType:  "DequantizeLinear",
			Inputs:  []string{gathered, ws, wzp},
			Outputs: []string{y},
		},
	}
}

// unique returns name, or name with a numeric suffix if it is taken, and
// reserves it.
func (q *quantizer) unique(name string) string {
	candidate := name
	for i := 1; q.names[candidate]; i++ {
		candidate = fmt.Sprintf("%s_%d", name, i)
	}
	q.names[candidate] = true
	return candidate
}

// allNames collects every value and node name in use.
func allNames(g *onnx.GraphProto) map[string]bool {
	names := make(map[string]bool)
	for i := range g.Inputs {
		names[g.Inputs[i].Name] = true
	}
	for i := range g.Outputs {
		names[g.Outputs[i].Name] = true
	}
	for i := range g.Initializers {
		names[g.Initializers[i].Name] = true
	}
	for i := range g.ValueInfo {
		names[g.ValueInfo[i].Name] = true
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Name != "" {
			names[n.Name] = true
		}
		for _, v := range n.Reads() {
			names[v] = true
		}
		for _, v := range n.Outputs {
			names[v] = true
		}
	}
	delete(names, "")
	return names
}
