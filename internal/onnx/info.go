package onnx

import (
	"sort"
	"strconv"
)

// ModelInfo contains basic information about an ONNX model.
type ModelInfo struct {
	IRVersion        int64             `json:"ir_version" yaml:"ir_version"`
	OpsetVersion     int64             `json:"opset_version" yaml:"opset_version"`
	ProducerName     string            `json:"producer_name,omitempty" yaml:"producer_name,omitempty"`
	ProducerVersion  string            `json:"producer_version,omitempty" yaml:"producer_version,omitempty"`
	GraphName        string            `json:"graph_name,omitempty" yaml:"graph_name,omitempty"`
	Inputs           []ValueSummary    `json:"inputs" yaml:"inputs"`
	Outputs          []ValueSummary    `json:"outputs" yaml:"outputs"`
	NodeCount        int               `json:"node_count" yaml:"node_count"`
	OpCounts         map[string]int    `json:"op_counts" yaml:"op_counts"`
	WeightCount      int               `json:"weight_count" yaml:"weight_count"`
	WeightBytes      int64             `json:"weight_bytes" yaml:"weight_bytes"`
	WeightTypeCounts map[string]int    `json:"weight_type_counts" yaml:"weight_type_counts"`
	Metadata         map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ValueSummary describes a graph input or output.
type ValueSummary struct {
	Name     string   `json:"name" yaml:"name"`
	ElemType string   `json:"elem_type" yaml:"elem_type"`
	Shape    []string `json:"shape" yaml:"shape"`
}

// Info summarizes a parsed model. Graph inputs backed by initializers are
// not reported as inputs.
func (m *ModelProto) Info() *ModelInfo {
	info := &ModelInfo{
		IRVersion:        m.IRVersion,
		OpsetVersion:     m.OpsetVersion(""),
		ProducerName:     m.ProducerName,
		ProducerVersion:  m.ProducerVersion,
		OpCounts:         make(map[string]int),
		WeightTypeCounts: make(map[string]int),
		Metadata:         m.Metadata(),
	}
	if m.Graph == nil {
		return info
	}
	g := m.Graph
	info.GraphName = g.Name

	initNames := make(map[string]bool, len(g.Initializers))
	for i := range g.Initializers {
		t := &g.Initializers[i]
		initNames[t.Name] = true
		info.WeightBytes += t.ByteSize()
		info.WeightTypeCounts[DataTypeName(t.DataType)]++
	}
	info.WeightCount = len(g.Initializers)

	for i := range g.Inputs {
		if !initNames[g.Inputs[i].Name] {
			info.Inputs = append(info.Inputs, summarize(&g.Inputs[i]))
		}
	}
	for i := range g.Outputs {
		info.Outputs = append(info.Outputs, summarize(&g.Outputs[i]))
	}

	info.NodeCount = len(g.Nodes)
	for i := range g.Nodes {
		op := g.Nodes[i].OpType
		if !g.Nodes[i].IsDefaultDomain() {
			op = g.Nodes[i].Domain + "." + op
		}
		info.OpCounts[op]++
	}
	return info
}

// SortedOps returns the operator histogram keys in alphabetical order.
func (i *ModelInfo) SortedOps() []string {
	ops := make([]string, 0, len(i.OpCounts))
	for op := range i.OpCounts {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func summarize(v *ValueInfoProto) ValueSummary {
	s := ValueSummary{Name: v.Name, ElemType: DataTypeName(TensorProtoUndefined)}
	if v.Type == nil || v.Type.TensorType == nil {
		return s
	}
	s.ElemType = DataTypeName(v.Type.TensorType.ElemType)
	if v.Type.TensorType.Shape == nil {
		return s
	}
	for _, d := range v.Type.TensorType.Shape.Dims {
		switch {
		case d.DimParam != "":
			s.Shape = append(s.Shape, d.DimParam)
		case d.DimValue > 0:
			s.Shape = append(s.Shape, strconv.FormatInt(d.DimValue, 10))
		default:
			s.Shape = append(s.Shape, "?")
		}
	}
	return s
}
