package onnx

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/born-ml/modelprep/internal/fsutil"
	"google.golang.org/protobuf/encoding/protowire"
)

// maxModelSize is the largest message a protobuf parser accepts.
const maxModelSize = math.MaxInt32

// Marshal serializes a model to bytes.
func Marshal(m *ModelProto) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile serializes a model to path. The parent directory is created if
// needed and the file is replaced atomically, so a failed write never leaves a
// truncated model behind.
func WriteFile(path string, m *ModelProto) error {
	return fsutil.WriteAtomic(path, func(w io.Writer) error {
		return Encode(w, m)
	})
}

// Encode streams a model to w.
//
// Initializer raw data is written straight from the tensors rather than being
// copied into an intermediate buffer, so encoding a model costs roughly its
// non-weight metadata in extra memory.
func Encode(w io.Writer, m *ModelProto) error {
	if m.Graph == nil {
		return ErrNoGraph
	}

	head := appendModelHead(nil, m)
	graphHead := appendGraphHead(nil, m.Graph)

	graphSize := len(graphHead)
	tensorHeads := make([][]byte, len(m.Graph.Initializers))
	for i := range m.Graph.Initializers {
		t := &m.Graph.Initializers[i]
		th := appendTensorHead(nil, t)
		tensorHeads[i] = th
		body := tensorBodySize(th, t)
		graphSize += protowire.SizeTag(5) + protowire.SizeBytes(body)
	}

	total := len(head) + protowire.SizeTag(7) + protowire.SizeBytes(graphSize)
	if total > maxModelSize {
		return fmt.Errorf("%w: %d bytes", ErrModelTooLarge, total)
	}

	var prefix []byte
	prefix = append(prefix, head...)
	prefix = protowire.AppendTag(prefix, 7, protowire.BytesType)
	prefix = protowire.AppendVarint(prefix, uint64(graphSize)) //nolint:gosec // G115: bounded by maxModelSize.
	prefix = append(prefix, graphHead...)
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}

	for i := range m.Graph.Initializers {
		t := &m.Graph.Initializers[i]
		th := tensorHeads[i]
		var chunk []byte
		chunk = protowire.AppendTag(chunk, 5, protowire.BytesType)
		chunk = protowire.AppendVarint(chunk, uint64(tensorBodySize(th, t))) //nolint:gosec // G115: bounded by maxModelSize.
		chunk = append(chunk, th...)
		if len(t.RawData) > 0 {
			chunk = protowire.AppendTag(chunk, 9, protowire.BytesType)
			chunk = protowire.AppendVarint(chunk, uint64(len(t.RawData)))
		}
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("failed to write initializer %s: %w", t.Name, err)
		}
		if len(t.RawData) > 0 {
			if _, err := w.Write(t.RawData); err != nil {
				return fmt.Errorf("failed to write initializer %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

// tensorBodySize returns the encoded size of a tensor given its head (all fields
// except raw_data).
func tensorBodySize(head []byte, t *TensorProto) int {
	size := len(head)
	if len(t.RawData) > 0 {
		size += protowire.SizeTag(9) + protowire.SizeBytes(len(t.RawData))
	}
	return size
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v)) //nolint:gosec // G115: two's complement varint.
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	return appendBytesField(b, num, body)
}

// appendModelHead encodes every ModelProto field except the graph.
func appendModelHead(b []byte, m *ModelProto) []byte {
	b = appendInt(b, 1, m.IRVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 4, m.Domain)
	b = appendInt(b, 5, m.ModelVersion)
	b = appendString(b, 6, m.DocString)
	for i := range m.OpsetImport {
		b = appendMessage(b, 8, appendOpset(nil, &m.OpsetImport[i]))
	}
	for i := range m.MetadataProps {
		b = appendMessage(b, 14, appendEntry(nil, &m.MetadataProps[i]))
	}
	return append(b, m.unknown...)
}

// appendGraphHead encodes every GraphProto field except the initializers.
func appendGraphHead(b []byte, g *GraphProto) []byte {
	for i := range g.Nodes {
		b = appendMessage(b, 1, appendNode(nil, &g.Nodes[i]))
	}
	b = appendString(b, 2, g.Name)
	b = appendString(b, 10, g.DocString)
	for i := range g.Inputs {
		b = appendMessage(b, 11, appendValueInfo(nil, &g.Inputs[i]))
	}
	for i := range g.Outputs {
		b = appendMessage(b, 12, appendValueInfo(nil, &g.Outputs[i]))
	}
	for i := range g.ValueInfo {
		b = appendMessage(b, 13, appendValueInfo(nil, &g.ValueInfo[i]))
	}
	return append(b, g.unknown...)
}

// appendGraph encodes a complete graph; used for subgraph attributes.
func appendGraph(b []byte, g *GraphProto) []byte {
	b = appendGraphHead(b, g)
	for i := range g.Initializers {
		b = appendMessage(b, 5, appendTensor(nil, &g.Initializers[i]))
	}
	return b
}

func appendNode(b []byte, n *NodeProto) []byte {
	for _, in := range n.Inputs {
		// Empty names mark omitted optional inputs and must be kept.
		b = appendBytesField(b, 1, []byte(in))
	}
	for _, out := range n.Outputs {
		b = appendBytesField(b, 2, []byte(out))
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for i := range n.Attributes {
		b = appendMessage(b, 5, appendAttribute(nil, &n.Attributes[i]))
	}
	b = appendString(b, 6, n.DocString)
	b = appendString(b, 7, n.Domain)
	return append(b, n.unknown...)
}

// appendTensorHead encodes every TensorProto field except raw_data.
func appendTensorHead(b []byte, t *TensorProto) []byte {
	for _, d := range t.Dims {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d)) //nolint:gosec // G115: two's complement varint.
	}
	b = appendInt(b, 2, int64(t.DataType))
	if len(t.FloatData) > 0 {
		var packed []byte
		for _, v := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = appendBytesField(b, 4, packed)
	}
	if len(t.Int32Data) > 0 {
		var packed []byte
		for _, v := range t.Int32Data {
			packed = protowire.AppendVarint(packed, uint64(int64(v))) //nolint:gosec // G115: sign-extended varint.
		}
		b = appendBytesField(b, 5, packed)
	}
	if len(t.Int64Data) > 0 {
		var packed []byte
		for _, v := range t.Int64Data {
			packed = protowire.AppendVarint(packed, uint64(v)) //nolint:gosec // G115: two's complement varint.
		}
		b = appendBytesField(b, 7, packed)
	}
	b = appendString(b, 8, t.Name)
	b = appendString(b, 12, t.DocString)
	for i := range t.ExternalData {
		b = appendMessage(b, 13, appendEntry(nil, &t.ExternalData[i]))
	}
	b = appendInt(b, 14, int64(t.DataLocation))
	return append(b, t.unknown...)
}

func appendTensor(b []byte, t *TensorProto) []byte {
	b = appendTensorHead(b, t)
	if len(t.RawData) > 0 {
		b = appendBytesField(b, 9, t.RawData)
	}
	return b
}

func appendValueInfo(b []byte, v *ValueInfoProto) []byte {
	b = appendString(b, 1, v.Name)
	if v.Type != nil {
		b = appendMessage(b, 2, appendType(nil, v.Type))
	}
	b = appendString(b, 3, v.DocString)
	return append(b, v.unknown...)
}

func appendType(b []byte, t *TypeProto) []byte {
	if t.TensorType != nil {
		b = appendMessage(b, 1, appendTensorType(nil, t.TensorType))
	}
	return append(b, t.unknown...)
}

func appendTensorType(b []byte, t *TensorTypeProto) []byte {
	b = appendInt(b, 1, int64(t.ElemType))
	if t.Shape != nil {
		b = appendMessage(b, 2, appendShape(nil, t.Shape))
	}
	return append(b, t.unknown...)
}

func appendShape(b []byte, s *TensorShapeProto) []byte {
	for i := range s.Dims {
		b = appendMessage(b, 1, appendDimension(nil, &s.Dims[i]))
	}
	return append(b, s.unknown...)
}

func appendDimension(b []byte, d *DimensionProto) []byte {
	// A dimension with neither value nor param is an unknown extent.
	if d.DimParam != "" {
		b = appendString(b, 2, d.DimParam)
	} else {
		b = appendInt(b, 1, d.DimValue)
	}
	return append(b, d.unknown...)
}

//nolint:gocyclo,cyclop // One branch per attribute field.
func appendAttribute(b []byte, a *AttributeProto) []byte {
	b = appendString(b, 1, a.Name)
	if a.Type == AttributeProtoFloat || a.F != 0 {
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	}
	if a.Type == AttributeProtoInt || a.I != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I)) //nolint:gosec // G115: two's complement varint.
	}
	if a.Type == AttributeProtoString || len(a.S) > 0 {
		b = appendBytesField(b, 4, a.S)
	}
	if a.T != nil {
		b = appendMessage(b, 5, appendTensor(nil, a.T))
	}
	if a.G != nil {
		b = appendMessage(b, 6, appendGraph(nil, a.G))
	}
	for _, f := range a.Floats {
		b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(f))
	}
	for _, v := range a.Ints {
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v)) //nolint:gosec // G115: two's complement varint.
	}
	for _, s := range a.Strings {
		b = appendBytesField(b, 9, s)
	}
	for i := range a.Tensors {
		b = appendMessage(b, 10, appendTensor(nil, &a.Tensors[i]))
	}
	for i := range a.Graphs {
		b = appendMessage(b, 11, appendGraph(nil, &a.Graphs[i]))
	}
	b = appendString(b, 13, a.DocString)
	b = appendInt(b, 20, int64(a.Type))
	return append(b, a.unknown...)
}

func appendOpset(b []byte, o *OperatorSetID) []byte {
	b = appendString(b, 1, o.Domain)
	b = appendInt(b, 2, o.Version)
	return append(b, o.unknown...)
}

func appendEntry(b []byte, e *StringStringEntry) []byte {
	b = appendString(b, 1, e.Key)
	return appendString(b, 2, e.Value)
}
