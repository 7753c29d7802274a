package onnx

import (
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// DecodeError reports a malformed field while decoding an ONNX message.
type DecodeError struct {
	Message string           // Message being decoded (e.g., "TensorProto")
	Field   protowire.Number // Field number, 0 when the tag itself is malformed
	Err     error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Field == 0 {
		return fmt.Sprintf("onnx: decode %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("onnx: decode %s field %d: %v", e.Message, e.Field, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

var errWireType = errors.New("unexpected wire type")

// ParseFile parses an ONNX model from file.
//
//nolint:gosec // G304: Path is provided by user, file inclusion is intentional for ONNX model loading
func ParseFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// Parse parses an ONNX model from bytes. Byte fields (raw tensor data) alias data.
func Parse(data []byte) (*ModelProto, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Message: "ModelProto", Err: errors.New("empty input")}
	}
	model := &ModelProto{}
	if err := model.unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	if model.Graph == nil {
		return nil, fmt.Errorf("failed to parse model: %w", ErrNoGraph)
	}
	return model, nil
}

// field is one decoded tag/value pair.
type field struct {
	msg string
	num protowire.Number
	typ protowire.Type
	raw []byte // tag and value, kept verbatim for unknown fields
	buf []byte // payload of a length-delimited field
	v   uint64 // payload of a varint or fixed field
}

// eachField walks the fields of one message. fn reports whether it consumed the
// field; unconsumed fields are appended to unknown.
func eachField(b []byte, msg string, unknown *[]byte, fn func(f *field) (bool, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &DecodeError{Message: msg, Err: protowire.ParseError(n)}
		}
		m := protowire.ConsumeFieldValue(num, typ, b[n:])
		if m < 0 {
			return &DecodeError{Message: msg, Field: num, Err: protowire.ParseError(m)}
		}

		f := field{msg: msg, num: num, typ: typ, raw: b[:n+m]}
		body := b[n : n+m]
		switch typ {
		case protowire.VarintType:
			f.v, _ = protowire.ConsumeVarint(body)
		case protowire.Fixed32Type:
			v, _ := protowire.ConsumeFixed32(body)
			f.v = uint64(v)
		case protowire.Fixed64Type:
			f.v, _ = protowire.ConsumeFixed64(body)
		case protowire.BytesType:
			f.buf, _ = protowire.ConsumeBytes(body)
		}
		b = b[n+m:]

		ok, err := fn(&f)
		if err != nil {
			return err
		}
		if !ok && unknown != nil {
			*unknown = append(*unknown, f.raw...)
		}
	}
	return nil
}

func (f *field) fail(err error) error {
	return &DecodeError{Message: f.msg, Field: f.num, Err: err}
}

func (f *field) expect(typ protowire.Type) error {
	if f.typ != typ {
		return f.fail(fmt.Errorf("%w: got %d, want %d", errWireType, f.typ, typ))
	}
	return nil
}

func (f *field) int64() (int64, error) {
	if err := f.expect(protowire.VarintType); err != nil {
		return 0, err
	}
	return int64(f.v), nil //nolint:gosec // G115: two's complement varint.
}

func (f *field) int32() (int32, error) {
	v, err := f.int64()
	return int32(v), err //nolint:gosec // G115: int32 fields are sign-extended varints.
}

func (f *field) float32() (float32, error) {
	if err := f.expect(protowire.Fixed32Type); err != nil {
		return 0, err
	}
	return math.Float32frombits(uint32(f.v)), nil //nolint:gosec // G115: fixed32 payload.
}

func (f *field) bytes() ([]byte, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return nil, err
	}
	return f.buf, nil
}

func (f *field) string() (string, error) {
	b, err := f.bytes()
	return string(b), err
}

func (f *field) message(unmarshal func([]byte) error) error {
	b, err := f.bytes()
	if err != nil {
		return err
	}
	return unmarshal(b)
}

// int64s decodes a repeated varint field in either packed or unpacked form.
func (f *field) int64s(dst []int64) ([]int64, error) {
	switch f.typ {
	case protowire.VarintType:
		return append(dst, int64(f.v)), nil //nolint:gosec // G115: two's complement varint.
	case protowire.BytesType:
		b := f.buf
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, f.fail(protowire.ParseError(n))
			}
			dst = append(dst, int64(v)) //nolint:gosec // G115: two's complement varint.
			b = b[n:]
		}
		return dst, nil
	default:
		return nil, f.fail(errWireType)
	}
}

func (f *field) int32s(dst []int32) ([]int32, error) {
	vals, err := f.int64s(nil)
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		dst = append(dst, int32(v)) //nolint:gosec // G115: int32 fields are sign-extended varints.
	}
	return dst, nil
}

// float32s decodes a repeated float field in either packed or unpacked form.
func (f *field) float32s(dst []float32) ([]float32, error) {
	switch f.typ {
	case protowire.Fixed32Type:
		return append(dst, math.Float32frombits(uint32(f.v))), nil //nolint:gosec // G115: fixed32 payload.
	case protowire.BytesType:
		b := f.buf
		if len(b)%4 != 0 {
			return nil, f.fail(fmt.Errorf("packed float length %d not a multiple of 4", len(b)))
		}
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, f.fail(protowire.ParseError(n))
			}
			dst = append(dst, math.Float32frombits(v))
			b = b[n:]
		}
		return dst, nil
	default:
		return nil, f.fail(errWireType)
	}
}

//nolint:gocognit,gocyclo,cyclop // Protobuf decoding requires field-by-field switch logic.
func (m *ModelProto) unmarshal(b []byte) error {
	return eachField(b, "ModelProto", &m.unknown, func(f *field) (bool, error) {
		var err error
		switch f.num {
		case 1: // ir_version
			m.IRVersion, err = f.int64()
		case 2: // producer_name
			m.ProducerName, err = f.string()
		case 3: // producer_version
			m.ProducerVersion, err = f.string()
		case 4: // domain
			m.Domain, err = f.string()
		case 5: // model_version
			m.ModelVersion, err = f.int64()
		case 6: // doc_string
			m.DocString, err = f.string()
		case 7: // graph
			m.Graph = &GraphProto{}
			err = f.message(m.Graph.unmarshal)
		case 8: // opset_import
			var opset OperatorSetID
			err = f.message(opset.unmarshal)
			m.OpsetImport = append(m.OpsetImport, opset)
		case 14: // metadata_props
			var entry StringStringEntry
			err = f.message(entry.unmarshal)
			m.MetadataProps = append(m.MetadataProps, entry)
		default:
			return false, nil
		}
		return true, err
	})
}

//nolint:gocognit,gocyclo,cyclop // Protobuf decoding requires field-by-field switch logic.
func (m *GraphProto) unmarshal(b []byte) error {
	return eachField(b, "GraphProto", &m.unknown, func(f *field) (bool, error) {
		var err error
		switch f.num {
		case 1: // node
			var node NodeProto
			err = f.message(node.unmarshal)
			m.Nodes = append(m.Nodes, node)
		case 2: // name
			m.Name, err = f.string()
		case 5: // initializer
			var t TensorProto
			err = f.message(t.unmarshal)
			m.Initializers = append(m.Initializers, t)
		case 10: // doc_string
			m.DocString, err = f.string()
		case 11: // input
			var vi ValueInfoProto
			err = f.message(vi.unmarshal)
			m.Inputs = append(m.Inputs, vi)
		case 12: // output
			var vi ValueInfoProto
			err = f.message(vi.unmarshal)
			m.Outputs = append(m.Outputs, vi)
		case 13: // value_info
			var vi ValueInfoProto
			err = f.message(vi.unmarshal)
			m.ValueInfo = append(m.ValueInfo, vi)
		default:
			return false, nil
		}
		return true, err
	})
}

func (m *NodeProto) unmarshal(b []byte) error {
	return eachField(b, "NodeProto", &m.unknown, func(f *field) (bool, error) {
		var err error
		switch f.num {
		case 1: // input
			var s string
			s, err = f.string()
			m.Inputs = append(m.Inputs, s)
		case 2: // output
			var s string
			s, err = f.string()
			m.Outputs = append(m.Outputs, s)
		case 3: // name
			m.Name, err = f.string()
		case 4: // op_type
			m.OpType, err = f.string()
		case 5: // attribute
			var attr AttributeProto
			err = f.message(attr.unmarshal)
			m.Attributes = append(m.Attributes, attr)
		case 6: // doc_string
			m.DocString, err = f.string()
		case 7: // domain
			m.Domain, err = f.string()
		default:
			return false, nil
		}
		return true, err
	})
}

//nolint:gocognit,gocyclo,cyclop // Protobuf decoding requires field-by-field switch logic.
func (m *TensorProto) unmarshal(b []byte) error {
	return eachField(b, "TensorProto", &m.unknown, func(f *field) (bool, error) {
		var err error
		switch f.num {
		case 1: // dims
			m.Dims, err = f.int64s(m.Dims)
		case 2: // data_type
			m.DataType, err = f.int32()
		case 4: // float_data
			m.FloatData, err = f.float32s(m.FloatData)
		case 5: // int32_data
			m.Int32Data, err = f.int32s(m.Int32Data)
		case 7: // int64_data
			m.Int64Data, err = f.int64s(m.Int64Data)
		case 8: // name
			m.Name, err = f.string()
		case 9: // raw_data
			m.RawData, err = f.bytes()
		case 12: // doc_string
			m.DocString, err = f.string()
		case 13: // external_data
			var entry StringStringEntry
			err = f.message(entry.unmarshal)
			m.ExternalData = append(m.ExternalData, entry)
		case 14: // data_location
			m.DataLocation, err = f.int32()
		default:
			return false, nil
		}
		return true, err
	})
}

func (m *ValueInfoProto) unmarshal(b []byte) error {
	return eachField(b, "ValueInfoProto", &m.unknown, func(f *field) (bool, error) {
		var err error
		switch f.num {
		case 1: // name
			m.Name, err = f.string()
		case 2: // type
			m.Type = &TypeProto{}
			err = f.message(m.Type.unmarshal)
		case 3: // doc_string
			m.DocString, err = f.string()
		default:
			return false, nil
		}
		return true, err
	})
}

func (m *TypeProto) unmarshal(b []byte) error {
	return eachField(b, "TypeProto", &m.unknown, func(f *field) (bool, error) {
		if f.num != 1 { // tensor_type
			return false, nil
		}
		m.TensorType = &TensorTypeProto{}
		return true, f.message(m.TensorType.unmarshal)
	})
}

func (m *TensorTypeProto) unmarshal(b []byte) error {
	return eachField(b, "TypeProto.Tensor", &m.unknown, func(f *field) (bool, error) {
		var err error
		switch f.num {
		case 1: // elem_type
			m.ElemType, err = f.int32()
		case 2: // shape
			m.Shape = &TensorShapeProto{}
			err = f.message(m.Shape.unmarshal)
		default:
			return false, nil
		}
		return true, err
	})
}

func (m *TensorShapeProto) unmarshal(b []byte) error {
	return eachField(b, "TensorShapeProto", &m.unknown, func(f *field) (bool, error) {
		if f.num != 1 { // dim
			return false, nil
		}
		var dim DimensionProto
		err := f.message(dim.unmarshal)
		m.Dims = append(m.Dims, dim)
		return true, err
	})
}

func (m *DimensionProto) unmarshal(b []byte) error {
	return eachField(b, "TensorShapeProto.Dimension", &m.unknown, func(f *field) (bool, error) {
		var err error
		switch f.num {
		case 1: // dim_value
			m.DimValue, err = f.int64()
		case 2: // dim_param
			m.DimParam, err = f.string()
		default:
			return false, nil
		}
		return true, err
	})
}

//nolint:gocognit,gocyclo,cyclop,funlen // Protobuf decoding requires field-by-field switch logic.
func (m *AttributeProto) unmarshal(b []byte) error {
	return eachField(b, "AttributeProto", &m.unknown, func(f *field) (bool, error) {
		var err error
		switch f.num {
		case 1: // name
			m.Name, err = f.string()
		case 2: // f
			m.F, err = f.float32()
		case 3: // i
			m.I, err = f.int64()
		case 4: // s
			m.S, err = f.bytes()
		case 5: // t
			m.T = &TensorProto{}
			err = f.message(m.T.unmarshal)
		case 6: // g
			m.G = &GraphProto{}
			err = f.message(m.G.unmarshal)
		case 7: // floats
			m.Floats, err = f.float32s(m.Floats)
		case 8: // ints
			m.Ints, err = f.int64s(m.Ints)
		case 9: // strings
			var s []byte
			s, err = f.bytes()
			m.Strings = append(m.Strings, s)
		case 10: // tensors
			var t TensorProto
			err = f.message(t.unmarshal)
			m.Tensors = append(m.Tensors, t)
		case 11: // graphs
			var g GraphProto
			err = f.message(g.unmarshal)
			m.Graphs = append(m.Graphs, g)
		case 13: // doc_string
			m.DocString, err = f.string()
		case 20: // type
			m.Type, err = f.int32()
		default:
			return false, nil
		}
		return true, err
	})
}

func (m *OperatorSetID) unmarshal(b []byte) error {
	return eachField(b, "OperatorSetIdProto", &m.unknown, func(f *field) (bool, error) {
		var err error
		switch f.num {
		case 1: // domain
			m.Domain, err = f.string()
		case 2: // version
			m.Version, err = f.int64()
		default:
			return false, nil
		}
		return true, err
	})
}

func (m *StringStringEntry) unmarshal(b []byte) error {
	return eachField(b, "StringStringEntryProto", nil, func(f *field) (bool, error) {
		var err error
		switch f.num {
		case 1: // key
			m.Key, err = f.string()
		case 2: // value
			m.Value, err = f.string()
		default:
			return false, nil
		}
		return true, err
	})
}
