package testutil

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/born-ml/modelprep/internal/onnx"
)

// Tensor is a dense value of Eval. Floating point elements live in F, integer
// and bool elements in I.
type Tensor struct {
	Type  int32
	Shape []int
	F     []float64
	I     []int64
}

// Int64s builds an int64 tensor.
func Int64s(shape []int, v ...int64) Tensor {
	return Tensor{Type: onnx.TensorProtoInt64, Shape: shape, I: v}
}

// Floats builds a float tensor.
func Floats(shape []int, v ...float64) Tensor {
	return Tensor{Type: onnx.TensorProtoFloat, Shape: shape, F: v}
}

func (t Tensor) isFloat() bool {
	return t.Type == onnx.TensorProtoFloat || t.Type == onnx.TensorProtoDouble
}

func (t Tensor) len() int { return numel(t.Shape) }

// At returns element i as a float.
func (t Tensor) At(i int) float64 {
	if t.isFloat() {
		return t.F[i]
	}
	return float64(t.I[i])
}

func (t Tensor) like(shape []int) Tensor {
	out := Tensor{Type: t.Type, Shape: shape}
	if t.isFloat() {
		out.F = make([]float64, numel(shape))
	} else {
		out.I = make([]int64, numel(shape))
	}
	return out
}

// copyFrom copies n elements of src starting at si to t starting at di.
func (t Tensor) copyFrom(di int, src Tensor, si, n int) {
	if t.isFloat() {
		copy(t.F[di:di+n], src.F[si:si+n])
		return
	}
	copy(t.I[di:di+n], src.I[si:si+n])
}

// Eval runs g with float64 arithmetic over the operators modelprep emits and
// returns its outputs. It is a readable reference, not a runtime.
func Eval(g *onnx.GraphProto, inputs map[string]Tensor) (map[string]Tensor, error) {
	env := make(map[string]Tensor, len(inputs)+len(g.Initializers))
	for i := range g.Initializers {
		t, err := fromProto(&g.Initializers[i])
		if err != nil {
			return nil, err
		}
		env[g.Initializers[i].Name] = t
	}
	for name, t := range inputs {
		env[name] = t
	}

	for _, n := range onnx.TopologicalSort(g.Nodes) {
		args := make([]Tensor, len(n.Inputs))
		present := make([]bool, len(n.Inputs))
		for i, name := range n.Inputs {
			if name == "" {
				continue
			}
			t, ok := env[name]
			if !ok {
				return nil, fmt.Errorf("eval: %s reads undefined value %q", n.Name, name)
			}
			args[i], present[i] = t, true
		}
		outs, err := evalNode(&n, args, present)
		if err != nil {
			return nil, fmt.Errorf("eval: %s (%s): %w", n.Name, n.OpType, err)
		}
		for i, name := range n.Outputs {
			if i < len(outs) {
				env[name] = outs[i]
			}
		}
	}

	results := make(map[string]Tensor, len(g.Outputs))
	for _, o := range g.Outputs {
		t, ok := env[o.Name]
		if !ok {
			return nil, fmt.Errorf("eval: output %q never produced", o.Name)
		}
		results[o.Name] = t
	}
	return results, nil
}

func fromProto(tp *onnx.TensorProto) (Tensor, error) {
	shape := make([]int, len(tp.Dims))
	for i, d := range tp.Dims {
		shape[i] = int(d)
	}
	t := Tensor{Type: tp.DataType, Shape: shape}
	switch {
	case tp.IsFloat():
		t.Type = onnx.TensorProtoFloat
		values, err := tp.Float32s()
		if err != nil {
			return Tensor{}, err
		}
		t.F = make([]float64, len(values))
		for i, v := range values {
			t.F[i] = float64(v)
		}
	case tp.DataType == onnx.TensorProtoInt64:
		values, err := tp.Int64s()
		if err != nil {
			return Tensor{}, err
		}
		t.I = values
	case tp.DataType == onnx.TensorProtoUint8 || tp.DataType == onnx.TensorProtoBool:
		t.I = make([]int64, len(tp.RawData))
		for i, b := range tp.RawData {
			t.I[i] = int64(b)
		}
	case tp.DataType == onnx.TensorProtoInt8:
		t.I = make([]int64, len(tp.RawData))
		for i, b := range tp.RawData {
			t.I[i] = int64(int8(b))
		}
	case tp.DataType == onnx.TensorProtoInt32:
		t.I = make([]int64, len(tp.RawData)/4)
		for i := range t.I {
			t.I[i] = int64(int32(binary.LittleEndian.Uint32(tp.RawData[i*4:]))) //nolint:gosec // two's complement
		}
	default:
		return Tensor{}, fmt.Errorf("eval: initializer %s has unsupported type %s", tp.Name, onnx.DataTypeName(tp.DataType))
	}
	if t.len() != max(len(t.F), len(t.I)) {
		return Tensor{}, fmt.Errorf("eval: initializer %s holds %d values for shape %v", tp.Name, max(len(t.F), len(t.I)), shape)
	}
	return t, nil
}

//nolint:gocyclo,cyclop // One case per operator.
func evalNode(n *onnx.NodeProto, in []Tensor, present []bool) ([]Tensor, error) {
	one := func(t Tensor, err error) ([]Tensor, error) {
		if err != nil {
			return nil, err
		}
		return []Tensor{t}, nil
	}
	switch n.OpType {
	case "Identity":
		return []Tensor{in[0]}, nil
	case "Add":
		return one(binaryOp(in[0], in[1], func(a, b float64) float64 { return a + b }))
	case "Sub":
		return one(binaryOp(in[0], in[1], func(a, b float64) float64 { return a - b }))
	case "Mul":
		return one(binaryOp(in[0], in[1], func(a, b float64) float64 { return a * b }))
	case "Div":
		return one(binaryOp(in[0], in[1], func(a, b float64) float64 { return a / b }))
	case "Pow":
		return one(binaryOp(in[0], in[1], math.Pow))
	case "Sqrt":
		return one(unary(in[0], math.Sqrt))
	case "Tanh":
		return one(unary(in[0], math.Tanh))
	case "Erf":
		return one(unary(in[0], math.Erf))
	case "Exp":
		return one(unary(in[0], math.Exp))
	case "Neg":
		return one(unary(in[0], func(x float64) float64 { return -x }))
	case "Relu":
		return one(unary(in[0], func(x float64) float64 { return math.Max(x, 0) }))
	case "Shape":
		shape := make([]int64, len(in[0].Shape))
		for i, d := range in[0].Shape {
			shape[i] = int64(d)
		}
		return []Tensor{Int64s([]int{len(shape)}, shape...)}, nil
	case "Gather":
		return one(gather(in[0], in[1], int(attrInt(n, "axis", 0))))
	case "Range":
		return one(rangeOp(in[0], in[1], in[2]))
	case "Unsqueeze":
		return one(unsqueeze(in[0], attrInts(n, "axes")))
	case "Concat":
		return one(concat(in, int(attrInt(n, "axis", 0))))
	case "Slice":
		return one(slice(in, present))
	case "ReduceMean":
		return one(reduceMean(in[0], attrInts(n, "axes"), attrInt(n, "keepdims", 1) == 1))
	case "MatMul":
		return one(matMul(in[0], in[1], Tensor{}, Tensor{}))
	case "MatMulInteger":
		var azp, bzp Tensor
		if len(in) > 2 && present[2] {
			azp = in[2]
		}
		if len(in) > 3 && present[3] {
			bzp = in[3]
		}
		return one(matMul(in[0], in[1], azp, bzp))
	case "Split":
		return split(in[0], int(attrInt(n, "axis", 0)), attrInts(n, "split"), len(n.Outputs))
	case "Reshape":
		return one(reshape(in[0], in[1]))
	case "Transpose":
		return one(transpose(in[0], attrInts(n, "perm")))
	case "Where":
		return one(where(in[0], in[1], in[2]))
	case "Softmax":
		return one(softmax(in[0], int(attrInt(n, "axis", 1))))
	case "Cast":
		return one(cast(in[0], int32(attrInt(n, "to", onnx.TensorProtoFloat)))) //nolint:gosec // data type enum
	case "DynamicQuantizeLinear":
		return dynamicQuantize(in[0])
	case "DequantizeLinear":
		var zp Tensor
		if len(in) > 2 && present[2] {
			zp = in[2]
		}
		return one(dequantize(in[0], in[1], zp))
	default:
		return nil, fmt.Errorf("unsupported operator")
	}
}

func attrInt(n *onnx.NodeProto, name string, def int64) int64 {
	if a := n.Attr(name); a != nil {
		return a.I
	}
	return def
}

func attrInts(n *onnx.NodeProto, name string) []int64 {
	if a := n.Attr(name); a != nil {
		return a.Ints
	}
	return nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func normAxis(axis, rank int) int {
	if axis < 0 {
		return axis + rank
	}
	return axis
}

// unravel writes the coordinates of flat index i in shape to c.
func unravel(i int, shape, c []int) {
	for d := len(shape) - 1; d >= 0; d-- {
		c[d] = i % shape[d]
		i /= shape[d]
	}
}

// offset returns the flat index in shape addressed by the trailing
// coordinates of c, with size-1 dimensions broadcast.
func offset(c, shape []int) int {
	lead := len(c) - len(shape)
	off := 0
	for d, size := range shape {
		off *= size
		if size != 1 {
			off += c[lead+d]
		}
	}
	return off
}

func broadcastShape(shapes ...[]int) ([]int, error) {
	rank := 0
	for _, s := range shapes {
		rank = max(rank, len(s))
	}
	out := make([]int, rank)
	for i := range out {
		out[i] = 1
	}
	for _, s := range shapes {
		lead := rank - len(s)
		for d, size := range s {
			switch {
			case size == out[lead+d] || size == 1:
			case out[lead+d] == 1:
				out[lead+d] = size
			default:
				return nil, fmt.Errorf("shapes %v do not broadcast", shapes)
			}
		}
	}
	return out, nil
}

func binaryOp(a, b Tensor, fn func(x, y float64) float64) (Tensor, error) {
	shape, err := broadcastShape(a.Shape, b.Shape)
	if err != nil {
		return Tensor{}, err
	}
	out := a.like(shape)
	c := make([]int, len(shape))
	for i := 0; i < out.len(); i++ {
		unravel(i, shape, c)
		v := fn(a.At(offset(c, a.Shape)), b.At(offset(c, b.Shape)))
		if out.isFloat() {
			out.F[i] = v
		} else {
			out.I[i] = int64(v)
		}
	}
	return out, nil
}

func unary(x Tensor, fn func(float64) float64) (Tensor, error) {
	if !x.isFloat() {
		return Tensor{}, fmt.Errorf("want a float input, got %s", onnx.DataTypeName(x.Type))
	}
	out := x.like(x.Shape)
	for i, v := range x.F {
		out.F[i] = fn(v)
	}
	return out, nil
}

func gather(data, idx Tensor, axis int) (Tensor, error) {
	axis = normAxis(axis, len(data.Shape))
	dim := data.Shape[axis]
	outer, inner := numel(data.Shape[:axis]), numel(data.Shape[axis+1:])

	shape := slices.Concat(data.Shape[:axis], idx.Shape, data.Shape[axis+1:])
	out := data.like(shape)
	k := idx.len()
	for o := 0; o < outer; o++ {
		for j, ix := range idx.I {
			if ix < 0 {
				ix += int64(dim)
			}
			if ix < 0 || int(ix) >= dim {
				return Tensor{}, fmt.Errorf("index %d out of range [0, %d)", idx.I[j], dim)
			}
			out.copyFrom((o*k+j)*inner, data, (o*dim+int(ix))*inner, inner)
		}
	}
	return out, nil
}

func rangeOp(start, limit, delta Tensor) (Tensor, error) {
	if start.isFloat() {
		return Tensor{}, fmt.Errorf("float Range is not supported")
	}
	var v []int64
	for x := start.I[0]; (delta.I[0] > 0 && x < limit.I[0]) || (delta.I[0] < 0 && x > limit.I[0]); x += delta.I[0] {
		v = append(v, x)
	}
	return Int64s([]int{len(v)}, v...), nil
}

func unsqueeze(x Tensor, axes []int64) (Tensor, error) {
	rank := len(x.Shape) + len(axes)
	ones := make([]bool, rank)
	for _, a := range axes {
		ones[normAxis(int(a), rank)] = true
	}
	shape := make([]int, 0, rank)
	src := 0
	for d := 0; d < rank; d++ {
		if ones[d] {
			shape = append(shape, 1)
			continue
		}
		shape = append(shape, x.Shape[src])
		src++
	}
	out := x
	out.Shape = shape
	return out, nil
}

func concat(in []Tensor, axis int) (Tensor, error) {
	axis = normAxis(axis, len(in[0].Shape))
	shape := slices.Clone(in[0].Shape)
	shape[axis] = 0
	for _, t := range in {
		shape[axis] += t.Shape[axis]
	}
	out := in[0].like(shape)
	outer := numel(shape[:axis])
	pos := 0
	for o := 0; o < outer; o++ {
		for _, t := range in {
			block := numel(t.Shape[axis:])
			out.copyFrom(pos, t, o*block, block)
			pos += block
		}
	}
	return out, nil
}

func slice(in []Tensor, present []bool) (Tensor, error) {
	x := in[0]
	rank := len(x.Shape)
	starts := make([]int, rank)
	ends := slices.Clone(x.Shape)

	axes := make([]int64, len(in[1].I))
	for i := range axes {
		axes[i] = int64(i)
	}
	if len(in) > 3 && present[3] {
		axes = in[3].I
	}
	if len(in) > 4 && present[4] {
		for _, s := range in[4].I {
			if s != 1 {
				return Tensor{}, fmt.Errorf("step %d is not supported", s)
			}
		}
	}
	clamp := func(v int64, dim int) int {
		if v < 0 {
			v += int64(dim)
		}
		return int(min(max(v, 0), int64(dim)))
	}
	for i, a := range axes {
		d := normAxis(int(a), rank)
		starts[d] = clamp(in[1].I[i], x.Shape[d])
		ends[d] = max(clamp(in[2].I[i], x.Shape[d]), starts[d])
	}

	shape := make([]int, rank)
	for d := range shape {
		shape[d] = ends[d] - starts[d]
	}
	out := x.like(shape)
	c := make([]int, rank)
	for i := 0; i < out.len(); i++ {
		unravel(i, shape, c)
		for d := range c {
			c[d] += starts[d]
		}
		out.copyFrom(i, x, offset(c, x.Shape), 1)
	}
	return out, nil
}

func reduceMean(x Tensor, axes []int64, keepdims bool) (Tensor, error) {
	rank := len(x.Shape)
	reduced := make([]bool, rank)
	if len(axes) == 0 {
		for d := range reduced {
			reduced[d] = true
		}
	}
	for _, a := range axes {
		reduced[normAxis(int(a), rank)] = true
	}
	kept := slices.Clone(x.Shape)
	count := 1
	for d, r := range reduced {
		if r {
			kept[d] = 1
			count *= x.Shape[d]
		}
	}
	out := Floats(kept, make([]float64, numel(kept))...)
	c := make([]int, rank)
	for i := 0; i < x.len(); i++ {
		unravel(i, x.Shape, c)
		for d, r := range reduced {
			if r {
				c[d] = 0
			}
		}
		out.F[offset(c, kept)] += x.At(i)
	}
	for i := range out.F {
		out.F[i] /= float64(count)
	}
	if !keepdims {
		shape := make([]int, 0, rank)
		for d, r := range reduced {
			if !r {
				shape = append(shape, x.Shape[d])
			}
		}
		out.Shape = shape
	}
	return out, nil
}

// matMul multiplies batched matrices. Zero points, when given, are
// subtracted first and the result is then int32.
func matMul(a, b, azp, bzp Tensor) (Tensor, error) {
	ra, rb := len(a.Shape), len(b.Shape)
	if ra < 2 || rb < 2 {
		return Tensor{}, fmt.Errorf("rank %d x rank %d matmul is not supported", ra, rb)
	}
	m, k, n := a.Shape[ra-2], a.Shape[ra-1], b.Shape[rb-1]
	if b.Shape[rb-2] != k {
		return Tensor{}, fmt.Errorf("inner dimensions %v x %v differ", a.Shape, b.Shape)
	}
	batch, err := broadcastShape(a.Shape[:ra-2], b.Shape[:rb-2])
	if err != nil {
		return Tensor{}, err
	}

	integer := !a.isFloat()
	var za float64
	zb := func(int) float64 { return 0 }
	if azp.I != nil {
		za = float64(azp.I[0])
	}
	if bzp.I != nil {
		if len(bzp.I) == 1 {
			zb = func(int) float64 { return float64(bzp.I[0]) }
		} else {
			zb = func(col int) float64 { return float64(bzp.I[col]) }
		}
	}

	shape := slices.Concat(batch, []int{m, n})
	out := Tensor{Type: onnx.TensorProtoFloat, Shape: shape}
	if integer {
		out.Type = onnx.TensorProtoInt32
		out.I = make([]int64, numel(shape))
	} else {
		out.F = make([]float64, numel(shape))
	}
	c := make([]int, len(batch))
	for bi := 0; bi < numel(batch); bi++ {
		unravel(bi, batch, c)
		ao := offset(c, a.Shape[:ra-2]) * m * k
		bo := offset(c, b.Shape[:rb-2]) * k * n
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float64
				for p := 0; p < k; p++ {
					sum += (a.At(ao+i*k+p) - za) * (b.At(bo+p*n+j) - zb(j))
				}
				if integer {
					out.I[bi*m*n+i*n+j] = int64(sum)
				} else {
					out.F[bi*m*n+i*n+j] = sum
				}
			}
		}
	}
	return out, nil
}

func split(x Tensor, axis int, sizes []int64, outputs int) ([]Tensor, error) {
	axis = normAxis(axis, len(x.Shape))
	if len(sizes) == 0 {
		for i := 0; i < outputs; i++ {
			sizes = append(sizes, int64(x.Shape[axis]/outputs))
		}
	}
	outer, inner := numel(x.Shape[:axis]), numel(x.Shape[axis+1:])
	outs := make([]Tensor, len(sizes))
	start := 0
	for i, s := range sizes {
		shape := slices.Clone(x.Shape)
		shape[axis] = int(s)
		outs[i] = x.like(shape)
		block := int(s) * inner
		for o := 0; o < outer; o++ {
			outs[i].copyFrom(o*block, x, (o*x.Shape[axis]+start)*inner, block)
		}
		start += int(s)
	}
	if start != x.Shape[axis] {
		return nil, fmt.Errorf("split sizes %v do not cover %d", sizes, x.Shape[axis])
	}
	return outs, nil
}

func reshape(x, target Tensor) (Tensor, error) {
	shape := make([]int, len(target.I))
	infer := -1
	known := 1
	for i, d := range target.I {
		switch {
		case d == 0:
			shape[i] = x.Shape[i]
		case d == -1:
			infer = i
			continue
		default:
			shape[i] = int(d)
		}
		known *= shape[i]
	}
	if infer >= 0 {
		shape[infer] = x.len() / known
	}
	if numel(shape) != x.len() {
		return Tensor{}, fmt.Errorf("cannot reshape %v to %v", x.Shape, target.I)
	}
	out := x
	out.Shape = shape
	return out, nil
}

func transpose(x Tensor, perm []int64) (Tensor, error) {
	rank := len(x.Shape)
	if len(perm) == 0 {
		for d := rank - 1; d >= 0; d-- {
			perm = append(perm, int64(d))
		}
	}
	shape := make([]int, rank)
	for d, p := range perm {
		shape[d] = x.Shape[p]
	}
	out := x.like(shape)
	c := make([]int, rank)
	src := make([]int, rank)
	for i := 0; i < out.len(); i++ {
		unravel(i, shape, c)
		for d, p := range perm {
			src[p] = c[d]
		}
		out.copyFrom(i, x, offset(src, x.Shape), 1)
	}
	return out, nil
}

func where(cond, x, y Tensor) (Tensor, error) {
	shape, err := broadcastShape(cond.Shape, x.Shape, y.Shape)
	if err != nil {
		return Tensor{}, err
	}
	out := x.like(shape)
	c := make([]int, len(shape))
	for i := 0; i < out.len(); i++ {
		unravel(i, shape, c)
		if cond.I[offset(c, cond.Shape)] != 0 {
			out.copyFrom(i, x, offset(c, x.Shape), 1)
		} else {
			out.copyFrom(i, y, offset(c, y.Shape), 1)
		}
	}
	return out, nil
}

// softmax follows the opset 1-12 definition: the input is viewed as a matrix
// whose rows start at axis.
func softmax(x Tensor, axis int) (Tensor, error) {
	axis = normAxis(axis, len(x.Shape))
	width := numel(x.Shape[axis:])
	out := x.like(x.Shape)
	for lo := 0; lo < x.len(); lo += width {
		row := x.F[lo : lo+width]
		top := slices.Max(row)
		var sum float64
		for j, v := range row {
			out.F[lo+j] = math.Exp(v - top)
			sum += out.F[lo+j]
		}
		for j := range row {
			out.F[lo+j] /= sum
		}
	}
	return out, nil
}

func cast(x Tensor, to int32) (Tensor, error) {
	out := Tensor{Type: to, Shape: x.Shape}
	switch {
	case out.isFloat():
		out.F = make([]float64, x.len())
		for i := range out.F {
			out.F[i] = x.At(i)
		}
	case x.isFloat():
		out.I = make([]int64, x.len())
		for i, v := range x.F {
			out.I[i] = int64(v)
		}
	default:
		out.I = slices.Clone(x.I)
	}
	return out, nil
}

// dynamicQuantize maps x onto uint8 with a range that always includes zero.
func dynamicQuantize(x Tensor) ([]Tensor, error) {
	lo, hi := 0.0, 0.0
	for _, v := range x.F {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	scale := (hi - lo) / 255
	if scale == 0 {
		scale = 1
	}
	zp := math.Min(math.Max(math.RoundToEven(-lo/scale), 0), 255)

	q := Tensor{Type: onnx.TensorProtoUint8, Shape: x.Shape, I: make([]int64, x.len())}
	for i, v := range x.F {
		q.I[i] = int64(math.Min(math.Max(math.RoundToEven(v/scale)+zp, 0), 255))
	}
	return []Tensor{
		q,
		Floats(nil, scale),
		{Type: onnx.TensorProtoUint8, I: []int64{int64(zp)}},
	}, nil
}

func dequantize(x, scale, zp Tensor) (Tensor, error) {
	if zp.I == nil {
		zp = Tensor{Type: x.Type, I: []int64{0}}
	}
	if scale.len() != 1 || len(zp.I) != 1 {
		return Tensor{}, fmt.Errorf("only per-tensor dequantization is supported")
	}
	out := Floats(x.Shape, make([]float64, x.len())...)
	for i, v := range x.I {
		out.F[i] = float64(v-zp.I[0]) * scale.F[0]
	}
	return out, nil
}
