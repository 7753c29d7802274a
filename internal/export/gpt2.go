package export

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/born-ml/modelprep/internal/loader"
	"github.com/born-ml/modelprep/internal/onnx"
)

// GraphOptions controls the names and opset of the built graph.
type GraphOptions struct {
	Opset      int64
	InputName  string
	OutputName string
}

// Supported opset range. Split and Unsqueeze take their sizes as attributes
// up to opset 12 and Range needs 11.
const (
	minOpset = 11
	maxOpset = 12
)

// IRVersion is the ONNX IR version written for opset 12 graphs.
const IRVersion = 7

// Producer is written to ModelProto.producer_name.
const Producer = "modelprep"

// gpt2Graph holds the state of one GPT-2 graph build.
type gpt2Graph struct {
	*graphBuilder
	ckpt *loader.Checkpoint
	cfg  *loader.HFConfig
}

// BuildGPT2 builds a causal LM graph from a GPT-2 family checkpoint. The
// graph maps int64 token ids [batch, sequence] to float logits
// [batch, sequence, vocab].
func BuildGPT2(ckpt *loader.Checkpoint, opts GraphOptions) (*onnx.ModelProto, error) {
	if ckpt.Architecture != loader.ArchitectureGPT2 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedArchitecture, ckpt.Architecture)
	}
	if opts.Opset < minOpset || opts.Opset > maxOpset {
		return nil, fmt.Errorf("%w: %d (want %d..%d)", ErrUnsupportedOpset, opts.Opset, minOpset, maxOpset)
	}
	if err := ckpt.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedArchitecture, err)
	}
	if err := opts.validateNames(); err != nil {
		return nil, err
	}

	b := &gpt2Graph{
		graphBuilder: newGraphBuilder("gpt2"),
		ckpt:         ckpt,
		cfg:          ckpt.Config,
	}
	if err := b.build(opts); err != nil {
		return nil, err
	}

	m := &onnx.ModelProto{
		IRVersion:    IRVersion,
		ProducerName: Producer,
		OpsetImport:  []onnx.OperatorSetID{{Version: opts.Opset}},
		Graph:        b.g,
	}
	return m, nil
}

func (o GraphOptions) validateNames() error {
	switch {
	case o.InputName == "":
		return fmt.Errorf("%w: empty input name", ErrInvalidName)
	case o.OutputName == "":
		return fmt.Errorf("%w: empty output name", ErrInvalidName)
	case o.InputName == o.OutputName:
		return fmt.Errorf("%w: input and output are both %q", ErrInvalidName, o.InputName)
	}
	return nil
}

func (b *gpt2Graph) build(opts GraphOptions) error {
	var (
		embd  = int64(b.cfg.NEmbd)
		vocab = int64(b.cfg.VocabSize)
		npos  = int64(b.cfg.NPositions)
	)

	b.input(onnx.TensorValueInfo(opts.InputName, onnx.TensorProtoInt64, "batch", "sequence"))

	wte, err := b.weight("wte.weight", vocab, embd)
	if err != nil {
		return err
	}
	wpe, err := b.weight("wpe.weight", npos, embd)
	if err != nil {
		return err
	}

	// Positions 0..S-1 and the [S, S] corner of the causal mask.
	shape := b.op("Shape", "input_shape", []string{opts.InputName})
	seqLen := b.op("Gather", "seq_len", []string{shape, b.ints("one_scalar", nil, 1)}, onnx.AttrInt("axis", 0))
	positions := b.op("Range", "positions", []string{b.ints("zero_scalar", nil, 0), seqLen, b.ints("one_scalar", nil, 1)})
	seqLen1 := b.op("Unsqueeze", "seq_len_1d", []string{seqLen}, onnx.AttrInts("axes", 0))
	maskEnds := b.op("Concat", "mask_ends", []string{seqLen1, seqLen1}, onnx.AttrInt("axis", 0))
	fullMask := b.initializer(onnx.BoolTensor("causal_mask", []int64{1, 1, npos, npos}, causalMask(int(npos))))
	mask := b.op("Slice", "mask", []string{fullMask, b.ints("mask_starts", []int64{2}, 0, 0), maskEnds, b.ints("mask_axes", []int64{2}, 2, 3)})

	tok := b.op("Gather", "wte_out", []string{wte, opts.InputName}, onnx.AttrInt("axis", 0))
	pos := b.op("Gather", "wpe_out", []string{wpe, positions}, onnx.AttrInt("axis", 0))
	h := b.op("Add", "embeddings", []string{tok, pos})

	for i := 0; i < b.cfg.NLayer; i++ {
		if h, err = b.block(i, h, mask); err != nil {
			return err
		}
	}

	h, err = b.layerNorm("ln_f", h)
	if err != nil {
		return err
	}

	head, err := b.lmHead(wte, vocab, embd)
	if err != nil {
		return err
	}
	b.op("MatMul", opts.OutputName, []string{h, head})
	b.output(onnx.TensorValueInfo(opts.OutputName, onnx.TensorProtoFloat, "batch", "sequence", vocab))
	return b.err
}

// block emits one transformer layer and returns its output.
func (b *gpt2Graph) block(i int, x, mask string) (string, error) {
	p := fmt.Sprintf("h.%d.", i)
	embd := int64(b.cfg.NEmbd)
	heads := int64(b.cfg.NHead)
	headDim := int64(b.cfg.HeadDim())
	inner := int64(b.cfg.InnerSize())

	ln1, err := b.layerNorm(p+"ln_1", x)
	if err != nil {
		return "", err
	}
	qkv, err := b.linear(p+"attn.c_attn", ln1, embd, 3*embd)
	if err != nil {
		return "", err
	}

	q, k, v := p+"attn.q", p+"attn.k", p+"attn.v"
	b.opN("Split", []string{q, k, v}, []string{qkv}, onnx.AttrInt("axis", 2), onnx.AttrInts("split", embd, embd, embd))

	headShape := b.ints("head_shape", []int64{4}, 0, 0, heads, headDim)
	qh := b.op("Transpose", p+"attn.q_heads", []string{b.op("Reshape", p+"attn.q_split", []string{q, headShape})}, onnx.AttrInts("perm", 0, 2, 1, 3))
	kt := b.op("Transpose", p+"attn.k_heads_t", []string{b.op("Reshape", p+"attn.k_split", []string{k, headShape})}, onnx.AttrInts("perm", 0, 2, 3, 1))
	vh := b.op("Transpose", p+"attn.v_heads", []string{b.op("Reshape", p+"attn.v_split", []string{v, headShape})}, onnx.AttrInts("perm", 0, 2, 1, 3))

	scores := b.op("MatMul", p+"attn.scores", []string{qh, kt})
	scaled := b.op("Div", p+"attn.scaled", []string{scores, b.scalar("attn_scale", float32(math.Sqrt(float64(headDim))))})
	masked := b.op("Where", p+"attn.masked", []string{mask, scaled, b.scalar("mask_value", -math.MaxFloat32)})
	probs := b.op("Softmax", p+"attn.probs", []string{masked}, onnx.AttrInt("axis", -1))
	ctx := b.op("MatMul", p+"attn.context", []string{probs, vh})
	merged := b.op("Transpose", p+"attn.context_t", []string{ctx}, onnx.AttrInts("perm", 0, 2, 1, 3))
	merged = b.op("Reshape", p+"attn.merged", []string{merged, b.ints("merge_shape", []int64{3}, 0, 0, embd)})

	attn, err := b.linear(p+"attn.c_proj", merged, embd, embd)
	if err != nil {
		return "", err
	}
	x = b.op("Add", p+"attn.residual", []string{x, attn})

	ln2, err := b.layerNorm(p+"ln_2", x)
	if err != nil {
		return "", err
	}
	fc, err := b.linear(p+"mlp.c_fc", ln2, embd, inner)
	if err != nil {
		return "", err
	}
	act, err := b.activation(p+"mlp.act", fc)
	if err != nil {
		return "", err
	}
	proj, err := b.linear(p+"mlp.c_proj", act, inner, embd)
	if err != nil {
		return "", err
	}
	return b.op("Add", p+"mlp.residual", []string{x, proj}), nil
}

// linear emits x @ W + b for a GPT-2 Conv1D layer, whose weight is stored [in, out].
func (b *gpt2Graph) linear(name, x string, in, out int64) (string, error) {
	w, err := b.weight(name+".weight", in, out)
	if err != nil {
		return "", err
	}
	bias, err := b.weight(name+".bias", out)
	if err != nil {
		return "", err
	}
	y := b.op("MatMul", name+".matmul", []string{x, w})
	return b.op("Add", name+".out", []string{y, bias}), nil
}

// layerNorm emits (x - mean) / sqrt(var + eps) * gamma + beta over the last axis.
func (b *gpt2Graph) layerNorm(name, x string) (string, error) {
	embd := int64(b.cfg.NEmbd)
	gamma, err := b.weight(name+".weight", embd)
	if err != nil {
		return "", err
	}
	beta, err := b.weight(name+".bias", embd)
	if err != nil {
		return "", err
	}

	axes := onnx.AttrInts("axes", -1)
	mean := b.op("ReduceMean", name+".mean", []string{x}, axes, onnx.AttrInt("keepdims", 1))
	centered := b.op("Sub", name+".centered", []string{x, mean})
	sq := b.op("Pow", name+".sq", []string{centered, b.scalar("two", 2)})
	variance := b.op("ReduceMean", name+".var", []string{sq}, axes, onnx.AttrInt("keepdims", 1))
	eps := b.op("Add", name+".var_eps", []string{variance, b.scalar("ln_eps", float32(b.cfg.LayerNormEpsilon))})
	std := b.op("Sqrt", name+".std", []string{eps})
	norm := b.op("Div", name+".norm", []string{centered, std})
	scaled := b.op("Mul", name+".scaled", []string{norm, gamma})
	return b.op("Add", name+".out", []string{scaled, beta}), nil
}

// activation emits the MLP non-linearity named by activation_function.
func (b *gpt2Graph) activation(name, x string) (string, error) {
	switch b.cfg.ActivationFunction {
	case "gelu_new", "gelu_pytorch_tanh", "gelu_fast":
		// 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
		cube := b.op("Pow", name+".cube", []string{x, b.scalar("three", 3)})
		scaledCube := b.op("Mul", name+".cube_scaled", []string{cube, b.scalar("gelu_coef", 0.044715)})
		inner := b.op("Add", name+".inner", []string{x, scaledCube})
		inner = b.op("Mul", name+".inner_scaled", []string{inner, b.scalar("sqrt_2_over_pi", float32(math.Sqrt(2/math.Pi)))})
		t := b.op("Tanh", name+".tanh", []string{inner})
		onePlus := b.op("Add", name+".one_plus", []string{t, b.scalar("one", 1)})
		half := b.op("Mul", name+".half_x", []string{x, b.scalar("half", 0.5)})
		return b.op("Mul", name+".out", []string{half, onePlus}), nil
	case "gelu":
		// 0.5 * x * (1 + erf(x / sqrt(2)))
		scaled := b.op("Div", name+".scaled", []string{x, b.scalar("sqrt_2", math.Sqrt2)})
		e := b.op("Erf", name+".erf", []string{scaled})
		onePlus := b.op("Add", name+".one_plus", []string{e, b.scalar("one", 1)})
		half := b.op("Mul", name+".half_x", []string{x, b.scalar("half", 0.5)})
		return b.op("Mul", name+".out", []string{half, onePlus}), nil
	case "relu":
		return b.op("Relu", name+".out", []string{x}), nil
	default:
		return "", fmt.Errorf("%w: activation %q", ErrUnsupportedArchitecture, b.cfg.ActivationFunction)
	}
}

// lmHead returns the [embd, vocab] projection. Untied checkpoints carry
// lm_head.weight; otherwise the token embedding is reused.
func (b *gpt2Graph) lmHead(wte string, vocab, embd int64) (string, error) {
	src := wte
	if !b.cfg.TiedEmbeddings() || b.ckpt.Has("lm_head.weight") {
		w, err := b.weight("lm_head.weight", vocab, embd)
		if err != nil {
			return "", err
		}
		src = w
	}
	return b.op("Transpose", "lm_head.weight_t", []string{src}, onnx.AttrInts("perm", 1, 0)), nil
}

// weight loads a checkpoint tensor as a float initializer, checking its shape.
func (b *gpt2Graph) weight(name string, dims ...int64) (string, error) {
	values, shape, err := b.ckpt.ReadFloat32(name)
	if errors.Is(err, loader.ErrTensorNotFound) {
		return "", fmt.Errorf("%w: %s", ErrMissingWeight, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	if !slices.Equal(shape, dims) {
		return "", fmt.Errorf("%w: %s has shape %v, want %v", ErrShapeMismatch, name, shape, dims)
	}
	return b.initializer(onnx.FloatTensor(name, dims, values)), nil
}

// causalMask returns the row-major lower-triangular [n, n] mask.
func causalMask(n int) []bool {
	mask := make([]bool, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			mask[i*n+j] = true
		}
	}
	return mask
}
