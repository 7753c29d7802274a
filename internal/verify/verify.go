// Package verify runs exported models through onnxruntime and compares their
// logits. The shared library is located through runtime.library_path or
// ONNXRUNTIME_LIB_PATH; without it every check is reported as unavailable.
package verify

import (
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/born-ml/modelprep/internal/fsutil"
	"github.com/born-ml/modelprep/internal/logger"
	"github.com/born-ml/modelprep/internal/onnx"
	ort "github.com/yalue/onnxruntime_go"
)

// LibraryPathEnv names the environment variable onnxruntime tooling uses for
// the shared library location.
const LibraryPathEnv = "ONNXRUNTIME_LIB_PATH"

var (
	ErrUnavailable      = errors.New("onnxruntime library is not configured")
	ErrShapeMismatch    = errors.New("output shapes differ")
	ErrEmptyInput       = errors.New("no input tokens")
	ErrUnsupportedInput = errors.New("graph input cannot be fed")
)

// The onnxruntime environment is process-wide.
var (
	envMu       sync.Mutex
	libraryPath string
	initialized bool
)

// SetLibraryPath records the configured shared library location. An empty
// path falls back to ONNXRUNTIME_LIB_PATH.
func SetLibraryPath(path string) {
	envMu.Lock()
	defer envMu.Unlock()
	libraryPath = path
}

func resolvedPath() string {
	if libraryPath != "" {
		return libraryPath
	}
	return os.Getenv(LibraryPathEnv)
}

// Available reports whether a runtime library is configured and present.
func Available() bool {
	envMu.Lock()
	defer envMu.Unlock()
	if initialized {
		return true
	}
	path := resolvedPath()
	return path != "" && fsutil.Exists(path)
}

func ensureEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if initialized {
		return nil
	}
	path := resolvedPath()
	if path == "" || !fsutil.Exists(path) {
		return ErrUnavailable
	}
	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initializing ONNX runtime: %w", err)
	}
	initialized = true
	logger.Log.Debug("onnxruntime initialized", "library", path)
	return nil
}

// Shutdown releases the runtime environment if it was initialized.
func Shutdown() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !initialized {
		return nil
	}
	initialized = false
	return ort.DestroyEnvironment()
}

// Output is a float32 result tensor.
type Output struct {
	Shape []int64   `json:"shape" yaml:"shape"`
	Data  []float32 `json:"-" yaml:"-"`
}

// Feed is one [1, len(Values)] int64 graph input.
type Feed struct {
	Name   string
	Values []int64
}

// TokenFeed feeds tokens to a single-input graph.
func TokenFeed(name string, tokens []int64) []Feed {
	return []Feed{{Name: name, Values: tokens}}
}

// Feeds builds one feed per graph input for a check over tokens. The ids go
// to input_ids, or to the first input when no input has that name.
// position_ids count from zero, token_type_ids are zero and every other
// int64 input, such as attention_mask, is all ones.
func Feeds(inputs []onnx.ValueSummary, tokens []int64) ([]Feed, error) {
	if len(tokens) == 0 {
		return nil, ErrEmptyInput
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: graph has no inputs", ErrUnsupportedInput)
	}
	ids := 0
	for i, in := range inputs {
		if in.Name == "input_ids" {
			ids = i
		}
	}

	feeds := make([]Feed, 0, len(inputs))
	for i, in := range inputs {
		if in.ElemType != onnx.DataTypeName(onnx.TensorProtoInt64) {
			return nil, fmt.Errorf("%w: %s is %s, not INT64", ErrUnsupportedInput, in.Name, in.ElemType)
		}
		values := make([]int64, len(tokens))
		switch {
		case i == ids:
			copy(values, tokens)
		case strings.Contains(in.Name, "position"):
			for j := range values {
				values[j] = int64(j)
			}
		case strings.Contains(in.Name, "token_type"):
		default:
			for j := range values {
				values[j] = 1
			}
		}
		feeds = append(feeds, Feed{Name: in.Name, Values: values})
	}
	return feeds, nil
}

// Run feeds the model at path and returns the named float output.
func Run(path string, feeds []Feed, outputName string) (*Output, error) {
	if len(feeds) == 0 || len(feeds[0].Values) == 0 {
		return nil, ErrEmptyInput
	}
	if err := ensureEnvironment(); err != nil {
		return nil, err
	}

	names := make([]string, len(feeds))
	for i, f := range feeds {
		names[i] = f.Name
	}
	session, err := ort.NewDynamicAdvancedSession(path, names, []string{outputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("creating ONNX session for %s: %w", path, err)
	}
	defer session.Destroy()

	inputs := make([]ort.Value, 0, len(feeds))
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	for _, f := range feeds {
		t, err := ort.NewTensor(ort.NewShape(1, int64(len(f.Values))), f.Values)
		if err != nil {
			return nil, fmt.Errorf("creating %s tensor: %w", f.Name, err)
		}
		inputs = append(inputs, t)
	}

	// A nil output is allocated by the session with the inferred shape.
	outputs := []ort.Value{nil}
	if err := session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("running inference on %s: %w", path, err)
	}
	defer outputs[0].Destroy()

	result, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output %s of %s is not a float32 tensor", outputName, path)
	}
	shape := result.GetShape()
	data := result.GetData()
	return &Output{
		Shape: append([]int64(nil), shape...),
		Data:  append([]float32(nil), data...),
	}, nil
}

// Comparison summarizes how far a candidate output is from a reference.
type Comparison struct {
	MaxAbsDiff    float64 `json:"max_abs_diff" yaml:"max_abs_diff"`
	MeanAbsDiff   float64 `json:"mean_abs_diff" yaml:"mean_abs_diff"`
	Top1Agreement float64 `json:"top1_agreement" yaml:"top1_agreement"`
	Positions     int     `json:"positions" yaml:"positions"`
}

// Compare measures the element-wise difference of two outputs and the share
// of positions (rows of the last axis) whose argmax agrees.
func Compare(ref, got *Output) (*Comparison, error) {
	if !slices.Equal(ref.Shape, got.Shape) {
		return nil, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, ref.Shape, got.Shape)
	}
	if len(ref.Data) != len(got.Data) {
		return nil, fmt.Errorf("%w: %d vs %d values", ErrShapeMismatch, len(ref.Data), len(got.Data))
	}

	c := &Comparison{}
	var sum float64
	for i := range ref.Data {
		d := math.Abs(float64(ref.Data[i]) - float64(got.Data[i]))
		sum += d
		c.MaxAbsDiff = max(c.MaxAbsDiff, d)
	}
	if len(ref.Data) > 0 {
		c.MeanAbsDiff = sum / float64(len(ref.Data))
	}

	width := 1
	if len(ref.Shape) > 0 {
		width = int(ref.Shape[len(ref.Shape)-1])
	}
	if width == 0 {
		return c, nil
	}
	agree := 0
	for lo := 0; lo+width <= len(ref.Data); lo += width {
		c.Positions++
		if Argmax(ref.Data[lo:lo+width]) == Argmax(got.Data[lo:lo+width]) {
			agree++
		}
	}
	if c.Positions > 0 {
		c.Top1Agreement = float64(agree) / float64(c.Positions)
	}
	return c, nil
}

// Argmax returns the index of the largest value, the first one on ties.
func Argmax(values []float32) int {
	best := -1
	for i, v := range values {
		if best < 0 || v > values[best] {
			best = i
		}
	}
	return best
}

// Models runs the same feeds through two models and compares their outputs.
func Models(reference, candidate string, feeds []Feed, outputName string) (*Comparison, error) {
	ref, err := Run(reference, feeds, outputName)
	if err != nil {
		return nil, err
	}
	got, err := Run(candidate, feeds, outputName)
	if err != nil {
		return nil, err
	}
	c, err := Compare(ref, got)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("compared model outputs",
		"reference", reference,
		"candidate", candidate,
		"max_abs_diff", c.MaxAbsDiff,
		"top1_agreement", c.Top1Agreement)
	return c, nil
}
