package quantize

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/born-ml/modelprep/internal/fsutil"
	"github.com/born-ml/modelprep/internal/logger"
	"github.com/born-ml/modelprep/internal/onnx"
)

// QuantizeFile quantizes the model at in and writes it to out. The output
// directory is created if needed; nothing is written when any step fails.
func QuantizeFile(ctx context.Context, in, out string, opts Options) (*Report, error) {
	w := opts.Out
	if w == nil {
		w = io.Discard
	}
	log := logger.Log.With("input", in, "output", out)
	start := time.Now()

	_, _ = fmt.Fprintln(w, "Loading original ONNX model...")
	m, err := onnx.ParseFile(in)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, _ = fmt.Fprintln(w, "Quantizing model...")
	stats, err := QuantizeModel(m, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to quantize %s: %w", in, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Debug("quantization stats",
		"weights", stats.Weights,
		"matmul", stats.MatMuls,
		"gather", stats.Gathers,
		"dequantized", stats.Dequantized,
		"float_bytes", stats.FloatBytes,
		"quantized_bytes", stats.QuantizedBytes)

	if err := onnx.WriteFile(out, m); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", out, err)
	}

	report := &Report{Input: in, Output: out, Stats: stats}
	if report.OriginalBytes, err = fsutil.FileSize(in); err != nil {
		return nil, err
	}
	if report.QuantizedBytes, err = fsutil.FileSize(out); err != nil {
		return nil, err
	}

	log.Info("quantization finished",
		"weight_type", string(opts.WeightType),
		"reduction_percent", fmt.Sprintf("%.2f", report.ReductionPercent()),
		"elapsed", time.Since(start).Round(time.Millisecond).String())
	return report, nil
}
