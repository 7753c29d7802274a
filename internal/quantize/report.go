package quantize

import (
	"fmt"
	"io"
)

const bytesPerMB = 1024 * 1024

// Report compares the sizes of the original and quantized model files.
type Report struct {
	Input          string `json:"input" yaml:"input"`
	Output         string `json:"output" yaml:"output"`
	OriginalBytes  int64  `json:"original_bytes" yaml:"original_bytes"`
	QuantizedBytes int64  `json:"quantized_bytes" yaml:"quantized_bytes"`
	Stats          *Stats `json:"-" yaml:"-"`
}

// OriginalMB returns the original file size in MiB.
func (r *Report) OriginalMB() float64 {
	return float64(r.OriginalBytes) / bytesPerMB
}

// QuantizedMB returns the quantized file size in MiB.
func (r *Report) QuantizedMB() float64 {
	return float64(r.QuantizedBytes) / bytesPerMB
}

// ReductionPercent returns (original - quantized) / original * 100, or 0 for
// an empty original.
func (r *Report) ReductionPercent() float64 {
	if r.OriginalBytes == 0 {
		return 0
	}
	return float64(r.OriginalBytes-r.QuantizedBytes) / float64(r.OriginalBytes) * 100
}

// Print writes the size summary.
func (r *Report) Print(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Original model size: %.2f MB\nQuantized model size: %.2f MB\nSize reduction: %.2f%%\n",
		r.OriginalMB(), r.QuantizedMB(), r.ReductionPercent())
	return err
}
