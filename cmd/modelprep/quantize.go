package main

import (
	"fmt"

	"github.com/born-ml/modelprep/internal/onnx"
	"github.com/born-ml/modelprep/internal/quantize"
	"github.com/born-ml/modelprep/internal/verify"
	"github.com/spf13/cobra"
)

// verifyTokens are fed to both models by quantize --verify. Low ids exist in
// every vocabulary.
var verifyTokens = []int64{0, 1, 2, 3, 4, 5, 6, 7}

func newQuantizeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quantize",
		Short: "Dynamically quantize the weights of an ONNX model",
		Long: `Loads an ONNX model, applies graph optimizations, rewrites its MatMul and
Gather weights into 8-bit integers with per-tensor scales, writes the result and
prints the original and quantized file sizes.

With no flags this quantizes public/onnx_model/model.onnx to
public/onnx_model/model_quantized.onnx with QUInt8 weights.`,
		Args: cobra.NoArgs,
		RunE: a.runQuantize,
	}

	f := cmd.Flags()
	f.String("input", quantize.DefaultInput, "ONNX model to quantize")
	f.String("output", quantize.DefaultOutput, "quantized ONNX file")
	f.String("weight-type", string(quantize.QUInt8), "weight type: QUInt8 or QInt8")
	f.Bool("optimize", true, "apply graph optimizations before quantizing")
	f.Bool("per-channel", false, "use one scale per output column for MatMul weights")
	f.StringSlice("op-types", []string{quantize.OpMatMul, quantize.OpGather}, "operator types to quantize")
	f.StringSlice("exclude", nil, "node names to leave in float")
	f.Int("workers", 0, "parallel workers (default: number of CPUs)")
	f.Bool("verify", false, "compare original and quantized outputs with onnxruntime")
	a.bind(f, "quantize.input", "input")
	a.bind(f, "quantize.output", "output")
	a.bind(f, "quantize.weight_type", "weight-type")
	a.bind(f, "quantize.optimize", "optimize")
	a.bind(f, "quantize.per_channel", "per-channel")
	a.bind(f, "quantize.op_types", "op-types")
	a.bind(f, "quantize.nodes_to_exclude", "exclude")
	a.bind(f, "quantize.workers", "workers")
	a.bind(f, "quantize.verify", "verify")
	return cmd
}

func (a *app) runQuantize(cmd *cobra.Command, _ []string) error {
	c := a.cfg.Quantize
	wt, err := quantize.ParseWeightType(c.WeightType)
	if err != nil {
		return err
	}

	stdout := cmd.OutOrStdout()
	opts := quantize.Options{
		WeightType:     wt,
		PerChannel:     c.PerChannel,
		OpTypes:        c.OpTypes,
		NodesToExclude: c.NodesToExclude,
		Optimize:       c.Optimize,
		Workers:        c.Workers,
		Out:            stdout,
	}
	report, err := quantize.QuantizeFile(cmd.Context(), c.Input, c.Output, opts)
	if err != nil {
		return err
	}
	if err := report.Print(stdout); err != nil {
		return err
	}
	if !c.Verify {
		return nil
	}

	m, err := onnx.ParseFile(c.Output)
	if err != nil {
		return err
	}
	info := m.Info()
	if len(info.Inputs) == 0 || len(info.Outputs) == 0 {
		return fmt.Errorf("verification failed: %s has no graph input or output", c.Output)
	}
	feeds, err := verify.Feeds(info.Inputs, verifyTokens)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	cmp, err := verify.Models(c.Input, c.Output, feeds, info.Outputs[0].Name)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	fmt.Fprintf(stdout, "Max abs logit difference: %.4f\nTop-1 agreement: %.2f%%\n",
		cmp.MaxAbsDiff, cmp.Top1Agreement*100)
	return nil
}
