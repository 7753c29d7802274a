package main

import (
	"fmt"

	"github.com/born-ml/modelprep/internal/export"
	"github.com/born-ml/modelprep/internal/verify"
	"github.com/spf13/cobra"
)

func newExportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a GPT-2-family checkpoint to ONNX",
		Long: `Downloads a GPT-2-family checkpoint and its tokenizer from the Hugging Face
hub (or reads them from a local directory), builds an ONNX graph with a single
int64 input of token ids and a single float output of logits, and writes it.

Weights are read from model.safetensors or a sharded
model.safetensors.index.json. Repositories that only ship pytorch_model.bin
must be converted to SafeTensors first.

With no flags this exports philippelaban/keep_it_simple to
public/models/keep_it_simple.onnx at opset 12.`,
		Args: cobra.NoArgs,
		RunE: a.runExport,
	}

	f := cmd.Flags()
	f.String("model-id", export.DefaultModelID, "hub repository id or local checkpoint directory")
	f.String("output", export.DefaultOutput, "output ONNX file")
	f.Int64("opset", export.DefaultOpset, "ONNX opset version (11 or 12)")
	f.String("input-name", export.DefaultInputName, "name of the token id input")
	f.String("output-name", export.DefaultOutputName, "name of the logits output")
	f.String("sample-text", export.DefaultSampleText, "text encoded for --verify")
	f.Bool("verify", false, "run the exported model through onnxruntime")
	a.bind(f, "export.model_id", "model-id")
	a.bind(f, "export.output", "output")
	a.bind(f, "export.opset", "opset")
	a.bind(f, "export.input_name", "input-name")
	a.bind(f, "export.output_name", "output-name")
	a.bind(f, "export.sample_text", "sample-text")
	a.bind(f, "export.verify", "verify")
	return cmd
}

func (a *app) runExport(cmd *cobra.Command, _ []string) error {
	c := a.cfg.Export
	e := export.NewExporter(export.Options{
		ModelID:    c.ModelID,
		Output:     c.Output,
		Opset:      c.Opset,
		InputName:  c.InputName,
		OutputName: c.OutputName,
		SampleText: c.SampleText,
	}, a.hubClient(cmd))
	e.Out = cmd.OutOrStdout()

	res, err := e.Run(cmd.Context())
	if err != nil {
		return err
	}
	if !c.Verify {
		return nil
	}

	out, err := verify.Run(res.Path, verify.TokenFeed(c.InputName, res.SampleTokens), c.OutputName)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	last := out.Data[len(out.Data)-int(out.Shape[len(out.Shape)-1]):]
	fmt.Fprintf(cmd.OutOrStdout(), "Verified with onnxruntime: output shape %v, next token %d\n",
		out.Shape, verify.Argmax(last))
	return nil
}
