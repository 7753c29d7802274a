package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/born-ml/modelprep/internal/fsutil"
	"github.com/born-ml/modelprep/internal/onnx"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const bytesPerMB = 1024 * 1024

// inspection is the machine-readable form of inspect.
type inspection struct {
	Path           string `json:"path" yaml:"path"`
	Bytes          int64  `json:"bytes" yaml:"bytes"`
	onnx.ModelInfo `yaml:",inline"`
}

func newInspectCmd(_ *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "inspect <file.onnx>",
		Short: "Summarize an ONNX model",
		Long: `Prints the opset, inputs, outputs, operator histogram, weight totals and
metadata of an ONNX model.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), args[0], format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text, json or yaml")
	return cmd
}

func runInspect(w io.Writer, path, format string) error {
	m, err := onnx.ParseFile(path)
	if err != nil {
		return err
	}
	size, err := fsutil.FileSize(path)
	if err != nil {
		return err
	}
	in := inspection{Path: path, Bytes: size, ModelInfo: *m.Info()}

	switch strings.ToLower(format) {
	case "json":
		data, err := json.MarshalIndent(in, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(in); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		return printInspection(w, &in)
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}
}

func printInspection(w io.Writer, in *inspection) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "File:\t%s (%.2f MB)\n", in.Path, float64(in.Bytes)/bytesPerMB)
	fmt.Fprintf(tw, "IR version:\t%d\n", in.IRVersion)
	fmt.Fprintf(tw, "Opset:\t%d\n", in.OpsetVersion)
	if in.ProducerName != "" {
		fmt.Fprintf(tw, "Producer:\t%s %s\n", in.ProducerName, in.ProducerVersion)
	}
	if in.GraphName != "" {
		fmt.Fprintf(tw, "Graph:\t%s\n", in.GraphName)
	}

	fmt.Fprintln(tw, "Inputs:")
	for _, v := range in.Inputs {
		fmt.Fprintf(tw, "  %s\t%s\t[%s]\n", v.Name, v.ElemType, strings.Join(v.Shape, ", "))
	}
	fmt.Fprintln(tw, "Outputs:")
	for _, v := range in.Outputs {
		fmt.Fprintf(tw, "  %s\t%s\t[%s]\n", v.Name, v.ElemType, strings.Join(v.Shape, ", "))
	}

	fmt.Fprintf(tw, "Nodes:\t%d\n", in.NodeCount)
	for _, op := range in.SortedOps() {
		fmt.Fprintf(tw, "  %s\t%d\n", op, in.OpCounts[op])
	}
	fmt.Fprintf(tw, "Weights:\t%d (%.2f MB)\n", in.WeightCount, float64(in.WeightBytes)/bytesPerMB)
	for _, dt := range sortedKeys(in.WeightTypeCounts) {
		fmt.Fprintf(tw, "  %s\t%d\n", dt, in.WeightTypeCounts[dt])
	}

	if len(in.Metadata) > 0 {
		fmt.Fprintln(tw, "Metadata:")
		for _, k := range sortedKeys(in.Metadata) {
			fmt.Fprintf(tw, "  %s\t%s\n", k, in.Metadata[k])
		}
	}
	return tw.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
