package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/born-ml/modelprep/internal/fsutil"
	"github.com/born-ml/modelprep/internal/hub"
	"github.com/born-ml/modelprep/internal/loader"
	"github.com/born-ml/modelprep/internal/logger"
	"github.com/born-ml/modelprep/internal/onnx"
	"github.com/born-ml/modelprep/internal/tokenizer"
)

// Defaults for the keep_it_simple export.
const (
	DefaultModelID    = "philippelaban/keep_it_simple"
	DefaultOutput     = "public/models/keep_it_simple.onnx"
	DefaultOpset      = 12
	DefaultInputName  = "input"
	DefaultOutputName = "output"
	DefaultSampleText = "Hello, my dog is cute"
)

// Metadata keys written to the exported model.
const (
	MetaModelID      = "model_id"
	MetaArchitecture = "architecture"
	MetaTokenizer    = "tokenizer"
)

// Options configures an export.
type Options struct {
	ModelID    string
	Output     string
	Opset      int64
	InputName  string
	OutputName string
	SampleText string
}

// DefaultOptions returns the options of the keep_it_simple export.
func DefaultOptions() Options {
	return Options{
		ModelID:    DefaultModelID,
		Output:     DefaultOutput,
		Opset:      DefaultOpset,
		InputName:  DefaultInputName,
		OutputName: DefaultOutputName,
		SampleText: DefaultSampleText,
	}
}

// Result describes a finished export.
type Result struct {
	Path         string
	Bytes        int64
	Nodes        int
	Initializers int
	SampleTokens []int64
}

// Exporter resolves a checkpoint, builds its ONNX graph and writes it.
type Exporter struct {
	Options Options
	Hub     *hub.Client
	Out     io.Writer // progress messages, stdout by default
}

// NewExporter creates an exporter fetching through client.
func NewExporter(opts Options, client *hub.Client) *Exporter {
	return &Exporter{Options: opts, Hub: client, Out: os.Stdout}
}

// Files fetched for a checkpoint. Weights come either as a single file or as
// an index plus shards.
var (
	requiredFiles = []string{loader.ConfigFile}
	optionalFiles = []string{
		loader.SingleFile,
		loader.IndexFile,
		tokenizer.TokenizerJSON,
		tokenizer.VocabJSON,
		tokenizer.MergesTXT,
	}
)

// Run performs the export.
func (e *Exporter) Run(ctx context.Context) (*Result, error) {
	opts := e.Options
	log := logger.Log.With("model", opts.ModelID)
	start := time.Now()

	e.printf("Loading model and tokenizer...\n")
	dir, err := e.resolve(ctx)
	if err != nil {
		return nil, err
	}

	ckpt, err := loader.OpenCheckpoint(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	defer ckpt.Close()
	log.Debug("checkpoint opened", "dir", dir, "architecture", ckpt.Architecture,
		"layers", ckpt.Config.NLayer, "embd", ckpt.Config.NEmbd, "vocab", ckpt.Config.VocabSize)

	tok, tokSource, err := tokenizer.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	log.Debug("tokenizer loaded", "source", tokSource, "vocab", tok.VocabSize())
	if err := tokenizer.CheckVocab(tok, tokSource, ckpt.Config.VocabSize); err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	e.printf("Converting to ONNX format...\n")
	model, err := BuildGPT2(ckpt, GraphOptions{
		Opset:      opts.Opset,
		InputName:  opts.InputName,
		OutputName: opts.OutputName,
	})
	if err != nil {
		return nil, err
	}
	model.SetMetadata(MetaModelID, opts.ModelID)
	model.SetMetadata(MetaArchitecture, ckpt.Architecture)
	model.SetMetadata(MetaTokenizer, tokSource)

	// The directory is created only once the graph is known to be valid.
	if err := os.MkdirAll(filepath.Dir(opts.Output), fsutil.DirPerm); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := onnx.WriteFile(opts.Output, model); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", opts.Output, err)
	}
	size, err := fsutil.FileSize(opts.Output)
	if err != nil {
		return nil, err
	}

	sample, err := sampleTokens(tok, opts.SampleText, ckpt.Config.VocabSize)
	if err != nil {
		return nil, err
	}

	e.printf("Conversion complete! Model saved to %s\n", opts.Output)
	log.Info("export finished", "path", opts.Output, "bytes", size,
		"nodes", len(model.Graph.Nodes), "elapsed", time.Since(start).Round(time.Millisecond).String())

	return &Result{
		Path:         opts.Output,
		Bytes:        size,
		Nodes:        len(model.Graph.Nodes),
		Initializers: len(model.Graph.Initializers),
		SampleTokens: sample,
	}, nil
}

// resolve returns the local directory holding the checkpoint files.
func (e *Exporter) resolve(ctx context.Context) (string, error) {
	paths, err := e.Hub.Resolve(ctx, e.Options.ModelID, requiredFiles, optionalFiles)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", e.Options.ModelID, err)
	}

	if indexPath, ok := paths[loader.IndexFile]; ok {
		idx, err := loader.ReadShardIndex(indexPath)
		if err != nil {
			return "", err
		}
		if _, err := e.Hub.Resolve(ctx, e.Options.ModelID, idx.Shards(), nil); err != nil {
			return "", fmt.Errorf("failed to resolve shards of %s: %w", e.Options.ModelID, err)
		}
	}
	return filepath.Dir(paths[loader.ConfigFile]), nil
}

// sampleTokens encodes text for a verification run. Ids outside the model
// vocabulary are dropped.
func sampleTokens(tok tokenizer.Tokenizer, text string, vocab int) ([]int64, error) {
	if text == "" {
		return nil, nil
	}
	ids, err := tok.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sample text: %w", err)
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && int(id) < vocab {
			out = append(out, int64(id))
		}
	}
	return out, nil
}

func (e *Exporter) printf(format string, args ...any) {
	w := e.Out
	if w == nil {
		w = os.Stdout
	}
	_, _ = fmt.Fprintf(w, format, args...)
}
