package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, "info", v.GetString("log.level"))
	assert.Equal(t, "https://huggingface.co", v.GetString("hub.endpoint"))
	assert.Equal(t, 4, v.GetInt("hub.concurrency"))

	assert.Equal(t, "philippelaban/keep_it_simple", v.GetString("export.model_id"))
	assert.Equal(t, filepath.Join("public", "models", "keep_it_simple.onnx"), v.GetString("export.output"))
	assert.Equal(t, int64(12), v.GetInt64("export.opset"))
	assert.Equal(t, "input", v.GetString("export.input_name"))
	assert.Equal(t, "output", v.GetString("export.output_name"))

	assert.Equal(t, filepath.Join("public", "onnx_model", "model.onnx"), v.GetString("quantize.input"))
	assert.Equal(t, filepath.Join("public", "onnx_model", "model_quantized.onnx"), v.GetString("quantize.output"))
	assert.Equal(t, "QUInt8", v.GetString("quantize.weight_type"))
	assert.True(t, v.GetBool("quantize.optimize"))
	assert.Equal(t, []string{"MatMul", "Gather"}, v.GetStringSlice("quantize.op_types"))
	assert.Equal(t, runtime.NumCPU(), v.GetInt("quantize.workers"))
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "philippelaban/keep_it_simple", cfg.Export.ModelID)
	assert.Equal(t, int64(12), cfg.Export.Opset)
	assert.Equal(t, "QUInt8", cfg.Quantize.WeightType)
	assert.Equal(t, []string{"MatMul", "Gather"}, cfg.Quantize.OpTypes)
	assert.NotEmpty(t, cfg.Hub.CacheDir)
}

func TestConfigWithFile(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "custom.yaml")

	configContent := `
hub:
  endpoint: http://mirror.local
  concurrency: 8
export:
  opset: 13
quantize:
  weight_type: QInt8
  per_channel: true
  nodes_to_exclude: [lm_head]
`
	require.NoError(t, os.WriteFile(configFile, []byte(configContent), 0o600))

	cfg, err := Load(NewViper(), configFile)
	require.NoError(t, err)

	assert.Equal(t, "http://mirror.local", cfg.Hub.Endpoint)
	assert.Equal(t, 8, cfg.Hub.Concurrency)
	assert.Equal(t, int64(13), cfg.Export.Opset)
	assert.Equal(t, "QInt8", cfg.Quantize.WeightType)
	assert.True(t, cfg.Quantize.PerChannel)
	assert.Equal(t, []string{"lm_head"}, cfg.Quantize.NodesToExclude)

	// Defaults are still set for non-overridden values.
	assert.Equal(t, "main", cfg.Hub.Revision)
	assert.True(t, cfg.Quantize.Optimize)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MODELPREP_QUANTIZE_OUTPUT", "/tmp/out.onnx")
	t.Setenv("MODELPREP_EXPORT_OPSET", "14")
	t.Setenv("HF_TOKEN", "hf_secret")
	t.Setenv("ONNXRUNTIME_LIB_PATH", "/opt/ort/libonnxruntime.so")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/out.onnx", cfg.Quantize.Output)
	assert.Equal(t, int64(14), cfg.Export.Opset)
	assert.Equal(t, "hf_secret", cfg.Hub.Token)
	assert.Equal(t, "/opt/ort/libonnxruntime.so", cfg.Runtime.LibraryPath)
}

func TestPrefixedTokenWins(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MODELPREP_HUB_TOKEN", "prefixed")
	t.Setenv("HF_TOKEN", "shared")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, "prefixed", cfg.Hub.Token)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		v := viper.New()
		setDefaults(v)
		cfg := &Config{}
		require.NoError(t, v.Unmarshal(cfg))
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"lowercase weight type", func(c *Config) { c.Quantize.WeightType = "qint8" }, ""},
		{"unknown weight type", func(c *Config) { c.Quantize.WeightType = "QInt4" }, "weight_type"},
		{"old opset", func(c *Config) { c.Export.Opset = 6 }, "export.opset"},
		{"empty output", func(c *Config) { c.Export.Output = "" }, "export.output"},
		{"empty quantize input", func(c *Config) { c.Quantize.Input = "" }, "quantize.input"},
		{"zero concurrency", func(c *Config) { c.Hub.Concurrency = 0 }, "hub.concurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"expand tilde", "~/cache", filepath.Join(home, "cache")},
		{"no expansion needed", "/absolute/path", "/absolute/path"},
		{"empty path", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, expandPath(tt.input))
		})
	}
}

func TestDefaultCacheDirHonorsHFHome(t *testing.T) {
	t.Setenv("HF_HOME", "/data/hf")
	assert.Equal(t, filepath.Join("/data/hf", "modelprep"), getDefaultCacheDir())
}
