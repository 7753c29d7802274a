// Package config loads modelprep settings from defaults, a YAML config file,
// MODELPREP_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "MODELPREP"

// Config represents the modelprep configuration
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Hub      HubConfig      `mapstructure:"hub"`
	Export   ExportConfig   `mapstructure:"export"`
	Quantize QuantizeConfig `mapstructure:"quantize"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HubConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	Revision    string `mapstructure:"revision"`
	Token       string `mapstructure:"token"`
	CacheDir    string `mapstructure:"cache_dir"`
	Concurrency int    `mapstructure:"concurrency"`
	Progress    bool   `mapstructure:"progress"`
}

type ExportConfig struct {
	ModelID    string `mapstructure:"model_id"`
	Output     string `mapstructure:"output"`
	Opset      int64  `mapstructure:"opset"`
	InputName  string `mapstructure:"input_name"`
	OutputName string `mapstructure:"output_name"`
	SampleText string `mapstructure:"sample_text"`
	Verify     bool   `mapstructure:"verify"`
}

type QuantizeConfig struct {
	Input          string   `mapstructure:"input"`
	Output         string   `mapstructure:"output"`
	WeightType     string   `mapstructure:"weight_type"`
	Optimize       bool     `mapstructure:"optimize"`
	PerChannel     bool     `mapstructure:"per_channel"`
	OpTypes        []string `mapstructure:"op_types"`
	NodesToExclude []string `mapstructure:"nodes_to_exclude"`
	Workers        int      `mapstructure:"workers"`
	Verify         bool     `mapstructure:"verify"`
}

type RuntimeConfig struct {
	LibraryPath string `mapstructure:"library_path"`
}

// NewViper returns a viper instance with defaults, config search paths and
// environment bindings in place. Flags may be bound to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetConfigName("modelprep")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if configDir := getUserConfigDir(); configDir != "" {
		v.AddConfigPath(configDir)
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Well-known variables shared with other Hugging Face and onnxruntime tooling.
	_ = v.BindEnv("hub.token", EnvPrefix+"_HUB_TOKEN", "HF_TOKEN")
	_ = v.BindEnv("runtime.library_path", EnvPrefix+"_RUNTIME_LIBRARY_PATH", "ONNXRUNTIME_LIB_PATH")

	return v
}

// Load reads configFile (or the first modelprep.yaml found on the search path
// when configFile is empty) into v and decodes the merged settings.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file is fine, defaults apply.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Hub.CacheDir = expandPath(cfg.Hub.CacheDir)
	cfg.Runtime.LibraryPath = expandPath(cfg.Runtime.LibraryPath)
	return cfg, nil
}

// setDefaults sets all default values
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("hub.endpoint", "https://huggingface.co")
	v.SetDefault("hub.revision", "main")
	v.SetDefault("hub.token", "")
	v.SetDefault("hub.cache_dir", getDefaultCacheDir())
	v.SetDefault("hub.concurrency", 4)
	v.SetDefault("hub.progress", true)

	v.SetDefault("export.model_id", "philippelaban/keep_it_simple")
	v.SetDefault("export.output", filepath.Join("public", "models", "keep_it_simple.onnx"))
	v.SetDefault("export.opset", 12)
	v.SetDefault("export.input_name", "input")
	v.SetDefault("export.output_name", "output")
	v.SetDefault("export.sample_text", "Hello, my dog is cute")
	v.SetDefault("export.verify", false)

	v.SetDefault("quantize.input", filepath.Join("public", "onnx_model", "model.onnx"))
	v.SetDefault("quantize.output", filepath.Join("public", "onnx_model", "model_quantized.onnx"))
	v.SetDefault("quantize.weight_type", "QUInt8")
	v.SetDefault("quantize.optimize", true)
	v.SetDefault("quantize.per_channel", false)
	v.SetDefault("quantize.op_types", []string{"MatMul", "Gather"})
	v.SetDefault("quantize.nodes_to_exclude", []string{})
	v.SetDefault("quantize.workers", runtime.NumCPU())
	v.SetDefault("quantize.verify", false)

	v.SetDefault("runtime.library_path", "")
}

// Validate checks settings that would otherwise fail deep inside a command.
func (c *Config) Validate() error {
	var errs []error
	if c.Export.Output == "" {
		errs = append(errs, errors.New("export.output must not be empty"))
	}
	if c.Export.ModelID == "" {
		errs = append(errs, errors.New("export.model_id must not be empty"))
	}
	if c.Export.Opset < 7 {
		errs = append(errs, fmt.Errorf("export.opset %d is below the minimum of 7", c.Export.Opset))
	}
	if c.Export.InputName == "" || c.Export.OutputName == "" {
		errs = append(errs, errors.New("export.input_name and export.output_name must not be empty"))
	}
	if c.Quantize.Input == "" || c.Quantize.Output == "" {
		errs = append(errs, errors.New("quantize.input and quantize.output must not be empty"))
	}
	switch strings.ToLower(c.Quantize.WeightType) {
	case "quint8", "qint8":
	default:
		errs = append(errs, fmt.Errorf("quantize.weight_type %q is not QUInt8 or QInt8", c.Quantize.WeightType))
	}
	if c.Hub.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("hub.concurrency must be at least 1, got %d", c.Hub.Concurrency))
	}
	return errors.Join(errs...)
}

// getDefaultCacheDir returns the default download cache directory
func getDefaultCacheDir() string {
	if dir := os.Getenv("HF_HOME"); dir != "" {
		return filepath.Join(dir, "modelprep")
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "modelprep")
	}
	return ".modelprep-cache"
}

// getUserConfigDir returns the user's config directory
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "modelprep")
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "modelprep")
}

// expandPath expands ~ and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	return os.ExpandEnv(path)
}
