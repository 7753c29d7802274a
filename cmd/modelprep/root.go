package main

import (
	"github.com/born-ml/modelprep/internal/config"
	"github.com/born-ml/modelprep/internal/hub"
	"github.com/born-ml/modelprep/internal/logger"
	"github.com/born-ml/modelprep/internal/verify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// app carries the settings shared by every subcommand.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "modelprep",
		Short: "Prepare pretrained language models for edge inference",
		Long: `modelprep converts pretrained causal language models into ONNX files
suitable for browser and edge runtimes.

Key Commands:
  export    - Export a GPT-2-family checkpoint from the Hugging Face hub to ONNX
  quantize  - Dynamically quantize the weights of an ONNX model to 8 bits
  inspect   - Summarize an ONNX model
  version   - Show version`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./modelprep.yaml or $XDG_CONFIG_HOME/modelprep/modelprep.yaml)")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flags.String("log-format", "console", "log format: console or json")
	a.bind(root.PersistentFlags(), "log.level", "log-level")
	a.bind(root.PersistentFlags(), "log.format", "log-format")

	root.AddCommand(
		newExportCmd(a),
		newQuantizeCmd(a),
		newInspectCmd(a),
		newVersionCmd(),
	)
	return root
}

// bind ties a flag to a configuration key so flags override the config file
// and environment.
func (a *app) bind(flags *pflag.FlagSet, key, name string) {
	if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
		panic(err)
	}
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	verify.SetLibraryPath(cfg.Runtime.LibraryPath)
	logger.Log.Debug("configuration loaded", "command", cmd.Name(), "config", a.v.ConfigFileUsed())
	return nil
}

func (a *app) hubClient(cmd *cobra.Command) *hub.Client {
	c := hub.NewClient(a.cfg.Hub.Endpoint, a.cfg.Hub.CacheDir)
	c.Token = a.cfg.Hub.Token
	c.Revision = a.cfg.Hub.Revision
	c.Concurrency = a.cfg.Hub.Concurrency
	c.Progress = a.cfg.Hub.Progress
	c.ProgressOut = cmd.ErrOrStderr()
	return c
}
