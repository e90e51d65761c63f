package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/drowcoder/agentloop"
	"github.com/martinemde/drowcoder/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// Options holds global CLI options.
type Options struct {
	ConfigPath     string
	Workspace      string
	Checkpoint     string
	CheckpointRoot string
	Model          string
	VerboseStyle   string
	Query          string
	Interactive    bool
	MetricsAddr    string
	LogLevel       string

	// newBackend builds the model backend; tests replace it.
	newBackend func(config.ModelConfig, *zap.Logger) (agentloop.Backend, error)
}

// NewRootCmd constructs the base CLI command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&Options{newBackend: newModelBackend})
}

func newRootCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "drowcoder",
		Short:         "drowcoder – an autonomous coding agent for your workspace",
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", config.DefaultPath, "Path to config file")

	run := cmd.Flags()
	run.StringVarP(&opts.Workspace, "workspace", "w", "", "Workspace directory (default: current directory)")
	run.StringVar(&opts.Checkpoint, "checkpoint", "", "Checkpoint directory name or absolute path")
	run.StringVar(&opts.CheckpointRoot, "checkpoint-root", "", "Directory holding checkpoints (overrides checkpoint.root)")
	run.StringVarP(&opts.Model, "model", "m", "", "Model name or id from the config (default: first model)")
	run.StringVar(&opts.VerboseStyle, "verbose-style", "", "Message style: simple, compact, pretty, rich_pretty")
	run.StringVarP(&opts.Query, "query", "q", "", "Headless mode: process this task and exit")
	run.BoolVarP(&opts.Interactive, "interactive", "i", false, "Keep prompting after the query completes")
	run.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	run.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error")

	cmd.AddCommand(NewConfigCmd(opts))
	cmd.AddCommand(NewVersionCmd())
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig wraps config loading with shared options.
func loadConfig(opts *Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// NewVersionCmd prints the compiled version.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show drowcoder version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
