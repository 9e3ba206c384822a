package main

import (
	"github.com/4thel00z/spotcheck/internal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func NewRootCmd(version string, a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "spot",
		Short:         "Zero-shot visual inspection from the command line",
		Long:          `Detect target objects in camera frames by comparing image embeddings against precomputed label embeddings.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	addPersistentFlags(rootCmd)

	if a != nil {
		rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
			level, dev := logSettings(cmd, a.resolver)
			return a.setup(level, dev)
		}
		addSubcommands(rootCmd, a)
	}

	return rootCmd
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("scope", "", "Target scope (global|project)")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug|info|warn|error), overrides log.level")
	cmd.PersistentFlags().Bool("dev", false, "Human readable development logs, overrides log.development")
}

// logSettings reads the scope's log section; explicit flags win.
func logSettings(cmd *cobra.Command, resolver *internal.ScopeResolver) (string, bool) {
	flags := cmd.Flags()
	scopeHint, _ := flags.GetString("scope")

	cfg, err := internal.LoadConfig(resolver.Resolve(scopeHint))
	if err != nil {
		// The command itself reports the broken config.
		cfg = internal.DefaultConfig()
	}

	level, dev := cfg.Log.Level, cfg.Log.Development
	if flags.Changed("log-level") {
		level, _ = flags.GetString("log-level")
	}
	if flags.Changed("dev") {
		dev, _ = flags.GetBool("dev")
	}
	return level, dev
}

func addSubcommands(root *cobra.Command, a *app) {
	labels := func() *internal.LabelService { return a.labelSvc }
	detect := func() *internal.DetectService { return a.detectSvc }
	model := func() *internal.ModelService { return a.modelSvc }
	logger := func() *zap.Logger { return a.logger }

	root.AddCommand(
		NewInitCmd(a.resolver),
		NewLabelsCmd(labels),
		NewClassifyCmd(detect),
		NewWatchCmd(detect, logger),
		NewPullCmd(model),
	)
}
