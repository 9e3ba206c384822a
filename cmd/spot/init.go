package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/4thel00z/spotcheck/internal"
	"github.com/spf13/cobra"
)

func NewInitCmd(resolver *internal.ScopeResolver) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new inspection scope",
		Long:  `Initialize a new .spot directory with a default config and a captures folder.`,
		RunE:  makeInitRunner(resolver),
	}

	cmd.Flags().Bool("global", false, "Initialize global scope (~/.spot)")
	cmd.Flags().String("labels", "", "Label embedding file to copy into the scope")
	cmd.Flags().String("endpoint", "", "Inference service endpoint")
	return cmd
}

func makeInitRunner(resolver *internal.ScopeResolver) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		isGlobal, _ := cmd.Flags().GetBool("global")
		labelsFile, _ := cmd.Flags().GetString("labels")
		endpoint, _ := cmd.Flags().GetString("endpoint")

		var scope internal.Scope
		if isGlobal {
			scope = resolver.Global()
		} else {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("get working directory: %w", err)
			}
			scope = internal.Scope{
				Type:     internal.ScopeProject,
				Path:     cwd,
				SpotPath: filepath.Join(cwd, internal.ScopeDirName),
			}
		}

		if _, err := os.Stat(scope.SpotPath); err == nil {
			return fmt.Errorf("already initialized at %s", scope.SpotPath)
		}

		if labelsFile != "" {
			if _, err := internal.LoadEmbeddingStore(labelsFile); err != nil {
				return err
			}
		}

		if err := os.MkdirAll(scope.CapturePath(), 0755); err != nil {
			return fmt.Errorf("create captures directory: %w", err)
		}

		cfg := internal.DefaultConfig()
		if endpoint != "" {
			cfg.Model.Endpoint = endpoint
		}
		if labelsFile != "" {
			if err := copyFile(labelsFile, cfg.LabelsPath(scope)); err != nil {
				return fmt.Errorf("copy labels: %w", err)
			}
		}

		if err := internal.SaveConfig(scope, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Initialized inspection scope at %s\n", scope.SpotPath)
		return nil
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
