package main

import (
	"fmt"

	"github.com/4thel00z/spotcheck/internal"
	"github.com/spf13/cobra"
)

func NewClassifyCmd(svc func() *internal.DetectService) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <image>",
		Short: "Classify a single image",
		Long: `Embed an image and rank it against every known label, or test it
against one target label with --target.`,
		Args: cobra.ExactArgs(1),
		RunE: makeClassifyRunner(svc),
	}

	cmd.Flags().String("target", "", "Target label to detect")
	cmd.Flags().StringSlice("negative", nil, "Negative label (repeatable)")
	return cmd
}

func makeClassifyRunner(svc func() *internal.DetectService) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		scopeHint, _ := cmd.Flags().GetString("scope")
		asJSON, _ := cmd.Flags().GetBool("json")
		target, _ := cmd.Flags().GetString("target")
		negatives, _ := cmd.Flags().GetStringSlice("negative")

		out, err := svc().Classify(cmd.Context(), internal.ClassifyInput{
			Scope: scopeHint, Path: args[0], Target: target, Negatives: negatives,
		}, internal.Observers{})
		if err != nil {
			return fmt.Errorf("classify: %w", err)
		}

		if asJSON {
			return writeJSON(cmd, out)
		}

		w := cmd.OutOrStdout()
		ranked := out.Ranked
		if out.Detection != nil {
			verdict := "not detected"
			if out.Detection.IsDetected {
				verdict = "detected"
			}
			fmt.Fprintf(w, "%s: %s (%.3f)\n", out.Detection.TargetLabel, verdict, out.Detection.TargetScore)
			ranked = out.Detection.RankedScores
		}
		for _, r := range ranked {
			fmt.Fprintf(w, "%.3f  %s\n", r.Score, r.Label)
		}
		return nil
	}
}
