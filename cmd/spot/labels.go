package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/4thel00z/spotcheck/internal"
	"github.com/spf13/cobra"
)

var errLabelCheck = errors.New("label check failed")

func NewLabelsCmd(svc func() *internal.LabelService) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labels",
		Short: "Inspect label embeddings",
	}

	cmd.AddCommand(
		newLabelsListCmd(svc),
		newLabelsCheckCmd(svc),
	)
	return cmd
}

func newLabelsListCmd(svc func() *internal.LabelService) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List known labels",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scopeHint, _ := cmd.Flags().GetString("scope")
			asJSON, _ := cmd.Flags().GetBool("json")

			store, err := svc().Store(scopeHint)
			if err != nil {
				return fmt.Errorf("load labels: %w", err)
			}

			if asJSON {
				return writeJSON(cmd, map[string]any{
					"model":     store.Model(),
					"dimension": store.Dimension(),
					"labels":    store.Labels(),
				})
			}

			for _, label := range store.Labels() {
				fmt.Fprintln(cmd.OutOrStdout(), label)
			}
			return nil
		},
	}
}

func newLabelsCheckCmd(svc func() *internal.LabelService) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify every configured step resolves against the label file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scopeHint, _ := cmd.Flags().GetString("scope")
			asJSON, _ := cmd.Flags().GetBool("json")

			report, err := svc().Check(scopeHint)
			if err != nil {
				return fmt.Errorf("check labels: %w", err)
			}

			if asJSON {
				if err := writeJSON(cmd, report); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s: %d labels, %d dimensions\n", report.Model, report.Labels, report.Dimension)
				for _, s := range report.Steps {
					status := "ok"
					if s.Error != "" {
						status = s.Error
					}
					fmt.Fprintf(out, "  %d. %s vs [%s]: %s\n", s.Step, s.Target, strings.Join(s.Negatives, ", "), status)
				}
			}

			if !report.OK() {
				return errLabelCheck
			}
			return nil
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
