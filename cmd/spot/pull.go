package main

import (
	"fmt"

	"github.com/4thel00z/spotcheck/internal"
	"github.com/spf13/cobra"
)

func NewPullCmd(svc func() *internal.ModelService) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Download the configured encoder weights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scopeHint, _ := cmd.Flags().GetString("scope")
			w := cmd.ErrOrStderr()

			last := -1
			path, err := svc().Pull(cmd.Context(), scopeHint, func(p internal.Progress) {
				if p.Total <= 0 {
					return
				}
				pct := int(p.Loaded * 100 / p.Total)
				if pct/10 != last/10 {
					fmt.Fprintf(w, "\r%s %3d%%", p.File, pct)
					last = pct
				}
			})
			if last >= 0 {
				fmt.Fprintln(w)
			}
			if err != nil {
				return fmt.Errorf("pull: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
