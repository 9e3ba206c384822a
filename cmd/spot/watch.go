package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/4thel00z/spotcheck/internal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func NewWatchCmd(svc func() *internal.DetectService, logger func() *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Run the inspection steps against frames written to a directory",
		Long: `Treat every image written into <dir> as a camera frame and walk the
configured steps: detect, sustain, count down and capture.`,
		Args: cobra.ExactArgs(1),
		RunE: makeWatchRunner(svc, logger),
	}

	cmd.Flags().String("listen", "", "Serve /metrics and /events on this address")
	return cmd
}

func makeWatchRunner(svc func() *internal.DetectService, logger func() *zap.Logger) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		scopeHint, _ := cmd.Flags().GetString("scope")
		asJSON, _ := cmd.Flags().GetBool("json")
		listen, _ := cmd.Flags().GetString("listen")

		ctx := cmd.Context()
		obs := internal.Observers{
			Transition: func(t internal.Transition) { printTransition(cmd, t, asJSON) },
			Progress:   func(p internal.Progress) { printProgress(cmd, p, asJSON) },
		}

		if listen != "" {
			hub := internal.NewEventHub(logger().Named("events"))
			defer hub.Close()

			transition, progress := obs.Transition, obs.Progress
			obs.Transition = func(t internal.Transition) {
				transition(t)
				hub.PublishTransition(t)
			}
			obs.Progress = func(p internal.Progress) {
				progress(p)
				hub.PublishProgress(p)
			}

			srv := newStatusServer(listen, hub)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(cmd.ErrOrStderr(), "status server: %v\n", err)
				}
			}()
			defer shutdown(srv)
			fmt.Fprintf(cmd.ErrOrStderr(), "Serving status on %s\n", listen)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for frames...\n", args[0])
		if err := svc().Watch(ctx, internal.WatchInput{Scope: scopeHint, Dir: args[0]}, obs); err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		return nil
	}
}

func newStatusServer(addr string, hub *internal.EventHub) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/events", hub)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func printTransition(cmd *cobra.Command, t internal.Transition, asJSON bool) {
	if asJSON {
		_ = json.NewEncoder(cmd.OutOrStdout()).Encode(t)
		return
	}

	w := cmd.OutOrStdout()
	switch {
	case t.To == internal.PhaseCountdown:
		fmt.Fprintf(w, "[%s] %s in %d\n", t.To, t.Target, t.Remaining)
	case t.Err != nil:
		fmt.Fprintf(w, "[%s] %s: %v\n", t.To, t.Target, t.Err)
	case t.From != t.To:
		fmt.Fprintf(w, "[%s] %s (%.3f)\n", t.To, t.Target, t.Score)
	}
}

func printProgress(cmd *cobra.Command, p internal.Progress, asJSON bool) {
	if asJSON {
		return
	}
	if p.Total > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %d/%d\n", p.Status, p.File, p.Loaded, p.Total)
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", p.Status)
}
