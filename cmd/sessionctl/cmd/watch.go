package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/authsession-go/sessions"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	var (
		probe string
		every time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the session fresh and print state transitions until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, root)
			if err != nil {
				return err
			}
			defer a.Close()

			view := a.coord.Session()
			sub := view.Subscribe()
			defer view.Unsubscribe(sub)

			if err := a.coord.Start(cmd.Context()); err != nil {
				return err
			}

			eg, ctx := errgroup.WithContext(cmd.Context())
			eg.Go(func() error {
				return printTransitions(ctx, cmd, view, sub)
			})
			if probe != "" {
				eg.Go(func() error {
					return probeLoop(ctx, a, probe, every)
				})
			}
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&probe, "probe", "", "API path to GET periodically through the gateway")
	cmd.Flags().DurationVar(&every, "every", 30*time.Second, "probe interval")
	return cmd
}

func printTransitions(ctx context.Context, cmd *cobra.Command, view sessions.View, sub <-chan struct{}) error {
	var last sessions.Snapshot
	show := func() {
		snap := view.Snapshot()
		if snap.State == sessions.StateLoading || sameSession(last, snap) {
			return
		}
		last = snap
		fmt.Fprintln(cmd.OutOrStdout(), formatSnapshot(snap))
	}
	show()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub:
			if !ok {
				return nil
			}
			show()
		}
	}
}

func sameSession(a, b sessions.Snapshot) bool {
	if a.State != b.State {
		return false
	}
	if a.Identity == nil || b.Identity == nil {
		return a.Identity == b.Identity
	}
	return *a.Identity == *b.Identity
}

func probeLoop(ctx context.Context, a *app, path string, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		resp, err := a.gw.Do(req)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			a.log.WarnContext(ctx, "sessionctl.probe.failed", slog.String("err", err.Error()))
		default:
			resp.Body.Close()
			a.log.InfoContext(ctx, "sessionctl.probe", slog.Int("status", resp.StatusCode))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
