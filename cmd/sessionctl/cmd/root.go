package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/ggoodman/authsession-go/config"
	"github.com/ggoodman/authsession-go/coordinator"
	"github.com/ggoodman/authsession-go/gateway"
	"github.com/ggoodman/authsession-go/renewal"
	"github.com/ggoodman/authsession-go/storage"
	"github.com/spf13/cobra"
)

var errNotAuthenticated = errors.New("not authenticated; run 'sessionctl login'")

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	root := NewRootCommand(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

type rootOptions struct {
	envFiles []string
	verbose  bool
}

// NewRootCommand builds the command tree writing results to out and logs to
// logOut.
func NewRootCommand(out, logOut io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "sessionctl",
		Short: "Manage a dashboard API session",
		Long: `Sign in to a dashboard API, keep the session fresh and issue authenticated requests.

The renewal cookie lives only as long as one sessionctl process. Once the
stored credential expires, a later command cannot renew it and clears the
session; run "sessionctl login" again. "sessionctl watch" renews for as long
as it runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(logOut)

	flags := root.PersistentFlags()
	flags.StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default .env if present)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newLoginCmd(opts),
		newWhoamiCmd(opts),
		newGetCmd(opts),
		newLogoutCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

// app is the wired session stack for a single command invocation.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	store  storage.Storage
	issuer *renewal.Client
	coord  *coordinator.Coordinator
	gw     *gateway.Gateway
}

func openApp(cmd *cobra.Command, opts *rootOptions, coordOpts ...coordinator.Option) (*app, error) {
	ctx := cmd.Context()
	cfg, err := config.Load(opts.envFiles...)
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		cfg.LogLevel = "debug"
	}
	log := cfg.Logger(cmd.ErrOrStderr())

	base, err := url.Parse(cfg.APIBase)
	if err != nil {
		return nil, fmt.Errorf("parse api base: %w", err)
	}

	store, err := config.OpenStorage(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	issuer, err := renewal.New(cfg.APIBase,
		renewal.WithTimeout(cfg.HTTPTimeout),
		renewal.WithLogger(log),
		renewal.WithUserAgent("sessionctl"),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	coordOpts = append([]coordinator.Option{
		coordinator.WithLogger(log),
		coordinator.WithInterval(cfg.RefreshInterval),
		coordinator.WithLeeway(cfg.ClockSkew),
		coordinator.WithRenewalTimeout(cfg.RenewalTimeout),
		coordinator.WithNamespace(cfg.Namespace),
	}, coordOpts...)
	coord := coordinator.New(store, issuer, coordOpts...)

	gw := gateway.New(coord,
		gateway.WithBaseURL(base),
		gateway.WithLogger(log),
		gateway.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		gateway.WithUnrecoverableHandler(func(ctx context.Context, err error) {
			log.WarnContext(ctx, "sessionctl.session.lost", slog.String("err", err.Error()))
		}),
	)

	return &app{cfg: cfg, log: log, store: store, issuer: issuer, coord: coord, gw: gw}, nil
}

func (a *app) Close() error {
	return errors.Join(a.coord.Close(), a.store.Close())
}
