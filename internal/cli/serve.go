package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"taskrunner/internal/api"
	"taskrunner/internal/mcp"
)

const (
	modeHTTP = "http"
	modeMCP  = "mcp"
	modeBoth = "both"
)

func newServeCommand(flags *globalFlags, version string) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler with the HTTP API, MCP over stdio, or both",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch mode {
			case modeHTTP, modeMCP, modeBoth:
			default:
				return errors.WithHint(errors.Newf("invalid mode %q", mode), "valid modes are http, mcp and both")
			}
			return serve(cmd.Context(), flags, version, mode)
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", modeHTTP, "surface to serve: http, mcp or both")
	return cmd
}

func newMCPCommand(flags *globalFlags, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run the scheduler and serve MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), flags, version, modeMCP)
		},
	}
}

func newMigrateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// NewApp migrates on open.
			app, err := flags.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer app.Close()
			printSuccess(cmd.OutOrStdout(), "schema is up to date (%s)", app.Store.Dialect().Name)
			return nil
		},
	}
}

func serve(parent context.Context, flags *globalFlags, version, mode string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// stdout carries the MCP protocol, so logs always go to stderr.
	app, err := flags.open(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.Logger
	cfg := app.Config

	if err := app.Scheduler.Start(ctx); err != nil {
		return errors.Wrap(err, "start scheduler")
	}
	logger.Info("serving", "mode", mode, "location", app.Scheduler.Location().String())

	tools := mcp.NewMCPServer(app.Service, logger, version)
	errCh := make(chan error, 2)

	var server *api.Server
	if mode == modeHTTP || mode == modeBoth {
		server = api.NewServer(app.Service, api.Options{
			Addr:        cfg.Server.Addr,
			AuthToken:   cfg.Server.AuthToken,
			MCP:         tools,
			Events:      app.Bus,
			Health:      app.Store,
			MachineName: app.Scheduler.MachineName(),
			Running:     app.Scheduler.Running,
		}, logger)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- errors.Wrap(err, "http server")
			}
		}()
	}
	if mode == modeMCP || mode == modeBoth {
		go func() {
			// ServeStdio returns when stdin closes; that ends the process as well.
			if err := tools.ServeStdio(); err != nil {
				errCh <- errors.Wrap(err, "mcp server")
				return
			}
			errCh <- nil
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("server stopped", "err", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "err", err)
		}
	}
	if err := app.Scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop", "err", err)
	}
	logger.Info("shutdown complete")
	return runErr
}
