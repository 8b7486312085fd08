package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielolaszy/issuebridge/internal/api"
	"github.com/danielolaszy/issuebridge/internal/logging"
	"github.com/danielolaszy/issuebridge/internal/scheduler"
)

// serveCmd runs the service mode: HTTP API plus the background scheduler.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the background sync scheduler",
	Long: `Start issuebridge as a long-running service.

The HTTP API exposes CRUD for trackers, pairs and user mappings, manual sync
triggers, and dashboard views. The scheduler reconciles every enabled pair on
its configured interval. Shutdown on SIGINT/SIGTERM is graceful: in-flight
sync runs finish before the process exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, eng, err := bootstrap()
		if err != nil {
			return err
		}
		defer st.Close()

		sched := scheduler.New(st, eng, cfg.Sync.DefaultIntervalMinutes)
		if err := sched.Start(); err != nil {
			return err
		}

		server := api.NewServer(st, eng, sched, cfg.Auth)
		httpServer := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           server.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logging.Info("http server listening", "addr", cfg.Server.ListenAddr)
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			sched.Stop()
			return err
		case sig := <-stop:
			logging.Info("shutting down", "signal", sig.String())
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("http shutdown failed", "error", err)
		}
		sched.Stop()
		return nil
	},
}
