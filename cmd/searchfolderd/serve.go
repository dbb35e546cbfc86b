package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the search folder service until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(commandContext(cmd), rootOpts, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9464", "address serving /metrics and /health; empty disables it")
	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, opts)
	if err != nil {
		return err
	}

	var srv *http.Server
	if metricsAddr != "" {
		srv = newMetricsServer(metricsAddr, rt)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("metrics server failed", "addr", metricsAddr, "error", err)
			}
		}()
	}

	stats := rt.service.Stats()
	rt.logger.Info("search folder service running", "stores", stats.Stores, "folders", stats.Folders)
	<-ctx.Done()
	rt.logger.Info("shutting down search folder service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		srv.Shutdown(shutdownCtx)
	}
	rt.close(shutdownCtx)
	return nil
}

func newMetricsServer(addr string, rt *runtime) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("OK"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
