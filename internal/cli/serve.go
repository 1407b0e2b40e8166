package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/proofvault/internal/app"
	pvmcp "github.com/ppiankov/proofvault/internal/mcp"
)

var serveMetricsAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Serve /metrics on this address (enables metrics; overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway as an MCP tool server on stdio",
	Long: "Runs proofvault as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes governed tools: proofvault_query, proofvault_lint, proofvault_audit.\n" +
		"Supports hot-reload of the policy file and an optional Prometheus endpoint.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if serveMetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = serveMetricsAddr
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to wire gateway: %w", err)
	}
	defer a.Close()

	srv, err := pvmcp.New(pvmcp.Config{
		Orchestrator: a.Orchestrator,
		Ledger:       a.Ledger,
		Logger:       logger,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	go func() {
		if err := a.Watch(ctx); err != nil {
			logger.Warn("policy hot-reload stopped", "error", err)
		}
	}()

	if h := a.MetricsHandler(); h != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", h)
		hs := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			_ = hs.Shutdown(sctx)
		}()
		fmt.Fprintf(os.Stderr, "metrics on http://%s/metrics\n", cfg.Metrics.Addr)
	}

	fmt.Fprintln(os.Stderr, "proofvault MCP server running on stdio")
	fmt.Fprintf(os.Stderr, "Execution: %s, audit store: %s, planner: %s\n", cfg.Execution.Mode, cfg.Audit.Store, cfg.Planner.Kind)
	fmt.Fprintln(os.Stderr)

	err = srv.Run(ctx)
	fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
