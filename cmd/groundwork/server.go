package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/groundwork/internal/api"
	"github.com/kalambet/groundwork/internal/ingest"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job worker, the MCP server and the ops endpoints (foreground)",
	Long: `Run the job worker, the MCP server and the ops endpoints in the foreground.

MCP is served over stdio unless server.mcp_port is set, in which case it is
served over streamable HTTP on that port. /healthz, /readyz, /metrics and
the /sources admin routes listen on 127.0.0.1:server.port.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("groundwork starting", "version", version, "driver", cfg.Storage.Driver,
		"provider", cfg.Embedding.Provider)

	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	deps := a.apiDeps()
	mcpSrv := api.NewMCPServer(deps)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Worker.Enabled {
		worker := ingest.NewWorker(a.store, a.proc, a.textFunc(), cfg.Worker.PollDuration())
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
		slog.Info("job worker started", "poll_interval", cfg.Worker.PollDuration())
	}

	opsAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	g.Go(func() error {
		return serveHTTP(gctx, opsAddr, api.NewHandler(deps))
	})

	if cfg.Server.MCPPort > 0 {
		mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
		g.Go(func() error {
			return serveHTTP(gctx, mcpAddr, server.NewStreamableHTTPServer(mcpSrv))
		})
		slog.Info("MCP server started (streamable HTTP transport)", "addr", mcpAddr)
	} else {
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("shut down cleanly")
	return nil
}

// serveHTTP runs an HTTP server until ctx is done, then shuts it down.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server %s: %w", addr, err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
