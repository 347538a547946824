package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	promptlab "github.com/MegaGrindStone/prompt-lab"
	"github.com/MegaGrindStone/prompt-lab/internal/handlers"
	"github.com/MegaGrindStone/prompt-lab/internal/relay"
	"github.com/MegaGrindStone/prompt-lab/internal/services"
	"github.com/MegaGrindStone/prompt-lab/internal/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const relayPath = "/functions/v1/chat"

var serverPort string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the chat relay and the web chat",
	Long: `Start the HTTP server.

The server provides:
  - /functions/v1/chat - the streaming chat relay
  - /                  - the web chat, streaming through the relay
  - /metrics           - Prometheus metrics

Examples:
  promptlab server                 # Start on the configured port (default 8080)
  promptlab server --port 3000     # Start on a custom port`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cfgFile)
		if err != nil {
			return err
		}
		if serverPort != "" {
			cfg.Port = serverPort
		}
		if err := cfg.validateServer(); err != nil {
			return err
		}

		return runServer(cmd.Context(), cfg, cfg.logger(os.Stdout))
	},
}

func init() {
	serverCmd.Flags().StringVar(&serverPort, "port", "", "Port to listen on (overrides the config)")
}

func runServer(ctx context.Context, cfg config, logger *slog.Logger) error {
	dir, err := appDir()
	if err != nil {
		return err
	}
	boltDB, err := services.NewBoltDB(filepath.Join(dir, storeFileName))
	if err != nil {
		return err
	}
	defer boltDB.Close()

	catalog, err := cfg.Models.catalog()
	if err != nil {
		return fmt.Errorf("invalid models config: %w", err)
	}

	relayHandler := relay.NewHandler(
		relay.NewIdentityVerifier(cfg.Auth.URL, cfg.Auth.APIKey, nil, logger),
		relay.NewGateway(cfg.Gateway.URL, cfg.Gateway.APIKey, nil, logger),
		catalog,
		relay.NewMetrics(prometheus.DefaultRegisterer),
		logger,
	)

	// The web chat is a regular relay client.
	client := stream.NewClient(cfg.Client.RelayURL, stream.StaticToken(cfg.Client.Token), logger,
		stream.WithAPIKey(cfg.Client.APIKey),
		stream.WithIdleTimeout(cfg.Client.IdleTimeout),
	)
	m, err := handlers.NewMain(client, boltDB, catalog.Models(), logger)
	if err != nil {
		return err
	}

	// Serve static files
	staticFS, err := fs.Sub(promptlab.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle(relayPath, relayHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/sse/messages", m.HandleSSE)
	mux.HandleFunc("/sse/chats", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("error", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr), slog.String("relay", relayPath))
		serverErrors <- srv.ListenAndServe()
	}()

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		logger.Info("Start shutdown", slog.String("cause", context.Cause(ctx).Error()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("error", err.Error()))
			if err := srv.Close(); err != nil {
				return fmt.Errorf("forcing server close: %w", err)
			}
		}
	}
	return nil
}
