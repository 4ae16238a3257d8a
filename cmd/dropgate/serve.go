package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/dropgate/dropgate/internal/config"
	"github.com/dropgate/dropgate/internal/fileindex"
	"github.com/dropgate/dropgate/internal/serverapi"
	"github.com/dropgate/dropgate/internal/signalbroker"
)

func newServeCmd() *cobra.Command {
	var (
		addr       string
		dataDir    string
		iceServers []string
		peerjsPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Dropgate server: hosted upload/download API plus P2P signalling",
		Long: `Run the Dropgate server.

Server tunables (ENABLE_E2EE, MAX_FILE_SIZE_MB, RATE_LIMIT_WINDOW_MS,
RATE_LIMIT_MAX_REQUESTS, PRESERVE_UPLOADS, ZOMBIE_CLEANUP_INTERVAL_MS) are
read from the environment. --data-dir, --addr and the P2P flags are
process placement concerns and stay as CLI flags.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), addr, dataDir, peerjsPath, iceServers)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./dropgate-data", "root directory for uploads, temp files, and the index database")
	cmd.Flags().StringVar(&peerjsPath, "peerjs-path", "/peerjs", "path the P2P signalling broker is mounted under")
	cmd.Flags().StringSliceVar(&iceServers, "ice-server", []string{"stun:stun.l.google.com:19302"}, "ICE server URL, repeatable")

	return cmd
}

func runServe(ctx context.Context, addr, dataDir, peerjsPath string, iceServers []string) error {
	logger := loggerFrom(ctx)

	cfg := config.LoadServerConfigFromEnv(logger)

	uploadDir := filepath.Join(dataDir, "uploads")
	tempDir := filepath.Join(dataDir, "temp")

	index, err := buildIndex(ctx, cfg, dataDir, logger)
	if err != nil {
		return err
	}
	defer index.Close()

	if !cfg.PreserveUploads {
		wipeDir(tempDir, logger)
	}

	srv, err := serverapi.New(cfg, index, uploadDir, tempDir, serverapi.P2PCapabilities{
		Enabled:    true,
		PeerJSPath: peerjsPath,
		ICEServers: iceServers,
	}, logger)
	if err != nil {
		return err
	}

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	srv.StartSweeps(sweepCtx)

	broker := signalbroker.New(logger)

	router := chi.NewRouter()
	router.Mount(peerjsPath, broker.Router())
	router.Mount("/", srv.Router())

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)

	go func() {
		logger.Info("dropgate server listening", slog.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	case <-serveCtx.Done():
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	}
}

// buildIndex selects the in-memory or sqlite-backed index per
// PRESERVE_UPLOADS. The in-memory mode also wipes any prior upload
// directory at startup: nothing survives a restart.
func buildIndex(ctx context.Context, cfg config.ServerConfig, dataDir string, logger *slog.Logger) (fileindex.Index, error) {
	if !cfg.PreserveUploads {
		wipeDir(filepath.Join(dataDir, "uploads"), logger)
		return fileindex.NewMemoryIndex(), nil
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}

	return fileindex.NewSQLiteIndex(ctx, filepath.Join(dataDir, "index.db"), logger)
}

func wipeDir(dir string, logger *slog.Logger) {
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to wipe directory at startup", slog.String("dir", dir), slog.String("error", err.Error()))
	}
}
