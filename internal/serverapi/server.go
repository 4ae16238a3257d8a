package serverapi

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/dropgate/dropgate/internal/config"
	"github.com/dropgate/dropgate/internal/fileindex"
)

// Version is the Dropgate server version reported by /api/info.
const Version = "1.0.0"

// P2PCapabilities describes the advertised signalling endpoint.
type P2PCapabilities struct {
	Enabled    bool     `json:"enabled"`
	PeerJSPath string   `json:"peerjsPath"`
	ICEServers []string `json:"iceServers"`
}

// Server bundles the dependencies of the hosted-upload HTTP API: the
// file index, a scratch directory for in-progress uploads, an upload
// directory for completed files, and the rate limiter / config knobs.
// Constructed once at startup and passed by reference, never a
// package-level singleton.
type Server struct {
	Config    config.ServerConfig
	Index     fileindex.Index
	UploadDir string
	TempDir   string
	P2P       P2PCapabilities

	logger   *slog.Logger
	sessions *sessionTable
	limiter  *rate.Limiter // nil when rate limiting is disabled
	sweeper  *fileindex.Sweeper
}

// New constructs a Server, ensuring the upload and temp directories exist.
func New(cfg config.ServerConfig, index fileindex.Index, uploadDir, tempDir string, p2p P2PCapabilities, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(uploadDir, 0o700); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return nil, err
	}

	s := &Server{
		Config:    cfg,
		Index:     index,
		UploadDir: uploadDir,
		TempDir:   tempDir,
		P2P:       p2p,
		logger:    logger,
		sessions:  newSessionTable(),
		limiter:   buildLimiter(cfg),
	}

	s.sweeper = fileindex.NewSweeper(
		index, tempDir, s.sessions,
		fileindex.DefaultTTLSweepInterval,
		time.Duration(cfg.ZombieCleanupIntervalMS)*time.Millisecond,
		logger,
	)

	return s, nil
}

// buildLimiter returns nil (no limiting) when either knob is 0.
func buildLimiter(cfg config.ServerConfig) *rate.Limiter {
	if cfg.RateLimitWindowMS == 0 || cfg.RateLimitMaxRequests == 0 {
		return nil
	}

	// rate.Limiter wants an events-per-second rate; the configuration
	// expresses the policy as N requests per window-ms.
	perSecond := float64(cfg.RateLimitMaxRequests) / (float64(cfg.RateLimitWindowMS) / 1000.0)

	return rate.NewLimiter(rate.Limit(perSecond), int(cfg.RateLimitMaxRequests))
}

// StartSweeps launches the TTL and zombie-tempfile sweep goroutines, tied
// to ctx's lifetime.
func (s *Server) StartSweeps(ctx context.Context) {
	s.sweeper.Start(ctx)
}

// Router builds the chi mux for the public HTTP API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "X-Upload-Id", "X-File-Offset"},
	}))

	if s.limiter != nil {
		r.Use(s.rateLimitMiddleware)
	}

	r.Get("/", s.handleRoot)
	r.Get("/api/info", s.handleInfo)
	r.Post("/upload/init", s.handleUploadInit)
	r.Post("/upload/chunk", s.handleUploadChunk)
	r.Post("/upload/complete", s.handleUploadComplete)
	r.Get("/api/file/{fileId}/meta", s.handleEncryptedMeta)
	r.Get("/api/file/{fileId}", s.handleEncryptedData)
	r.Get("/{fileId}", s.handleDownload)

	return r
}

func (s *Server) slogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request handled",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) tempPath(uploadID string) string {
	return filepath.Join(s.TempDir, uploadID)
}

func (s *Server) storagePath(fileID string) string {
	return filepath.Join(s.UploadDir, fileID)
}
