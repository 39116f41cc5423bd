// Package fileserver exposes the engine's HLS output over HTTP: playlists
// rendered live from the segment store, segment files read straight off
// disk, and a small operational surface (/stats, /readyz).
package fileserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/deflax/muxengine/internal/config"
	appmiddleware "github.com/deflax/muxengine/internal/http/middleware"
	"github.com/deflax/muxengine/internal/segmentstore"
	"github.com/deflax/muxengine/internal/version"
)

// segmentNotFoundRetryDelay is how long to wait before a second attempt at
// serving a .ts file that wasn't found on first try: the file may be mid
// -write and about to appear, and a player retrying a 404 immediately is
// worse than a short, bounded wait here.
const segmentNotFoundRetryDelay = 500 * time.Millisecond

// SegmentStore is the subset of segmentstore.Store the file server depends
// on for playlist rendering and stats.
type SegmentStore interface {
	GenerateVariantPlaylist(variant int) string
	GenerateMasterPlaylist() string
	Stats() segmentstore.Stats
}

// StreamManager is the subset of streammanager.Manager the file server
// depends on for /stats and /readyz.
type StreamManager interface {
	StateString() string
	CurrentURL() string
	IsRunning() bool
	RecoveryAttempts() int
}

// Server serves HLS output and a small operational API.
type Server struct {
	cfg     config.ServerConfig
	hls     config.HLSConfig
	mux     config.MuxConfig
	store   SegmentStore
	manager StreamManager
	logger  *slog.Logger

	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
}

// New builds a Server wired to the given segment store and stream manager.
func New(cfg config.ServerConfig, hls config.HLSConfig, mux config.MuxConfig, store SegmentStore, manager StreamManager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(appmiddleware.RequestID)
	router.Use(appmiddleware.NewLoggingMiddleware(logger))
	router.Use(appmiddleware.Recovery(logger))
	router.Use(appmiddleware.CORS())

	humaConfig := huma.DefaultConfig("muxengine API", version.Short())
	humaConfig.Info.Description = "Continuous HLS mux engine operational API"
	humaConfig.DocsPath = ""

	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:     cfg,
		hls:     hls,
		mux:     mux,
		store:   store,
		manager: manager,
		logger:  logger,
		router:  router,
		api:     api,
	}

	s.registerRoutes()
	s.registerAPI()

	return s
}

// Router exposes the underlying chi router, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Get("/live/stream.m3u8", s.handleMasterOrSinglePlaylist)
	s.router.Get("/live/stream_{variant}/playlist.m3u8", s.handleVariantPlaylist)
	s.router.Get("/live/*", s.handleSegment)
}

// handleMasterOrSinglePlaylist serves the ABR master playlist in abr mode,
// or variant 0's media playlist directly in copy mode.
func (s *Server) handleMasterOrSinglePlaylist(w http.ResponseWriter, r *http.Request) {
	var body string
	if s.mux.Mode == "abr" {
		body = s.store.GenerateMasterPlaylist()
	} else {
		body = s.store.GenerateVariantPlaylist(0)
	}
	writePlaylist(w, body)
}

func (s *Server) handleVariantPlaylist(w http.ResponseWriter, r *http.Request) {
	variant, err := strconv.Atoi(chi.URLParam(r, "variant"))
	if err != nil || variant < 0 || variant >= s.mux.NumVariants() {
		http.NotFound(w, r)
		return
	}
	writePlaylist(w, s.store.GenerateVariantPlaylist(variant))
}

func writePlaylist(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write([]byte(body))
}

// handleSegment serves a .ts segment file directly from the output
// directory. It rejects path traversal with a 403 and, on first miss of a
// .ts path, retries once after a short delay before giving up with a 404 -
// the segment may simply not have finished stabilizing yet.
func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	if strings.Contains(rel, "..") || strings.HasPrefix(rel, "/") {
		http.Error(w, "invalid path", http.StatusForbidden)
		return
	}

	path := filepath.Join(s.hls.OutputDir, rel)

	info, err := os.Stat(path)
	if err != nil && strings.HasSuffix(rel, ".ts") {
		time.Sleep(segmentNotFoundRetryDelay)
		info, err = os.Stat(path)
	}
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if info.IsDir() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "public, max-age=3600, immutable")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	http.ServeFile(w, r, path)
}

// statsOutput is the /stats response body.
type statsOutput struct {
	SegmentsPerVariant map[int]int `json:"segments_per_variant"`
	NextSequence       uint64      `json:"next_sequence"`
	DiscontinuityCount uint64      `json:"discontinuity_count"`
	BytesOnDisk        int64       `json:"bytes_on_disk"`
	StreamState        string      `json:"stream_state"`
	CurrentURL         string      `json:"current_url,omitempty"`
	RecoveryAttempts   int         `json:"recovery_attempts"`
}

type statsInput struct{}

type statsResponse struct {
	Body statsOutput
}

type readyzInput struct{}

type readyzResponse struct {
	Body struct {
		Ready bool `json:"ready"`
	}
}

type healthInput struct{}

type healthResponse struct {
	Body struct {
		Status string `json:"status"`
	}
}

func (s *Server) registerAPI() {
	huma.Register(s.api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness probe",
		Description: "Returns status=ok as soon as the process is up and serving requests; carries no opinion about whether the stream manager is actually producing output.",
		Tags:        []string{"Operations"},
	}, s.getHealth)

	huma.Register(s.api, huma.Operation{
		OperationID: "getStats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Engine statistics",
		Description: "Returns segment store and stream manager state for observability.",
		Tags:        []string{"Operations"},
	}, s.getStats)

	huma.Register(s.api, huma.Operation{
		OperationID: "getReadyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Returns ready=true only once the stream manager is actively running.",
		Tags:        []string{"Operations"},
	}, s.getReadyz)
}

func (s *Server) getHealth(ctx context.Context, input *healthInput) (*healthResponse, error) {
	resp := &healthResponse{}
	resp.Body.Status = "ok"
	return resp, nil
}

func (s *Server) getStats(ctx context.Context, input *statsInput) (*statsResponse, error) {
	storeStats := s.store.Stats()

	resp := &statsResponse{}
	resp.Body.SegmentsPerVariant = storeStats.SegmentsPerVariant
	resp.Body.NextSequence = storeStats.NextSequence
	resp.Body.DiscontinuityCount = storeStats.DiscontinuityCount
	resp.Body.BytesOnDisk = storeStats.BytesOnDisk

	if s.manager != nil {
		resp.Body.StreamState = s.manager.StateString()
		resp.Body.CurrentURL = s.manager.CurrentURL()
		resp.Body.RecoveryAttempts = s.manager.RecoveryAttempts()
	}

	return resp, nil
}

func (s *Server) getReadyz(ctx context.Context, input *readyzInput) (*readyzResponse, error) {
	resp := &readyzResponse{}
	resp.Body.Ready = s.manager != nil && s.manager.IsRunning()
	return resp, nil
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start() error {
	addr := s.cfg.Address()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.logger.Info("starting file server", "address", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("starting file server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting up to the configured
// shutdown timeout for in-flight requests to complete.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down file server: %w", err)
	}
	s.logger.Info("file server stopped")
	return nil
}

// ListenAndServe starts the server and blocks until ctx is canceled or the
// server exits with an error, performing a graceful shutdown either way.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
