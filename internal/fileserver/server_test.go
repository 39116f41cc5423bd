package fileserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deflax/muxengine/internal/config"
	"github.com/deflax/muxengine/internal/segmentstore"
)

type fakeStore struct {
	variantPlaylist string
	masterPlaylist  string
	stats           segmentstore.Stats
}

func (f *fakeStore) GenerateVariantPlaylist(variant int) string { return f.variantPlaylist }
func (f *fakeStore) GenerateMasterPlaylist() string             { return f.masterPlaylist }
func (f *fakeStore) Stats() segmentstore.Stats                  { return f.stats }

type fakeManager struct {
	state      string
	url        string
	running    bool
	recoveries int
}

func (f *fakeManager) StateString() string   { return f.state }
func (f *fakeManager) CurrentURL() string    { return f.url }
func (f *fakeManager) IsRunning() bool       { return f.running }
func (f *fakeManager) RecoveryAttempts() int { return f.recoveries }

func newTestServer(t *testing.T, mode string, store *fakeStore, manager *fakeManager) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	hls := config.HLSConfig{OutputDir: dir, SegmentTime: 4, ListSize: 20}
	mux := config.MuxConfig{Mode: mode, ABRVariants: config.DefaultABRVariants()}
	srv := New(config.ServerConfig{ShutdownTimeout: time.Second}, hls, mux, store, manager, nil)
	return srv, dir
}

func TestHandleMasterOrSinglePlaylist_CopyModeServesVariantZero(t *testing.T) {
	store := &fakeStore{variantPlaylist: "#EXTM3U\ncopy-mode-playlist\n"}
	srv, _ := newTestServer(t, "copy", store, &fakeManager{})

	req := httptest.NewRequest(http.MethodGet, "/live/stream.m3u8", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "copy-mode-playlist")
}

func TestHandleMasterOrSinglePlaylist_ABRModeServesMaster(t *testing.T) {
	store := &fakeStore{masterPlaylist: "#EXTM3U\nmaster-playlist\n"}
	srv, _ := newTestServer(t, "abr", store, &fakeManager{})

	req := httptest.NewRequest(http.MethodGet, "/live/stream.m3u8", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), "master-playlist")
}

func TestHandleVariantPlaylist_RejectsOutOfRangeVariant(t *testing.T) {
	store := &fakeStore{}
	srv, _ := newTestServer(t, "abr", store, &fakeManager{})

	req := httptest.NewRequest(http.MethodGet, "/live/stream_99/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSegment_RejectsPathTraversal(t *testing.T) {
	store := &fakeStore{}
	srv, _ := newTestServer(t, "copy", store, &fakeManager{})

	req := httptest.NewRequest(http.MethodGet, "/live/../../etc/passwd", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestHandleSegment_ServesExistingFileWithCorrectHeaders(t *testing.T) {
	store := &fakeStore{}
	srv, dir := newTestServer(t, "copy", store, &fakeManager{})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_00000.ts"), []byte("tsdata"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/live/segment_00000.ts", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "immutable")
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, "tsdata", string(body))
}

func TestHandleSegment_RetriesOnceThenReturns404(t *testing.T) {
	store := &fakeStore{}
	srv, _ := newTestServer(t, "copy", store, &fakeManager{})

	req := httptest.NewRequest(http.MethodGet, "/live/segment_99999.ts", nil)
	rec := httptest.NewRecorder()

	start := time.Now()
	srv.Router().ServeHTTP(rec, req)
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.GreaterOrEqual(t, elapsed, segmentNotFoundRetryDelay)
}

func TestGetHealth_AlwaysReportsOK(t *testing.T) {
	store := &fakeStore{}
	srv, _ := newTestServer(t, "copy", store, &fakeManager{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestGetStats_ReflectsStoreAndManagerState(t *testing.T) {
	store := &fakeStore{stats: segmentstore.Stats{
		SegmentsPerVariant: map[int]int{0: 3},
		NextSequence:       3,
	}}
	manager := &fakeManager{state: "running", url: "https://source.example/a.m3u8", running: true, recoveries: 1}
	srv, _ := newTestServer(t, "copy", store, manager)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stream_state":"running"`)
	assert.Contains(t, rec.Body.String(), `"next_sequence":3`)
}

func TestGetReadyz_FalseWhenManagerNotRunning(t *testing.T) {
	store := &fakeStore{}
	srv, _ := newTestServer(t, "copy", store, &fakeManager{running: false})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":false`)
}

func TestGetReadyz_TrueWhenManagerRunning(t *testing.T) {
	store := &fakeStore{}
	srv, _ := newTestServer(t, "copy", store, &fakeManager{running: true})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), `"ready":true`)
}
