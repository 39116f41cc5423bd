package playhead

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deflax/muxengine/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRewriteStreamURL_NoConfigReturnsUnchanged(t *testing.T) {
	url := rewriteStreamURL("https://public.example/stream/a.m3u8", config.RestreamerConfig{})
	assert.Equal(t, "https://public.example/stream/a.m3u8", url)
}

func TestRewriteStreamURL_RewritesMatchingPrefix(t *testing.T) {
	restreamer := config.RestreamerConfig{
		PublicHost:  "public.example",
		InternalURL: "http://restreamer:8080/",
	}
	url := rewriteStreamURL("https://public.example/stream/a.m3u8", restreamer)
	assert.Equal(t, "http://restreamer:8080/stream/a.m3u8", url)
}

func TestRewriteStreamURL_LeavesNonMatchingURLUnchanged(t *testing.T) {
	restreamer := config.RestreamerConfig{
		PublicHost:  "public.example",
		InternalURL: "http://restreamer:8080/",
	}
	url := rewriteStreamURL("https://other.example/stream/a.m3u8", restreamer)
	assert.Equal(t, "https://other.example/stream/a.m3u8", url)
}

func TestHandleLine_IgnoresNonDataLines(t *testing.T) {
	m := &Monitor{logger: nil}
	m.logger = discardLogger()
	m.handleLine("event: ping")
	m.handleLine("")
	assert.Empty(t, m.CurrentURL())
}

func TestHandleLine_ParsesDataAndInvokesCallback(t *testing.T) {
	var gotURL, gotName string
	var calls int
	m := &Monitor{
		logger: discardLogger(),
		onChange: func(url, name string) {
			calls++
			gotURL, gotName = url, name
		},
	}

	m.handleLine(`data: {"head":"https://source.example/a.m3u8","name":"Channel A"}`)

	assert.Equal(t, 1, calls)
	assert.Equal(t, "https://source.example/a.m3u8", gotURL)
	assert.Equal(t, "Channel A", gotName)
	assert.Equal(t, "https://source.example/a.m3u8", m.CurrentURL())
}

func TestHandleLine_DedupesSameURL(t *testing.T) {
	var calls int
	m := &Monitor{
		logger:   discardLogger(),
		onChange: func(url, name string) { calls++ },
	}

	m.handleLine(`data: {"head":"https://source.example/a.m3u8"}`)
	m.handleLine(`data: {"head":"https://source.example/a.m3u8"}`)

	assert.Equal(t, 1, calls)
}

func TestHandleLine_IgnoresMalformedJSON(t *testing.T) {
	m := &Monitor{logger: discardLogger()}
	m.handleLine(`data: not-json`)
	assert.Empty(t, m.CurrentURL())
}

func TestRun_ConsumesSSEAndInvokesCallbackOnce(t *testing.T) {
	var mu sync.Mutex
	var receivedURLs []string

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: ping\n")
		fmt.Fprint(w, `data: {"head":"https://source.example/a.m3u8","name":"A"}`+"\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	m := New(server.URL, config.RestreamerConfig{}, nil, func(url, name string) {
		mu.Lock()
		receivedURLs = append(receivedURLs, url)
		mu.Unlock()
	}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go m.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(receivedURLs) == 1
	}, time.Second, 10*time.Millisecond)

	m.Stop()
}
