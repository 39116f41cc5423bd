// Package playhead watches the upstream API's Server-Sent Events feed for
// playhead changes and invokes a callback whenever the active source URL
// changes, rewriting public restreamer URLs to their internal equivalent
// first.
package playhead

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/deflax/muxengine/internal/config"
	"github.com/deflax/muxengine/pkg/httpclient"
)

const (
	healthPollInterval = 5 * time.Second
	healthLogEvery     = 6 // iterations; 6 * 5s = 30s
	sseReconnectDelay  = 5 * time.Second
)

// OnURLChange is invoked when the playhead's active source URL changes. url
// has already been rewritten through the restreamer substitution.
type OnURLChange func(url, name string)

// event is the subset of the SSE payload's JSON fields this monitor reads.
type event struct {
	Head string `json:"head"`
	Name string `json:"name"`
}

// Monitor connects to the API's /events SSE endpoint and tracks the active
// playhead URL, deduplicating repeat notifications of the same source.
type Monitor struct {
	apiURL     string
	restreamer config.RestreamerConfig
	onChange   OnURLChange
	logger     *slog.Logger

	healthClient *httpclient.Client
	sseClient    *http.Client

	mu         sync.Mutex
	currentURL string

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Monitor targeting apiURL (no trailing slash expected).
func New(apiURL string, restreamer config.RestreamerConfig, breakerCfg *httpclient.CircuitBreakerProfileConfig, onChange OnURLChange, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := httpclient.DefaultConfig()
	cfg.Logger = logger
	breaker := httpclient.NewCircuitBreakerWithConfig(breakerCfg)

	return &Monitor{
		apiURL:       strings.TrimSuffix(apiURL, "/"),
		restreamer:   restreamer,
		onChange:     onChange,
		logger:       logger,
		healthClient: httpclient.NewWithBreaker(cfg, breaker),
		// SSE responses are unbounded streams; the resilient client's retry
		// machinery does not apply, so a plain client is
		// used for the long-lived connection itself.
		sseClient: &http.Client{Timeout: 0},
		stopCh:    make(chan struct{}),
	}
}

// CurrentURL returns the last URL the monitor observed, empty if none yet.
func (m *Monitor) CurrentURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentURL
}

// Stop signals Run to return as soon as it next checks for shutdown.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// Run blocks until the API health check succeeds, then repeatedly consumes
// the SSE feed, reconnecting after any error, until Stop is called or ctx is
// canceled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("waiting for API", "url", m.apiURL)
	if !m.waitForAPI(ctx) {
		return
	}

	m.logger.Info("connecting to API SSE", "url", m.apiURL+"/events")

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := m.consumeSSE(ctx); err != nil {
			m.logger.Error("error connecting to API", "error", err)
			select {
			case <-time.After(sseReconnectDelay):
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// waitForAPI blocks until the health endpoint returns 200, logging every
// 30s while unreachable. Returns false if stopped before success.
func (m *Monitor) waitForAPI(ctx context.Context) bool {
	attempt := 0
	for {
		select {
		case <-m.stopCh:
			return false
		case <-ctx.Done():
			return false
		default:
		}

		resp, err := m.healthClient.Get(ctx, m.apiURL+"/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				m.logger.Info("API is ready")
				return true
			}
		}

		attempt++
		if attempt%healthLogEvery == 1 {
			m.logger.Info("waiting for API to be ready")
		}

		select {
		case <-time.After(healthPollInterval):
		case <-m.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// consumeSSE opens a single SSE connection and processes lines until it
// drops or an error occurs.
func (m *Monitor) consumeSSE(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.apiURL+"/events", nil)
	if err != nil {
		return fmt.Errorf("building SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := m.sseClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to SSE endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("SSE endpoint returned status %d", resp.StatusCode)
	}

	m.logger.Info("SSE connection established")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-m.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}
		m.handleLine(scanner.Text())
	}
	return scanner.Err()
}

// handleLine parses one SSE line, invoking onChange if it describes a
// playhead change to a URL not already current.
func (m *Monitor) handleLine(line string) {
	if line == "" || strings.HasPrefix(line, "event:") {
		return
	}
	if !strings.HasPrefix(line, "data: ") {
		return
	}

	var evt event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
		m.logger.Debug("failed to parse SSE event", "error", err)
		return
	}
	if evt.Head == "" {
		return
	}

	newURL := rewriteStreamURL(evt.Head, m.restreamer)

	m.mu.Lock()
	if m.currentURL == newURL {
		m.mu.Unlock()
		return
	}
	name := evt.Name
	if name == "" {
		name = "unknown"
	}
	m.currentURL = newURL
	m.mu.Unlock()

	m.logger.Info("playhead changed", "name", name)
	if m.onChange != nil {
		m.onChange(newURL, name)
	}
}

// rewriteStreamURL substitutes a public restreamer hostname prefix for its
// internal URL, when both are configured and the URL matches the prefix.
func rewriteStreamURL(url string, restreamer config.RestreamerConfig) string {
	if restreamer.PublicHost == "" || restreamer.InternalURL == "" {
		return url
	}

	publicPrefix := fmt.Sprintf("https://%s/", restreamer.PublicHost)
	if !strings.HasPrefix(url, publicPrefix) {
		return url
	}

	return strings.TrimSuffix(restreamer.InternalURL, "/") + "/" + strings.TrimPrefix(url, publicPrefix)
}
