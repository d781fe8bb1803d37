package bootstrap

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"calsync/config"
)

const testSources = `
users:
  alice:
    - id: planner
      provider: automation-flow
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	if err := os.WriteFile(path, []byte(testSources), 0o600); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		Port:                   "0",
		Environment:            "test",
		DatabaseDriver:         "sqlite",
		DatabaseURL:            "file:" + filepath.Join(dir, "calsync.db"),
		SourcesFile:            path,
		WebhookSecret:          "hook-secret",
		CacheTTL:               time.Minute,
		CacheMaxEntries:        100,
		FetchTimeout:           time.Second,
		FetchMaxRetries:        1,
		FetchBaseDelay:         time.Millisecond,
		FetchMaxDelay:          10 * time.Millisecond,
		SyncStaleThreshold:     time.Minute,
		SyncBatchSize:          10,
		SyncConcurrency:        2,
		SyncCron:               "@every 1h",
		SyncLockTTL:            time.Minute,
		SyncMinInterval:        time.Minute,
		SyncWindowPast:         24 * time.Hour,
		SyncWindowFuture:       24 * time.Hour,
		RecurrenceMaxInstances: 50,
		RateLimitRequests:      100,
		RateLimitWindow:        time.Minute,
	}
}

func TestNewDependencies_WiresSources(t *testing.T) {
	deps, cleanup, err := NewDependencies(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	if _, err := deps.Sources.GetSource(context.Background(), "alice", "planner"); err != nil {
		t.Fatalf("source not loaded: %v", err)
	}
	if err := deps.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}

	summary, err := deps.Scheduler.RunDueSyncs(context.Background(), time.Minute, 10)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Selected != 1 {
		t.Errorf("selected = %d, want 1", summary.Selected)
	}
}

func TestNewAPI_Routes(t *testing.T) {
	deps, cleanup, err := NewDependencies(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	app, closeAPI := NewAPI(deps)
	defer closeAPI()

	tests := []struct {
		name   string
		method string
		path   string
		header map[string]string
		want   int
	}{
		{"health", "GET", "/health", nil, 200},
		{"metrics", "GET", "/metrics", nil, 200},
		{"events without token", "GET", "/api/v1/events", nil, 401},
		{"due sync without secret", "POST", "/internal/sync/due", nil, 401},
		{"due sync", "POST", "/internal/sync/due", map[string]string{"X-Webhook-Secret": "hook-secret"}, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			resp, err := app.Test(req, -1)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}
