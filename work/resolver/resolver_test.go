package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"anigate/work/config"
	"anigate/work/database"
)

// fakeStore is an in-memory stand-in for the settings database.
type fakeStore struct {
	values  map[string]string
	deleted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string]string{}}
}

func (s *fakeStore) GetSetting(key string) (string, error) {
	return s.values[key], nil
}

func (s *fakeStore) DeleteSetting(key string) error {
	delete(s.values, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func testConfig(cloudOrigin string) *config.Config {
	return &config.Config{
		BaseURL:         "http://gateway.test",
		ProbeTimeout:    2 * time.Second,
		ProbePath:       "/home",
		CloudOrigin:     cloudOrigin,
		LocalOriginPath: "/api/anime",
	}
}

// jsonOK answers every probe with a JSON body, satisfying both the plain
// probe and the local candidate's content-type requirement.
func jsonOK(hits *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}
}

func deadServerURL(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()
	return server.URL
}

func TestResolvePrefersCustomServer(t *testing.T) {
	var customHits atomic.Int64
	custom := httptest.NewServer(jsonOK(&customHits))
	defer custom.Close()
	cloud := httptest.NewServer(jsonOK(nil))
	defer cloud.Close()

	store := newFakeStore()
	store.values[database.SettingCustomServer] = custom.URL

	r := New(testConfig(cloud.URL), RuntimeContext{IsLocalhost: true}, store)

	got := r.Resolve(context.Background())
	if got != custom.URL {
		t.Errorf("Resolve = %q, want custom server %q", got, custom.URL)
	}
	if customHits.Load() == 0 {
		t.Error("custom server was never probed")
	}
}

func TestResolveFallsThroughToCloud(t *testing.T) {
	cloud := httptest.NewServer(jsonOK(nil))
	defer cloud.Close()

	store := newFakeStore()
	store.values[database.SettingCustomServer] = deadServerURL(t)

	// localhost flag admits the loopback custom URL so the probe itself
	// fails; native flag removes the local candidate
	r := New(testConfig(cloud.URL), RuntimeContext{IsNative: true, IsLocalhost: true}, store)

	got := r.Resolve(context.Background())
	if got != cloud.URL {
		t.Errorf("Resolve = %q, want cloud %q after custom probe failure", got, cloud.URL)
	}
}

func TestResolveCachesFirstSuccess(t *testing.T) {
	var hits atomic.Int64
	cloud := httptest.NewServer(jsonOK(&hits))
	defer cloud.Close()

	r := New(testConfig(cloud.URL), RuntimeContext{IsNative: true}, nil)

	first := r.Resolve(context.Background())
	probes := hits.Load()
	second := r.Resolve(context.Background())

	if first != second {
		t.Errorf("second Resolve = %q, want cached %q", second, first)
	}
	if hits.Load() != probes {
		t.Errorf("cached Resolve performed %d extra probes, want 0", hits.Load()-probes)
	}
}

func TestResetForcesReprobe(t *testing.T) {
	var hits atomic.Int64
	cloud := httptest.NewServer(jsonOK(&hits))
	defer cloud.Close()

	r := New(testConfig(cloud.URL), RuntimeContext{IsNative: true}, nil)

	r.Resolve(context.Background())
	probes := hits.Load()

	r.Reset()
	if _, ok := r.Cached(); ok {
		t.Fatal("Reset left a cached origin behind")
	}

	r.Resolve(context.Background())
	if hits.Load() == probes {
		t.Error("Resolve after Reset performed no probe")
	}
}

func TestResolveDiscardsCachedLoopbackInNativeRuntime(t *testing.T) {
	var customHits atomic.Int64
	// httptest binds to 127.0.0.1, so the custom URL is a loopback URL
	custom := httptest.NewServer(jsonOK(&customHits))
	defer custom.Close()

	store := newFakeStore()
	store.values[database.SettingCustomServer] = custom.URL

	// localhost-flagged runtime admits the loopback custom server and
	// caches it; the native flag then invalidates it on the next call
	r := New(testConfig(deadServerURL(t)), RuntimeContext{IsNative: true, IsLocalhost: true}, store)

	first := r.Resolve(context.Background())
	if first != custom.URL {
		t.Fatalf("first Resolve = %q, want loopback custom %q", first, custom.URL)
	}
	probes := customHits.Load()

	r.Resolve(context.Background())
	if customHits.Load() == probes {
		t.Error("cached loopback origin was served without re-validation in a native runtime")
	}
}

func TestResolveDeletesStaleLoopbackCustomServer(t *testing.T) {
	cloud := httptest.NewServer(jsonOK(nil))
	defer cloud.Close()

	store := newFakeStore()
	store.values[database.SettingCustomServer] = "http://localhost:9999"

	// runtime not on loopback, so a loopback custom server is structurally invalid
	r := New(testConfig(cloud.URL), RuntimeContext{IsNative: true}, store)

	got := r.Resolve(context.Background())
	if got != cloud.URL {
		t.Errorf("Resolve = %q, want cloud %q", got, cloud.URL)
	}
	if len(store.deleted) != 1 || store.deleted[0] != database.SettingCustomServer {
		t.Errorf("stale loopback setting not deleted, deletions: %v", store.deleted)
	}
}

func TestResolveSkipsLocalCandidateInNativeRuntime(t *testing.T) {
	var localHits atomic.Int64
	local := httptest.NewServer(jsonOK(&localHits))
	defer local.Close()
	cloud := httptest.NewServer(jsonOK(nil))
	defer cloud.Close()

	cfg := testConfig(cloud.URL)
	cfg.BaseURL = local.URL

	r := New(cfg, RuntimeContext{IsNative: true}, nil)

	got := r.Resolve(context.Background())
	if got != cloud.URL {
		t.Errorf("Resolve = %q, want cloud %q", got, cloud.URL)
	}
	if localHits.Load() != 0 {
		t.Errorf("local candidate probed %d times in a native runtime, want 0", localHits.Load())
	}
}

func TestResolveLocalCandidateRequiresJSON(t *testing.T) {
	// catch-all HTML fallback must not count as a reachable local origin
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>app shell</html>"))
	}))
	defer local.Close()
	cloud := httptest.NewServer(jsonOK(nil))
	defer cloud.Close()

	cfg := testConfig(cloud.URL)
	cfg.BaseURL = local.URL

	r := New(cfg, RuntimeContext{}, nil)

	got := r.Resolve(context.Background())
	if got != cloud.URL {
		t.Errorf("Resolve = %q, want cloud %q when local probe returns HTML", got, cloud.URL)
	}
}

func TestResolveNeverReturnsEmpty(t *testing.T) {
	dead := deadServerURL(t)

	tests := []struct {
		name    string
		runtime RuntimeContext
		want    func(cfg *config.Config) string
	}{
		{
			name:    "native falls back to cloud origin",
			runtime: RuntimeContext{IsNative: true},
			want:    func(cfg *config.Config) string { return cfg.CloudOrigin },
		},
		{
			name:    "localhost falls back to local path",
			runtime: RuntimeContext{IsLocalhost: true},
			want:    func(cfg *config.Config) string { return cfg.BaseURL + cfg.LocalOriginPath },
		},
		{
			name:    "cloud host falls back to local path",
			runtime: RuntimeContext{IsCloudHost: true},
			want:    func(cfg *config.Config) string { return cfg.BaseURL + cfg.LocalOriginPath },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(dead)
			cfg.BaseURL = dead

			r := New(cfg, tt.runtime, nil)
			got := r.Resolve(context.Background())

			if got == "" {
				t.Fatal("Resolve returned an empty origin")
			}
			if want := tt.want(cfg); got != want {
				t.Errorf("Resolve = %q, want fallback %q", got, want)
			}
		})
	}
}

func TestResolveFallbackIsNotCached(t *testing.T) {
	dead := deadServerURL(t)
	cfg := testConfig(dead)
	cfg.BaseURL = dead

	r := New(cfg, RuntimeContext{IsNative: true}, nil)
	r.Resolve(context.Background())

	if cached, ok := r.Cached(); ok {
		t.Errorf("fallback origin %q was cached, want re-probe on next call", cached)
	}
}
