package resolver

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"anigate/work/config"
	"anigate/work/database"
	"anigate/work/logger"
	"anigate/work/metrics"
	"anigate/work/utils"
)

// Candidate kinds, in the strict priority order they are tried.
const (
	KindCustom = "custom"
	KindLocal  = "local"
	KindCloud  = "cloud"
)

// Candidate pairs a kind with the base URL it would serve catalog calls from.
type Candidate struct {
	Kind    string
	BaseURL string
}

// RuntimeContext collects the environment signals resolution depends on,
// computed once and passed in, so the chain is a pure function of context
// plus candidate list.
type RuntimeContext struct {
	IsNative    bool // native shell: no same-device local server, loopback is meaningless
	IsLocalhost bool // browser session on the same machine as a dev server
	IsCloudHost bool // running inside the matching cloud-hosted web deployment
}

// SettingsStore is the slice of the settings database the resolver needs:
// reading and forgetting the persisted custom server URL.
type SettingsStore interface {
	GetSetting(key string) (string, error)
	DeleteSetting(key string) error
}

// Resolver decides, once per session, which base URL serves subsequent
// catalog calls, and keeps that decision correct as runtime context changes.
// It is an explicit state holder rather than process-wide state so tests can
// instantiate independent instances.
type Resolver struct {
	cfg     *config.Config
	runtime RuntimeContext
	store   SettingsStore
	probe   *http.Client

	mu         sync.Mutex
	cached     string
	resolvedAt time.Time
}

// New creates a resolver. store may be nil, in which case no custom
// candidate is ever offered.
func New(cfg *config.Config, runtime RuntimeContext, store SettingsStore) *Resolver {
	return &Resolver{
		cfg:     cfg,
		runtime: runtime,
		store:   store,
		probe:   &http.Client{},
	}
}

// Resolve returns the base URL catalog calls should use. The first
// successful resolution is cached for the session; subsequent calls return
// it without I/O. Resolve never fails: when every candidate flunks its
// probe, an environment-derived default is returned instead.
func (r *Resolver) Resolve(ctx context.Context) string {

	// cached value first, guarded against structurally invalid loopback
	r.mu.Lock()
	if r.cached != "" {
		if r.runtime.IsNative && utils.IsLoopbackURL(r.cached) {
			logger.Warn("{resolver - Resolve} Discarding cached loopback origin %s in native runtime", r.cached)
			r.cached = ""
		} else {
			cached := r.cached
			r.mu.Unlock()
			return cached
		}
	}
	r.mu.Unlock()

	for _, candidate := range r.candidates() {
		ok := r.probeCandidate(ctx, candidate)
		metrics.ResolverProbes.WithLabelValues(candidate.Kind, probeResult(ok)).Inc()
		if !ok {
			logger.Debug("{resolver - Resolve} Candidate %s unreachable: %s", candidate.Kind, utils.LogURL(r.cfg, candidate.BaseURL))
			continue
		}

		logger.Info("{resolver - Resolve} Resolved origin via %s candidate: %s", candidate.Kind, utils.LogURL(r.cfg, candidate.BaseURL))
		r.mu.Lock()
		r.cached = candidate.BaseURL
		r.resolvedAt = time.Now()
		r.mu.Unlock()
		return candidate.BaseURL
	}

	// every probe failed; fall back to environment-derived defaults,
	// uncached so the next call gets a fresh chance to probe
	fallback := r.cfg.CloudOrigin
	if r.runtime.IsCloudHost || r.runtime.IsLocalhost {
		fallback = r.localBase()
	}
	logger.Warn("{resolver - Resolve} All candidates failed probes, falling back to: %s", utils.LogURL(r.cfg, fallback))
	return fallback
}

// Reset clears the cached origin with no I/O, forcing full re-resolution on
// the next call. Used after the user edits the custom server setting or a
// version mismatch is detected.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = ""
	r.resolvedAt = time.Time{}
	logger.Debug("{resolver - Reset} Cached origin cleared")
}

// Cached returns the currently cached origin, if any.
func (r *Resolver) Cached() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cached, r.cached != ""
}

// candidates assembles the ordered list for this runtime, applying the
// structural skip rules that don't need I/O.
func (r *Resolver) candidates() []Candidate {
	var out []Candidate

	if custom := r.customServer(); custom != "" {
		out = append(out, Candidate{Kind: KindCustom, BaseURL: custom})
	}

	// a native shell has no same-device local server to talk to
	if !r.runtime.IsNative {
		out = append(out, Candidate{Kind: KindLocal, BaseURL: r.localBase()})
	}

	out = append(out, Candidate{Kind: KindCloud, BaseURL: r.cfg.CloudOrigin})
	return out
}

// customServer loads the persisted custom server URL. A loopback value while
// the runtime is not itself on loopback is a stale developer setting; it is
// skipped silently and forgotten so it can't keep breaking cloud or native
// usage.
func (r *Resolver) customServer() string {
	if r.store == nil {
		return ""
	}

	custom, err := r.store.GetSetting(database.SettingCustomServer)
	if err != nil {
		logger.Error("{resolver - customServer} Failed to read custom server setting: %v", err)
		return ""
	}
	custom = strings.TrimRight(strings.TrimSpace(custom), "/")
	if custom == "" {
		return ""
	}

	if utils.IsLoopbackURL(custom) && !r.runtime.IsLocalhost {
		logger.Warn("{resolver - customServer} Deleting structurally invalid loopback custom server: %s", custom)
		if err := r.store.DeleteSetting(database.SettingCustomServer); err != nil {
			logger.Error("{resolver - customServer} Failed to delete stale custom server setting: %v", err)
		}
		return ""
	}

	return custom
}

// localBase is the in-app reverse proxy base used by the local candidate.
func (r *Resolver) localBase() string {
	return strings.TrimRight(r.cfg.BaseURL, "/") + r.cfg.LocalOriginPath
}

// probeCandidate runs the candidate's reachability probe with the short
// probe timeout. Probe failures are always swallowed; the caller just moves
// on to the next candidate.
func (r *Resolver) probeCandidate(ctx context.Context, candidate Candidate) bool {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	probeURL := strings.TrimRight(candidate.BaseURL, "/") + r.cfg.ProbePath

	// the local candidate needs the body's content type, so it gets a GET;
	// the others get a lightweight HEAD
	method := http.MethodHead
	if candidate.Kind == KindLocal {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, probeURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Bypass-Tunnel-Reminder", "true")

	resp, err := r.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return false
	}

	// guard against a catch-all HTML fallback masquerading as success
	if candidate.Kind == KindLocal {
		if !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
			logger.Debug("{resolver - probeCandidate} Local candidate returned non-JSON content type: %s", resp.Header.Get("Content-Type"))
			return false
		}
	}

	return true
}

func probeResult(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
