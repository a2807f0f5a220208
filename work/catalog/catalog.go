package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"anigate/work/config"
	"anigate/work/logger"
	"anigate/work/resolver"
	"anigate/work/retry"
	"anigate/work/utils"
)

// Catalog relays browse and playback-source calls to whichever origin the
// resolver picked, retrying transient failures and rewriting stream URLs to
// route through the proxy.
type Catalog struct {
	config   *config.Config
	resolver *resolver.Resolver
	client   *http.Client
	version  *retry.VersionGuard

	versionOnce sync.Once
}

// NewCatalog wires the relay against a resolver.
func NewCatalog(cfg *config.Config, res *resolver.Resolver) *Catalog {
	return &Catalog{
		config:   cfg,
		resolver: res,
		client:   &http.Client{},
		version:  retry.NewVersionGuard(cfg.ClientVersion, cfg.ProbeTimeout),
	}
}

// HandleHome serves the landing catalog.
func (c *Catalog) HandleHome(w http.ResponseWriter, r *http.Request) {
	c.relay(w, r, "/home")
}

// HandleInfo serves title details.
func (c *Catalog) HandleInfo(w http.ResponseWriter, r *http.Request) {
	c.relay(w, r, "/info/"+mux.Vars(r)["id"])
}

// HandleEpisodes serves a title's episode list.
func (c *Catalog) HandleEpisodes(w http.ResponseWriter, r *http.Request) {
	c.relay(w, r, "/episodes/"+mux.Vars(r)["id"])
}

// HandleServers serves the host servers available for an episode.
func (c *Catalog) HandleServers(w http.ResponseWriter, r *http.Request) {
	c.relay(w, r, "/servers/"+mux.Vars(r)["id"])
}

// HandleCheckVersion reports this gateway's own version token, letting
// downstream clients run the same compatibility probe the gateway runs
// against its origins.
func (c *Catalog) HandleCheckVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"version": c.config.ClientVersion})
}

// relay fetches origin+path with the inbound query string attached and
// pipes the JSON reply back, retrying transient upstream failures.
func (c *Catalog) relay(w http.ResponseWriter, r *http.Request, path string) {
	origin := c.resolveOrigin(r.Context())

	target := trimOrigin(origin) + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	outcome := retry.WithRetry(r.Context(), func() ([]byte, error) {
		return c.fetchJSON(r.Context(), target)
	}, c.config.MaxRetries, c.config.RetryDelay)

	c.writeOutcome(w, outcome)
}

// resolveOrigin resolves the catalog origin and runs the advisory version
// probe once per process. A mismatch only warns; the origin stays usable.
func (c *Catalog) resolveOrigin(ctx context.Context) string {
	origin := c.resolver.Resolve(ctx)

	c.versionOnce.Do(func() {
		if !c.version.CheckVersion(ctx, origin) {
			logger.Warn("{catalog - resolveOrigin} Origin %s reports a different version than expected %s", utils.LogURL(c.config, origin), c.config.ClientVersion)
		}
	})

	return origin
}

// fetchJSON performs one relay attempt. Non-success replies become
// classified upstream errors so the retry loop can tell a block from a
// transient failure.
func (c *Catalog) fetchJSON(ctx context.Context, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.UpstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Bypass-Tunnel-Reminder", "true")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// the retry loop counts these in the upstream-error metric
		return nil, retry.ClassifyResponse(resp.StatusCode, string(body))
	}

	return body, nil
}

// writeOutcome maps a retry outcome onto the client-facing reply. A blocked
// outcome gets an actionable message since retrying the same host won't
// help, while exhaustion gets the generic one.
func (c *Catalog) writeOutcome(w http.ResponseWriter, outcome retry.Outcome[[]byte]) {
	switch outcome.Kind {
	case retry.OutcomeSuccess:
		w.Header().Set("Content-Type", "application/json")
		w.Write(outcome.Value)
	case retry.OutcomeBlocked:
		writeJSONError(w, http.StatusBadGateway,
			"the stream host blocked this request, try switching to a different server")
	default:
		writeJSONError(w, http.StatusBadGateway,
			fmt.Sprintf("upstream request failed after %d attempts", c.config.MaxRetries))
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// trimOrigin normalizes a resolved origin for path joins.
func trimOrigin(origin string) string {
	return strings.TrimRight(origin, "/")
}
