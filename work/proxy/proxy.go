package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/ratelimit"

	"anigate/work/cache"
	"anigate/work/client"
	"anigate/work/config"
	"anigate/work/logger"
	"anigate/work/metrics"
	"anigate/work/rewrite"
	"anigate/work/utils"
)

// StreamProxy is the header-forging fetch-and-relay core. Playlists come
// back rewritten so every URL inside them routes through the proxy again;
// everything else is piped through unchanged.
type StreamProxy struct {
	config   *config.Config
	client   *client.HeaderSettingClient
	cache    *cache.ManifestCache
	pool     *ants.Pool
	limiters *xsync.MapOf[string, ratelimit.Limiter]
}

// NewStreamProxy wires the proxy. manifestCache and pool may be nil, which
// disables manifest caching and warm prefetch respectively.
func NewStreamProxy(cfg *config.Config, httpClient *client.HeaderSettingClient, manifestCache *cache.ManifestCache, pool *ants.Pool) *StreamProxy {
	return &StreamProxy{
		config:   cfg,
		client:   httpClient,
		cache:    manifestCache,
		pool:     pool,
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// proxyRequest is one parsed /proxy call: the upstream target plus the
// header identity to forge when fetching it.
type proxyRequest struct {
	Target    *url.URL
	Referer   string
	UserAgent string
}

// parseProxyRequest validates the query parameters. url is mandatory and
// must be an absolute http(s) URL; referer and user_agent fall back to the
// configured defaults so a bare ?url= call still works.
func (sp *StreamProxy) parseProxyRequest(r *http.Request) (*proxyRequest, error) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		return nil, fmt.Errorf("url parameter is required")
	}

	target, err := url.Parse(raw)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, fmt.Errorf("url parameter must be an absolute http(s) URL")
	}

	referer := r.URL.Query().Get("referer")
	if referer == "" {
		referer = sp.config.DefaultReferer
	}
	userAgent := r.URL.Query().Get("user_agent")
	if userAgent == "" {
		userAgent = sp.config.DefaultUserAgent
	}

	return &proxyRequest{
		Target:    target,
		Referer:   referer,
		UserAgent: userAgent,
	}, nil
}

// HandleProxy serves /proxy: fetch the upstream resource with forged
// headers, then relay it back rewritten (playlists), retyped (subtitles) or
// verbatim (everything else).
func (sp *StreamProxy) HandleProxy(rw http.ResponseWriter, r *http.Request) {

	// relay errors after the header is out can't change the status; the
	// wrapper makes a late WriteHeader a no-op and forwards Flush
	w := client.NewCustomResponseWriter(rw)

	pr, err := sp.parseProxyRequest(r)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("bad_request").Inc()
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	logger.Debug("{proxy - HandleProxy} Fetching upstream: %s", utils.LogURL(sp.config, pr.Target.String()))

	// serve rewritten playlists straight from cache when fresh
	if sp.cache != nil && looksLikePlaylist(pr.Target.Path, "") {
		if cached, ok := sp.cache.Get(cacheKey(pr)); ok {
			metrics.ProxyRequests.WithLabelValues("manifest_cached").Inc()
			writeManifest(w, cached)
			return
		}
	}

	resp, err := sp.fetchUpstream(r.Context(), pr, r.Header.Get("Range"))
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("upstream_error").Inc()
		logger.Error("{proxy - HandleProxy} Upstream fetch failed for %s: %v", utils.LogURL(sp.config, pr.Target.String()), err)
		writeJSONError(w, http.StatusBadGateway, "failed to reach upstream")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ProxyRequests.WithLabelValues("upstream_error").Inc()
		logger.Warn("{proxy - HandleProxy} Upstream returned %d for %s", resp.StatusCode, utils.LogURL(sp.config, pr.Target.String()))
		writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("upstream returned status %d", resp.StatusCode))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case looksLikePlaylist(pr.Target.Path, contentType):
		sp.serveManifest(w, pr, resp)
	case looksLikeSubtitle(pr.Target.Path):
		sp.serveSubtitle(w, resp)
	default:
		sp.servePassthrough(w, resp)
	}
}

// fetchUpstream performs the outbound request with forged headers, a
// per-host rate limit, and a hard deadline tied to the inbound request
// context so a player disconnect aborts the upstream transfer too.
func (sp *StreamProxy) fetchUpstream(ctx context.Context, pr *proxyRequest, rangeHeader string) (*http.Response, error) {
	sp.limiterFor(pr.Target.Host).Take()

	ctx, cancel := context.WithTimeout(ctx, sp.config.UpstreamTimeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pr.Target.String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Referer", pr.Referer)
	req.Header.Set("User-Agent", pr.UserAgent)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := sp.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	// cancel fires once the body is fully read or abandoned
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// limiterFor returns the rate limiter for an upstream host, creating it on
// first contact.
func (sp *StreamProxy) limiterFor(host string) ratelimit.Limiter {
	limiter, _ := sp.limiters.LoadOrCompute(host, func() ratelimit.Limiter {
		if sp.config.RateLimitPerHost <= 0 {
			return ratelimit.NewUnlimited()
		}
		return ratelimit.New(sp.config.RateLimitPerHost)
	})
	return limiter
}

// serveManifest rewrites the playlist so every reference inside it routes
// back through /proxy with the same header identity, caches the result, and
// kicks off warm prefetch of nested playlists when this was a master.
func (sp *StreamProxy) serveManifest(w http.ResponseWriter, pr *proxyRequest, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("upstream_error").Inc()
		writeJSONError(w, http.StatusBadGateway, "failed to read upstream playlist")
		return
	}

	rc := rewrite.Context{
		BaseURL:      pr.Target,
		ProxySelfURL: sp.proxySelfURL(),
		Referer:      pr.Referer,
		UserAgent:    pr.UserAgent,
	}
	rewritten := rewrite.Rewrite(string(body), rc)

	if sp.cache != nil {
		sp.cache.Set(cacheKey(pr), rewritten)
	}

	if rewrite.IsMasterPlaylist(rewritten) {
		sp.warmPrefetch(string(body), rc)
	}

	metrics.ProxyRequests.WithLabelValues("manifest").Inc()
	writeManifest(w, rewritten)
}

// serveSubtitle relays subtitle bodies with the content type players expect
// regardless of what the upstream claimed.
func (sp *StreamProxy) serveSubtitle(w http.ResponseWriter, resp *http.Response) {
	w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	n, err := copyPooled(w, resp.Body)
	metrics.BytesProxied.Add(float64(n))
	metrics.ProxyRequests.WithLabelValues("subtitle").Inc()
	if err != nil {
		logger.Debug("{proxy - serveSubtitle} Relay ended early: %v", err)
	}
}

// servePassthrough pipes binary media through unchanged, preserving the
// headers players rely on for seeking and progress.
func (sp *StreamProxy) servePassthrough(w http.ResponseWriter, resp *http.Response) {
	for _, h := range []string{"Content-Type", "Content-Length", "Accept-Ranges", "Content-Range"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	n, err := copyPooled(w, resp.Body)
	metrics.BytesProxied.Add(float64(n))
	metrics.ProxyRequests.WithLabelValues("media").Inc()
	if err != nil {
		// players drop segment connections constantly when seeking
		logger.Debug("{proxy - servePassthrough} Relay ended early: %v", err)
	}
}

// HandleVariants serves /proxy/variants: fetch a master playlist and return
// its quality ladder as JSON, each entry carrying a ready-to-play proxied
// URL.
func (sp *StreamProxy) HandleVariants(w http.ResponseWriter, r *http.Request) {
	pr, err := sp.parseProxyRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := sp.fetchUpstream(r.Context(), pr, "")
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "failed to reach upstream")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("upstream returned status %d", resp.StatusCode))
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "failed to read upstream playlist")
		return
	}

	rc := rewrite.Context{
		BaseURL:      pr.Target,
		ProxySelfURL: sp.proxySelfURL(),
		Referer:      pr.Referer,
		UserAgent:    pr.UserAgent,
	}
	variants, err := rewrite.ParseVariants(string(body), rc)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "upstream playlist is not a master playlist")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"variants": variants,
	})
}

// HandleHealth answers liveness checks from the app shell.
func (sp *StreamProxy) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// proxySelfURL is the absolute /proxy endpoint rewritten links point at.
func (sp *StreamProxy) proxySelfURL() string {
	return strings.TrimRight(sp.config.BaseURL, "/") + "/proxy"
}

// cacheKey includes the header identity since the same playlist rewritten
// under a different referer yields different output.
func cacheKey(pr *proxyRequest) string {
	return pr.Target.String() + "|" + pr.Referer + "|" + pr.UserAgent
}

// looksLikePlaylist matches HLS playlists by extension or content type.
func looksLikePlaylist(urlPath, contentType string) bool {
	if strings.HasSuffix(strings.ToLower(urlPath), ".m3u8") {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "mpegurl") || strings.Contains(ct, "application/vnd.apple")
}

// looksLikeSubtitle matches the subtitle formats upstreams serve.
func looksLikeSubtitle(urlPath string) bool {
	lower := strings.ToLower(urlPath)
	return strings.HasSuffix(lower, ".vtt") || strings.HasSuffix(lower, ".srt")
}

func writeManifest(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, content)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// copyPooled pipes body to w through a pooled buffer.
func copyPooled(w io.Writer, body io.Reader) (int64, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if cap(buf.B) < 32*1024 {
		buf.B = make([]byte, 32*1024)
	}
	return io.CopyBuffer(w, body, buf.B[:cap(buf.B)])
}

// cancelOnCloseBody ties the upstream request's context cancel to the body's
// lifetime so deadlines don't leak.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}
