package catalog

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"anigate/work/logger"
	"anigate/work/retry"
	"anigate/work/rewrite"
)

// SourceHeaders is the header identity needed to fetch a stream directly
// from its upstream. A native client with custom-header support can use it
// to bypass the proxy entirely, pairing it with OriginalURL.
type SourceHeaders struct {
	Referer   string `json:"Referer,omitempty"`
	UserAgent string `json:"UserAgent,omitempty"`
	Origin    string `json:"Origin,omitempty"`
}

// StreamSource is one playable stream option. URL is always proxy-routed on
// the way out; OriginalURL keeps the upstream target and Headers the
// identity to present when fetching it without the proxy.
type StreamSource struct {
	URL         string         `json:"url"`
	OriginalURL string         `json:"originalUrl,omitempty"`
	Type        string         `json:"type,omitempty"`
	IsM3U8      bool           `json:"isM3U8,omitempty"`
	Quality     string         `json:"quality,omitempty"`
	Headers     *SourceHeaders `json:"headers,omitempty"`
}

// SubtitleTrack is a caption or thumbnail track attached to a stream.
type SubtitleTrack struct {
	File         string `json:"file"`
	OriginalFile string `json:"originalFile,omitempty"`
	Label        string `json:"label,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Default      bool   `json:"default,omitempty"`
}

// SourcesPayload is the origin's /sources reply. Intro and outro skip
// markers pass through untouched.
type SourcesPayload struct {
	Sources []StreamSource    `json:"sources"`
	Tracks  []SubtitleTrack   `json:"tracks,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Intro   json.RawMessage   `json:"intro,omitempty"`
	Outro   json.RawMessage   `json:"outro,omitempty"`
}

// HandleSources fetches playback sources for an episode from the resolved
// origin and rewrites every stream and track URL to route through /proxy
// before handing them to the player.
func (c *Catalog) HandleSources(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("episodeId") == "" {
		writeJSONError(w, http.StatusBadRequest, "episodeId parameter is required")
		return
	}

	origin := c.resolveOrigin(r.Context())
	target := trimOrigin(origin) + "/sources?" + query.Encode()

	outcome := retry.WithRetry(r.Context(), func() (*SourcesPayload, error) {
		body, err := c.fetchJSON(r.Context(), target)
		if err != nil {
			return nil, err
		}

		var payload SourcesPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
		return &payload, nil
	}, c.config.MaxRetries, c.config.RetryDelay)

	switch outcome.Kind {
	case retry.OutcomeSuccess:
		c.rewritePayload(outcome.Value)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(outcome.Value)
	case retry.OutcomeBlocked:
		logger.Warn("{catalog - HandleSources} Host blocked sources request for episode %s", query.Get("episodeId"))
		writeJSONError(w, http.StatusBadGateway,
			"the stream host blocked this request, try switching to a different server")
	default:
		writeJSONError(w, http.StatusBadGateway,
			"failed to load sources, check your connection and try again")
	}
}

// rewritePayload routes every stream and subtitle URL through the proxy and
// attaches the effective header identity to each source, so a direct-fetch
// client can pair OriginalURL with Headers and skip the proxy. Sources the
// origin already proxy-routed keep their recorded upstream URL as the
// rewrite input, so running twice yields the same output.
func (c *Catalog) rewritePayload(payload *SourcesPayload) {
	referer := c.config.DefaultReferer
	if v, ok := payload.Headers["Referer"]; ok && v != "" {
		referer = v
	}
	userAgent := c.config.DefaultUserAgent
	if v, ok := payload.Headers["User-Agent"]; ok && v != "" {
		userAgent = v
	}

	rc := rewrite.Context{
		ProxySelfURL: strings.TrimRight(c.config.BaseURL, "/") + "/proxy",
		Referer:      referer,
		UserAgent:    userAgent,
	}
	headers := &SourceHeaders{
		Referer:   referer,
		UserAgent: userAgent,
		Origin:    deriveOrigin(referer),
	}

	for i := range payload.Sources {
		src := &payload.Sources[i]
		upstream := src.OriginalURL
		if upstream == "" {
			upstream = extractUpstream(src.URL)
		}
		if upstream == "" {
			continue
		}
		src.OriginalURL = upstream
		src.URL = rewrite.ProxiedURL(upstream, rc)
		src.Headers = headers
	}

	for i := range payload.Tracks {
		track := &payload.Tracks[i]
		upstream := track.OriginalFile
		if upstream == "" {
			upstream = extractUpstream(track.File)
		}
		if upstream == "" {
			continue
		}
		track.OriginalFile = upstream
		track.File = rewrite.ProxiedURL(upstream, rc)
	}
}

// extractUpstream returns the real upstream target of a URL: the url query
// parameter when it is already a proxied link, otherwise the URL itself.
func extractUpstream(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if embedded := u.Query().Get("url"); embedded != "" && strings.Contains(u.Path, "proxy") {
		return embedded
	}
	return raw
}

// deriveOrigin reduces a referer URL to its scheme+host origin form.
func deriveOrigin(referer string) string {
	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
