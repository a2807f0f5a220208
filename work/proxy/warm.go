package proxy

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"anigate/work/logger"
	"anigate/work/rewrite"
	"anigate/work/utils"
)

// warmPrefetch fetches and rewrites the media playlists referenced by a
// master playlist in the background, so the player's follow-up request for
// whichever variant it picks hits the manifest cache instead of the network.
// Best effort only: a full pool or a failed fetch just means a cold first
// request.
func (sp *StreamProxy) warmPrefetch(masterContent string, rc rewrite.Context) {
	if sp.pool == nil || sp.cache == nil {
		return
	}

	for _, nested := range rewrite.NestedManifestURLs(masterContent, rc.BaseURL) {
		nested := nested
		err := sp.pool.Submit(func() {
			sp.prefetchOne(nested, rc)
		})
		if err != nil {
			logger.Debug("{proxy - warmPrefetch} Pool rejected prefetch of %s: %v", utils.LogURL(sp.config, nested), err)
		}
	}
}

// prefetchOne fetches one nested playlist and stores its rewritten form
// under the same key a live /proxy request would use.
func (sp *StreamProxy) prefetchOne(nestedURL string, rc rewrite.Context) {
	target, err := url.Parse(nestedURL)
	if err != nil {
		return
	}

	pr := &proxyRequest{
		Target:    target,
		Referer:   rc.Referer,
		UserAgent: rc.UserAgent,
	}
	if _, ok := sp.cache.Get(cacheKey(pr)); ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sp.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nestedURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Referer", pr.Referer)
	req.Header.Set("User-Agent", pr.UserAgent)

	sp.limiterFor(target.Host).Take()
	resp, err := sp.client.Do(req)
	if err != nil {
		logger.Debug("{proxy - prefetchOne} Prefetch failed for %s: %v", utils.LogURL(sp.config, nestedURL), err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}

	nestedCtx := rewrite.Context{
		BaseURL:      target,
		ProxySelfURL: rc.ProxySelfURL,
		Referer:      rc.Referer,
		UserAgent:    rc.UserAgent,
	}
	sp.cache.Set(cacheKey(pr), rewrite.Rewrite(string(body), nestedCtx))
	logger.Debug("{proxy - prefetchOne} Warmed manifest cache for %s", utils.LogURL(sp.config, nestedURL))
}
