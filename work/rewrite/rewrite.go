package rewrite

import (
	"fmt"
	"net/url"
	"strings"

	"anigate/work/metrics"

	"github.com/grafana/regexp"
)

// uriAttrPattern matches URI="..." attribute occurrences, which cover
// encryption-key tags (#EXT-X-KEY) and alternate-rendition references
// (#EXT-X-MEDIA) inside directive lines.
var uriAttrPattern = regexp.MustCompile(`URI="([^"]+)"`)

// Context threads the information needed to turn every reference inside one
// manifest into a self-referencing proxied URL: the manifest's own absolute
// URL (resolution base), the proxy endpoint to route through, and the header
// identity to embed so nested fetches carry the same forged headers.
type Context struct {
	BaseURL      *url.URL // absolute URL the manifest was fetched from
	ProxySelfURL string   // proxy endpoint, e.g. "http://host:8080/proxy"
	Referer      string
	UserAgent    string
}

// Rewrite transforms raw playlist text so every addressable resource routes
// back through the proxy. Two passes, order matters:
//
//  1. Every URI="..." attribute is resolved against the base URL and replaced
//     with a proxied URL. Malformed inner values are left untouched rather
//     than dropped, so the manifest is never corrupted structurally.
//  2. Every non-empty line that is not a #-prefixed directive is resolved the
//     same way and replaced whole. Directive lines and blank lines pass
//     through verbatim, preserving tag ordering and position exactly.
//
// The embedded url parameter is always the original upstream URL, never the
// proxy's own address, so rewriting cannot double-wrap.
func Rewrite(text string, ctx Context) string {
	text = rewriteURIAttributes(text, ctx)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		abs, err := resolveRef(ctx.BaseURL, trimmed)
		if err != nil {
			// one bad reference should not break playback of the rest
			continue
		}

		lines[i] = ProxiedURL(abs, ctx)
		metrics.RewrittenLines.WithLabelValues("segment").Inc()
	}

	return strings.Join(lines, "\n")
}

// rewriteURIAttributes performs the first pass over the full text, rewriting
// key and rendition references embedded in directive lines.
func rewriteURIAttributes(text string, ctx Context) string {
	return uriAttrPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := uriAttrPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}

		abs, err := resolveRef(ctx.BaseURL, sub[1])
		if err != nil {
			return match
		}

		metrics.RewrittenLines.WithLabelValues("uri").Inc()
		return fmt.Sprintf(`URI="%s"`, ProxiedURL(abs, ctx))
	})
}

// ProxiedURL encodes an absolute upstream URL into the proxy's query form,
// carrying the original URL, referer, and user-agent as parameters.
func ProxiedURL(absoluteURL string, ctx Context) string {
	return fmt.Sprintf("%s?url=%s&referer=%s&user_agent=%s",
		ctx.ProxySelfURL,
		url.QueryEscape(absoluteURL),
		url.QueryEscape(ctx.Referer),
		url.QueryEscape(ctx.UserAgent))
}

// resolveRef resolves a possibly-relative reference against the manifest's
// base URL. Already-absolute references resolve to themselves.
func resolveRef(base *url.URL, ref string) (string, error) {
	rel, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if base == nil {
		if rel.IsAbs() {
			return rel.String(), nil
		}
		return "", fmt.Errorf("relative reference %q without a base", ref)
	}
	return base.ResolveReference(rel).String(), nil
}
