package rewrite

import (
	"bufio"
	"net/url"
	"sort"
	"strings"

	"github.com/grafov/m3u8"
)

// Variant describes one quality option from an HLS master playlist. URL is
// the absolute upstream media-playlist URL; ProxiedURL routes through the
// gateway with the same header identity as the parent manifest.
type Variant struct {
	URL        string  `json:"-"`
	ProxiedURL string  `json:"url"`
	Bandwidth  uint32  `json:"bandwidth"`
	Resolution string  `json:"resolution,omitempty"`
	Codecs     string  `json:"codecs,omitempty"`
	FrameRate  float64 `json:"frameRate,omitempty"`
}

// IsMasterPlaylist reports whether the content is an HLS master playlist.
// #EXT-X-STREAM-INF is the definitive indicator.
func IsMasterPlaylist(content string) bool {
	return strings.Contains(content, "#EXT-X-STREAM-INF")
}

// IsMediaPlaylist reports whether the content is an HLS media playlist
// (segments rather than references to other playlists).
func IsMediaPlaylist(content string) bool {
	return strings.Contains(content, "#EXTINF") || strings.Contains(content, "#EXT-X-TARGETDURATION")
}

// ParseVariants extracts the quality inventory of a master playlist, with
// every variant URL resolved to absolute form and re-encoded into proxied
// form under the given rewrite context. Variants come back sorted by
// bandwidth descending (highest quality first).
//
// For media playlists (or unrecognized content) it returns nil with no
// error; the caller treats that as "no inventory to offer".
func ParseVariants(content string, ctx Context) ([]Variant, error) {
	if !IsMasterPlaylist(content) {
		return nil, nil
	}

	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(strings.NewReader(content)), true)
	if err != nil {
		return nil, err
	}
	if listType != m3u8.MASTER {
		return nil, nil
	}

	master := playlist.(*m3u8.MasterPlaylist)
	variants := make([]Variant, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}

		abs, err := resolveRef(ctx.BaseURL, v.URI)
		if err != nil {
			// skip the one unparseable variant, keep the rest
			continue
		}

		variants = append(variants, Variant{
			URL:        abs,
			ProxiedURL: ProxiedURL(abs, ctx),
			Bandwidth:  v.Bandwidth,
			Resolution: v.Resolution,
			Codecs:     v.Codecs,
			FrameRate:  v.FrameRate,
		})
	}

	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Bandwidth > variants[j].Bandwidth
	})

	return variants, nil
}

// NestedManifestURLs returns the absolute upstream URLs of the media
// playlists referenced by a master playlist, used by the warm prefetcher.
func NestedManifestURLs(content string, base *url.URL) []string {
	variants, err := ParseVariants(content, Context{BaseURL: base})
	if err != nil {
		return nil
	}
	urls := make([]string, 0, len(variants))
	for _, v := range variants {
		urls = append(urls, v.URL)
	}
	return urls
}
