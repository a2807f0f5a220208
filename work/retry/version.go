package retry

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"anigate/work/logger"
)

// VersionGuard probes a candidate server's version-identity endpoint and
// compares the returned token against the running client's expected token.
// The result is advisory: a mismatch informs a future resolver reset, it
// never fails the current call.
type VersionGuard struct {
	client   *http.Client
	expected string
	timeout  time.Duration
}

// NewVersionGuard creates a guard expecting the given version token.
func NewVersionGuard(expected string, timeout time.Duration) *VersionGuard {
	return &VersionGuard{
		client:   &http.Client{},
		expected: expected,
		timeout:  timeout,
	}
}

// CheckVersion returns false only on a confirmed mismatch. Network failure
// or an unparseable body is "unknown, assume compatible"; a version-check
// glitch must never block usage.
func (vg *VersionGuard) CheckVersion(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, vg.timeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + "/check-version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return true
	}
	req.Header.Set("Bypass-Tunnel-Reminder", "true")

	resp, err := vg.client.Do(req)
	if err != nil {
		logger.Debug("{retry - CheckVersion} Probe failed, assuming compatible: %v", err)
		return true
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return true
	}

	var payload struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return true
	}
	if payload.Version == "" {
		return true
	}

	if payload.Version != vg.expected {
		logger.Warn("{retry - CheckVersion} Version mismatch on %s: server %s, expected %s", url, payload.Version, vg.expected)
		return false
	}
	return true
}
