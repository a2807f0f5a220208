package retry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		want       ErrorKind
	}{
		{"forbidden status", 403, "", KindBlocked},
		{"cloudflare fingerprint", 503, "Checking your browser... cloudflare", KindBlocked},
		{"access denied fingerprint", 200, "Access Denied by origin policy", KindBlocked},
		{"not found", 404, "no such episode", KindClientError},
		{"bad request", 400, "missing parameter", KindClientError},
		{"server error", 500, "internal error", KindTransient},
		{"bad gateway", 502, "", KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyResponse(tt.statusCode, tt.body)
			if got.Kind != tt.want {
				t.Errorf("ClassifyResponse(%d, %q).Kind = %v, want %v", tt.statusCode, tt.body, got.Kind, tt.want)
			}
			if got.StatusCode != tt.statusCode {
				t.Errorf("StatusCode = %d, want %d", got.StatusCode, tt.statusCode)
			}
		})
	}
}

func TestClassifyPlainErrorIsTransient(t *testing.T) {
	if kind := Classify(errors.New("dial tcp: connection refused")); kind != KindTransient {
		t.Errorf("Classify(plain error) = %v, want %v", kind, KindTransient)
	}
}

func TestWithRetrySuccess(t *testing.T) {
	calls := 0
	outcome := WithRetry(context.Background(), func() (string, error) {
		calls++
		return "ok", nil
	}, 3, time.Millisecond)

	if outcome.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %v, want OutcomeSuccess", outcome.Kind)
	}
	if outcome.Value != "ok" {
		t.Errorf("Value = %q, want %q", outcome.Value, "ok")
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

func TestWithRetryRecoversAfterTransientFailure(t *testing.T) {
	calls := 0
	outcome := WithRetry(context.Background(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset")
		}
		return "recovered", nil
	}, 3, time.Millisecond)

	if outcome.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %v, want OutcomeSuccess", outcome.Kind)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
}

func TestWithRetryBlockedStopsAfterOneAttempt(t *testing.T) {
	calls := 0
	outcome := WithRetry(context.Background(), func() (string, error) {
		calls++
		return "", ClassifyResponse(403, "forbidden")
	}, 5, time.Millisecond)

	if outcome.Kind != OutcomeBlocked {
		t.Fatalf("Kind = %v, want OutcomeBlocked", outcome.Kind)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want exactly 1", calls)
	}
	if outcome.Reason == "" {
		t.Error("Reason is empty, want the block description")
	}
}

func TestWithRetryTransientExhaustsAllAttempts(t *testing.T) {
	const attempts = 4
	calls := 0
	outcome := WithRetry(context.Background(), func() (string, error) {
		calls++
		return "", errors.New("timeout")
	}, attempts, time.Millisecond)

	if outcome.Kind != OutcomeExhausted {
		t.Fatalf("Kind = %v, want OutcomeExhausted", outcome.Kind)
	}
	if calls != attempts {
		t.Errorf("op called %d times, want exactly %d", calls, attempts)
	}
	if outcome.LastError == nil {
		t.Error("LastError is nil, want the final attempt's error")
	}
}

func TestWithRetryClientErrorDoesNotRetry(t *testing.T) {
	calls := 0
	outcome := WithRetry(context.Background(), func() (string, error) {
		calls++
		return "", ClassifyResponse(404, "not found")
	}, 5, time.Millisecond)

	if outcome.Kind != OutcomeExhausted {
		t.Fatalf("Kind = %v, want OutcomeExhausted", outcome.Kind)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

func TestWithRetryStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	outcome := WithRetry(ctx, func() (string, error) {
		calls++
		return "", errors.New("timeout")
	}, 5, 10*time.Second)

	if outcome.Kind != OutcomeExhausted {
		t.Fatalf("Kind = %v, want OutcomeExhausted", outcome.Kind)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1 before cancellation stops the loop", calls)
	}
}

func TestCheckVersionMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/check-version" {
			t.Errorf("probe hit %s, want /check-version", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"version":"1.0.0"}`))
	}))
	defer server.Close()

	guard := NewVersionGuard("1.0.0", 2*time.Second)
	if !guard.CheckVersion(context.Background(), server.URL) {
		t.Error("CheckVersion = false for matching version, want true")
	}
}

func TestCheckVersionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"version":"2.0.0"}`))
	}))
	defer server.Close()

	guard := NewVersionGuard("1.0.0", 2*time.Second)
	if guard.CheckVersion(context.Background(), server.URL) {
		t.Error("CheckVersion = true for mismatched version, want false")
	}
}

func TestCheckVersionAssumesCompatible(t *testing.T) {
	unreachable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	unreachable.Close()

	tests := []struct {
		name    string
		baseURL string
		handler http.HandlerFunc
	}{
		{"network failure", unreachable.URL, nil},
		{"non-200 status", "", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}},
		{"garbage body", "", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>tunnel reminder</html>"))
		}},
		{"empty version", "", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"version":""}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseURL := tt.baseURL
			if tt.handler != nil {
				server := httptest.NewServer(tt.handler)
				defer server.Close()
				baseURL = server.URL
			}

			guard := NewVersionGuard("1.0.0", time.Second)
			if !guard.CheckVersion(context.Background(), baseURL) {
				t.Error("CheckVersion = false, want true when compatibility is unknown")
			}
		})
	}
}
