package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fakePool struct{ err error }

func (p fakePool) Ping(context.Context) error { return p.err }

func passing(name string) Checker { return PingCheck(name, fakePool{}) }

func failingCheck(name, msg string) Checker {
	return PingCheck(name, fakePool{err: errors.New(msg)})
}

func get(t *testing.T, h http.Handler, path string) (int, Report) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("%s Content-Type = %q", path, ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, rep
}

func serve(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func TestHealthz_IgnoresChecks(t *testing.T) {
	t.Parallel()
	code, rep := get(t, serve(New(failingCheck("cache", "down"))), "/healthz")
	if code != http.StatusOK || rep.Status != "ok" || rep.Checks != nil {
		t.Errorf("healthz = %d %+v", code, rep)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		want     map[string]CheckResult
	}{
		{name: "no checkers", wantCode: http.StatusOK, want: map[string]CheckResult{}},
		{
			name:     "all pass",
			checkers: []Checker{passing("cache"), passing("postgres")},
			wantCode: http.StatusOK,
			want:     map[string]CheckResult{"cache": {Status: "ok"}, "postgres": {Status: "ok"}},
		},
		{
			name:     "one fails",
			checkers: []Checker{failingCheck("cache", "connection refused"), passing("postgres")},
			wantCode: http.StatusServiceUnavailable,
			want: map[string]CheckResult{
				"cache":    {Status: "fail", Error: "connection refused"},
				"postgres": {Status: "ok"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, rep := get(t, serve(New(tt.checkers...)), "/readyz")
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			if len(rep.Checks) != len(tt.want) {
				t.Fatalf("checks = %+v", rep.Checks)
			}
			for name, want := range tt.want {
				got := rep.Checks[name]
				if got.Status != want.Status || got.Error != want.Error {
					t.Errorf("check %q = %+v, want %+v", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_Draining(t *testing.T) {
	t.Parallel()
	var pings atomic.Int32
	h := New(Checker{Name: "cache", Check: func(context.Context) error { pings.Add(1); return nil }})
	mux := serve(h)

	if code, _ := get(t, mux, "/readyz"); code != http.StatusOK {
		t.Fatalf("before drain: %d", code)
	}
	h.Drain()
	code, rep := get(t, mux, "/readyz")
	if code != http.StatusServiceUnavailable || rep.Status != "draining" {
		t.Errorf("after drain: %d %+v", code, rep)
	}
	if pings.Load() != 1 {
		t.Errorf("checks ran %d times, want 1 (none while draining)", pings.Load())
	}
	if code, _ := get(t, mux, "/healthz"); code != http.StatusOK {
		t.Errorf("healthz while draining = %d", code)
	}
}

func TestCheck_RunsConcurrently(t *testing.T) {
	t.Parallel()
	var running, peak atomic.Int32
	slow := func(context.Context) error {
		n := running.Add(1)
		for p := peak.Load(); n > p && !peak.CompareAndSwap(p, n); p = peak.Load() {
		}
		time.Sleep(40 * time.Millisecond)
		running.Add(-1)
		return nil
	}
	h := New(Checker{"a", slow}, Checker{"b", slow}, Checker{"c", slow})

	rep := h.Check(context.Background())
	if rep.Status != "ok" || len(rep.Checks) != 3 {
		t.Fatalf("report = %+v", rep)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want overlapping checks", peak.Load())
	}
	for name, r := range rep.Checks {
		if r.DurationMS < 30 {
			t.Errorf("%s duration = %dms, want the measured sleep", name, r.DurationMS)
		}
	}
}

func TestCheck_HonoursContext(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := h.Check(ctx)
	if rep.Status != "fail" || rep.Checks["slow"].Error != context.Canceled.Error() {
		t.Errorf("report = %+v", rep)
	}
}
