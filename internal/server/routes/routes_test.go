package routes

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/cache"
	"github.com/any-hub/tiercache/internal/decode"
	"github.com/any-hub/tiercache/internal/fetcher"
)

type fakeCache struct {
	stats  cache.Stats
	jobs   []string
	result error
}

func (f *fakeCache) Stats() cache.Stats { return f.stats }
func (f *fakeCache) InitDisk() <-chan error { return f.job("init") }
func (f *fakeCache) Flush() <-chan error { return f.job("flush") }
func (f *fakeCache) Clear() <-chan error { return f.job("clear") }
func (f *fakeCache) CloseDisk() <-chan error { return f.job("close") }

func (f *fakeCache) job(name string) <-chan error {
	f.jobs = append(f.jobs, name)
	ch := make(chan error, 1)
	ch <- f.result
	return ch
}

type fakeFetch struct {
	paused    bool
	exitEarly bool
	cancelled []fetcher.TargetID
}

func (f *fakeFetch) Stats() fetcher.Stats { return fetcher.Stats{Requested: 3, Paused: f.paused} }
func (f *fakeFetch) SetPaused(p bool) { f.paused = p }
func (f *fakeFetch) SetExitTasksEarly(e bool) { f.exitEarly = e }
func (f *fakeFetch) Cancel(target fetcher.TargetID) bool {
	f.cancelled = append(f.cancelled, target)
	return target == "bound"
}
func (f *fakeFetch) State(target fetcher.TargetID) (fetcher.State, bool) {
	if target == "bound" {
		return fetcher.StateRunning, true
	}
	return fetcher.StateUnbound, false
}

type fakeReleaser struct{ dropped []fetcher.TargetID }

func (f *fakeReleaser) Drop(target fetcher.TargetID) int {
	f.dropped = append(f.dropped, target)
	return 2
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func doJSON(t *testing.T, app *fiber.App, method, target string) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, target, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s %s: %v", method, target, err)
	}
	return resp.StatusCode, payload
}

func TestCacheRoutesExposeStats(t *testing.T) {
	app := fiber.New()
	ctl := &fakeCache{stats: cache.Stats{MemoryEnabled: true, DiskState: "open"}}
	RegisterCacheRoutes(app, ctl, quietLogger())

	status, payload := doJSON(t, app, http.MethodGet, "/-/cache")
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if payload["memory_enabled"] != true || payload["disk_state"] != "open" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestCacheRoutesRunLifecycleJobs(t *testing.T) {
	app := fiber.New()
	ctl := &fakeCache{}
	RegisterCacheRoutes(app, ctl, quietLogger())

	for _, name := range []string{"flush", "clear", "close", "init"} {
		status, payload := doJSON(t, app, http.MethodPost, "/-/cache/"+name)
		if status != fiber.StatusOK || payload["status"] != "ok" {
			t.Fatalf("%s: unexpected response %d %v", name, status, payload)
		}
	}
	if strings.Join(ctl.jobs, ",") != "flush,clear,close,init" {
		t.Fatalf("unexpected job order: %v", ctl.jobs)
	}
}

func TestCacheRoutesReportJobFailure(t *testing.T) {
	app := fiber.New()
	RegisterCacheRoutes(app, &fakeCache{result: cache.ErrShutdown}, quietLogger())
	status, _ := doJSON(t, app, http.MethodPost, "/-/cache/flush")
	if status != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", status)
	}

	app = fiber.New()
	RegisterCacheRoutes(app, &fakeCache{result: errors.New("disk gone")}, quietLogger())
	status, payload := doJSON(t, app, http.MethodPost, "/-/cache/clear")
	if status != fiber.StatusInternalServerError || payload["error"] != "disk gone" {
		t.Fatalf("unexpected failure response %d %v", status, payload)
	}
}

func TestFetchRoutesToggleFlags(t *testing.T) {
	app := fiber.New()
	ctl := &fakeFetch{}
	RegisterFetchRoutes(app, ctl, nil)

	if status, _ := doJSON(t, app, http.MethodPost, "/-/fetch/pause"); status != fiber.StatusOK || !ctl.paused {
		t.Fatalf("pause without value should pause, status=%d", status)
	}
	if _, payload := doJSON(t, app, http.MethodPost, "/-/fetch/pause?paused=false"); ctl.paused || payload["paused"] != false {
		t.Fatalf("paused=false should resume")
	}
	doJSON(t, app, http.MethodPost, "/-/fetch/exit-early?enabled=true")
	if !ctl.exitEarly {
		t.Fatalf("exit-early should be enabled")
	}
	if status, _ := doJSON(t, app, http.MethodPost, "/-/fetch/pause?paused=maybe"); status != fiber.StatusBadRequest {
		t.Fatalf("invalid bool should be rejected, got %d", status)
	}
	if _, payload := doJSON(t, app, http.MethodGet, "/-/fetch"); payload["requested"] != float64(3) {
		t.Fatalf("unexpected stats payload: %v", payload)
	}
}

func TestTargetRoutes(t *testing.T) {
	app := fiber.New()
	ctl := &fakeFetch{}
	releaser := &fakeReleaser{}
	RegisterFetchRoutes(app, ctl, releaser)

	_, payload := doJSON(t, app, http.MethodGet, "/-/targets/bound")
	if payload["bound"] != true || payload["state"] != "running" {
		t.Fatalf("unexpected state payload: %v", payload)
	}

	_, payload = doJSON(t, app, http.MethodDelete, "/-/targets/bound")
	if payload["cancelled"] != true || payload["released"] != float64(2) {
		t.Fatalf("unexpected cancel payload: %v", payload)
	}
	if len(ctl.cancelled) != 1 || len(releaser.dropped) != 1 || releaser.dropped[0] != "bound" {
		t.Fatalf("cancel should reach coordinator and broker: %v %v", ctl.cancelled, releaser.dropped)
	}
}

func TestDecoderRoutes(t *testing.T) {
	app := fiber.New()
	RegisterDecoderRoutes(app, decode.DefaultRegistry([]string{"image", "text"}))

	_, payload := doJSON(t, app, http.MethodGet, "/-/decoders?type=image/png")
	prefixes, _ := payload["prefixes"].([]any)
	if len(prefixes) != 2 || prefixes[0] != "image" {
		t.Fatalf("unexpected prefixes: %v", payload["prefixes"])
	}
	if payload["status"] != "registered" {
		t.Fatalf("image/png should be registered: %v", payload)
	}

	_, payload = doJSON(t, app, http.MethodGet, "/-/decoders?type=application/json")
	if payload["status"] != "missing" {
		t.Fatalf("application/json should be missing: %v", payload)
	}
}

func TestMetricsRoute(t *testing.T) {
	app := fiber.New()
	RegisterMetricsRoute(app, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tiercache_up 1\n"))
	}))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), "tiercache_up") {
		t.Fatalf("unexpected metrics response %d %q", resp.StatusCode, body)
	}
}
