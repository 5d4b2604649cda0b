package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/octscan/internal/acquisition"
	"github.com/banshee-data/octscan/internal/archive"
	"github.com/banshee-data/octscan/internal/httputil"
	"github.com/banshee-data/octscan/internal/monitoring"
	"github.com/banshee-data/octscan/internal/motion"
	"github.com/banshee-data/octscan/internal/scan"
	"github.com/banshee-data/octscan/internal/serialmux"
	"github.com/banshee-data/octscan/internal/spectrometer"
	"github.com/banshee-data/octscan/internal/testutil"
	"github.com/banshee-data/octscan/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

// fakeController records calls and returns canned errors.
type fakeController struct {
	mu       sync.Mutex
	startErr error
	resetErr error
	bgErr    error
	started  []scan.Config
	aborts   int
	resets   int
	bg       []float64
	snap     acquisition.Snapshot
}

func (f *fakeController) StartScan(_ context.Context, cfg scan.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, cfg)
	f.snap.State = acquisition.StateArming
	return nil
}

func (f *fakeController) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
}

func (f *fakeController) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.resetErr
}

func (f *fakeController) Snapshot() acquisition.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) CaptureBackground(_ context.Context, d time.Duration) ([]float64, error) {
	if f.bgErr != nil {
		return nil, f.bgErr
	}
	return f.bg, nil
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, testutil.LocalRequest(method, path, rd))
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) httputil.ErrorBody {
	t.Helper()
	var eb httputil.ErrorBody
	if err := json.NewDecoder(w.Body).Decode(&eb); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return eb
}

const validScan = `{"label":"glass","start":0,"end":2,"steps":3,"integration_time":"5ms","dwell":"1ms"}`

func TestStartScanHandler(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		startErr   error
		wantStatus int
		wantKind   string
	}{
		{"accepted", http.MethodPost, validScan, nil, http.StatusAccepted, ""},
		{"wrong method", http.MethodGet, "", nil, http.StatusMethodNotAllowed, ""},
		{"bad json", http.MethodPost, `{"steps":`, nil, http.StatusBadRequest, "InvalidGeometry"},
		{"unknown field", http.MethodPost, `{"steps":3,"speed":1}`, nil, http.StatusBadRequest, "InvalidGeometry"},
		{"bad duration", http.MethodPost, `{"steps":3,"integration_time":"soon"}`, nil, http.StatusBadRequest, "InvalidGeometry"},
		{"busy", http.MethodPost, validScan, fmt.Errorf("%w: orchestrator is reading", scan.ErrBusy), http.StatusConflict, "Busy"},
		{"geometry", http.MethodPost, validScan, fmt.Errorf("%w: end outside limits", scan.ErrInvalidGeometry), http.StatusBadRequest, "InvalidGeometry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := &fakeController{startErr: tt.startErr}
			mux := NewServer(ctl, Options{}).ServeMux()

			w := serve(t, mux, tt.method, "/api/scans", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body)
			}
			if tt.wantKind != "" {
				if eb := decodeError(t, w); eb.Kind != tt.wantKind {
					t.Errorf("kind = %q, want %q", eb.Kind, tt.wantKind)
				}
			}
			if tt.wantStatus == http.StatusAccepted {
				if len(ctl.started) != 1 {
					t.Fatalf("started %d scans", len(ctl.started))
				}
				cfg := ctl.started[0]
				if cfg.Label != "glass" || cfg.Steps != 3 || cfg.IntegrationTime != 5*time.Millisecond {
					t.Errorf("config = %+v", cfg)
				}
				var snap acquisition.Snapshot
				json.NewDecoder(w.Body).Decode(&snap)
				if snap.State != acquisition.StateArming {
					t.Errorf("snapshot state = %s", snap.State)
				}
			}
		})
	}
}

func TestAbortAndResetHandlers(t *testing.T) {
	ctl := &fakeController{}
	mux := NewServer(ctl, Options{}).ServeMux()

	testutil.AssertStatusCode(t, serve(t, mux, http.MethodPost, "/api/scans/abort", "").Code, http.StatusAccepted)
	if w := serve(t, mux, http.MethodGet, "/api/scans/abort", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("abort GET status = %d", w.Code)
	}
	if ctl.aborts != 1 {
		t.Errorf("aborts = %d, want 1", ctl.aborts)
	}

	testutil.AssertStatusCode(t, serve(t, mux, http.MethodPost, "/api/reset", "").Code, http.StatusOK)
	ctl.resetErr = fmt.Errorf("%w: cannot reset while reading", scan.ErrBusy)
	w := serve(t, mux, http.MethodPost, "/api/reset", "")
	if w.Code != http.StatusConflict {
		t.Errorf("busy reset status = %d", w.Code)
	}
}

func TestBackgroundHandler(t *testing.T) {
	ctl := &fakeController{bg: []float64{1, 2, 3}}
	mux := NewServer(ctl, Options{}).ServeMux()

	w := serve(t, mux, http.MethodPost, "/api/background", `{"integration_time":"4ms"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body)
	}
	var resp BackgroundResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.IntegrationTime != "4ms" || len(resp.Background) != 3 {
		t.Errorf("response = %+v", resp)
	}

	if w := serve(t, mux, http.MethodPost, "/api/background", `{"integration_time":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad duration status = %d", w.Code)
	}
	if w := serve(t, mux, http.MethodPost, "/api/background", `nope`); w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", w.Code)
	}
	ctl.bgErr = fmt.Errorf("%w: spectrometer gone", scan.ErrHardwareFault)
	if w := serve(t, mux, http.MethodPost, "/api/background", `{"integration_time":"4ms"}`); w.Code != http.StatusBadGateway {
		t.Errorf("fault status = %d", w.Code)
	}
}

func TestStatusAndInstrument(t *testing.T) {
	ctl := &fakeController{snap: acquisition.Snapshot{State: acquisition.StateFaulted, Fault: "hardware fault: stage"}}
	mux := NewServer(ctl, Options{}).ServeMux()

	w := serve(t, mux, http.MethodGet, "/api/status", "")
	var snap acquisition.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.State != acquisition.StateFaulted || snap.Fault == "" {
		t.Errorf("snapshot = %+v", snap)
	}

	w = serve(t, mux, http.MethodGet, "/api/instrument", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"stage":"simulated"`) {
		t.Errorf("instrument = %d %s", w.Code, w.Body)
	}
}

func TestDebugScanPage(t *testing.T) {
	ctl := &fakeController{snap: acquisition.Snapshot{State: acquisition.StateReading, Step: 2, Steps: 9, Label: "lens"}}
	mux := NewServer(ctl, Options{}).ServeMux()

	w := serve(t, mux, http.MethodGet, "/debug/scan", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	for _, want := range []string{"state: reading", "step: 2 of 9", "label: lens"} {
		if !strings.Contains(w.Body.String(), want) {
			t.Errorf("debug page missing %q:\n%s", want, w.Body)
		}
	}
}

// simBench is a real orchestrator on simulated hardware.
func simBench(t *testing.T) (*acquisition.Orchestrator, *acquisition.Hub, *archive.Store) {
	t.Helper()
	clock := timeutil.NewSimClock(time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC))
	store, err := archive.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	hub := acquisition.NewHub()
	o := acquisition.New(
		motion.NewSimAxis(motion.Limits{Min: -5, Max: 5}),
		spectrometer.NewSim(spectrometer.SimConfig{Pixels: 128, Seed: 3}, clock),
		acquisition.Options{Clock: clock, Observer: hub, Sink: store},
	)
	return o, hub, store
}

func TestScanArchivesThroughServer(t *testing.T) {
	o, hub, store := simBench(t)
	mux := NewServer(o, Options{Hub: hub, Store: store}).ServeMux()

	w := serve(t, mux, http.MethodPost, "/api/scans", validScan)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", w.Code, w.Body)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := o.Wait(ctx)
	if err != nil || res.Err != nil {
		t.Fatalf("scan failed: %v %v", err, res.Err)
	}

	w = serve(t, mux, http.MethodGet, "/api/archives", "")
	var entries []ArchiveEntry
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != filepath.Base(res.Location) || entries[0].Size == 0 {
		t.Fatalf("entries = %+v, location %s", entries, res.Location)
	}

	w = serve(t, mux, http.MethodGet, "/api/archives/summary?name="+entries[0].Name, "")
	if w.Code != http.StatusOK {
		t.Fatalf("summary status = %d (%s)", w.Code, w.Body)
	}
	for _, want := range []string{"completed", "3 of 3", "glass"} {
		if !strings.Contains(w.Body.String(), want) {
			t.Errorf("summary missing %q:\n%s", want, w.Body)
		}
	}

	outside := filepath.Join(t.TempDir(), "elsewhere.oct")
	if err := os.Rename(res.Location, outside); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, res.Location); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	tests := []struct {
		name string
		want int
	}{
		{"", http.StatusBadRequest},
		{entries[0].Name, http.StatusBadRequest},
		{"../" + entries[0].Name, http.StatusBadRequest},
		{"notes.txt", http.StatusBadRequest},
		{"scan_missing.oct", http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := serve(t, mux, http.MethodGet, "/api/archives/summary?name="+tt.name, ""); w.Code != tt.want {
			t.Errorf("summary(%q) status = %d, want %d", tt.name, w.Code, tt.want)
		}
	}
}

func TestArchivesWithoutStore(t *testing.T) {
	mux := NewServer(&fakeController{}, Options{}).ServeMux()
	if w := serve(t, mux, http.MethodGet, "/api/archives", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
	if w := serve(t, mux, http.MethodGet, "/api/events", ""); w.Code != http.StatusNotFound {
		t.Errorf("events status = %d", w.Code)
	}
}

func TestEventStream(t *testing.T) {
	hub := acquisition.NewHub()
	srv := httptest.NewServer(NewServer(&fakeController{}, Options{Hub: hub}).ServeMux())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if line, _ := r.ReadString('\n'); line != ": ping\n" {
		t.Fatalf("first line = %q", line)
	}
	r.ReadString('\n')

	hub.OnStatus(acquisition.StatusEvent{State: acquisition.StateStepping, Step: 4})
	hub.OnWarning(scan.Warning{Severity: scan.SeverityWarning, Kind: "HardwareTimeout", Step: 4})

	var lines []string
	for len(lines) < 6 {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		lines = append(lines, strings.TrimRight(line, "\n"))
	}
	if lines[0] != "event: status" || !strings.Contains(lines[1], `"state":"stepping"`) {
		t.Errorf("status event = %q", lines[:2])
	}
	if lines[3] != "event: warning" || !strings.Contains(lines[4], `"kind":"HardwareTimeout"`) {
		t.Errorf("warning event = %q", lines[3:5])
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var mu sync.Mutex
	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		logged = append(logged, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(nil)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status?x=1", nil))

	mu.Lock()
	defer mu.Unlock()
	if len(logged) != 1 {
		t.Fatalf("logged %d lines", len(logged))
	}
	if !strings.HasPrefix(logged[0], "[http] ") || !strings.Contains(logged[0], "418") ||
		!strings.Contains(logged[0], "/api/status?x=1") || !strings.Contains(logged[0], " 15B ") {
		t.Errorf("log line = %q", logged[0])
	}
}

func TestSerialConsoleRefusedWhileScanning(t *testing.T) {
	ctl := &fakeController{snap: acquisition.Snapshot{State: acquisition.StateStepping}}
	port := serialmux.NewTestableSerialPort()
	mux := NewServer(ctl, Options{Serial: serialmux.NewSerialMux(port)}).ServeMux()

	send := func() *httptest.ResponseRecorder {
		req := testutil.LocalRequest(http.MethodPost, "/debug/serial-send", strings.NewReader("command=1PA4"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w
	}

	for _, st := range []acquisition.State{acquisition.StateArming, acquisition.StateStepping, acquisition.StateReading, acquisition.StateFinalizing} {
		ctl.mu.Lock()
		ctl.snap.State = st
		ctl.mu.Unlock()
		if w := send(); w.Code != http.StatusConflict {
			t.Errorf("%s: status = %d (%s), want 409", st, w.Code, w.Body)
		}
	}
	if got := port.GetWrittenData(); len(got) != 0 {
		t.Fatalf("stage received %q during a scan", got)
	}

	for _, st := range []acquisition.State{acquisition.StateIdle, acquisition.StateFaulted} {
		ctl.mu.Lock()
		ctl.snap.State = st
		ctl.mu.Unlock()
		if w := send(); w.Code != http.StatusOK {
			t.Errorf("%s: status = %d (%s), want 200", st, w.Code, w.Body)
		}
	}
}

func persistArchive(t *testing.T, store *archive.Store, label string, started time.Time) string {
	t.Helper()
	rec, err := archive.Finalize(archive.FinalizeInput{
		Config:      scan.Config{Label: label, Start: 0, End: 1, Steps: 2, IntegrationTime: time.Millisecond},
		Targets:     []float64{0, 1},
		Status:      scan.StatusAborted,
		Calibration: []float64{800, 850},
		StartedAt:   started,
		EndedAt:     started.Add(time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}
	path, err := store.Persist(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}
	return filepath.Base(path)
}

func TestArchiveSQLConsole(t *testing.T) {
	store, err := archive.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(&fakeController{}, Options{Store: store})
	defer srv.Close()
	mux := srv.ServeMux()

	if w := serve(t, mux, http.MethodGet, "/debug/tailsql/", ""); w.Code != http.StatusNotFound {
		t.Errorf("empty store status = %d, want 404", w.Code)
	}

	t0 := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	older := persistArchive(t, store, "first", t0)
	newer := persistArchive(t, store, "second", t0.Add(time.Hour))

	label := func() string {
		t.Helper()
		_, db := srv.sql.current()
		if db == nil {
			t.Fatal("console has no archive open")
		}
		var l string
		if err := db.QueryRow(`SELECT label FROM record`).Scan(&l); err != nil {
			t.Fatal(err)
		}
		return l
	}

	serve(t, mux, http.MethodGet, "/debug/tailsql/", "")
	if name, _ := srv.sql.current(); name != newer {
		t.Errorf("default archive = %q, want newest %q", name, newer)
	}
	if got := label(); got != "second" {
		t.Errorf("label = %q", got)
	}

	serve(t, mux, http.MethodGet, "/debug/tailsql/?archive="+older, "")
	if name, _ := srv.sql.current(); name != older {
		t.Errorf("selected archive = %q, want %q", name, older)
	}
	if got := label(); got != "first" {
		t.Errorf("label = %q", got)
	}
	serve(t, mux, http.MethodGet, "/debug/tailsql/", "")
	if name, _ := srv.sql.current(); name != older {
		t.Errorf("selection did not stick: %q", name)
	}

	_, db := srv.sql.current()
	if _, err := db.Exec(`DELETE FROM record`); err == nil {
		t.Error("console handle accepted a write")
	}

	tests := []struct {
		archive string
		want    int
	}{
		{"notes.txt", http.StatusBadRequest},
		{"../" + older, http.StatusBadRequest},
		{"scan_missing.oct", http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := serve(t, mux, http.MethodGet, "/debug/tailsql/?archive="+tt.archive, ""); w.Code != tt.want {
			t.Errorf("archive %q status = %d, want %d", tt.archive, w.Code, tt.want)
		}
	}
	if name, _ := srv.sql.current(); name != older {
		t.Errorf("rejected selection replaced the archive: %q", name)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, db := srv.sql.current(); db != nil {
		t.Error("Close left the archive open")
	}
}
