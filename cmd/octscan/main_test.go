package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/octscan/internal/api"
	"github.com/banshee-data/octscan/internal/config"
	"github.com/banshee-data/octscan/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), nil, &stdout, &stderr); err == nil {
		t.Error("expected an error without a command")
	}
	if !strings.Contains(stderr.String(), "usage: octscan") {
		t.Errorf("usage not printed: %q", stderr.String())
	}

	stderr.Reset()
	if err := run(context.Background(), []string{"calibrate"}, &stdout, &stderr); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("err = %v", err)
	}

	stdout.Reset()
	if err := run(context.Background(), []string{"version"}, &stdout, &stderr); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(stdout.String(), "octscan dev") {
		t.Errorf("version output = %q", stdout.String())
	}
}

func TestScanThenInspect(t *testing.T) {
	dir := t.TempDir()
	reqPath := filepath.Join(dir, "scan.json")
	body := `{"label":"bench test","start":-1,"end":1,"steps":3,"integration_time":"2ms","window":"hamming"}`
	if err := os.WriteFile(reqPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	outDir := filepath.Join(dir, "scans")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	err := run(ctx, []string{"scan", "-dev", "-request", reqPath, "-out", outDir}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("scan failed: %v\nstderr: %s", err, stderr.String())
	}
	for _, want := range []string{"completed", "3 of 3", "bench test", "Archived to"} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("scan output missing %q:\n%s", want, stdout.String())
		}
	}
	if !strings.Contains(stderr.String(), "step 3/3") {
		t.Errorf("progress missing from stderr: %q", stderr.String())
	}

	archives, err := filepath.Glob(filepath.Join(outDir, "*.oct"))
	if err != nil || len(archives) != 1 {
		t.Fatalf("archives = %v, %v", archives, err)
	}

	stdout.Reset()
	if err := run(ctx, []string{"inspect", archives[0]}, &stdout, &stderr); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout.String(), "== "+archives[0]) || !strings.Contains(stdout.String(), "bench test") {
		t.Errorf("inspect output:\n%s", stdout.String())
	}
}

func TestScanErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no request", []string{"scan", "-dev"}, "-request is required"},
		{"missing request", []string{"scan", "-dev", "-request", filepath.Join(dir, "none.json")}, "no such file"},
		{"bad request", []string{"scan", "-dev", "-request", write("bad.json", `{"steps": "many"}`)}, "invalid scan geometry"},
		{"out of range", []string{"scan", "-dev", "-out", dir, "-request", write("far.json", `{"start":0,"end":100,"steps":2,"integration_time":"1ms"}`)}, "soft limits"},
		{"bad config", []string{"scan", "-dev", "-config", write("cfg.json", `{"axis": 9}`), "-request", write("ok.json", `{"steps":1,"integration_time":"1ms"}`)}, "axis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), tt.args, &stdout, &stderr)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestInspectErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"inspect"}, &stdout, &stderr); err == nil {
		t.Error("expected an error without archives")
	}
	missing := filepath.Join(t.TempDir(), "scan.oct")
	if err := run(context.Background(), []string{"inspect", missing}, &stdout, &stderr); err == nil || !strings.Contains(err.Error(), missing) {
		t.Errorf("err = %v", err)
	}
}

func TestRemoteCommands(t *testing.T) {
	b, err := newBench(context.Background(), config.EmptyInstrumentConfig(), true, nil, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	srv := httptest.NewServer(api.NewServer(b.orch, api.Options{Store: b.store}).ServeMux())
	defer srv.Close()

	for _, cmd := range []string{"status", "abort", "reset"} {
		var stdout, stderr bytes.Buffer
		if err := run(context.Background(), []string{cmd, "-server", srv.URL}, &stdout, &stderr); err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
		if !strings.Contains(stdout.String(), "state: idle") {
			t.Errorf("%s output = %q", cmd, stdout.String())
		}
	}

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"status", "-server", "http://127.0.0.1:1"}, &stdout, &stderr); err == nil {
		t.Error("expected a connection error")
	}
}
