package httputil

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestMockHTTPClientRoutes(t *testing.T) {
	t.Parallel()

	m := NewMockHTTPClient().
		AddResponse(http.MethodGet, "/api/status", http.StatusOK, `{"state":"idle"}`).
		AddResponse(http.MethodGet, "/api/status", http.StatusOK, `{"state":"reading"}`)

	read := func() string {
		req, _ := http.NewRequest(http.MethodGet, "http://bench/api/status", nil)
		resp, err := m.Do(req)
		if err != nil {
			t.Fatalf("Do: %v", err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return string(b)
	}
	if got := read(); got != `{"state":"idle"}` {
		t.Errorf("first = %s", got)
	}
	for i := 0; i < 2; i++ {
		if got := read(); got != `{"state":"reading"}` {
			t.Errorf("repeat %d = %s", i, got)
		}
	}
}

func TestMockHTTPClientRecordsAndMisses(t *testing.T) {
	t.Parallel()

	m := NewMockHTTPClient()
	req, _ := http.NewRequest(http.MethodPost, "http://bench/api/scans?dry=1", strings.NewReader(`{"steps":3}`))
	resp, err := m.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	got := m.Requests()
	if len(got) != 1 {
		t.Fatalf("recorded %d requests", len(got))
	}
	want := RecordedRequest{Method: "POST", Path: "/api/scans", Query: "dry=1", Body: `{"steps":3}`}
	if got[0] != want {
		t.Errorf("recorded %+v, want %+v", got[0], want)
	}
}

func TestMockHTTPClientError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	m := NewMockHTTPClient().AddErrorResponse(http.MethodPost, "/api/reset", boom)
	req, _ := http.NewRequest(http.MethodPost, "http://bench/api/reset", nil)
	if _, err := m.Do(req); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}
