// Package api is the HTTP control surface of the scanner: start, abort and
// reset scans, capture a background, follow progress as server-sent events
// and browse archived scans.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/octscan/internal/acquisition"
	"github.com/banshee-data/octscan/internal/archive"
	"github.com/banshee-data/octscan/internal/config"
	"github.com/banshee-data/octscan/internal/httputil"
	"github.com/banshee-data/octscan/internal/monitoring"
	"github.com/banshee-data/octscan/internal/scan"
	"github.com/banshee-data/octscan/internal/security"
	"github.com/banshee-data/octscan/internal/serialmux"
)

// Controller is the part of the orchestrator the server drives.
type Controller interface {
	StartScan(ctx context.Context, cfg scan.Config) error
	Abort()
	Reset() error
	Snapshot() acquisition.Snapshot
	CaptureBackground(ctx context.Context, integration time.Duration) ([]float64, error)
}

// Options carries the optional collaborators of a Server.
type Options struct {
	// Hub feeds /api/events; nil disables the stream.
	Hub *acquisition.Hub
	// Store backs /api/archives; nil disables archive browsing.
	Store *archive.Store
	// Serial adds the controller console under /debug/ when set.
	Serial serialmux.SerialMuxInterface
	// Instrument is reported by /api/instrument.
	Instrument *config.InstrumentConfig
}

type Server struct {
	ctl  Controller
	opts Options
	logf func(format string, v ...interface{})
	sql  *archiveSQL
}

func NewServer(ctl Controller, opts Options) *Server {
	return &Server{ctl: ctl, opts: opts, logf: monitoring.Tagged("api")}
}

// Close releases the archive opened by the SQL console.
func (s *Server) Close() error {
	if s.sql == nil {
		return nil
	}
	return s.sql.Close()
}

// BackgroundRequest is the body of POST /api/background.
type BackgroundRequest struct {
	IntegrationTime string `json:"integration_time"`
}

// BackgroundResponse carries a captured background spectrum.
type BackgroundResponse struct {
	IntegrationTime string    `json:"integration_time"`
	Background      []float64 `json:"background"`
}

// ArchiveEntry describes one archived scan.
type ArchiveEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scans", s.startScan)
	mux.HandleFunc("/api/scans/abort", s.abortScan)
	mux.HandleFunc("/api/reset", s.reset)
	mux.HandleFunc("/api/background", s.captureBackground)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/events", s.streamEvents)
	mux.HandleFunc("/api/instrument", s.showInstrument)
	mux.HandleFunc("/api/archives", s.listArchives)
	mux.HandleFunc("/api/archives/summary", s.showArchiveSummary)
	s.AttachAdminRoutes(mux)
	return mux
}

// AttachAdminRoutes registers the debug pages: the live acquisition state,
// a SQL console over the archives and, with hardware attached, the serial
// console.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("scan", "Acquisition state", func(w http.ResponseWriter, r *http.Request) {
		snap := s.ctl.Snapshot()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "state: %s\nstep: %d of %d\n", snap.State, snap.Step, snap.Steps)
		if snap.Label != "" {
			fmt.Fprintf(w, "label: %s\n", snap.Label)
		}
		if snap.Fault != "" {
			fmt.Fprintf(w, "fault: %s\n", snap.Fault)
		}
		if snap.Location != "" {
			fmt.Fprintf(w, "last archive: %s\n", snap.Location)
		}
	})
	if s.opts.Serial != nil {
		serialmux.AttachAdminRoutes(mux, s.opts.Serial, s.stageBusy)
	}
	s.attachArchiveSQL(debug)
}

// stageBusy refuses console traffic while a scan owns the stage.
func (s *Server) stageBusy() error {
	switch st := s.ctl.Snapshot().State; st {
	case acquisition.StateIdle, acquisition.StateFaulted:
		return nil
	default:
		return fmt.Errorf("%w: stage is driven by a scan (%s)", scan.ErrBusy, st)
	}
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	req, err := config.DecodeScanRequest(r.Body)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	cfg, err := req.ToConfig()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := s.ctl.StartScan(r.Context(), cfg); err != nil {
		s.logf("scan rejected: %v", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, s.ctl.Snapshot())
}

func (s *Server) abortScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.ctl.Abort()
	httputil.WriteJSON(w, http.StatusAccepted, s.ctl.Snapshot())
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.ctl.Reset(); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.ctl.Snapshot())
}

func (s *Server) captureBackground(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req BackgroundRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	integration, err := time.ParseDuration(req.IntegrationTime)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid integration_time %q", req.IntegrationTime))
		return
	}
	bg, err := s.ctl.CaptureBackground(r.Context(), integration)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, BackgroundResponse{IntegrationTime: integration.String(), Background: bg})
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.ctl.Snapshot())
}

func (s *Server) showInstrument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	cfg := s.opts.Instrument
	if cfg == nil {
		cfg = config.EmptyInstrumentConfig()
	}
	stage := "simulated"
	if !cfg.Simulated() {
		stage = fmt.Sprintf("esp301 axis %d on %s (%s)", cfg.GetAxis(), cfg.GetSerialPort(), cfg.GetSerial())
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"stage":          stage,
		"settle_timeout": cfg.GetSettleTimeout().String(),
		"read_timeout":   cfg.GetReadTimeout().String(),
		"poll_interval":  cfg.GetPollInterval().String(),
		"archive_dir":    cfg.GetArchiveDir(),
		"correction":     cfg.GetCorrection(),
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.opts.Hub == nil {
		httputil.NotFound(w, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := s.opts.Hub.Subscribe(64)
	defer s.opts.Hub.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case ev, ok := <-c:
			if !ok {
				return
			}
			name, payload := "status", interface{}(ev.Status)
			if ev.Warning != nil {
				name, payload = "warning", ev.Warning
			}
			b, err := json.Marshal(payload)
			if err != nil {
				s.logf("encoding event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) listArchives(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.opts.Store == nil {
		httputil.NotFound(w, "no archive store configured")
		return
	}
	paths, err := s.opts.Store.List()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entries := make([]ArchiveEntry, 0, len(paths))
	for _, p := range paths {
		e := ArchiveEntry{Name: filepath.Base(p)}
		if info, err := os.Stat(p); err == nil {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	httputil.WriteJSONOK(w, entries)
}

func (s *Server) showArchiveSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.opts.Store == nil {
		httputil.NotFound(w, "no archive store configured")
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" || !strings.HasSuffix(name, archive.Extension) {
		httputil.BadRequest(w, "name must be an archive file name")
		return
	}
	path, err := security.ResolveWithin(s.opts.Store.Dir(), name)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		httputil.NotFound(w, fmt.Sprintf("archive %q not found", name))
		return
	}
	rec, err := archive.Load(path)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := archive.WriteSummary(&buf, rec); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.Copy(w, &buf)
}
