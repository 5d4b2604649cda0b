package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/octscan/internal/acquisition"
	"github.com/banshee-data/octscan/internal/config"
	"github.com/banshee-data/octscan/internal/httputil"
	"github.com/banshee-data/octscan/internal/scan"
)

// Error is a non-2xx reply from the control server. It unwraps to the scan
// sentinel named by Kind, so callers can use errors.Is across the wire.
type Error struct {
	Status  int
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	return kinds[e.Kind]
}

var kinds = map[string]error{
	"InvalidGeometry": scan.ErrInvalidGeometry,
	"HardwareTimeout": scan.ErrHardwareTimeout,
	"HardwareFault":   scan.ErrHardwareFault,
	"NumericOverflow": scan.ErrNumericOverflow,
	"InvalidSpectrum": scan.ErrInvalidSpectrum,
	"IOError":         scan.ErrIO,
	"CorruptArchive":  scan.ErrCorruptArchive,
	"Busy":            scan.ErrBusy,
}

// Client talks to a running control server.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a client for the server at base, e.g.
// "http://localhost:8090". A nil hc uses an http.Client with a 10s timeout.
func NewClient(base string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

func (c *Client) Status(ctx context.Context) (acquisition.Snapshot, error) {
	var snap acquisition.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &snap)
	return snap, err
}

func (c *Client) StartScan(ctx context.Context, req config.ScanRequest) (acquisition.Snapshot, error) {
	var snap acquisition.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/scans", req, &snap)
	return snap, err
}

func (c *Client) Abort(ctx context.Context) (acquisition.Snapshot, error) {
	var snap acquisition.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/scans/abort", nil, &snap)
	return snap, err
}

func (c *Client) Reset(ctx context.Context) (acquisition.Snapshot, error) {
	var snap acquisition.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/reset", nil, &snap)
	return snap, err
}

func (c *Client) CaptureBackground(ctx context.Context, integration time.Duration) ([]float64, error) {
	var resp BackgroundResponse
	err := c.do(ctx, http.MethodPost, "/api/background", BackgroundRequest{IntegrationTime: integration.String()}, &resp)
	return resp.Background, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%s %s: reading response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb httputil.ErrorBody
		if json.Unmarshal(data, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(data))
		}
		return &Error{Status: resp.StatusCode, Kind: eb.Kind, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}
