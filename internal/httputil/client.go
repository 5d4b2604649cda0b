// Package httputil holds the JSON response helpers used by the control
// server and the HTTP client abstraction used to talk to it.
package httputil

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// HTTPClient abstracts HTTP operations for testability. *http.Client
// satisfies it; MockHTTPClient replaces it in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// MockResponse defines a canned HTTP response for testing.
type MockResponse struct {
	StatusCode int
	Body       string
	Error      error
}

// RecordedRequest is what MockHTTPClient saw of one request.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// MockHTTPClient answers requests from canned responses keyed by method and
// path. Unknown routes get a 404 JSON error.
type MockHTTPClient struct {
	mu       sync.Mutex
	routes   map[string][]MockResponse
	requests []RecordedRequest
}

// NewMockHTTPClient creates a new mock HTTP client.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{routes: make(map[string][]MockResponse)}
}

// AddResponse queues a response for method and path. Queued responses are
// used in order; the last one repeats.
func (m *MockHTTPClient) AddResponse(method, path string, statusCode int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := method + " " + path
	m.routes[key] = append(m.routes[key], MockResponse{StatusCode: statusCode, Body: body})
	return m
}

// AddErrorResponse queues a transport error for method and path.
func (m *MockHTTPClient) AddErrorResponse(method, path string, err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := method + " " + path
	m.routes[key] = append(m.routes[key], MockResponse{Error: err})
	return m
}

// Do records the request and returns the next response for its route.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, RecordedRequest{
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.RawQuery,
		Body:   string(body),
	})

	resp := MockResponse{StatusCode: http.StatusNotFound, Body: `{"error":"no route"}`}
	key := req.Method + " " + req.URL.Path
	if queue := m.routes[key]; len(queue) > 0 {
		resp = queue[0]
		if len(queue) > 1 {
			m.routes[key] = queue[1:]
		}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &http.Response{
		StatusCode: resp.StatusCode,
		Body:       io.NopCloser(bytes.NewBufferString(resp.Body)),
		Header:     http.Header{"Content-Type": {"application/json"}},
		Request:    req,
	}, nil
}

// Requests returns the recorded requests in order.
func (m *MockHTTPClient) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}
