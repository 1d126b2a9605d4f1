package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrNoHandle is returned when the registration endpoint answers without a handle.
var ErrNoHandle = errors.New("registration response has no handle")

// HTTPWorker talks to a worker registration service:
//
//	POST   {base}/register          -> {"handle": "..."}
//	GET    {base}/status            -> {"registered": bool, "active": bool, "updating": bool}
//	DELETE {base}/register/{handle}
type HTTPWorker struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPWorker creates an HTTPWorker with a 10s client timeout.
func NewHTTPWorker(baseURL string) *HTTPWorker {
	return &HTTPWorker{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *HTTPWorker) Register(ctx context.Context) (Handle, error) {
	body, err := w.do(ctx, http.MethodPost, w.BaseURL+"/register", []byte("{}"))
	if err != nil {
		return "", fmt.Errorf("worker registration failed: %w", err)
	}
	h := gjson.GetBytes(body, "handle")
	if !h.Exists() || h.String() == "" {
		return "", ErrNoHandle
	}
	return Handle(h.String()), nil
}

func (w *HTTPWorker) Status(ctx context.Context) WorkerStatus {
	body, err := w.do(ctx, http.MethodGet, w.BaseURL+"/status", nil)
	if err != nil {
		return WorkerStatus{}
	}
	res := gjson.GetManyBytes(body, "registered", "active", "updating")
	return WorkerStatus{
		Registered: res[0].Bool(),
		Active:     res[1].Bool(),
		Updating:   res[2].Bool(),
	}
}

func (w *HTTPWorker) Unregister(ctx context.Context, h Handle) error {
	if _, err := w.do(ctx, http.MethodDelete, w.BaseURL+"/register/"+url.PathEscape(string(h)), nil); err != nil {
		return fmt.Errorf("worker unregister failed: %w", err)
	}
	return nil
}

func (w *HTTPWorker) do(ctx context.Context, method, u string, payload []byte) ([]byte, error) {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s returned %d", method, u, resp.StatusCode)
	}
	return body, nil
}

// HTTPMountTarget treats a page as rendered when it returns 2xx with a
// non-empty body containing Marker (if set).
type HTTPMountTarget struct {
	URL    string
	Marker string
	Client *http.Client
}

// NewHTTPMountTarget creates an HTTPMountTarget with a 10s client timeout.
func NewHTTPMountTarget(u, marker string) *HTTPMountTarget {
	return &HTTPMountTarget{URL: u, Marker: marker, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (m *HTTPMountTarget) HasRenderedContent(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return false
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return false
	}
	return m.Marker == "" || bytes.Contains(body, []byte(m.Marker))
}
