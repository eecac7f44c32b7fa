package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/itsneelabh/geomind/core"
	"github.com/itsneelabh/geomind/geo"
	"github.com/itsneelabh/geomind/telemetry"
)

const maxErrorBody = 4 << 10

// Remote calls a geoprocessing service over HTTP: GET {base}/tif/{name}
// with the parameters flattened into the query string.
type Remote struct {
	baseURL string
	client  *http.Client
	logger  core.Logger
}

// RemoteOption configures a Remote backend.
type RemoteOption func(*Remote)

// WithHTTPClient replaces the traced default client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) {
		if c != nil {
			r.client = c
		}
	}
}

// WithRemoteLogger sets the logger.
func WithRemoteLogger(l core.Logger) RemoteOption {
	return func(r *Remote) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRemote creates a remote backend. timeout bounds each call.
func NewRemote(baseURL string, timeout time.Duration, opts ...RemoteOption) (*Remote, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &core.FrameworkError{
			Op:      "backend.NewRemote",
			Kind:    "config",
			Message: fmt.Sprintf("invalid backend URL %q", baseURL),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	r := &Remote{
		baseURL: strings.TrimRight(u.String(), "/"),
		client:  telemetry.NewTracedHTTPClient(nil, timeout),
		logger:  &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Remote) Name() string { return "remote" }

// Execute performs one GET and maps the response onto an ExecutionResult.
func (r *Remote) Execute(ctx context.Context, geoprocess string, params geo.Params) (ExecutionResult, error) {
	endpoint := r.baseURL + "/tif/" + url.PathEscape(geo.EndpointName(geoprocess))
	query := FlattenQuery(params.Dispatch())
	target := endpoint + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &TransportError{Geoprocess: geoprocess, URL: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	r.logger.Debug("Dispatching geoprocess", map[string]interface{}{
		"operation":  "backend.remote.execute",
		"geoprocess": geoprocess,
		"endpoint":   endpoint,
		"query":      query.Encode(),
	})

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("Backend unreachable", map[string]interface{}{
			"operation":  "backend.remote.execute",
			"geoprocess": geoprocess,
			"endpoint":   endpoint,
			"error":      err,
		})
		return nil, &TransportError{Geoprocess: geoprocess, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Geoprocess: geoprocess, URL: endpoint, Err: fmt.Errorf("reading response: %w", err)}
	}

	r.logger.Debug("Backend responded", map[string]interface{}{
		"operation":   "backend.remote.execute",
		"geoprocess":  geoprocess,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
		"bytes":       len(body),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &BackendError{Geoprocess: geoprocess, Status: resp.StatusCode, Detail: errorDetail(body, resp.Status)}
	}

	result, err := decodeResult(body)
	if err != nil {
		return nil, &BackendError{Geoprocess: geoprocess, Status: resp.StatusCode, Detail: err.Error()}
	}
	return result, nil
}

// FlattenQuery renders a dispatch bag as query values. Lists (bbox, bands)
// are comma-joined; nested objects are sent as JSON.
func FlattenQuery(params map[string]interface{}) url.Values {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := url.Values{}
	for _, k := range keys {
		if s, ok := flattenValue(params[k]); ok {
			q.Set(k, s)
		}
	}
	return q
}

func flattenValue(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case geo.BBox:
		return t.String(), true
	case []float64:
		parts := make([]string, len(t))
		for i, f := range t {
			parts[i] = strconv.FormatFloat(f, 'f', -1, 64)
		}
		return strings.Join(parts, ","), true
	case []string:
		return strings.Join(t, ","), true
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := flattenValue(e); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ","), true
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t), true
		}
		return string(data), true
	}
}

// errorDetail extracts "detail" from a JSON error body, else the trimmed text.
func errorDetail(body []byte, status string) string {
	var payload struct {
		Detail interface{} `json:"detail"`
		Error  string      `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch d := payload.Detail.(type) {
		case string:
			if d != "" {
				return d
			}
		case nil:
		default:
			if data, err := json.Marshal(d); err == nil {
				return string(data)
			}
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody] + "..."
	}
	if text == "" {
		return status
	}
	return text
}
