package telemetry

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewTracedHTTPClient creates an HTTP client that propagates trace context
// via W3C TraceContext headers and records a client span per request.
//
// Parameters:
//   - baseTransport: The underlying transport to use. If nil, uses a pooled transport.
//   - timeout: Overall per-request timeout. Zero means no client-level timeout;
//     callers then rely on the request context.
//
// The returned client is safe to use concurrently and should be reused
// across requests for connection pooling benefits.
func NewTracedHTTPClient(baseTransport http.RoundTripper, timeout time.Duration) *http.Client {
	if baseTransport == nil {
		baseTransport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		}
	}

	return &http.Client{
		Timeout: timeout,
		Transport: otelhttp.NewTransport(baseTransport,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "HTTP " + r.Method + " " + r.URL.Path
			}),
		),
	}
}
