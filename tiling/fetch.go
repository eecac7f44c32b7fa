package tiling

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/itsneelabh/geomind/telemetry"
)

// Fetcher copies the bytes at location into w. Locations are http(s) URLs,
// file:// URLs or plain local paths.
type Fetcher interface {
	Fetch(ctx context.Context, location string, w io.Writer) error
}

// HTTPFetcher fetches remote locations over a traced HTTP client and reads
// local ones from disk.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher whose requests are bounded by timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: telemetry.NewTracedHTTPClient(nil, timeout)}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, location string, w io.Writer) error {
	if path, ok := LocalPath(location); ok {
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("GET %s: %s", redact(location), resp.Status)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// LocalPath reports whether location refers to the local filesystem and
// returns the path.
func LocalPath(location string) (string, bool) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// No scheme, or a Windows drive letter.
		return location, true
	}
	if u.Scheme == "file" {
		return u.Path, true
	}
	return "", false
}

// redact drops query strings, which often carry signed tokens.
func redact(location string) string {
	if i := strings.IndexByte(location, '?'); i >= 0 {
		return location[:i] + "?..."
	}
	return location
}
