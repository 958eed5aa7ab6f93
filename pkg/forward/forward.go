// Package forward relays browser requests to the platform's upstream
// backends, rewriting transport-level details on the way. It deliberately
// does not retry; retries belong to the caller.
package forward

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/segmentio/ksuid"
)

// Headers recomputed by the transport. Forwarding stale values corrupts or
// truncates bodies, so they are stripped on both legs.
var strippedRequestHeaders = []string{"Content-Length", "Connection", "Accept-Encoding"}
var strippedResponseHeaders = []string{"Content-Encoding", "Content-Length", "Connection"}

// Forwarder relays requests under one local prefix to an upstream backend.
type Forwarder struct {
	base           *url.URL
	bare           *url.URL
	healthPrefixes map[string]bool
	client         *http.Client
}

// NewBackendForwarder builds the main API forwarder. Paths whose leading
// segment is one of healthPrefixes go to the bare host, everything else to
// the versioned base (host + versionPath).
func NewBackendForwarder(apiBaseURL, versionPath string, healthPrefixes []string) (*Forwarder, error) {
	bare, err := url.Parse(apiBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	base := *bare
	base.Path = strings.TrimRight(bare.Path, "/") + "/" + strings.Trim(versionPath, "/")

	prefixes := make(map[string]bool, len(healthPrefixes))
	for _, p := range healthPrefixes {
		prefixes[p] = true
	}

	return &Forwarder{
		base:           &base,
		bare:           bare,
		healthPrefixes: prefixes,
		client:         newProxyClient(),
	}, nil
}

// NewSingleHostForwarder builds a forwarder that always targets one fixed
// upstream, used for the ingestion backend.
func NewSingleHostForwarder(baseURL string) (*Forwarder, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Forwarder{
		base:   base,
		client: newProxyClient(),
	}, nil
}

func newProxyClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		// Redirects are handled manually so 307/308 can be replayed
		// with the original method and body.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Handler returns the echo catch-all handler for this forwarder.
func (f *Forwarder) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return f.forward(c)
	}
}

// TargetURL resolves the upstream URL for a forwarded path and query. The
// query is carried byte-for-byte and a trailing slash on the inbound path
// is preserved.
func (f *Forwarder) TargetURL(fwdPath, rawQuery string, trailingSlash bool) *url.URL {
	segments := splitPath(fwdPath)

	base := f.base
	if f.bare != nil && len(segments) > 0 && f.healthPrefixes[segments[0]] {
		base = f.bare
	}

	target := *base
	basePath := strings.TrimRight(base.Path, "/")
	if len(segments) == 0 {
		if basePath == "" {
			target.Path = "/"
		} else {
			target.Path = basePath
		}
	} else {
		target.Path = basePath + "/" + strings.Join(segments, "/")
		if trailingSlash {
			target.Path += "/"
		}
	}
	target.RawQuery = rawQuery
	return &target
}

func splitPath(p string) []string {
	var segments []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

func (f *Forwarder) forward(c echo.Context) error {
	req := c.Request()
	id := ksuid.New().String()

	trailingSlash := strings.HasSuffix(req.URL.Path, "/") && req.URL.Path != "/"
	target := f.TargetURL(c.Param("*"), req.URL.RawQuery, trailingSlash)

	// Buffer the body so a redirect replay can re-send the same bytes.
	// GET and HEAD never forward a body, even if one was supplied.
	var body []byte
	if req.Method != http.MethodGet && req.Method != http.MethodHead && req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return respondBadGateway(c, id, fmt.Errorf("read request body: %w", err))
		}
	}

	headers := req.Header.Clone()
	for _, h := range strippedRequestHeaders {
		headers.Del(h)
	}

	resp, err := f.send(c, req.Method, target, headers, body)
	if err != nil {
		return respondBadGateway(c, id, err)
	}

	// A 307/308 from the backend is replayed once with the original
	// method and body. Anything beyond one hop is an upstream bug.
	if resp.StatusCode == http.StatusTemporaryRedirect || resp.StatusCode == http.StatusPermanentRedirect {
		location := resp.Header.Get("Location")
		resp.Body.Close()

		redirected, err := target.Parse(location)
		if err != nil {
			return respondBadGateway(c, id, fmt.Errorf("resolve redirect location %q: %w", location, err))
		}
		slog.Debug("Replaying redirect", "id", id, "status", resp.StatusCode, "location", redirected.String())

		target = redirected
		resp, err = f.send(c, req.Method, target, headers, body)
		if err != nil {
			return respondBadGateway(c, id, err)
		}
	}
	defer resp.Body.Close()

	slog.Debug("Forwarded request", "id", id, "method", req.Method, "target", target.String(), "status", resp.StatusCode)

	respHeaders := c.Response().Header()
	for name, values := range resp.Header {
		for _, v := range values {
			respHeaders.Add(name, v)
		}
	}
	for _, h := range strippedResponseHeaders {
		respHeaders.Del(h)
	}

	c.Response().WriteHeader(resp.StatusCode)
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		// Headers are already gone; all that is left is to log.
		slog.Warn("Failed to stream response body", "id", id, "error", err)
	}
	return nil
}

func (f *Forwarder) send(c echo.Context, method string, target *url.URL, headers http.Header, body []byte) (*http.Response, error) {
	// A zero-length buffer means no body at all. Some backends reject
	// POSTs carrying an empty body, so the distinction matters.
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	out, err := http.NewRequestWithContext(c.Request().Context(), method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create outbound request: %w", err)
	}

	out.Header = headers.Clone()
	out.Host = target.Host
	out.Header.Set("Origin", target.Scheme+"://"+target.Host)

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", target.Host, err)
	}
	return resp, nil
}

func respondBadGateway(c echo.Context, id string, err error) error {
	slog.Error("Forwarding failed", "id", id, "error", err)
	return c.JSON(http.StatusBadGateway, Error{
		Code:    "bad_gateway",
		Message: "failed to reach upstream backend",
	})
}
