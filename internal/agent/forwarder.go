package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relaylink/relaylink/internal/protocol"
)

const (
	forwardTimeout = 30 * time.Second
	probeTimeout   = 5 * time.Second
)

// ForwardResult is the local origin's reply, independent of the wire
// protocol.HTTPResponse shape so Forwarder stays usable outside a tunnel.
type ForwardResult struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Forwarder proxies frames to the local origin at target.
type Forwarder struct {
	target      string
	httpClient  *http.Client
	probeClient *http.Client
}

// NewForwarder creates a forwarder pointed at a local origin, e.g.
// "http://localhost:3000".
func NewForwarder(target string) *Forwarder {
	return &Forwarder{
		target: target,
		httpClient: &http.Client{
			Timeout: forwardTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		probeClient: &http.Client{Timeout: probeTimeout},
	}
}

// Probe issues a short-deadline HEAD (falling back to GET on failure) to the
// origin's root, standing in for a liveness check before forwarding a real
// request. A non-nil error means the local origin appears to be down.
func (f *Forwarder) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, f.target+"/", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := f.probeClient.Do(req)
	if err == nil {
		resp.Body.Close()
		return nil
	}

	req, err = http.NewRequestWithContext(probeCtx, http.MethodGet, f.target+"/", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err = f.probeClient.Do(req)
	if err != nil {
		return fmt.Errorf("local origin unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Forward issues the proxied request against the local origin and returns
// its reply. The caller supplies a context already bound to the 30s local
// request deadline.
func (f *Forwarder) Forward(ctx context.Context, req protocol.HTTPRequest) (*ForwardResult, error) {
	fullURL, err := buildURL(f.target, req.Path)
	if err != nil {
		return nil, fmt.Errorf("build forward URL: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build forward request: %w", err)
	}
	for k, v := range req.Headers {
		if protocol.IsHopByHop(k) {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("forward to local origin: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read local origin response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if protocol.IsHopByHop(k) || len(v) == 0 {
			continue
		}
		headers[k] = v[0]
	}

	return &ForwardResult{Status: resp.StatusCode, Headers: headers, Body: body}, nil
}

// buildURL joins the forwarder's target base with a request path (which may
// carry its own query string).
func buildURL(base, path string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid target URL: %w", err)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	pathURL, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid request path: %w", err)
	}
	return baseURL.ResolveReference(pathURL).String(), nil
}
