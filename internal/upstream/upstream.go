// Package upstream forwards cache-miss requests to a chosen endpoint (A4).
// It exposes a small Client interface with two implementations: a pooled
// net/http client, and a curl-shelling fallback for environments where the
// Go HTTP stack itself is blocked or must route through a system proxy
// curl already knows how to negotiate (use_curl config flag).
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Request is the minimal outbound call a Client needs to perform.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the result of a call, already fully buffered — dispatch (C7)
// needs the whole body to fingerprint and cache it, so streaming passthrough
// is not supported here.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Client performs outbound HTTP calls to an upstream endpoint.
type Client interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// New returns the net/http-backed Client, or the curl-shelling Client when
// useCurl is set.
func New(useCurl bool, useProxy bool, proxyURL string) Client {
	if useCurl {
		return &curlClient{useProxy: useProxy, proxyURL: proxyURL}
	}
	return newHTTPClient(useProxy, proxyURL)
}

// httpClient is a pooled net/http.Client wrapper.
type httpClient struct {
	client *http.Client
}

func newHTTPClient(useProxy bool, proxyURL string) *httpClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if useProxy && proxyURL != "" {
		if u, err := parseProxyURL(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}

	return &httpClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
	}
}

func (c *httpClient) Do(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: forwarding to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: reading response body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &Response{StatusCode: resp.StatusCode, Headers: headers, Body: body}, nil
}
