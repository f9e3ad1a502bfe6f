package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"

	"github.com/rescale/rescale-xfer/internal/config"
	"github.com/rescale/rescale-xfer/internal/constants"
)

// CreateOptimizedClient creates an HTTP client tuned for large file transfers
// with proxy support. It is shared by every backend that speaks HTTP so they
// all honor the same proxy configuration.
//
// Key features:
//   - Proxy support (uses ConfigureHTTPClient as base)
//   - Large connection pool for concurrent transfers
//   - HTTP/2 with a DISABLE_HTTP2 escape hatch
//   - No compression, since transferred payloads are usually compressed already
//   - No overall timeout; each transfer is bounded by its context
func CreateOptimizedClient(cfg *config.HTTPConfig) (*nethttp.Client, error) {
	baseClient, err := ConfigureHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	baseClient.Timeout = 0

	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		// NTLM wraps the transport in a negotiator; leave it untouched.
		return baseClient, nil
	}

	tr.MaxIdleConns = 512
	tr.MaxIdleConnsPerHost = 100
	tr.MaxConnsPerHost = 100
	tr.IdleConnTimeout = constants.HTTPIdleConnTimeout
	tr.TLSHandshakeTimeout = constants.HTTPTLSHandshakeTimeout
	tr.ExpectContinueTimeout = constants.HTTPExpectContinueTimeout

	tr.DisableCompression = true
	tr.ForceAttemptHTTP2 = true
	_ = http2.ConfigureTransport(tr)

	disableHTTP2 := os.Getenv("DISABLE_HTTP2") == "true"

	// Proxies often break HTTP/2 multiplexing mid-transfer. FORCE_HTTP2=true overrides.
	route, _ := ResolveProxy(cfg)
	if route.Active(os.Getenv) && os.Getenv("FORCE_HTTP2") != "true" {
		disableHTTP2 = true
	}

	if disableHTTP2 {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	baseClient.Transport = tr
	return baseClient, nil
}
