package http

import (
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"golang.org/x/net/http/httpproxy"

	"github.com/rescale/rescale-xfer/internal/config"
	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/logging"
)

var log = logging.NewLogger("http")

const defaultProxyPort = 8080

// ProxyRoute is how requests leave the process for a given HTTP config.
type ProxyRoute struct {
	// Mode is "no-proxy", "system", "basic" or "ntlm".
	Mode string
	// Proxy is the explicit proxy for basic and ntlm; nil otherwise.
	Proxy   *url.URL
	NoProxy string
}

// ResolveProxy turns cfg into a route. A nil cfg is a direct route. Explicit
// modes without a host degrade to direct with a warning.
func ResolveProxy(cfg *config.HTTPConfig) (ProxyRoute, error) {
	if cfg == nil {
		return ProxyRoute{Mode: "no-proxy"}, nil
	}
	mode := strings.ToLower(cfg.ProxyMode)
	switch mode {
	case "", "no-proxy":
		return ProxyRoute{Mode: "no-proxy"}, nil
	case "system":
		return ProxyRoute{Mode: mode}, nil
	case "basic", "ntlm":
		if cfg.ProxyHost == "" {
			log.Warn().Str("mode", mode).Msg("Proxy host missing, connecting directly")
			return ProxyRoute{Mode: "no-proxy"}, nil
		}
		if NeedsProxyPassword(cfg) {
			log.Warn().Str("user", cfg.ProxyUser).Msg("Proxy password missing, proxy auth disabled")
		}
		return ProxyRoute{Mode: mode, Proxy: buildProxyURL(cfg), NoProxy: cfg.NoProxy}, nil
	default:
		return ProxyRoute{}, fmt.Errorf("unsupported proxy mode: %s", cfg.ProxyMode)
	}
}

// Active reports whether requests will go through a proxy. getenv is
// consulted for the system mode.
func (r ProxyRoute) Active(getenv func(string) string) bool {
	switch r.Mode {
	case "system":
		for _, k := range []string{"HTTPS_PROXY", "HTTP_PROXY", "https_proxy", "http_proxy"} {
			if getenv(k) != "" {
				return true
			}
		}
		return false
	case "basic", "ntlm":
		return r.Proxy != nil
	default:
		return false
	}
}

// String describes the route without credentials.
func (r ProxyRoute) String() string {
	switch {
	case r.Mode == "system":
		return "system (proxy environment variables)"
	case r.Proxy == nil:
		return "direct"
	}
	s := fmt.Sprintf("%s via %s", r.Mode, r.Proxy.Host)
	if r.NoProxy != "" {
		s += ", bypass " + r.NoProxy
	}
	return s
}

func (r ProxyRoute) proxyFunc() func(*nethttp.Request) (*url.URL, error) {
	switch {
	case r.Mode == "system":
		return nethttp.ProxyFromEnvironment
	case r.Proxy == nil:
		return nil
	case r.NoProxy == "":
		return nethttp.ProxyURL(r.Proxy)
	}
	match := (&httpproxy.Config{
		HTTPProxy:  r.Proxy.String(),
		HTTPSProxy: r.Proxy.String(),
		NoProxy:    r.NoProxy,
	}).ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		u, err := match(req.URL)
		if u == nil {
			log.Debug().Str("host", req.URL.Host).Msg("Proxy bypass, direct connection")
		}
		return u, err
	}
}

func newBaseTransport() *nethttp.Transport {
	return &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
	}
}

// ConfigureHTTPClient builds a client that follows cfg's proxy route. NTLM
// routes wrap the transport in a negotiator.
func ConfigureHTTPClient(cfg *config.HTTPConfig) (*nethttp.Client, error) {
	route, err := ResolveProxy(cfg)
	if err != nil {
		return nil, err
	}
	transport := newBaseTransport()
	transport.Proxy = route.proxyFunc()
	if route.Mode == "ntlm" && route.Proxy != nil {
		return &nethttp.Client{Transport: ntlmssp.Negotiator{RoundTripper: transport}}, nil
	}
	return &nethttp.Client{Transport: transport}, nil
}

func buildProxyURL(cfg *config.HTTPConfig) *url.URL {
	port := cfg.ProxyPort
	if port == 0 {
		port = defaultProxyPort
	}
	u := &url.URL{Scheme: "http", Host: net.JoinHostPort(cfg.ProxyHost, strconv.Itoa(port))}
	// Some proxies reject a user with an empty password.
	if cfg.ProxyUser != "" && cfg.ProxyPassword != "" {
		u.User = url.UserPassword(cfg.ProxyUser, cfg.ProxyPassword)
	}
	return u
}

// NeedsProxyPassword reports an authenticating proxy mode with a user but no
// password.
func NeedsProxyPassword(cfg *config.HTTPConfig) bool {
	switch strings.ToLower(cfg.ProxyMode) {
	case "basic", "ntlm":
		return cfg.ProxyUser != "" && cfg.ProxyPassword == ""
	}
	return false
}
