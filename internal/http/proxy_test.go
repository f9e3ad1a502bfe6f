package http

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	ntlmssp "github.com/Azure/go-ntlmssp"

	"github.com/rescale/rescale-xfer/internal/config"
)

// TestProxyRouteBypass verifies NO_PROXY matching for domains, wildcards and CIDRs.
func TestProxyRouteBypass(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")

	tests := []struct {
		name       string
		noProxy    string
		url        string
		wantBypass bool
	}{
		{"empty list proxies everything", "", "https://api.example.com/data", false},
		{"wildcard subdomain", "*.example.com", "https://api.example.com/data", true},
		{"bare domain matches root", "example.com", "https://example.com/data", true},
		{"bare domain matches subdomain", "example.com", "https://files.example.com/data", true},
		{"cidr range", "10.0.0.0/8", "http://10.1.2.3:8080/api", true},
		{"non-matching host", "*.internal.corp,10.0.0.0/8", "https://downloads.example.org/a.bin", false},
		{"multiple patterns cidr", "*.example.com, 192.168.0.0/16, internal.corp", "http://192.168.1.100/api", true},
		{"multiple patterns exact", "*.example.com, 192.168.0.0/16, internal.corp", "https://internal.corp/status", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proxyFunc := ProxyRoute{Mode: "basic", Proxy: proxyURL, NoProxy: tt.noProxy}.proxyFunc()
			req, _ := http.NewRequest("GET", tt.url, nil)
			result, err := proxyFunc(req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantBypass && result != nil {
				t.Errorf("expected bypass (nil) for %s, got %v", tt.url, result)
			}
			if !tt.wantBypass {
				if result == nil {
					t.Fatalf("expected proxy for %s, got nil (bypass)", tt.url)
				}
				if result.Host != "proxy.corp:8080" {
					t.Errorf("expected proxy host proxy.corp:8080, got %s", result.Host)
				}
			}
		})
	}
}

func TestBuildProxyURL(t *testing.T) {
	u := buildProxyURL(&config.HTTPConfig{ProxyHost: "proxy", ProxyUser: "me"})
	if u.Host != "proxy:8080" {
		t.Errorf("expected default port 8080, got %s", u.Host)
	}
	if u.User != nil {
		t.Error("credentials should not be embedded without a password")
	}

	u = buildProxyURL(&config.HTTPConfig{ProxyHost: "proxy", ProxyPort: 3128, ProxyUser: "me", ProxyPassword: "pw"})
	if u.Host != "proxy:3128" {
		t.Errorf("expected proxy:3128, got %s", u.Host)
	}
	if pw, ok := u.User.Password(); !ok || pw != "pw" || u.User.Username() != "me" {
		t.Errorf("expected embedded credentials, got %v", u.User)
	}
}

func TestConfigureHTTPClient(t *testing.T) {
	client, err := ConfigureHTTPClient(&config.HTTPConfig{ProxyMode: "ntlm", ProxyHost: "proxy"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := client.Transport.(ntlmssp.Negotiator); !ok {
		t.Errorf("expected NTLM negotiator transport, got %T", client.Transport)
	}

	client, err = ConfigureHTTPClient(&config.HTTPConfig{ProxyMode: "basic"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", client.Transport)
	}
	if tr.Proxy != nil {
		t.Error("basic mode without host should fall back to a direct connection")
	}

	if _, err := ConfigureHTTPClient(&config.HTTPConfig{ProxyMode: "socks"}); err == nil {
		t.Error("expected error for unsupported proxy mode")
	}
}

func TestProxyRoute_Active(t *testing.T) {
	noEnv := func(string) string { return "" }
	withEnv := func(k string) string {
		if k == "HTTPS_PROXY" {
			return "http://proxy:8080"
		}
		return ""
	}

	route := func(cfg *config.HTTPConfig) ProxyRoute {
		t.Helper()
		r, err := ResolveProxy(cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return r
	}

	if route(&config.HTTPConfig{ProxyMode: "no-proxy"}).Active(withEnv) {
		t.Error("no-proxy mode should ignore environment")
	}
	if !route(&config.HTTPConfig{ProxyMode: "system"}).Active(withEnv) {
		t.Error("system mode should honor environment")
	}
	if route(&config.HTTPConfig{ProxyMode: "system"}).Active(noEnv) {
		t.Error("system mode without environment should be direct")
	}
	if !route(&config.HTTPConfig{ProxyMode: "ntlm", ProxyHost: "proxy"}).Active(noEnv) {
		t.Error("ntlm mode with host should be active")
	}
	if route(&config.HTTPConfig{ProxyMode: "basic"}).Active(withEnv) {
		t.Error("basic mode without host should be direct")
	}
	if route(nil).Active(withEnv) {
		t.Error("nil config should be direct")
	}
}

func TestProxyRoute_String(t *testing.T) {
	r, err := ResolveProxy(&config.HTTPConfig{
		ProxyMode: "basic", ProxyHost: "proxy", ProxyPort: 3128,
		ProxyUser: "me", ProxyPassword: "secret", NoProxy: "localhost",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := r.String(); got != "basic via proxy:3128, bypass localhost" {
		t.Errorf("unexpected description %q", got)
	}
	if strings.Contains(r.String(), "secret") {
		t.Error("description must not include the password")
	}
	if got := (ProxyRoute{Mode: "no-proxy"}).String(); got != "direct" {
		t.Errorf("expected direct, got %q", got)
	}
}

func TestNeedsProxyPassword(t *testing.T) {
	if !NeedsProxyPassword(&config.HTTPConfig{ProxyMode: "basic", ProxyUser: "me"}) {
		t.Error("basic mode with user and no password needs a password")
	}
	if NeedsProxyPassword(&config.HTTPConfig{ProxyMode: "system", ProxyUser: "me"}) {
		t.Error("system mode never needs a password")
	}
	if NeedsProxyPassword(&config.HTTPConfig{ProxyMode: "ntlm", ProxyUser: "me", ProxyPassword: "pw"}) {
		t.Error("complete credentials need no prompt")
	}
}
