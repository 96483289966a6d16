// Package httpclient builds the HTTP clients provider adapters use to
// reach backend APIs, with SSRF guards for remote families.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/prompter/errors"
)

const defaultMaxRedirects = 10

// Options configures a provider HTTP client
type Options struct {
	// Timeout bounds a whole request; zero leaves it to the caller's context
	Timeout time.Duration
	// AllowPrivateNetworks disables the private address guard. Only local
	// inference servers (Ollama, LocalAI) need it.
	AllowPrivateNetworks bool
	MaxRedirects         int
}

// New returns an http.Client that refuses non-http(s) schemes, URL
// userinfo and, unless allowed, loopback/private/link-local targets both
// before the request and after DNS resolution.
func New(opts Options) *http.Client {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = defaultMaxRedirects
	}
	g := guard{allowPrivate: opts.AllowPrivateNetworks}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if !g.allowPrivate {
		transport.DialContext = g.dialContext(dialer)
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: &guardedTransport{guard: g, next: transport},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= opts.MaxRedirects {
				return errors.Newf("stopped after %d redirects", opts.MaxRedirects)
			}
			return errors.Wrap(g.check(req.URL), "redirect blocked")
		},
	}
}

// ValidateURL parses raw and applies the same checks the client enforces.
func ValidateURL(raw string, allowPrivate bool) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := (guard{allowPrivate: allowPrivate}).check(u); err != nil {
		return nil, err
	}
	return u, nil
}

type guard struct {
	allowPrivate bool
}

func (g guard) check(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Newf("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		// http://evil.com@localhost/ style confusion
		return errors.New("URL must not carry userinfo")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if g.allowPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.New("localhost access blocked")
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return errors.Newf("private IP address blocked: %s", host)
	}
	return nil
}

// dialContext re-checks resolved addresses so DNS rebinding cannot reach
// private ranges after the URL check passed.
func (g guard) dialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, errors.Wrap(err, "invalid address")
		}
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve host %q", host)
		}
		for _, ip := range ips {
			if isPrivateIP(ip) {
				return nil, errors.Newf("private IP address blocked: %s", ip)
			}
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
	}
}

type guardedTransport struct {
	guard guard
	next  http.RoundTripper
}

func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.guard.check(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked by SSRF protection")
	}
	return t.next.RoundTrip(req)
}

var reservedV4 = []*net.IPNet{
	mustCIDR("0.0.0.0/8"),
	mustCIDR("100.64.0.0/10"), // carrier-grade NAT
	mustCIDR("240.0.0.0/4"),
}

var reservedV6 = []*net.IPNet{
	mustCIDR("fec0::/10"),     // deprecated site-local
	mustCIDR("2001:db8::/32"), // documentation
}

// isPrivateIP reports loopback, RFC 1918/4193, link-local, multicast,
// unspecified and reserved addresses.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	blocks := reservedV6
	if ip.To4() != nil {
		blocks = reservedV4
	}
	for _, b := range blocks {
		if b.Contains(ip) {
			return true
		}
	}
	return false
}

func isLocalhost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}
