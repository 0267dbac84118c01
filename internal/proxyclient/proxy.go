// Package proxyclient implements a minimal HTTP forward-proxy client
// over a plain TCP socket. It exists because cookied second-chance
// retries must control the exact request bytes (absolute-URI request
// line, Proxy-Authorization, per-variant header overlays) and must not
// share connection state with the regular transport.
package proxyclient

import (
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Proxy is a single forward-proxy endpoint with credentials.
type Proxy struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns the dialable host:port.
func (p *Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// BasicAuth returns the Proxy-Authorization header value.
func (p *Proxy) BasicAuth() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(p.Username+":"+p.Password))
}

// dedupKey identifies a proxy for pool de-duplication: credentials are
// compared verbatim, the host case-insensitively.
func (p *Proxy) dedupKey() string {
	return p.Username + "\x00" + p.Password + "\x00" + strings.ToLower(p.Host) + "\x00" + strconv.Itoa(p.Port)
}

// ParseProxyURL parses "user:pass@host:port", with an optional http://
// scheme prefix and bracketed IPv6 hosts. Whitespace anywhere
// invalidates the string.
func ParseProxyURL(s string) (*Proxy, error) {
	if s == "" {
		return nil, fmt.Errorf("proxyclient: empty proxy URL")
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return nil, fmt.Errorf("proxyclient: proxy URL contains whitespace")
	}
	s = strings.TrimPrefix(s, "http://")

	at := strings.LastIndex(s, "@")
	if at < 0 {
		return nil, fmt.Errorf("proxyclient: missing credentials in %q", redact(s))
	}
	creds, hostport := s[:at], s[at+1:]

	colon := strings.Index(creds, ":")
	if colon < 0 {
		return nil, fmt.Errorf("proxyclient: credentials must be user:pass")
	}
	user, pass := creds[:colon], creds[colon+1:]
	if user == "" || pass == "" {
		return nil, fmt.Errorf("proxyclient: empty username or password")
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("proxyclient: bad host:port %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("proxyclient: port %q out of range", portStr)
	}
	if host == "" {
		return nil, fmt.Errorf("proxyclient: empty host")
	}

	return &Proxy{Host: host, Port: port, Username: user, Password: pass}, nil
}

// ParsePool parses a comma- or newline-separated proxy list, dropping
// unparsable entries and de-duplicating on (user, pass, lowercase host,
// port) while preserving first-seen order.
func ParsePool(s string) []*Proxy {
	var out []*Proxy
	seen := make(map[string]struct{})
	for _, raw := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := ParseProxyURL(raw)
		if err != nil {
			continue
		}
		key := p.dedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// redact hides credentials when a proxy string ends up in an error.
func redact(s string) string {
	if at := strings.LastIndex(s, "@"); at >= 0 {
		return "***@" + s[at+1:]
	}
	return s
}

// Variant is a named set of headers layered onto a pool fetch attempt.
type Variant struct {
	Name    string
	Headers map[string]string
}

// DefaultVariants returns the rotation order used when none is supplied:
// the caller's headers untouched, then a Googlebot disguise, then a
// mobile profile.
func DefaultVariants() []Variant {
	return []Variant{
		{Name: "default", Headers: nil},
		{Name: "googlebot", Headers: map[string]string{
			"User-Agent":      "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
			"X-Forwarded-For": "66.249.66.1",
		}},
		{Name: "mobile", Headers: map[string]string{
			"User-Agent": "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
		}},
	}
}
