// Package safeurl validates target URLs before any outbound fetch and
// provides a dialer that re-checks every resolved address, so redirects
// and DNS answers cannot steer a fetch into private address space.
package safeurl

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/wudi/urlmd/internal/errors"
)

// MaxURLLength is the hard cap on accepted URL length.
const MaxURLLength = 4096

// blockedRanges are the private/reserved IP ranges we never fetch from.
func blockedRanges() []string {
	return []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"0.0.0.0/8",
		"100.64.0.0/10",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
}

var blockedNets []*net.IPNet

func init() {
	for _, cidr := range blockedRanges() {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("safeurl: bad builtin CIDR " + cidr)
		}
		blockedNets = append(blockedNets, n)
	}
}

// Target is a validated absolute URL with derived fields.
type Target struct {
	URL                *url.URL
	Host               string // hostname without port
	Scheme             string
	RegisterableDomain string // eTLD+1, empty when not derivable
}

func (t *Target) String() string { return t.URL.String() }

// Validate parses and validates a raw URL. It rejects non-http(s)
// schemes, over-long URLs, embedded whitespace and hosts that are
// literal private/loopback/link-local addresses.
func Validate(raw string) (*Target, error) {
	return ValidatePolicy(raw, false)
}

// ValidatePolicy is Validate with an escape hatch: allowPrivate admits
// private and loopback hosts, for deployments that convert pages on an
// internal network.
func ValidatePolicy(raw string, allowPrivate bool) (*Target, error) {
	if raw == "" {
		return nil, errors.New(errors.KindInvalidURL, "empty URL")
	}
	if len(raw) > MaxURLLength {
		return nil, errors.Newf(errors.KindInvalidURL, "URL exceeds %d characters", MaxURLLength)
	}
	if strings.ContainsAny(raw, " \t\n\r") {
		return nil, errors.New(errors.KindInvalidURL, "URL contains whitespace")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidURL, "malformed URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Newf(errors.KindInvalidURL, "unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, errors.New(errors.KindInvalidURL, "missing host")
	}

	if !allowPrivate {
		if ip := net.ParseIP(host); ip != nil && IsBlockedIP(ip) {
			return nil, errors.Newf(errors.KindBlocked, "address %s is not allowed", host)
		}
	}

	return &Target{
		URL:                u,
		Host:               host,
		Scheme:             u.Scheme,
		RegisterableDomain: RegisterableDomain(host),
	}, nil
}

// IsSafeURL reports whether a raw URL passes validation.
func IsSafeURL(raw string) bool {
	_, err := Validate(raw)
	return err == nil
}

// IsBlockedIP reports whether the IP falls in a private/reserved range.
func IsBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// RegisterableDomain returns the eTLD+1 for a hostname, falling back to
// the last two labels when the public suffix list has no answer.
func RegisterableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(host) != nil {
		return host
	}
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// EscapeHTML escapes a string for safe inclusion in HTML output.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
