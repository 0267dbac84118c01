package safeurl

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/wudi/urlmd/internal/errors"
)

// SafeDialer wraps a net.Dialer to block connections to private IP
// addresses. Hostnames are resolved before dialing and every resolved IP
// is validated; the first valid IP is dialed directly, which also
// defeats DNS rebinding.
type SafeDialer struct {
	inner           *net.Dialer
	blockedRequests atomic.Int64
}

// NewDialer creates a SafeDialer around the given net.Dialer.
func NewDialer(inner *net.Dialer) *SafeDialer {
	if inner == nil {
		inner = &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	}
	return &SafeDialer{inner: inner}
}

// DialContext resolves the hostname, validates all IPs, and dials the first valid IP.
func (sd *SafeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("safeurl: invalid address %q: %w", addr, err)
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsBlockedIP(ip) {
			sd.blockedRequests.Add(1)
			return nil, errors.Newf(errors.KindBlocked, "connection to %s blocked (private/reserved IP)", host)
		}
		return sd.inner.DialContext(ctx, network, addr)
	}

	resolver := sd.inner.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("safeurl: DNS lookup failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("safeurl: no IPs found for %q", host)
	}

	// Validate ALL resolved IPs before dialing any.
	for _, ipAddr := range ips {
		if IsBlockedIP(ipAddr.IP) {
			sd.blockedRequests.Add(1)
			return nil, errors.Newf(errors.KindBlocked,
				"connection to %s (%s) blocked (resolves to private/reserved IP)", host, ipAddr.IP)
		}
	}

	return sd.inner.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

// BlockedRequests returns the number of blocked connection attempts.
func (sd *SafeDialer) BlockedRequests() int64 {
	return sd.blockedRequests.Load()
}

// NewHTTPClient builds an http.Client whose transport dials through the
// SafeDialer, so redirect targets get the same address validation.
// Redirects are capped at 10.
func NewHTTPClient(timeout time.Duration) *http.Client {
	sd := NewDialer(nil)
	transport := &http.Transport{
		DialContext:           sd.DialContext,
		MaxIdleConns:          32,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			if _, err := Validate(req.URL.String()); err != nil {
				return err
			}
			return nil
		},
	}
}
