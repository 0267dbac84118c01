package proxyclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// MaxResponseSize caps the raw bytes read from a proxy socket.
const MaxResponseSize = 8 << 20 // 8 MB

// DefaultTimeout is the hard deadline on a single proxy fetch.
const DefaultTimeout = 20 * time.Second

// Sentinel parse failures. Callers map these to the wire taxonomy.
var (
	ErrInvalidStatus  = errors.New("proxyclient: invalid status line")
	ErrInvalidChunked = errors.New("proxyclient: invalid chunked encoding")
	ErrTooLarge       = errors.New("proxyclient: response exceeds size limit")
)

// Response is a parsed proxy response.
type Response struct {
	StatusCode int
	Status     string
	Headers    http.Header
	Body       []byte
}

var (
	statusLineRe = regexp.MustCompile(`^HTTP/\d\.\d (\d{3})(?: (.*))?$`)
	tokenRe      = regexp.MustCompile("^[!#$%&'*+\\-.^_`|~0-9A-Za-z]+$")
)

// validateHeader rejects header names that are not RFC7230 tokens and
// values containing CR or LF (request smuggling guard).
func validateHeader(name, value string) error {
	if !tokenRe.MatchString(name) {
		return fmt.Errorf("proxyclient: invalid header name %q", name)
	}
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("proxyclient: header %q value contains CR/LF", name)
	}
	return nil
}

// Fetch performs a single absolute-URI GET through the proxy. Headers
// are caller-supplied extras; Host, Proxy-Authorization and
// Connection: close are always set. The response is read until EOF
// under the timeout, capped at MaxResponseSize, and chunked bodies are
// decoded. Cancellation of ctx aborts the read.
func Fetch(ctx context.Context, proxy *Proxy, targetURL string, headers map[string]string, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	u, err := url.Parse(targetURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("proxyclient: bad target URL %q", targetURL)
	}
	for name, value := range headers {
		if err := validateHeader(name, value); err != nil {
			return nil, err
		}
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxy.Addr())
	if err != nil {
		return nil, fmt.Errorf("proxyclient: dial %s: %w", proxy.Addr(), err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	// Propagate external cancellation into the blocking socket read.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-watchDone:
		}
	}()

	var req bytes.Buffer
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n", targetURL)
	fmt.Fprintf(&req, "Host: %s\r\n", u.Host)
	fmt.Fprintf(&req, "Proxy-Authorization: %s\r\n", proxy.BasicAuth())
	for name, value := range headers {
		fmt.Fprintf(&req, "%s: %s\r\n", name, value)
	}
	req.WriteString("Connection: close\r\n\r\n")

	if _, err := conn.Write(req.Bytes()); err != nil {
		return nil, fmt.Errorf("proxyclient: write request: %w", wrapCtx(ctx, err))
	}

	raw, err := io.ReadAll(io.LimitReader(conn, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("proxyclient: read response: %w", wrapCtx(ctx, err))
	}
	if len(raw) > MaxResponseSize {
		return nil, ErrTooLarge
	}

	return parseResponse(raw)
}

// wrapCtx substitutes the context error when a deadline poke from the
// cancellation watcher surfaced as a socket timeout.
func wrapCtx(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// parseResponse splits raw bytes into status line, headers and body,
// decoding chunked transfer encoding when present.
func parseResponse(raw []byte) (*Response, error) {
	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return nil, ErrInvalidStatus
	}
	head := string(raw[:headerEnd])
	body := raw[headerEnd+4:]

	lines := strings.Split(head, "\r\n")
	m := statusLineRe.FindStringSubmatch(lines[0])
	if m == nil {
		return nil, ErrInvalidStatus
	}
	statusCode := 0
	fmt.Sscanf(m[1], "%d", &statusCode)

	hdr := make(http.Header)
	for _, line := range lines[1:] {
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		name := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:colon]))
		hdr.Add(name, strings.TrimSpace(line[colon+1:]))
	}

	if isChunked(hdr) {
		decoded, err := decodeChunked(body)
		if err != nil {
			return nil, err
		}
		body = decoded
	}

	return &Response{
		StatusCode: statusCode,
		Status:     strings.TrimSpace(m[1] + " " + m[2]),
		Headers:    hdr,
		Body:       body,
	}, nil
}

func isChunked(hdr http.Header) bool {
	for _, v := range hdr.Values("Transfer-Encoding") {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), "chunked") {
				return true
			}
		}
	}
	return false
}

// decodeChunked decodes an HTTP/1.1 chunked body. Chunk sizes are hex
// with optional ";extension"; each chunk must be followed by CRLF; the
// terminating 0-chunk may carry trailer lines and must end with an
// empty line. Bytes after the terminator are an error.
func decodeChunked(body []byte) ([]byte, error) {
	var out bytes.Buffer
	rest := body
	for {
		nl := bytes.Index(rest, []byte("\r\n"))
		if nl < 0 {
			return nil, ErrInvalidChunked
		}
		sizeLine := string(rest[:nl])
		if semi := strings.Index(sizeLine, ";"); semi >= 0 {
			sizeLine = sizeLine[:semi]
		}
		sizeLine = strings.TrimSpace(sizeLine)
		if sizeLine == "" {
			return nil, ErrInvalidChunked
		}
		var size int64
		if _, err := fmt.Sscanf(sizeLine, "%x", &size); err != nil || !isHex(sizeLine) || size < 0 {
			return nil, ErrInvalidChunked
		}
		rest = rest[nl+2:]

		if size == 0 {
			// Optional trailer lines, then a terminating empty line.
			for {
				nl := bytes.Index(rest, []byte("\r\n"))
				if nl < 0 {
					return nil, ErrInvalidChunked
				}
				line := rest[:nl]
				rest = rest[nl+2:]
				if len(line) == 0 {
					if len(rest) != 0 {
						return nil, fmt.Errorf("%w: %d bytes after final chunk", ErrInvalidChunked, len(rest))
					}
					return out.Bytes(), nil
				}
			}
		}

		if int64(len(rest)) < size+2 {
			return nil, ErrInvalidChunked
		}
		out.Write(rest[:size])
		if rest[size] != '\r' || rest[size+1] != '\n' {
			return nil, ErrInvalidChunked
		}
		rest = rest[size+2:]
	}
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return len(s) > 0
}
