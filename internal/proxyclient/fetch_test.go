package proxyclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeProxy listens on loopback and answers every connection with the
// bytes produced by respond, after consuming the request head.
func fakeProxy(t *testing.T, respond func(requestHead string) string) (*Proxy, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				var head strings.Builder
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					head.WriteString(line)
					if line == "\r\n" {
						break
					}
				}
				c.Write([]byte(respond(head.String())))
			}(conn)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	p := &Proxy{Host: "127.0.0.1", Port: addr.Port, Username: "u", Password: "p"}
	return p, func() { ln.Close() }
}

func TestFetch_Plain(t *testing.T) {
	var gotHead string
	p, stop := fakeProxy(t, func(head string) string {
		gotHead = head
		return "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\n\r\n<html>hello</html>"
	})
	defer stop()

	resp, err := Fetch(context.Background(), p, "http://example.com:8080/a?b=c", map[string]string{"X-Test": "1"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if string(resp.Body) != "<html>hello</html>" {
		t.Errorf("body = %q", resp.Body)
	}
	if resp.Headers.Get("content-type") != "text/html" {
		t.Errorf("content-type lookup failed: %v", resp.Headers)
	}
	if !strings.HasPrefix(gotHead, "GET http://example.com:8080/a?b=c HTTP/1.1\r\n") {
		t.Errorf("request line wrong: %q", gotHead)
	}
	if !strings.Contains(gotHead, "Host: example.com:8080\r\n") {
		t.Errorf("missing Host with non-default port: %q", gotHead)
	}
	if !strings.Contains(gotHead, "Proxy-Authorization: Basic dTpw\r\n") {
		t.Errorf("missing proxy auth: %q", gotHead)
	}
	if !strings.Contains(gotHead, "Connection: close\r\n") {
		t.Errorf("missing Connection: close: %q", gotHead)
	}
	if !strings.Contains(gotHead, "X-Test: 1\r\n") {
		t.Errorf("missing caller header: %q", gotHead)
	}
}

func TestFetch_Chunked(t *testing.T) {
	p, stop := fakeProxy(t, func(string) string {
		return "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
			"4\r\nWiki\r\n5\r\npedia\r\nE;name=ext\r\n in\r\n\r\nchunks.\r\n0\r\n\r\n"
	})
	defer stop()

	resp, err := Fetch(context.Background(), p, "http://example.com/", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	want := "Wikipedia in\r\n\r\nchunks."
	if string(resp.Body) != want {
		t.Errorf("body = %q, want %q", resp.Body, want)
	}
}

func TestFetch_InvalidStatus(t *testing.T) {
	p, stop := fakeProxy(t, func(string) string {
		return "BOGUS NONSENSE\r\n\r\nbody"
	})
	defer stop()

	_, err := Fetch(context.Background(), p, "http://example.com/", nil, 5*time.Second)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("err = %v, want ErrInvalidStatus", err)
	}
}

func TestFetch_HeaderInjectionRejected(t *testing.T) {
	p := &Proxy{Host: "127.0.0.1", Port: 1, Username: "u", Password: "p"}
	_, err := Fetch(context.Background(), p, "http://example.com/", map[string]string{"X-Bad": "a\r\nInjected: 1"}, time.Second)
	if err == nil || !strings.Contains(err.Error(), "CR/LF") {
		t.Errorf("expected CR/LF rejection, got %v", err)
	}
	_, err = Fetch(context.Background(), p, "http://example.com/", map[string]string{"Bad Name": "v"}, time.Second)
	if err == nil || !strings.Contains(err.Error(), "invalid header name") {
		t.Errorf("expected token rejection, got %v", err)
	}
}

func TestFetch_Cancellation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Hold the connection open without responding.
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()
	addr := ln.Addr().(*net.TCPAddr)
	p := &Proxy{Host: "127.0.0.1", Port: addr.Port, Username: "u", Password: "p"}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err = Fetch(ctx, p, "http://example.com/", nil, 10*time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("cancellation took too long: %v", time.Since(start))
	}
}

func TestDecodeChunked_Roundtrip(t *testing.T) {
	bodies := []string{
		"",
		"a",
		"héllo wörld ünïcode 中文テスト",
		strings.Repeat("x", 10000),
	}
	for _, body := range bodies {
		encoded := encodeChunks(body, 7)
		got, err := decodeChunked([]byte(encoded))
		if err != nil {
			t.Errorf("decodeChunked(%d bytes): %v", len(body), err)
			continue
		}
		if string(got) != body {
			t.Errorf("roundtrip mismatch for %d-byte body", len(body))
		}
	}
}

func encodeChunks(body string, chunkSize int) string {
	var b strings.Builder
	data := []byte(body)
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		fmt.Fprintf(&b, "%x\r\n%s\r\n", n, data[:n])
		data = data[n:]
	}
	b.WriteString("0\r\n\r\n")
	return b.String()
}

func TestDecodeChunked_Errors(t *testing.T) {
	tests := []struct{ name, in string }{
		{"non-hex size", "zz\r\ndata\r\n0\r\n\r\n"},
		{"missing CRLF after chunk", "4\r\nWikiX\r\n0\r\n\r\n"},
		{"truncated", "4\r\nWi"},
		{"bytes after terminator", "1\r\na\r\n0\r\n\r\nEXTRA"},
		{"empty size line", "\r\n\r\n"},
	}
	for _, tt := range tests {
		if _, err := decodeChunked([]byte(tt.in)); !errors.Is(err, ErrInvalidChunked) {
			t.Errorf("%s: err = %v, want ErrInvalidChunked", tt.name, err)
		}
	}
}

func TestDecodeChunked_Trailers(t *testing.T) {
	in := "3\r\nabc\r\n0\r\nX-Trailer: v\r\n\r\n"
	got, err := decodeChunked([]byte(in))
	if err != nil {
		t.Fatalf("decodeChunked: %v", err)
	}
	if string(got) != "abc" {
		t.Errorf("body = %q", got)
	}
}
