package proxyclient

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AcceptFunc decides whether a pool attempt's response is good enough
// to stop rotating.
type AcceptFunc func(*Response) bool

// DefaultAccept accepts any 2xx/3xx response.
func DefaultAccept(resp *Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// PoolResult describes the winning attempt of a pool fetch.
type PoolResult struct {
	Response     *Response
	ProxyIndex   int
	VariantName  string
	AttemptCount int
}

// PoolExhaustedError reports that every (proxy, variant) combination failed.
type PoolExhaustedError struct {
	Attempts int
	Errors   []string
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("proxyclient: pool exhausted after %d attempts: %s",
		e.Attempts, strings.Join(e.Errors, "; "))
}

// FetchViaPool iterates (proxy_i, variant_j) in order, layering each
// variant's headers over the base headers, and returns the first
// response accepted by accept (DefaultAccept when nil). Rejected and
// failed attempts are collected; if everything fails the error is a
// *PoolExhaustedError summarizing every attempt.
func FetchViaPool(ctx context.Context, proxies []*Proxy, variants []Variant, targetURL string, baseHeaders map[string]string, timeout time.Duration, accept AcceptFunc) (*PoolResult, error) {
	if len(proxies) == 0 {
		return nil, fmt.Errorf("proxyclient: empty proxy pool")
	}
	if len(variants) == 0 {
		variants = DefaultVariants()
	}
	if accept == nil {
		accept = DefaultAccept
	}

	attempts := 0
	var failures []string
	for i, proxy := range proxies {
		for _, variant := range variants {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			attempts++

			headers := make(map[string]string, len(baseHeaders)+len(variant.Headers))
			for k, v := range baseHeaders {
				headers[k] = v
			}
			for k, v := range variant.Headers {
				headers[k] = v
			}

			resp, err := Fetch(ctx, proxy, targetURL, headers, timeout)
			if err != nil {
				failures = append(failures, fmt.Sprintf("proxy %d (%s): %v", i, variant.Name, err))
				continue
			}
			if !accept(resp) {
				failures = append(failures, fmt.Sprintf("proxy %d (%s): rejected status %d", i, variant.Name, resp.StatusCode))
				continue
			}
			return &PoolResult{
				Response:     resp,
				ProxyIndex:   i,
				VariantName:  variant.Name,
				AttemptCount: attempts,
			}, nil
		}
	}
	return nil, &PoolExhaustedError{Attempts: attempts, Errors: failures}
}
