package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidURL, 400},
		{KindBlocked, 403},
		{KindUnauthorized, 401},
		{KindRequestTooLarge, 413},
		{KindUnsupportedContent, 415},
		{KindFetchFailed, 502},
		{KindFetchTimeout, 504},
		{KindMisconfigured, 503},
		{KindInternal, 500},
		{Kind("Unknown"), 500},
	}
	for _, tt := range tests {
		if got := New(tt.kind, "x").HTTPStatus(); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	New(KindFetchFailed, "Status: 500 Internal Server Error").WithStatus(500).WriteJSON(w)

	if w.Code != 502 {
		t.Errorf("code = %d, want 502", w.Code)
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Status  int    `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error != "FetchFailed" || body.Status != 500 {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestFromFetch_Timeout(t *testing.T) {
	for _, err := range []error{
		context.DeadlineExceeded,
		fmt.Errorf("upstream timed out after 20s"),
		fmt.Errorf("navigation timeout exceeded"),
	} {
		ce := FromFetch(err)
		if ce.Kind != KindFetchTimeout {
			t.Errorf("FromFetch(%v).Kind = %s, want FetchTimeout", err, ce.Kind)
		}
	}
}

func TestFromFetch_Failed(t *testing.T) {
	ce := FromFetch(fmt.Errorf("connection refused"))
	if ce.Kind != KindFetchFailed {
		t.Errorf("Kind = %s, want FetchFailed", ce.Kind)
	}
}

func TestFromFetch_PreservesConvertError(t *testing.T) {
	orig := New(KindBlocked, "private address")
	ce := FromFetch(fmt.Errorf("wrapped: %w", orig))
	if ce.Kind != KindBlocked {
		t.Errorf("Kind = %s, want Blocked", ce.Kind)
	}
}

func TestWrapUnwrap(t *testing.T) {
	inner := fmt.Errorf("boom")
	e := Wrap(inner, KindInternal, "unexpected")
	if e.Unwrap() != inner {
		t.Error("Unwrap did not return wrapped error")
	}
	if _, ok := AsConvertError(fmt.Errorf("outer: %w", e)); !ok {
		t.Error("AsConvertError failed through wrapping")
	}
}
