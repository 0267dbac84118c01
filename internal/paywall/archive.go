package paywall

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
)

// Archive endpoints. Vars so tests can point them at local servers.
var (
	waybackAvailableURL = "https://archive.org/wayback/available"
	archiveTodayBase    = "https://archive.today/newest/"
)

const (
	// archiveIndexTimeout bounds the availability lookup; archiveBodyTimeout
	// bounds the snapshot body fetch.
	archiveIndexTimeout = 5 * time.Second
	archiveBodyTimeout  = 10 * time.Second

	// minSnapshotLength is the floor under which a snapshot body is
	// treated as a stub and discarded.
	minSnapshotLength = 1000

	maxSnapshotBody = 8 << 20
)

// Doer is the http.Client subset the archive fetchers need.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

var waybackTimestampRe = regexp.MustCompile(`(/web/\d{4,14})/`)

// FetchWaybackSnapshot asks archive.org for the closest snapshot and,
// when one exists, fetches its raw ("id_"-suffixed) form. Returns ""
// with nil error when no usable snapshot exists.
func FetchWaybackSnapshot(ctx context.Context, client Doer, target string) (string, error) {
	idxCtx, cancel := context.WithTimeout(ctx, archiveIndexTimeout)
	defer cancel()

	lookup := waybackAvailableURL + "?url=" + url.QueryEscape(target)

	// The availability index flaps; a couple of quick retries are cheap.
	var body []byte
	op := func() error {
		var err error
		body, err = getBody(idxCtx, client, lookup)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), idxCtx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("paywall: wayback lookup: %w", err)
	}

	closest := gjson.GetBytes(body, "archived_snapshots.closest")
	if !closest.Get("available").Bool() {
		return "", nil
	}
	snapURL := closest.Get("url").String()
	if snapURL == "" {
		return "", nil
	}
	// The id_ suffix requests the original bytes without the Wayback chrome.
	snapURL = waybackTimestampRe.ReplaceAllString(snapURL, "${1}id_/")

	bodyCtx, cancel2 := context.WithTimeout(ctx, archiveBodyTimeout)
	defer cancel2()
	snap, err := getBody(bodyCtx, client, snapURL)
	if err != nil {
		return "", fmt.Errorf("paywall: wayback snapshot: %w", err)
	}
	if len(snap) <= minSnapshotLength {
		return "", nil
	}
	return string(snap), nil
}

// FetchArchiveToday fetches the newest archive.today capture, following
// redirects. Returns "" with nil error when the capture is a stub.
func FetchArchiveToday(ctx context.Context, client Doer, target string) (string, error) {
	bodyCtx, cancel := context.WithTimeout(ctx, archiveBodyTimeout)
	defer cancel()

	body, err := getBody(bodyCtx, client, archiveTodayBase+url.QueryEscape(target))
	if err != nil {
		return "", fmt.Errorf("paywall: archive.today: %w", err)
	}
	if len(body) <= minSnapshotLength {
		return "", nil
	}
	return string(body), nil
}

func getBody(ctx context.Context, client Doer, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", GooglebotUA)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBody))
}
