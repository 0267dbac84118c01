package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wudi/urlmd/internal/errors"
)

// twitterAdapter synthesizes tweet HTML from the public oEmbed API
// instead of rendering the page, which requires login.
type twitterAdapter struct{}

// var so tests can point it at a local server.
var oembedEndpoint = "https://publish.twitter.com/oembed"

func (twitterAdapter) Name() string        { return "twitter" }
func (twitterAdapter) AlwaysBrowser() bool { return false }

func (twitterAdapter) Match(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	switch host {
	case "twitter.com", "www.twitter.com", "mobile.twitter.com", "x.com", "www.x.com":
		return true
	}
	return false
}

func (twitterAdapter) FetchDirect(ctx context.Context, client *http.Client, u *url.URL) (string, error) {
	// x.com links are not recognized by the oEmbed endpoint.
	target := *u
	if strings.EqualFold(target.Hostname(), "x.com") || strings.EqualFold(target.Hostname(), "www.x.com") {
		target.Host = "twitter.com"
	}

	api := oembedEndpoint + "?omit_script=1&dnt=1&url=" + url.QueryEscape(target.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api, nil)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "build oembed request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.FromFetch(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf(errors.KindFetchFailed, "oembed returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.FromFetch(err)
	}

	embed := gjson.GetBytes(body, "html").String()
	if embed == "" {
		return "", errors.New(errors.KindFetchFailed, "oembed response missing html")
	}

	author := gjson.GetBytes(body, "author_name").String()
	authorURL := gjson.GetBytes(body, "author_url").String()
	var sb strings.Builder
	sb.WriteString("<article>")
	sb.WriteString(embed)
	if author != "" {
		fmt.Fprintf(&sb, `<p><a href="%s">%s</a></p>`, authorURL, author)
	}
	sb.WriteString("</article>")
	return sb.String(), nil
}
