package convert

import (
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/wudi/urlmd/internal/errors"
)

// maxFeedItems bounds the rendered listing.
const maxFeedItems = 50

// looksLikeFeed detects RSS/Atom responses by content type or document
// prologue.
func looksLikeFeed(contentType, body string) bool {
	for _, ct := range []string{"application/rss+xml", "application/atom+xml", "application/feed+json"} {
		if strings.Contains(contentType, ct) {
			return true
		}
	}
	head := strings.TrimSpace(body)
	if len(head) > 512 {
		head = head[:512]
	}
	if !strings.HasPrefix(head, "<?xml") && !strings.HasPrefix(head, "<rss") && !strings.HasPrefix(head, "<feed") {
		return false
	}
	return strings.Contains(head, "<rss") || strings.Contains(head, "<feed")
}

// feedToMarkdown renders a feed as a linked item listing.
func feedToMarkdown(body string) (*Document, error) {
	feed, err := gofeed.NewParser().ParseString(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnsupportedContent, "unparsable feed")
	}

	var sb strings.Builder
	title := strings.TrimSpace(feed.Title)
	if title == "" {
		title = "Feed"
	}
	fmt.Fprintf(&sb, "# %s\n\n", title)
	if desc := strings.TrimSpace(feed.Description); desc != "" {
		fmt.Fprintf(&sb, "%s\n\n", desc)
	}

	for i, item := range feed.Items {
		if i >= maxFeedItems {
			break
		}
		itemTitle := strings.TrimSpace(item.Title)
		if itemTitle == "" {
			itemTitle = item.Link
		}
		fmt.Fprintf(&sb, "- [%s](%s)", itemTitle, item.Link)
		if item.PublishedParsed != nil {
			fmt.Fprintf(&sb, " (%s)", item.PublishedParsed.Format("2006-01-02"))
		}
		sb.WriteString("\n")
		if summary := PlainText(item.Description); summary != "" {
			if runes := []rune(summary); len(runes) > 300 {
				summary = string(runes[:300]) + "…"
			}
			fmt.Fprintf(&sb, "  %s\n", summary)
		}
	}

	return &Document{
		Markdown: strings.TrimSpace(sb.String()),
		Title:    title,
	}, nil
}
