package adapters

import (
	"regexp"

	"github.com/wudi/urlmd/internal/browser"
)

// The adapters here need only light touches: a wait selector for
// client-rendered content, or regex surgery on server HTML. Regex over
// HTML is deliberately permissive; the conversion input cap bounds it.

// zhihuAdapter renders through the browser to get past the login
// interstitial, then strips the sign-in modal markup.
type zhihuAdapter struct{ base }

var zhihuModalRe = regexp.MustCompile(`(?is)<div[^>]+class="[^"]*(?:Modal-wrapper|signFlowModal)[^"]*"[^>]*>.*?</div>`)

func (a *zhihuAdapter) ConfigureBrowser(req *browser.Request) {
	req.WaitSelector = ".Post-RichText, .RichContent, .QuestionHeader"
}

func (a *zhihuAdapter) PostProcess(html string) string {
	return zhihuModalRe.ReplaceAllString(html, "")
}

// yuqueAdapter waits for the lake editor to paint the document.
type yuqueAdapter struct{ base }

func (a *yuqueAdapter) ConfigureBrowser(req *browser.Request) {
	req.WaitSelector = ".ne-viewer-body, article"
}

// notionAdapter waits for the page body; published Notion pages render
// entirely client-side.
type notionAdapter struct{ base }

func (a *notionAdapter) ConfigureBrowser(req *browser.Request) {
	req.WaitSelector = ".notion-page-content"
}

// juejinAdapter works on server HTML; drop the floating panels that
// readability mistakes for content.
type juejinAdapter struct{ base }

var juejinPanelRe = regexp.MustCompile(`(?is)<div[^>]+class="[^"]*(?:article-suspended-panel|sidebar-block)[^"]*"[^>]*>.*?</div>`)

func (a *juejinAdapter) PostProcess(html string) string {
	return juejinPanelRe.ReplaceAllString(html, "")
}

// csdnAdapter removes the login wall and un-clamps the article body,
// which ships full text behind a height/overflow style.
type csdnAdapter struct{ base }

var (
	csdnLoginRe = regexp.MustCompile(`(?is)<div[^>]+(?:passport-login-container|hide-article-box)[^>]*>.*?</div>`)
	csdnClampRe = regexp.MustCompile(`(?i)(<div[^>]+id="article_content"[^>]*?)\s+style="[^"]*(?:height|overflow)[^"]*"`)
)

func (a *csdnAdapter) PostProcess(html string) string {
	html = csdnLoginRe.ReplaceAllString(html, "")
	return csdnClampRe.ReplaceAllString(html, "$1")
}

// kr36Adapter renders client-side.
type kr36Adapter struct{ base }

func (a *kr36Adapter) ConfigureBrowser(req *browser.Request) {
	req.WaitSelector = ".articleDetailContent, .article-content"
}

// toutiaoAdapter renders client-side.
type toutiaoAdapter struct{ base }

func (a *toutiaoAdapter) ConfigureBrowser(req *browser.Request) {
	req.WaitSelector = "article"
}

// neteaseAdapter works on server HTML; strip share bars and
// recommendation blocks around the article.
type neteaseAdapter struct{ base }

var neteaseChromeRe = regexp.MustCompile(`(?is)<div[^>]+class="[^"]*post_(?:topshare|recommend|next|statement)[^"]*"[^>]*>.*?</div>`)

func (a *neteaseAdapter) PostProcess(html string) string {
	return neteaseChromeRe.ReplaceAllString(html, "")
}

// weiboAdapter renders through the browser; status pages are fully
// client-side and images reject hotlinks.
type weiboAdapter struct{ base }

func (a *weiboAdapter) ConfigureBrowser(req *browser.Request) {
	req.UserAgent = MobileUA
}

func (a *weiboAdapter) NeedsImageProxy(imgURL string) bool {
	return hostSuffix(imgURL, "sinaimg.cn")
}
