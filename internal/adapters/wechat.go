package adapters

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/wudi/urlmd/internal/browser"
	"github.com/wudi/urlmd/internal/errors"
)

// wechatAdapter handles WeChat public-account articles. The desktop
// page is a QR-code interstitial, so rendering always goes through the
// browser with a mobile user agent. Article images live on a CDN that
// rejects hotlinking and must be proxied.
type wechatAdapter struct{}

func (wechatAdapter) Name() string        { return "wechat" }
func (wechatAdapter) AlwaysBrowser() bool { return true }

func (wechatAdapter) Match(u *url.URL) bool {
	return strings.EqualFold(u.Hostname(), "mp.weixin.qq.com")
}

func (wechatAdapter) ConfigureBrowser(req *browser.Request) {
	req.UserAgent = MobileUA
	req.WaitSelector = "#js_content"
}

// wechatUnlazyJS promotes data-src to src so lazy-loaded article images
// survive HTML capture.
const wechatUnlazyJS = `(function() {
	var imgs = document.querySelectorAll('#js_content img[data-src]');
	for (var i = 0; i < imgs.length; i++) {
		imgs[i].setAttribute('src', imgs[i].getAttribute('data-src'));
	}
	return imgs.length;
})()`

// verification-wall markers on mp.weixin.qq.com block pages.
var wechatBlockMarkers = []string{"seccaptcha", "security verification", "weui-msg__title"}

func wechatBlocked(html string) bool {
	if strings.Contains(html, "js_content") {
		return false
	}
	lower := strings.ToLower(html)
	for _, m := range wechatBlockMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func (wechatAdapter) ExtractPage(ctx context.Context, p browser.Page, st *State) (string, error) {
	html, err := p.HTML(ctx)
	if err != nil {
		return "", err
	}
	// A verification wall means the datacenter IP is burned; hand the
	// session cookies to the proxy path and retry there.
	if wechatBlocked(html) && st.SignalProxyRetry != nil {
		cookies, _ := p.Cookies(ctx)
		marker := st.SignalProxyRetry(cookies)
		return "", errors.Newf(errors.KindFetchFailed, "wechat verification wall: %s", marker)
	}

	var n int
	if err := p.Evaluate(ctx, wechatUnlazyJS, &n); err != nil {
		return "", err
	}
	if n > 0 {
		if err := p.Sleep(ctx, 500*time.Millisecond); err != nil {
			return "", err
		}
	}
	return p.HTML(ctx)
}

func (wechatAdapter) NeedsImageProxy(imgURL string) bool {
	u, err := url.Parse(imgURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "mmbiz.qpic.cn" || strings.HasSuffix(host, ".qpic.cn") ||
		strings.HasSuffix(host, ".qlogo.cn")
}
