package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/wudi/urlmd/internal/browser"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestRegistryFirstMatch(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		url  string
		want string
	}{
		{"https://mp.weixin.qq.com/s/abc", "wechat"},
		{"https://zhuanlan.zhihu.com/p/123", "zhihu"},
		{"https://www.yuque.com/u/doc", "yuque"},
		{"https://foo.notion.site/page", "notion"},
		{"https://juejin.cn/post/1", "juejin"},
		{"https://blog.csdn.net/u/article", "csdn"},
		{"https://36kr.com/p/1", "36kr"},
		{"https://www.toutiao.com/article/1", "toutiao"},
		{"https://www.163.com/news/article/X.html", "netease"},
		{"https://weibo.com/1/ABC", "weibo"},
		{"https://www.reddit.com/r/golang/comments/1/t/", "reddit"},
		{"https://twitter.com/user/status/1", "twitter"},
		{"https://x.com/user/status/1", "twitter"},
		{"https://acme.feishu.cn/docx/abc", "feishu"},
		{"https://example.com/post", "generic"},
	}
	for _, tt := range tests {
		if got := r.Get(mustParse(t, tt.url)).Name(); got != tt.want {
			t.Errorf("Get(%s) = %s, want %s", tt.url, got, tt.want)
		}
	}
}

func TestRegistryAlwaysNeedsBrowser(t *testing.T) {
	r := NewRegistry()
	if !r.AlwaysNeedsBrowser(mustParse(t, "https://mp.weixin.qq.com/s/abc")) {
		t.Error("wechat should mandate browser")
	}
	if r.AlwaysNeedsBrowser(mustParse(t, "https://example.com/post")) {
		t.Error("generic should not mandate browser")
	}
	if r.AlwaysNeedsBrowser(mustParse(t, "https://old.reddit.com/r/golang/")) {
		t.Error("reddit should not mandate browser")
	}
}

func TestGenericIsTerminal(t *testing.T) {
	r := NewRegistry()
	names := r.Names()
	if names[len(names)-1] != "generic" {
		t.Errorf("last adapter = %s, want generic", names[len(names)-1])
	}
}

func TestRedditTransformURL(t *testing.T) {
	var a redditAdapter
	in := mustParse(t, "https://www.reddit.com/r/programming/comments/abc/title/")
	out := a.TransformURL(in)
	if !strings.Contains(out.String(), "old.reddit.com") {
		t.Errorf("transformed = %s", out)
	}
	if in.Host != "www.reddit.com" {
		t.Error("input URL mutated")
	}
	// Already-old URLs pass through.
	old := mustParse(t, "https://old.reddit.com/r/golang/")
	if got := a.TransformURL(old); got.Host != "old.reddit.com" {
		t.Errorf("old host = %s", got.Host)
	}
}

func TestRedditPostProcess(t *testing.T) {
	var a redditAdapter
	html := `<header id="header">nav</header>
<div id="siteTable" class="sitetable linklisting"><div class="entry">the post</div></div>
<div class="commentarea"><div class="comment">first!</div></div>`
	got := a.PostProcess(html)
	if !strings.Contains(got, "siteTable") {
		t.Error("siteTable stripped")
	}
	if strings.Contains(got, "commentarea") || strings.Contains(got, "first!") {
		t.Error("commentarea survived")
	}
	if strings.Contains(got, "nav</header>") {
		t.Error("header survived")
	}
}

func TestTwitterFetchDirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("url"); !strings.Contains(got, "twitter.com") {
			t.Errorf("oembed url param = %q, want twitter.com host", got)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"html":        `<blockquote>hello world</blockquote>`,
			"author_name": "someone",
			"author_url":  "https://twitter.com/someone",
		})
	}))
	defer srv.Close()
	oldEndpoint := oembedEndpoint
	oembedEndpoint = srv.URL
	defer func() { oembedEndpoint = oldEndpoint }()

	var a twitterAdapter
	got, err := a.FetchDirect(context.Background(), srv.Client(),
		mustParse(t, "https://x.com/someone/status/1"))
	if err != nil {
		t.Fatalf("FetchDirect: %v", err)
	}
	if !strings.Contains(got, "hello world") || !strings.Contains(got, "someone") {
		t.Errorf("html = %s", got)
	}
}

func TestTwitterFetchDirectErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	oldEndpoint := oembedEndpoint
	oembedEndpoint = srv.URL
	defer func() { oembedEndpoint = oldEndpoint }()

	var a twitterAdapter
	if _, err := a.FetchDirect(context.Background(), srv.Client(),
		mustParse(t, "https://twitter.com/u/status/1")); err == nil {
		t.Error("expected error on 404")
	}
}

func TestWeChatImageProxy(t *testing.T) {
	var a wechatAdapter
	tests := []struct {
		url  string
		want bool
	}{
		{"https://mmbiz.qpic.cn/mmbiz_jpg/abc/640", true},
		{"https://res.qpic.cn/x.png", true},
		{"https://wx.qlogo.cn/avatar", true},
		{"https://example.com/x.png", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		if got := a.NeedsImageProxy(tt.url); got != tt.want {
			t.Errorf("NeedsImageProxy(%s) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestCSDNPostProcess(t *testing.T) {
	var a csdnAdapter
	html := `<div class="passport-login-container">sign in</div>` +
		`<div id="article_content" class="article_content" style="height: 400px; overflow: hidden;">body</div>`
	got := a.PostProcess(html)
	if strings.Contains(got, "sign in") {
		t.Error("login wall survived")
	}
	if strings.Contains(got, "overflow: hidden") {
		t.Error("clamp style survived")
	}
	if !strings.Contains(got, "body") {
		t.Error("article body lost")
	}
}

func TestWeChatConfigureBrowser(t *testing.T) {
	var a wechatAdapter
	req := &browser.Request{}
	a.ConfigureBrowser(req)
	if req.UserAgent != MobileUA {
		t.Error("mobile UA not set")
	}
	if req.WaitSelector == "" {
		t.Error("wait selector not set")
	}
}

// fakePage scripts Evaluate responses keyed by call count.
type fakePage struct {
	harvestCalls int
	finalHTML    string
}

func (f *fakePage) Navigate(context.Context, string) error            { return nil }
func (f *fakePage) WaitVisible(context.Context, string) error         { return nil }
func (f *fakePage) HTML(context.Context) (string, error)              { return f.finalHTML, nil }
func (f *fakePage) Location(context.Context) (string, error)          { return "", nil }
func (f *fakePage) Cookies(context.Context) ([]browser.Cookie, error) { return nil, nil }
func (f *fakePage) Sleep(context.Context, time.Duration) error        { return nil }

func (f *fakePage) Evaluate(_ context.Context, js string, out any) error {
	var payload any
	if strings.Contains(js, "__harvest = ") || strings.Contains(js, "atEnd") {
		f.harvestCalls++
		collected := f.harvestCalls
		if collected > 3 {
			collected = 3
		}
		payload = map[string]any{"collected": collected, "atEnd": f.harvestCalls >= 3}
	} else {
		payload = map[string]any{
			"html":   "<article><h1>Doc</h1><p>block</p></article>",
			"images": map[string]string{"b1-0": "data:image/png;base64,AAAA"},
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func TestFeishuExtractPage(t *testing.T) {
	var a feishuAdapter
	st := &State{}
	page := &fakePage{}

	html, err := a.ExtractPage(context.Background(), page, st)
	if err != nil {
		t.Fatalf("ExtractPage: %v", err)
	}
	if !strings.Contains(html, "<h1>Doc</h1>") {
		t.Errorf("html = %s", html)
	}
	if len(st.Images) != 1 || !strings.HasPrefix(st.Images[0].DataURL, "data:image/png") {
		t.Errorf("images = %+v", st.Images)
	}
}

func TestFeishuConfigureBrowser(t *testing.T) {
	var a feishuAdapter
	req := &browser.Request{}
	a.ConfigureBrowser(req)
	if req.Timeout != feishuTimeout {
		t.Errorf("timeout = %v", req.Timeout)
	}
}
