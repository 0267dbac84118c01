package adapters

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/wudi/urlmd/internal/browser"
)

// feishuAdapter handles Feishu/Lark documents. The editor virtualizes
// long documents, keeping only the visible blocks in the DOM, so
// extraction scrolls through the page harvesting each block as it
// renders. Inline images are drawn on canvases with no fetchable URL
// and are captured as data URLs.
type feishuAdapter struct{}

const feishuTimeout = 55 * time.Second

func (feishuAdapter) Name() string        { return "feishu" }
func (feishuAdapter) AlwaysBrowser() bool { return true }

func (feishuAdapter) Match(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	return strings.HasSuffix(host, ".feishu.cn") || host == "feishu.cn" ||
		strings.HasSuffix(host, ".larksuite.com") || host == "larksuite.com"
}

func (feishuAdapter) ConfigureBrowser(req *browser.Request) {
	req.Timeout = feishuTimeout
	req.WaitSelector = ".render-unit-wrapper, [data-block-id]"
}

// feishuHarvestJS scrolls one viewport, records every currently
// rendered block by id into a persistent map, and reports progress.
// Canvas images are serialized to data URLs keyed by block.
const feishuHarvestJS = `(function() {
	var w = window;
	if (!w.__harvest) { w.__harvest = { blocks: {}, images: {}, order: [] }; }
	var h = w.__harvest;
	var units = document.querySelectorAll('[data-block-id], .render-unit-wrapper > *');
	for (var i = 0; i < units.length; i++) {
		var el = units[i];
		var id = el.getAttribute('data-block-id') || ('pos-' + el.offsetTop);
		if (!(id in h.blocks)) {
			h.blocks[id] = el.outerHTML;
			h.order.push(id);
		}
		var canvases = el.querySelectorAll('canvas');
		for (var j = 0; j < canvases.length; j++) {
			try { h.images[id + '-' + j] = canvases[j].toDataURL('image/png'); } catch (e) {}
		}
	}
	var scroller = document.querySelector('.bear-web-x-container, .docx-scroll-container') || document.scrollingElement;
	var before = scroller.scrollTop;
	scroller.scrollTop = before + scroller.clientHeight;
	return {
		collected: h.order.length,
		atEnd: scroller.scrollTop === before || scroller.scrollTop + scroller.clientHeight >= scroller.scrollHeight
	};
})()`

// feishuAssembleJS stitches harvested blocks back into document order.
const feishuAssembleJS = `(function() {
	var h = window.__harvest || { blocks: {}, images: {}, order: [] };
	var html = '';
	for (var i = 0; i < h.order.length; i++) { html += h.blocks[h.order[i]]; }
	var title = document.querySelector('.page-block-children .heading-h1, h1');
	return {
		html: '<article>' + (title ? '<h1>' + title.textContent + '</h1>' : '') + html + '</article>',
		images: h.images
	};
})()`

func (feishuAdapter) ExtractPage(ctx context.Context, p browser.Page, st *State) (string, error) {
	type progress struct {
		Collected int  `json:"collected"`
		AtEnd     bool `json:"atEnd"`
	}

	stable := 0
	last := -1
	for i := 0; i < 120; i++ {
		var prog progress
		if err := p.Evaluate(ctx, feishuHarvestJS, &prog); err != nil {
			return "", err
		}
		if prog.Collected == last {
			stable++
		} else {
			stable = 0
			last = prog.Collected
		}
		if prog.AtEnd && stable >= 2 {
			break
		}
		if err := p.Sleep(ctx, 400*time.Millisecond); err != nil {
			return "", err
		}
	}

	var doc struct {
		HTML   string            `json:"html"`
		Images map[string]string `json:"images"`
	}
	if err := p.Evaluate(ctx, feishuAssembleJS, &doc); err != nil {
		return "", err
	}
	for key, dataURL := range doc.Images {
		st.Images = append(st.Images, CapturedImage{SourceURL: key, DataURL: dataURL})
	}
	return doc.HTML, nil
}
