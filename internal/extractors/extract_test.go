package extractors

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/wudi/urlmd/internal/errors"
)

const fixture = `
<html><body>
<div class="sidebar">Noise</div>
<ul id="items">
  <li class="item"><a href="/a">First</a><span class="tag">x</span><span class="tag">y</span></li>
  <li class="item"><a href="/b">Second</a></li>
</ul>
</body></html>`

func TestExtract_CSS(t *testing.T) {
	schema := json.RawMessage(`{
		"baseSelector": "li.item",
		"fields": [
			{"name": "title", "selector": "a", "type": "text"},
			{"name": "href", "selector": "a", "type": "attribute", "attribute": "href"},
			{"name": "tags", "selector": ".tag", "type": "text", "multiple": true}
		]
	}`)
	got, err := Extract(StrategyCSS, fixture, schema, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	rows := got.([]map[string]any)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["title"] != "First" || rows[0]["href"] != "/a" {
		t.Errorf("row0 = %+v", rows[0])
	}
	if tags := rows[0]["tags"].([]string); len(tags) != 2 || tags[0] != "x" {
		t.Errorf("tags = %v", tags)
	}
	if tags := rows[1]["tags"].([]string); len(tags) != 0 {
		t.Errorf("row1 tags = %v, want empty", tags)
	}
}

func TestExtract_SelectorRootScoping(t *testing.T) {
	schema := json.RawMessage(`{"fields":[{"name":"all","type":"text"}]}`)
	got, err := Extract(StrategyCSS, fixture, schema, "#items")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	rows := got.([]map[string]any)
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	text := rows[0]["all"].(string)
	if strings.Contains(text, "Noise") {
		t.Error("root scoping leaked sidebar content")
	}
	if !strings.Contains(text, "First") {
		t.Error("scoped content missing")
	}
}

func TestExtract_MissingRootFallsBackToBody(t *testing.T) {
	schema := json.RawMessage(`{"baseSelector":"li.item","fields":[{"name":"t","type":"text"}]}`)
	got, err := Extract(StrategyCSS, fixture, schema, "#does-not-exist")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rows := got.([]map[string]any); len(rows) != 2 {
		t.Errorf("rows = %d, want 2 (body fallback)", len(rows))
	}
}

func TestExtract_InputCap(t *testing.T) {
	big := strings.Repeat("a", MaxInputSize+1)
	_, err := Extract(StrategyCSS, big, json.RawMessage(`{"fields":[{"name":"x","type":"text"}]}`), "")
	ce, ok := errors.AsConvertError(err)
	if !ok || ce.Kind != errors.KindInvalidRequest {
		t.Errorf("err = %v, want InvalidRequest", err)
	}
}

func TestExtract_BadSchema(t *testing.T) {
	cases := []json.RawMessage{
		json.RawMessage(`{"fields":[]}`),
		json.RawMessage(`{"fields":[{"name":"x","selector":"[[[","type":"text"}]}`),
		json.RawMessage(`not json`),
	}
	for i, schema := range cases {
		if _, err := Extract(StrategyCSS, fixture, schema, ""); err == nil {
			t.Errorf("case %d: expected schema error", i)
		}
	}
}

func TestExtract_XPath(t *testing.T) {
	schema := json.RawMessage(`{
		"baseXPath": "//li[contains(@class,'item')]",
		"fields": [{"name": "link", "xpath": "//a", "type": "text"}]
	}`)
	got, err := Extract(StrategyXPath, fixture, schema, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	rows := got.([]map[string]any)
	if len(rows) != 2 || rows[1]["link"] != "Second" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestExtract_Regex(t *testing.T) {
	html := `<a href="/one">1</a> <a href="/two">2</a>`
	schema := json.RawMessage(`{"patterns":{"hrefs":"href=\"([^\"]+)\""}}`)
	got, err := Extract(StrategyRegex, html, schema, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	m := got.(map[string][]string)
	if len(m["hrefs"]) != 2 || m["hrefs"][0] != "/one" {
		t.Errorf("hrefs = %v", m["hrefs"])
	}
}

func TestExtract_RegexLegacySchema(t *testing.T) {
	schema := json.RawMessage(`{"nums":"[0-9]+"}`)
	got, err := Extract(StrategyRegex, "a1 b22 c333", schema, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	m := got.(map[string][]string)
	if len(m["nums"]) != 3 {
		t.Errorf("nums = %v", m["nums"])
	}
}
