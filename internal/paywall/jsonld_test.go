package paywall

import (
	"fmt"
	"strings"
	"testing"
)

func ldScript(json string) string {
	return `<script type="application/ld+json">` + json + `</script>`
}

func longBody(seed string, n int) string {
	return strings.Repeat(seed+" ", n/(len(seed)+1)+1)
}

func TestExtractJSONLDArticle_Basic(t *testing.T) {
	body := longBody("real article text", 300)
	html := "<html><head>" + ldScript(fmt.Sprintf(
		`{"@type":"NewsArticle","headline":"The Headline","articleBody":%q}`, body)) + "</head></html>"

	out := ExtractJSONLDArticle(html)
	if out == "" {
		t.Fatal("no article extracted")
	}
	if !strings.Contains(out, "<h1>The Headline</h1>") {
		t.Errorf("missing headline: %q", out)
	}
	if !strings.Contains(out, "real article text") {
		t.Error("missing body text")
	}
}

func TestExtractJSONLDArticle_LongestWins(t *testing.T) {
	short := longBody("short", 250)
	long := longBody("winner", 900)
	html := ldScript(fmt.Sprintf(`{"@type":"Article","headline":"A","articleBody":%q}`, short)) +
		ldScript(fmt.Sprintf(`{"@type":"BlogPosting","headline":"B","articleBody":%q}`, long))

	out := ExtractJSONLDArticle(html)
	if !strings.Contains(out, "winner") || strings.Contains(out, "short short") {
		t.Errorf("longest body did not win: %q", out[:80])
	}
	if !strings.Contains(out, "<h1>B</h1>") {
		t.Error("headline of winning block missing")
	}
}

func TestExtractJSONLDArticle_GraphAndArrays(t *testing.T) {
	body := longBody("graph article body", 400)
	graph := fmt.Sprintf(`{"@graph":[{"@type":"WebPage"},{"@type":["Thing","NewsArticle"],"headline":"G","articleBody":%q}]}`, body)
	arr := `[{"@type":"Organization","name":"x"}]`
	html := ldScript(arr) + ldScript(graph)

	out := ExtractJSONLDArticle(html)
	if !strings.Contains(out, "graph article body") {
		t.Errorf("graph traversal failed: %q", out)
	}
}

func TestExtractJSONLDArticle_Rejections(t *testing.T) {
	cases := []string{
		// below the 200-char floor
		ldScript(`{"@type":"Article","articleBody":"too short"}`),
		// wrong type
		ldScript(fmt.Sprintf(`{"@type":"Recipe","articleBody":%q}`, longBody("soup", 300))),
		// articleBody not a string
		ldScript(`{"@type":"Article","articleBody":12345}`),
		// invalid JSON
		ldScript(`{"@type":"Article",`),
		// no script at all
		"<html><body>plain</body></html>",
	}
	for i, html := range cases {
		if out := ExtractJSONLDArticle(html); out != "" {
			t.Errorf("case %d: expected empty, got %q", i, out[:min(len(out), 60)])
		}
	}
}

func TestExtractJSONLDArticle_EscapesHTML(t *testing.T) {
	body := longBody("text with <b>markup</b> & ampersands inside", 300)
	html := ldScript(fmt.Sprintf(`{"@type":"Article","headline":"<b>H</b>","articleBody":%q}`, body))
	out := ExtractJSONLDArticle(html)
	if strings.Contains(out, "<b>markup</b>") {
		t.Error("body not escaped")
	}
	if strings.Contains(out, "<b>H</b>") {
		t.Error("headline not escaped")
	}
}
