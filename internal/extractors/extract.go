// Package extractors implements structured extraction over fetched
// HTML: CSS selectors, a restricted XPath subset translated to CSS, and
// bounded regex matching.
package extractors

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/wudi/urlmd/internal/errors"
)

// MaxInputSize caps the HTML handed to any strategy.
const MaxInputSize = 2 << 20 // 2 MB

// Strategy names.
const (
	StrategyCSS   = "css"
	StrategyXPath = "xpath"
	StrategyRegex = "regex"
)

// Field describes one extracted value within a base element.
type Field struct {
	Name      string `json:"name"`
	Selector  string `json:"selector,omitempty"`
	XPath     string `json:"xpath,omitempty"`
	Type      string `json:"type"` // text | html | attribute
	Attribute string `json:"attribute,omitempty"`
	Multiple  bool   `json:"multiple,omitempty"`
}

// Schema is the structured-extraction schema shared by css and xpath.
type Schema struct {
	BaseSelector string  `json:"baseSelector,omitempty"`
	BaseXPath    string  `json:"baseXPath,omitempty"`
	Fields       []Field `json:"fields"`
}

// Extract dispatches on strategy. schema is the raw JSON schema; the
// regex strategy accepts either {"patterns":{...},"flags":...} or the
// legacy flat {label: pattern} map.
func Extract(strategy, html string, schema json.RawMessage, selectorRoot string) (any, error) {
	if len(html) > MaxInputSize {
		return nil, errors.Newf(errors.KindInvalidRequest, "HTML input exceeds %d bytes", MaxInputSize)
	}
	switch strategy {
	case StrategyCSS, StrategyXPath:
		var s Schema
		if err := json.Unmarshal(schema, &s); err != nil {
			return nil, errors.Wrap(err, errors.KindInvalidSchema, "invalid extraction schema")
		}
		return extractStructured(strategy, html, &s, selectorRoot)
	case StrategyRegex:
		patterns, flags, err := parseRegexSchema(schema)
		if err != nil {
			return nil, err
		}
		return ExtractRegex(html, patterns, flags)
	default:
		return nil, errors.Newf(errors.KindInvalidRequest, "unknown strategy %q", strategy)
	}
}

// extractStructured runs the css/xpath schema over the document.
func extractStructured(strategy, html string, schema *Schema, selectorRoot string) ([]map[string]any, error) {
	if len(schema.Fields) == 0 {
		return nil, errors.New(errors.KindInvalidSchema, "schema has no fields")
	}

	base := schema.BaseSelector
	if strategy == StrategyXPath {
		var err error
		if base, err = TranslateXPath(schema.BaseXPath); err != nil {
			return nil, err
		}
	}

	fieldSelectors := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		sel := f.Selector
		if strategy == StrategyXPath {
			var err error
			if sel, err = TranslateXPath(f.XPath); err != nil {
				return nil, err
			}
		}
		if sel != "" {
			if _, err := cascadia.Parse(sel); err != nil {
				return nil, errors.Newf(errors.KindInvalidSchema, "field %q: bad selector %q", f.Name, sel)
			}
		}
		fieldSelectors[i] = sel
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidRequest, "unparsable HTML")
	}

	// Missing root falls back to the document body.
	root := doc.Selection
	if selectorRoot != "" {
		if scoped := doc.Find(selectorRoot); scoped.Length() > 0 {
			root = scoped.First()
		} else {
			root = doc.Find("body")
		}
	}

	baseSel := root
	if base != "" {
		baseSel = root.Find(base)
	}

	var out []map[string]any
	baseSel.Each(func(_ int, el *goquery.Selection) {
		row := make(map[string]any, len(schema.Fields))
		for i, f := range schema.Fields {
			row[f.Name] = extractField(el, f, fieldSelectors[i])
		}
		out = append(out, row)
	})
	if out == nil {
		out = []map[string]any{}
	}
	return out, nil
}

func extractField(el *goquery.Selection, f Field, selector string) any {
	target := el
	if selector != "" {
		target = el.Find(selector)
	}
	if f.Multiple {
		var vals []string
		target.Each(func(_ int, s *goquery.Selection) {
			vals = append(vals, fieldValue(s, f))
		})
		if vals == nil {
			vals = []string{}
		}
		return vals
	}
	if target.Length() == 0 {
		return ""
	}
	return fieldValue(target.First(), f)
}

func fieldValue(s *goquery.Selection, f Field) string {
	switch f.Type {
	case "html":
		h, _ := s.Html()
		return strings.TrimSpace(h)
	case "attribute":
		return s.AttrOr(f.Attribute, "")
	default: // text
		return strings.TrimSpace(s.Text())
	}
}

// parseRegexSchema accepts the structured form and the legacy flat map.
func parseRegexSchema(raw json.RawMessage) (map[string]string, string, error) {
	var structured struct {
		Patterns map[string]string `json:"patterns"`
		Flags    string            `json:"flags"`
	}
	if err := json.Unmarshal(raw, &structured); err == nil && len(structured.Patterns) > 0 {
		return structured.Patterns, structured.Flags, nil
	}
	var legacy map[string]string
	if err := json.Unmarshal(raw, &legacy); err == nil {
		delete(legacy, "flags")
		if len(legacy) > 0 {
			return legacy, "", nil
		}
	}
	return nil, "", errors.New(errors.KindInvalidSchema, "regex schema has no patterns")
}
