package extractors

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/wudi/urlmd/internal/errors"
)

// TranslateXPath converts a restricted XPath subset to a CSS selector.
// Supported grammar: `/` (child), `//` (descendant), tag or `*`, `[n]`
// positional, `[@attr='v']`, `[contains(@attr,'v')]`, and a trailing
// `text()` step (ignored — text extraction is the field type's job).
// Anything else fails with an UnsupportedXPath error.
func TranslateXPath(xpath string) (string, error) {
	if xpath == "" {
		return "", nil
	}
	if !strings.HasPrefix(xpath, "/") {
		return "", unsupported(xpath, "must start with / or //")
	}

	var css strings.Builder
	rest := xpath
	first := true
	for rest != "" {
		descendant := false
		switch {
		case strings.HasPrefix(rest, "//"):
			descendant = true
			rest = rest[2:]
		case strings.HasPrefix(rest, "/"):
			rest = rest[1:]
		default:
			return "", unsupported(xpath, "expected / between steps")
		}
		if rest == "" {
			return "", unsupported(xpath, "trailing slash")
		}

		split := stepEnd(rest)
		step := rest[:split]
		rest = rest[split:]

		cssStep, err := translateStep(step, xpath)
		if err != nil {
			return "", err
		}
		if cssStep == "" { // text() step
			continue
		}
		if !first {
			if descendant {
				css.WriteString(" ")
			} else {
				css.WriteString(" > ")
			}
		}
		css.WriteString(cssStep)
		first = false
	}
	if css.Len() == 0 {
		return "", unsupported(xpath, "no element steps")
	}
	return css.String(), nil
}

// stepEnd returns the index of the '/' that terminates the current
// step, skipping slashes inside [...] predicates.
func stepEnd(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case '/':
			if depth == 0 {
				return i
			}
		}
	}
	return len(s)
}

var (
	xpathTagRe      = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9-]*|\*)`)
	positionalRe    = regexp.MustCompile(`^\[(\d+)\]$`)
	attrEqualRe     = regexp.MustCompile(`^\[@([A-Za-z][A-Za-z0-9_-]*)='([^']*)'\]$`)
	attrContainsRe  = regexp.MustCompile(`^\[contains\(@([A-Za-z][A-Za-z0-9_-]*),\s*'([^']*)'\)\]$`)
	predicateSplitRe = regexp.MustCompile(`\[[^\]]*\]`)
)

// translateStep converts a single step like div[2] or a[@href='x'].
func translateStep(step, whole string) (string, error) {
	if step == "text()" {
		return "", nil
	}
	m := xpathTagRe.FindString(step)
	if m == "" {
		return "", unsupported(whole, fmt.Sprintf("bad step %q", step))
	}
	css := m
	rest := step[len(m):]

	preds := predicateSplitRe.FindAllString(rest, -1)
	if strings.Join(preds, "") != rest {
		return "", unsupported(whole, fmt.Sprintf("bad predicate in step %q", step))
	}
	for _, p := range preds {
		switch {
		case positionalRe.MatchString(p):
			n := positionalRe.FindStringSubmatch(p)[1]
			css += ":nth-of-type(" + n + ")"
		case attrEqualRe.MatchString(p):
			mm := attrEqualRe.FindStringSubmatch(p)
			css += fmt.Sprintf(`[%s="%s"]`, mm[1], mm[2])
		case attrContainsRe.MatchString(p):
			mm := attrContainsRe.FindStringSubmatch(p)
			css += fmt.Sprintf(`[%s*="%s"]`, mm[1], mm[2])
		default:
			return "", unsupported(whole, fmt.Sprintf("unsupported predicate %q", p))
		}
	}
	return css, nil
}

func unsupported(xpath, why string) error {
	return errors.Newf(errors.KindInvalidSchema, "unsupported XPath %q: %s", xpath, why)
}
