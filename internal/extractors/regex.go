package extractors

import (
	"regexp"
	"strings"

	"github.com/wudi/urlmd/internal/errors"
)

// MaxMatchesPerLabel guards against pathological patterns exploding the
// result set.
const MaxMatchesPerLabel = 1000

// ExtractRegex runs each labelled pattern over the HTML. Flags mirror
// the JS convention: g (all matches, the default), i, m, s. Zero-length
// matches advance by one to avoid looping forever.
func ExtractRegex(html string, patterns map[string]string, flags string) (map[string][]string, error) {
	if len(patterns) == 0 {
		return nil, errors.New(errors.KindInvalidSchema, "regex schema has no patterns")
	}
	if flags == "" {
		flags = "g"
	}
	global := false
	var mods strings.Builder
	for _, f := range flags {
		switch f {
		case 'g':
			global = true
		case 'i', 'm', 's':
			mods.WriteRune(f)
		default:
			return nil, errors.Newf(errors.KindInvalidSchema, "unsupported regex flag %q", string(f))
		}
	}

	out := make(map[string][]string, len(patterns))
	for label, pattern := range patterns {
		if pattern == "" {
			return nil, errors.Newf(errors.KindInvalidSchema, "pattern %q is empty", label)
		}
		expr := pattern
		if mods.Len() > 0 {
			expr = "(?" + mods.String() + ")" + pattern
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, errors.Newf(errors.KindInvalidSchema, "pattern %q does not compile: %v", label, err)
		}

		matches, err := collectMatches(re, html, label, global)
		if err != nil {
			return nil, err
		}
		out[label] = matches
	}
	return out, nil
}

func collectMatches(re *regexp.Regexp, html, label string, global bool) ([]string, error) {
	matches := []string{}
	pos := 0
	for pos <= len(html) {
		loc := re.FindStringSubmatchIndex(html[pos:])
		if loc == nil {
			break
		}
		// Capture group 1 when present, else the whole match.
		start, end := loc[0], loc[1]
		if len(loc) >= 4 && loc[2] >= 0 {
			start, end = loc[2], loc[3]
		}
		matches = append(matches, html[pos+start:pos+end])
		if len(matches) > MaxMatchesPerLabel {
			return nil, errors.Newf(errors.KindInvalidRequest,
				"pattern %q exceeded %d matches", label, MaxMatchesPerLabel)
		}
		if !global {
			break
		}
		advance := loc[1]
		if advance == 0 {
			advance = 1 // zero-length match guard
		}
		pos += advance
	}
	return matches, nil
}
