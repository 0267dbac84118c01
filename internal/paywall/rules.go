// Package paywall holds the domain rule table and the fallback ladder
// (JSON-LD, AMP, Wayback, archive.today) used when a fetch comes back
// truncated or blocked.
package paywall

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/wudi/urlmd/internal/safeurl"
)

// GooglebotUA is the crawler identity some paywalls let through.
const GooglebotUA = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"

// googlebotXFF is a published Googlebot source address.
const googlebotXFF = "66.249.66.1"

// Rule describes how to approach a paywalled publisher.
type Rule struct {
	Domains       []string `json:"domains"`
	Googlebot     bool     `json:"googlebot"`
	Referer       string   `json:"referer,omitempty"`
	JSONLD        bool     `json:"jsonLd"`
	XForwardedFor bool     `json:"xForwardedFor"`
}

// ruleIndex maps registerable domain → rule.
type ruleIndex map[string]*Rule

var activeRules atomic.Pointer[ruleIndex]

func init() {
	idx := buildIndex(defaultRules())
	activeRules.Store(&idx)
}

// defaultRules is the built-in publisher table.
func defaultRules() []*Rule {
	return []*Rule{
		{Domains: []string{"nytimes.com"}, Googlebot: true, Referer: "https://www.google.com/", JSONLD: true, XForwardedFor: true},
		{Domains: []string{"wsj.com", "barrons.com", "marketwatch.com"}, Googlebot: true, Referer: "https://www.google.com/", JSONLD: true, XForwardedFor: true},
		{Domains: []string{"washingtonpost.com"}, Googlebot: true, JSONLD: true, XForwardedFor: true},
		{Domains: []string{"bloomberg.com"}, Googlebot: true, Referer: "https://www.google.com/", JSONLD: true, XForwardedFor: true},
		{Domains: []string{"economist.com"}, Googlebot: true, JSONLD: true, XForwardedFor: false},
		{Domains: []string{"ft.com"}, Googlebot: true, Referer: "https://www.facebook.com/", JSONLD: true, XForwardedFor: true},
		{Domains: []string{"theatlantic.com"}, Googlebot: true, JSONLD: true, XForwardedFor: false},
		{Domains: []string{"newyorker.com"}, Googlebot: true, Referer: "https://www.google.com/", JSONLD: true, XForwardedFor: false},
		{Domains: []string{"wired.com"}, Googlebot: true, JSONLD: true, XForwardedFor: false},
		{Domains: []string{"medium.com"}, Googlebot: false, Referer: "https://t.co/", JSONLD: false, XForwardedFor: false},
		{Domains: []string{"businessinsider.com"}, Googlebot: true, JSONLD: true, XForwardedFor: true},
		{Domains: []string{"latimes.com"}, Googlebot: true, JSONLD: true, XForwardedFor: false},
		{Domains: []string{"telegraph.co.uk"}, Googlebot: true, JSONLD: true, XForwardedFor: true},
		{Domains: []string{"thetimes.co.uk"}, Googlebot: true, JSONLD: true, XForwardedFor: true},
		{Domains: []string{"smh.com.au", "theage.com.au", "afr.com"}, Googlebot: true, JSONLD: true, XForwardedFor: false},
		{Domains: []string{"lemonde.fr"}, Googlebot: true, JSONLD: true, XForwardedFor: false},
		{Domains: []string{"caixin.com"}, Googlebot: true, JSONLD: false, XForwardedFor: false},
	}
}

func buildIndex(rules []*Rule) ruleIndex {
	idx := make(ruleIndex)
	for _, r := range rules {
		for _, d := range r.Domains {
			idx[strings.ToLower(strings.TrimSpace(d))] = r
		}
	}
	return idx
}

// GetRule returns the rule for a host (matched on registerable domain,
// so subdomains inherit), or nil.
func GetRule(host string) *Rule {
	idx := *activeRules.Load()
	domain := safeurl.RegisterableDomain(host)
	if r, ok := idx[domain]; ok {
		return r
	}
	return nil
}

// LoadRulesJSON validates and atomically installs a replacement rule
// table. Readers observe either the old or the new table in whole.
func LoadRulesJSON(data []byte) error {
	var rules []*Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("paywall: invalid rules JSON: %w", err)
	}
	if len(rules) == 0 {
		return fmt.Errorf("paywall: empty rule list")
	}
	for i, r := range rules {
		if len(r.Domains) == 0 {
			return fmt.Errorf("paywall: rule %d has no domains", i)
		}
		for _, d := range r.Domains {
			d = strings.TrimSpace(d)
			if d == "" || strings.ContainsAny(d, " /:") || !strings.Contains(d, ".") {
				return fmt.Errorf("paywall: rule %d has invalid domain %q", i, d)
			}
		}
	}
	idx := buildIndex(rules)
	activeRules.Store(&idx)
	return nil
}

// ResetRules restores the built-in table. Test hook.
func ResetRules() {
	idx := buildIndex(defaultRules())
	activeRules.Store(&idx)
}

// ApplyHeaders mutates headers per the rule for the URL's host. Nil-safe
// for hosts without a rule.
func ApplyHeaders(host string, headers map[string]string) {
	r := GetRule(host)
	if r == nil {
		return
	}
	if r.Googlebot {
		headers["User-Agent"] = GooglebotUA
	}
	if r.Referer != "" {
		headers["Referer"] = r.Referer
	}
	if r.XForwardedFor {
		headers["X-Forwarded-For"] = googlebotXFF
	}
}
