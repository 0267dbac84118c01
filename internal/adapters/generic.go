package adapters

import "net/url"

// genericAdapter is the terminal fallback. It matches every URL and
// carries no capabilities; the orchestrator's default static/browser
// logic applies.
type genericAdapter struct{}

func (genericAdapter) Name() string        { return "generic" }
func (genericAdapter) Match(*url.URL) bool { return true }
func (genericAdapter) AlwaysBrowser() bool { return false }
