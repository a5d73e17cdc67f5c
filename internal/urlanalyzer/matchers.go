// Package urlanalyzer implements UrlAnalyzer (spec.md §4.9): a
// priority-ordered search-engine recognizer that turns a safe navigation
// URL into a doublefetch request for the pattern DSL.
package urlanalyzer

import "regexp"

// Matcher is one entry of the priority-ordered classification table
// (spec.md §4.9). Category names mirror spec.md's
// `search-gos|goi|gov|go|ya|bii|bi|am|dd|gh|ghi|ghv|br|bri|brn|brv|ec`
// enumeration.
type Matcher struct {
	Category         string
	Pattern          *regexp.Regexp
	DoublefetchPath  string
	DoublefetchHost  string
	QueryParam       string // empty means the spec's default: searchParams.get("q")
}

func mustMatcher(category, pattern, path, host, queryParam string) Matcher {
	return Matcher{
		Category:        category,
		Pattern:         regexp.MustCompile(pattern),
		DoublefetchPath: path,
		DoublefetchHost: host,
		QueryParam:      queryParam,
	}
}

// DefaultMatchers is the priority-ordered table, most specific first, per
// spec.md §4.9. Google's shopping/images/video variants are declared
// ahead of the bare web-search fallback so a shopping URL is never
// misclassified as "search-go".
var DefaultMatchers = []Matcher{
	mustMatcher("search-gos", `^https?://(?:www\.)?google\.[a-z.]+/search\?.*tbm=shop`, "search", "www.google.com", ""),
	mustMatcher("search-goi", `^https?://(?:www\.)?google\.[a-z.]+/search\?.*tbm=isch`, "search", "www.google.com", ""),
	mustMatcher("search-gov", `^https?://(?:www\.)?google\.[a-z.]+/search\?.*tbm=vid`, "search", "www.google.com", ""),
	mustMatcher("search-go", `^https?://(?:www\.)?google\.[a-z.]+/search(?:\?|$)`, "search", "www.google.com", ""),
	mustMatcher("search-ya", `^https?://(?:www\.)?search\.yahoo\.[a-z.]+/search(?:\?|$)`, "search", "search.yahoo.com", ""),
	mustMatcher("search-bii", `^https?://(?:www\.)?bing\.com/images/search`, "images/search", "www.bing.com", ""),
	mustMatcher("search-bi", `^https?://(?:www\.)?bing\.com/search(?:\?|$)`, "search", "www.bing.com", ""),
	mustMatcher("search-am", `^https?://(?:www\.)?amazon\.[a-z.]+/s(?:\?|$)`, "s", "www.amazon.com", ""),
	mustMatcher("search-dd", `^https?://(?:www\.)?duckduckgo\.com/(?:html/)?(?:\?|$)`, "", "duckduckgo.com", "q"),
	mustMatcher("search-ghv", `^https?://(?:www\.)?github\.com/search\?.*type=videos`, "search", "github.com", "q"),
	mustMatcher("search-ghi", `^https?://(?:www\.)?github\.com/search\?.*type=issues`, "search", "github.com", "q"),
	mustMatcher("search-gh", `^https?://(?:www\.)?github\.com/search(?:\?|$)`, "search", "github.com", "q"),
	mustMatcher("search-bri", `^https?://(?:www\.)?brave\.com/search/images`, "search/images", "search.brave.com", ""),
	mustMatcher("search-brn", `^https?://(?:www\.)?brave\.com/search/news`, "search/news", "search.brave.com", ""),
	mustMatcher("search-brv", `^https?://(?:www\.)?brave\.com/search/videos`, "search/videos", "search.brave.com", ""),
	mustMatcher("search-br", `^https?://search\.brave\.com/search(?:\?|$)`, "search", "search.brave.com", ""),
	mustMatcher("search-ec", `^https?://(?:www\.)?ecosia\.org/search(?:\?|$)`, "search", "www.ecosia.org", ""),
}
