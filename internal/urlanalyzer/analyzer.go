package urlanalyzer

import (
	"net/url"
	"strings"

	"github.com/whotracksme/wtm-reporting/internal/patterns"
)

// Result is the outcome of Analyze (spec.md §4.9).
type Result struct {
	IsSupported       bool
	Category          string
	Query             string
	DoublefetchRequest *patterns.DoublefetchRequest
}

// Analyzer classifies navigation URLs against a priority-ordered matcher
// table and, on a match, builds the doublefetch request the pattern DSL
// needs (spec.md §4.9).
type Analyzer struct {
	matchers []Matcher
	snapshot func() patterns.RulesetSnapshot
}

// NewAnalyzer builds an Analyzer. snapshot is called on every Analyze to
// fetch the current ruleset, matching Patterns' "callers receive a
// snapshot" contract (spec.md §3) rather than caching a stale one.
func NewAnalyzer(matchers []Matcher, snapshot func() patterns.RulesetSnapshot) *Analyzer {
	if matchers == nil {
		matchers = DefaultMatchers
	}
	return &Analyzer{matchers: matchers, snapshot: snapshot}
}

// Analyze implements spec.md §4.9's five-step recognition algorithm.
func (a *Analyzer) Analyze(rawURL string) Result {
	normalized := strings.ReplaceAll(rawURL, "+", "%20")

	var matched *Matcher
	for i := range a.matchers {
		if a.matchers[i].Pattern.MatchString(normalized) {
			matched = &a.matchers[i]
			break
		}
	}
	if matched == nil {
		return Result{IsSupported: false}
	}

	parsed, err := url.Parse(normalized)
	if err != nil {
		return Result{IsSupported: false}
	}

	paramName := matched.QueryParam
	if paramName == "" {
		paramName = "q"
	}
	query := parsed.Query().Get(paramName)
	if query == "" {
		return Result{IsSupported: false, Category: matched.Category}
	}

	encodedQuery := strings.ReplaceAll(jsEncodeURIComponent(query), "%20", "+")
	host := matched.DoublefetchHost
	if host == "" {
		host = parsed.Host
	}
	doublefetchURL := "https://" + host + "/" + matched.DoublefetchPath + "?" + paramName + "=" + encodedQuery

	snapshot := patterns.RulesetSnapshot{Status: patterns.StatusNotLoadedYet}
	if a.snapshot != nil {
		snapshot = a.snapshot()
	}
	req := patterns.CreateDoublefetchRequest(snapshot, matched.Category, doublefetchURL)
	if req == nil {
		return Result{IsSupported: false, Category: matched.Category, Query: query}
	}
	return Result{IsSupported: true, Category: matched.Category, Query: query, DoublefetchRequest: req}
}

// jsEncodeURIComponent mirrors JavaScript's encodeURIComponent: unreserved
// characters pass through, everything else (including space, which
// becomes %20, not '+') is percent-encoded.
func jsEncodeURIComponent(s string) string {
	const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.!~*'()"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(unreserved, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		const hex = "0123456789ABCDEF"
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}
