// Package pagedb implements PageDB and NewPageApprover (spec.md §4.5): the
// page aggregation store that deduplicates, cools down, and expires
// candidate pages before they reach the doublefetch pipeline.
package pagedb

import "encoding/json"

// PageAggregator tracks the observation span of a PageEntry (spec.md §3).
type PageAggregator struct {
	FirstSeenAt   int64  `json:"firstSeenAt"`
	LastSeenAt    int64  `json:"lastSeenAt"`
	LastWrittenAt *int64 `json:"lastWrittenAt"`
	Activity      float64 `json:"activity"`
}

// SearchInfo carries the public-indexability signal spec.md §4.5 calls
// "search.depth": depth 0 marks a search-engine results page, depth 1
// marks a page known to be publicly indexable (dominates on merge).
type SearchInfo struct {
	Depth int `json:"depth"`
}

// PageEntry is one tracked page (spec.md §3).
type PageEntry struct {
	URL            string          `json:"url"`
	Status         string          `json:"status"` // e.g. "complete", "loading"
	PageLoadMethod string          `json:"pageLoadMethod,omitempty"`
	Title          string          `json:"title,omitempty"`
	Search         *SearchInfo     `json:"search,omitempty"`
	Ref            string          `json:"ref,omitempty"`
	Redirects      []string        `json:"redirects,omitempty"`
	PreDoublefetch json.RawMessage `json:"preDoublefetch,omitempty"`
	Lang           string          `json:"lang,omitempty"`
	NoIndex        bool            `json:"noIndex,omitempty"`
	LastUpdatedAt  int64           `json:"lastUpdatedAt"`
	Aggregator     PageAggregator  `json:"aggregator"`
}

// persistedEntry is the on-disk shape for one PageDB key (spec.md §6:
// "PageDB key: <createdAt>:<url-with-fragment-stripped>").
type persistedEntry struct {
	CreatedAt int64     `json:"createdAt"`
	Entry     PageEntry `json:"entry"`
}

// expirationItem is one record in PageDB's createdAt-ordered expiration
// sequence (spec.md §4.5).
type expirationItem struct {
	URL       string
	CreatedAt int64
}
