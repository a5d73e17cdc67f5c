package interfaces

import (
	"context"
	"encoding/json"
	"time"
)

// Communication is the single-shot, best-effort transport contract
// (spec.md §6). It is named here as an external collaborator; the CORE
// depends only on this interface, and internal/transport holds the one
// concrete HTTP implementation (plus SystemClock) that cmd/wtm-reporting
// wires up.
type Communication interface {
	// Send fires a message at the transport. Errors are opaque and never
	// retried by the CORE itself — spec.md's "send-message" job treats
	// transport failure as a permanent job error.
	Send(ctx context.Context, message json.RawMessage) error
}

// TrustedClock supplies timestamps that are not derived from the
// untrusted local device clock, per spec.md §6.
type TrustedClock interface {
	Now() time.Time
	YYYYMMDD() string
	YYYYMMDDHH() string
}

// QuorumService is the remote population-level anonymity check (spec.md
// §6, §4.6). State is intentionally remote-only; the CORE never persists
// ballots, only the cached outcome of asking.
type QuorumService interface {
	SendIncrement(ctx context.Context, text string) error
	CheckConsent(ctx context.Context, text string) (bool, error)
}

// CountryProvider is the external country-code collaborator named in
// spec.md §1 ("the country provider").
type CountryProvider interface {
	CountryCode() string
}

// PageEventType enumerates the events spec.md §6 says the tab/page
// observer emits. The CORE only reacts to the Safe* members.
type PageEventType string

const (
	PageEventSafeNavigation PageEventType = "safe-page-navigation"
	PageEventSafeSearchLand PageEventType = "safe-search-landing"
	PageEventPageUpdated    PageEventType = "page-updated"
)

// PageEvent is the observer event shape from spec.md §6. Payload carries
// whatever open/active page data the observation layer captured; the CORE
// never inspects fields beyond what PageDB.UpdatePages needs.
type PageEvent struct {
	Type       PageEventType   `json:"type"`
	OpenPages  json.RawMessage `json:"openPages,omitempty"`
	ActivePage string          `json:"activePage,omitempty"`
}

// TabObserver is the out-of-scope webRequest/webNavigation layer; the CORE
// only consumes the channel of PageEvent it produces (spec.md §1, §6).
type TabObserver interface {
	Events() <-chan PageEvent
}

// DoublefetchResult is the outcome of a cookie-free second fetch of a
// landing URL (spec.md GLOSSARY "Doublefetch").
type DoublefetchResult struct {
	URL        string
	StatusCode int
	Body       string
	Headers    map[string]string
}

// Doublefetcher performs the safe second fetch that feeds the pattern
// DSL's input extraction (spec.md §4.8, §4.9).
type Doublefetcher interface {
	Fetch(ctx context.Context, url string) (DoublefetchResult, error)
}

// PatternsSource fetches the current ruleset document from PATTERNS_URL
// (spec.md §6). A fetch failure leaves the orchestrator's previously
// decoded snapshot in place rather than tearing it down.
type PatternsSource interface {
	FetchRuleset(ctx context.Context) (json.RawMessage, error)
}
