// Package patterns implements Patterns and TransformRunner (spec.md §4.8):
// the versioned, stateless redaction pipeline that turns a doublefetched
// page into a final outgoing message.
package patterns

import "encoding/json"

// DSLVersion is the compiled engine version checked against a ruleset's
// _meta.minVersion (spec.md §4.8).
const DSLVersion = 1

// RulesetStatus is the sentinel state a ruleset may be in instead of a
// usable map, per spec.md §3.
type RulesetStatus string

const (
	StatusOK                  RulesetStatus = "OK"
	StatusNotLoadedYet        RulesetStatus = "NOT_LOADED_YET"
	StatusRejectedEngineOld   RulesetStatus = "REJECTED_ENGINE_TOO_OLD"
	StatusRejectedCorrupted   RulesetStatus = "REJECTED_CORRUPTED"
)

// Step is a single transform invocation: [name, ...args].
type Step struct {
	Name string
	Args []interface{}
}

// FieldRule extracts one field from the input and folds it through a
// pipeline of Steps (spec.md §4.8 "acc-threaded pipeline").
type FieldRule struct {
	Path      string `json:"path"`
	Transform []Step `json:"-"`
}

// DoublefetchConfig is the forwardable subset of a msgType's doublefetch
// section (spec.md §4.8 createDoublefetchRequest). Any JSON key beyond
// these five is silently dropped by virtue of not being a struct field —
// including `__proto__`-style injections.
type DoublefetchConfig struct {
	Headers         map[string]string  `json:"headers,omitempty"`
	Steps           json.RawMessage    `json:"steps,omitempty"`
	EmptyHTML       json.RawMessage    `json:"emptyHtml,omitempty"`
	OnError         *DoublefetchConfig `json:"onError,omitempty"`
	FollowRedirects *bool              `json:"followRedirects,omitempty"`
}

// MsgTypeRule is one entry of a Ruleset: input/output field rules plus an
// optional doublefetch config and minVersion gate.
type MsgTypeRule struct {
	Input       map[string]FieldRule `json:"input"`
	Output      map[string]FieldRule `json:"output"`
	Doublefetch *DoublefetchConfig   `json:"doublefetch,omitempty"`
	MinVersion  int                  `json:"minVersion,omitempty"`
}

// Ruleset is the decoded mapping msgType -> MsgTypeRule (spec.md §3).
type Ruleset map[string]MsgTypeRule

// RulesetSnapshot combines a Status with the Ruleset it guards; callers
// receive a snapshot that is never mutated in place (spec.md §3).
type RulesetSnapshot struct {
	Status  RulesetStatus
	Ruleset Ruleset
}

// DoublefetchRequest is the value createDoublefetchRequest returns.
type DoublefetchRequest struct {
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	Steps           json.RawMessage   `json:"steps,omitempty"`
	EmptyHTML       json.RawMessage   `json:"emptyHtml,omitempty"`
	OnError         *DoublefetchRequest `json:"onError,omitempty"`
	Redirect        string            `json:"redirect,omitempty"`
}
