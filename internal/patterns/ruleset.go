package patterns

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON decodes a FieldRule's transform pipeline, which is encoded
// as a list of `[name, ...args]` tuples (spec.md §4.8).
func (f *FieldRule) UnmarshalJSON(data []byte) error {
	var raw struct {
		Path      string            `json:"path"`
		Transform [][]interface{}   `json:"transform"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Path = raw.Path
	f.Transform = nil
	for _, tuple := range raw.Transform {
		if len(tuple) == 0 {
			return fmt.Errorf("patterns: empty transform step")
		}
		name, ok := tuple[0].(string)
		if !ok {
			return fmt.Errorf("patterns: transform step name must be a string")
		}
		f.Transform = append(f.Transform, Step{Name: name, Args: tuple[1:]})
	}
	return nil
}

type rulesetMeta struct {
	MinVersion int `json:"minVersion"`
}

type rawRuleset struct {
	Meta *rulesetMeta `json:"_meta"`
}

// Decode parses a ruleset document, applying spec.md §4.8's version and
// corruption gates. It never panics: malformed JSON or structurally
// invalid rules yield StatusRejectedCorrupted rather than an error.
func Decode(raw json.RawMessage) RulesetSnapshot {
	if len(raw) == 0 {
		return RulesetSnapshot{Status: StatusNotLoadedYet}
	}

	var meta rawRuleset
	if err := json.Unmarshal(raw, &meta); err != nil {
		return RulesetSnapshot{Status: StatusRejectedCorrupted}
	}
	if meta.Meta != nil && meta.Meta.MinVersion > DSLVersion {
		return RulesetSnapshot{Status: StatusRejectedEngineOld}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return RulesetSnapshot{Status: StatusRejectedCorrupted}
	}

	rules := make(Ruleset, len(fields))
	for msgType, body := range fields {
		if msgType == "_meta" {
			continue
		}
		var rule MsgTypeRule
		if err := json.Unmarshal(body, &rule); err != nil {
			return RulesetSnapshot{Status: StatusRejectedCorrupted}
		}
		if rule.MinVersion > DSLVersion {
			return RulesetSnapshot{Status: StatusRejectedEngineOld}
		}
		rules[msgType] = rule
	}
	return RulesetSnapshot{Status: StatusOK, Ruleset: rules}
}
