package patterns

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/whotracksme/wtm-reporting/internal/sanitizer"
)

// UnsupportedTransformationError is thrown (in the Go sense: returned as
// an error that aborts the whole rule) when a pipeline step names a
// transform the runner does not recognise (spec.md §4.8).
type UnsupportedTransformationError struct {
	Name string
}

func (e *UnsupportedTransformationError) Error() string {
	return fmt.Sprintf("patterns: unsupported transformation %q", e.Name)
}

// TransformFunc applies one named step to the accumulator. Returning a nil
// value with a nil error short-circuits the remaining pipeline (spec.md
// §8 "transform null-short-circuit"); returning an error aborts the whole
// rule so no message is sent for it.
type TransformFunc func(acc interface{}, args []interface{}) (interface{}, error)

var builtinTransforms = map[string]TransformFunc{
	"queryParam":            transformQueryParam,
	"removeParams":          transformRemoveParams,
	"requireURL":            transformRequireURL,
	"filterExact":           transformFilterExact,
	"maskU":                 transformMaskU(sanitizer.Options{}),
	"strictMaskU":           transformMaskU(sanitizer.Options{Strict: true}),
	"relaxedMaskU":          transformMaskU(sanitizer.Options{TryPreservePath: true}),
	"split":                 transformSplit,
	"trySplit":              transformTrySplit,
	"decodeURIComponent":    transformDecodeURIComponent,
	"tryDecodeURIComponent": transformTryDecodeURIComponent,
	"json":                  transformJSON,
	"trim":                  transformTrim,
	"cssText":               transformCSSText,
}

func asString(acc interface{}) (string, bool) {
	s, ok := acc.(string)
	return s, ok
}

func argString(args []interface{}, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func transformQueryParam(acc interface{}, args []interface{}) (interface{}, error) {
	raw, ok := asString(acc)
	name, nameOK := argString(args, 0)
	if !ok || !nameOK {
		return nil, fmt.Errorf("patterns: queryParam requires a string acc and a string name")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("patterns: queryParam: %w", err)
	}
	v := parsed.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	return v, nil
}

func transformRemoveParams(acc interface{}, args []interface{}) (interface{}, error) {
	raw, ok := asString(acc)
	if !ok {
		return nil, fmt.Errorf("patterns: removeParams requires a string acc")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("patterns: removeParams: %w", err)
	}
	q := parsed.Query()
	for _, a := range args {
		if name, ok := a.(string); ok {
			q.Del(name)
		}
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func transformRequireURL(acc interface{}, _ []interface{}) (interface{}, error) {
	raw, ok := asString(acc)
	if !ok {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, nil
	}
	return raw, nil
}

func transformFilterExact(acc interface{}, args []interface{}) (interface{}, error) {
	for _, a := range args {
		if a == acc {
			return acc, nil
		}
	}
	return nil, nil
}

func transformMaskU(opts sanitizer.Options) TransformFunc {
	return func(acc interface{}, _ []interface{}) (interface{}, error) {
		raw, ok := asString(acc)
		if !ok {
			return nil, fmt.Errorf("patterns: maskU requires a string acc")
		}
		res := sanitizer.SanitizeURL(raw, opts)
		if res.Result == sanitizer.VerdictDropped {
			return nil, nil
		}
		return res.SafeURL, nil
	}
}

func transformSplit(acc interface{}, args []interface{}) (interface{}, error) {
	raw, ok := asString(acc)
	sep, sepOK := argString(args, 0)
	if !ok || !sepOK {
		return nil, fmt.Errorf("patterns: split requires a string acc and separator")
	}
	return strings.Split(raw, sep), nil
}

func transformTrySplit(acc interface{}, args []interface{}) (interface{}, error) {
	v, err := transformSplit(acc, args)
	if err != nil {
		return nil, nil
	}
	return v, nil
}

func transformDecodeURIComponent(acc interface{}, _ []interface{}) (interface{}, error) {
	raw, ok := asString(acc)
	if !ok {
		return nil, fmt.Errorf("patterns: decodeURIComponent requires a string acc")
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return nil, fmt.Errorf("patterns: decodeURIComponent: %w", err)
	}
	return decoded, nil
}

func transformTryDecodeURIComponent(acc interface{}, args []interface{}) (interface{}, error) {
	v, err := transformDecodeURIComponent(acc, args)
	if err != nil {
		return nil, nil
	}
	return v, nil
}

var protoLikeKeys = map[string]bool{"__proto__": true, "constructor": true, "prototype": true}

// transformJSON implements `json(text, dotted-path, extractObjects=false)`
// (spec.md §4.8): parses text as JSON and walks the dotted path, refusing
// to step through `__proto__`/`constructor`/`prototype` segments and, by
// default, only surfacing scalar leaves.
func transformJSON(acc interface{}, args []interface{}) (interface{}, error) {
	raw, ok := asString(acc)
	path, pathOK := argString(args, 0)
	if !ok || !pathOK {
		return nil, fmt.Errorf("patterns: json requires a string acc and a dotted path")
	}
	extractObjects := false
	if len(args) > 1 {
		if b, ok := args[1].(bool); ok {
			extractObjects = b
		}
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("patterns: json: %w", err)
	}

	cur := doc
	for _, segment := range strings.Split(path, ".") {
		if protoLikeKeys[segment] {
			return nil, fmt.Errorf("patterns: json: refusing to traverse %q", segment)
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, nil
		}
		v, present := m[segment]
		if !present {
			return nil, nil
		}
		cur = v
	}

	switch cur.(type) {
	case string, float64, bool, nil:
		return cur, nil
	default:
		if extractObjects {
			return cur, nil
		}
		return nil, nil
	}
}

func transformTrim(acc interface{}, _ []interface{}) (interface{}, error) {
	raw, ok := asString(acc)
	if !ok {
		return nil, fmt.Errorf("patterns: trim requires a string acc")
	}
	return strings.TrimSpace(raw), nil
}

// transformCSSText implements the expansion's cssText(html, selector)
// (SPEC_FULL.md §4.8): parses html with goquery and returns the trimmed
// text of the first matching node, or nil if nothing matches or the HTML
// fails to parse. It never errors, matching the null-short-circuit
// contract every other transform follows.
func transformCSSText(acc interface{}, args []interface{}) (interface{}, error) {
	html, ok := asString(acc)
	selector, selOK := argString(args, 0)
	if !ok || !selOK {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, nil
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil, nil
	}
	return strings.TrimSpace(sel.Text()), nil
}
