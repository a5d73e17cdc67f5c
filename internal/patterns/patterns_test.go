package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTransformNullShortCircuit covers spec.md §8's "transform
// null-short-circuit" invariant.
func TestTransformNullShortCircuit(t *testing.T) {
	runner := NewTransformRunner()
	rule := FieldRule{
		Path: "q",
		Transform: []Step{
			{Name: "queryParam", Args: []interface{}{"missing"}},
			{Name: "trim"},
		},
	}
	doc := map[string]interface{}{"q": "https://example.com/?present=1"}
	v, err := runner.RunField(rule, doc)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestTransformUnsupportedNameAbortsRule(t *testing.T) {
	runner := NewTransformRunner()
	rule := FieldRule{Path: "q", Transform: []Step{{Name: "doesNotExist"}}}
	_, err := runner.RunField(rule, map[string]interface{}{"q": "x"})
	require.Error(t, err)
	var target *UnsupportedTransformationError
	assert.ErrorAs(t, err, &target)
}

func TestTransformQueryParamPipeline(t *testing.T) {
	runner := NewTransformRunner()
	rule := FieldRule{
		Path:      "url",
		Transform: []Step{{Name: "queryParam", Args: []interface{}{"q"}}, {Name: "trim"}},
	}
	doc := map[string]interface{}{"url": "https://example.com/search?q=%20go%20concurrency%20 "}
	v, err := runner.RunField(rule, doc)
	require.NoError(t, err)
	assert.Equal(t, "go concurrency", v)
}

func TestTransformJSONRejectsProtoPath(t *testing.T) {
	runner := NewTransformRunner()
	rule := FieldRule{Path: "body", Transform: []Step{{Name: "json", Args: []interface{}{"__proto__.polluted"}}}}
	doc := map[string]interface{}{"body": `{"__proto__":{"polluted":"yes"}}`}
	_, err := runner.RunField(rule, doc)
	require.Error(t, err)
}

func TestTransformJSONExtractsScalar(t *testing.T) {
	runner := NewTransformRunner()
	rule := FieldRule{Path: "body", Transform: []Step{{Name: "json", Args: []interface{}{"result.title"}}}}
	doc := map[string]interface{}{"body": `{"result":{"title":"Hello"}}`}
	v, err := runner.RunField(rule, doc)
	require.NoError(t, err)
	assert.Equal(t, "Hello", v)
}

func TestTransformCSSTextExtractsFirstMatch(t *testing.T) {
	runner := NewTransformRunner()
	rule := FieldRule{Path: "html", Transform: []Step{{Name: "cssText", Args: []interface{}{"h1.title"}}}}
	doc := map[string]interface{}{"html": `<html><body><h1 class="title">  Page Heading  </h1></body></html>`}
	v, err := runner.RunField(rule, doc)
	require.NoError(t, err)
	assert.Equal(t, "Page Heading", v)
}

func TestTransformCSSTextReturnsNilWhenNoMatch(t *testing.T) {
	runner := NewTransformRunner()
	rule := FieldRule{Path: "html", Transform: []Step{{Name: "cssText", Args: []interface{}{".missing"}}}}
	doc := map[string]interface{}{"html": `<html><body><p>nothing here</p></body></html>`}
	v, err := runner.RunField(rule, doc)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestDecodeRejectsEngineTooOld(t *testing.T) {
	snap := Decode([]byte(`{"_meta":{"minVersion":999},"pageVisit":{}}`))
	assert.Equal(t, StatusRejectedEngineOld, snap.Status)
}

func TestDecodeRejectsCorrupted(t *testing.T) {
	snap := Decode([]byte(`not json`))
	assert.Equal(t, StatusRejectedCorrupted, snap.Status)
}

func TestDecodeOK(t *testing.T) {
	snap := Decode([]byte(`{"pageVisit":{"input":{},"output":{}}}`))
	require.Equal(t, StatusOK, snap.Status)
	assert.Contains(t, snap.Ruleset, "pageVisit")
}

func TestCreateDoublefetchRequestTranslatesFollowRedirects(t *testing.T) {
	snap := Decode([]byte(`{"pageVisit":{"doublefetch":{"followRedirects":true,"headers":{"X":"1"},"unknownKey":"dropped"}}}`))
	require.Equal(t, StatusOK, snap.Status)
	req := CreateDoublefetchRequest(snap, "pageVisit", "https://example.com/a")
	require.NotNil(t, req)
	assert.Equal(t, "follow", req.Redirect)
	assert.Equal(t, "1", req.Headers["X"])
}

func TestCreateDoublefetchRequestUnknownMsgType(t *testing.T) {
	snap := Decode([]byte(`{"pageVisit":{"doublefetch":{}}}`))
	assert.Nil(t, CreateDoublefetchRequest(snap, "somethingElse", "https://example.com/"))
}

// TestCreateDoublefetchRequestForwardCompat covers spec.md §8's "Pattern
// DSL forward compat" invariant.
func TestCreateDoublefetchRequestForwardCompat(t *testing.T) {
	snap := Decode([]byte(`{"_meta":{"minVersion":999},"pageVisit":{"doublefetch":{}}}`))
	assert.Nil(t, CreateDoublefetchRequest(snap, "pageVisit", "https://example.com/"))
}
