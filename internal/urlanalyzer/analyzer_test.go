package urlanalyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whotracksme/wtm-reporting/internal/patterns"
)

func snapshotWithDoublefetch(t *testing.T, msgType string) func() patterns.RulesetSnapshot {
	t.Helper()
	snap := patterns.Decode([]byte(`{"` + msgType + `":{"doublefetch":{}}}`))
	require.Equal(t, patterns.StatusOK, snap.Status)
	return func() patterns.RulesetSnapshot { return snap }
}

// TestGoogleSearchDoublefetch covers spec.md §8 scenario 5.
func TestGoogleSearchDoublefetch(t *testing.T) {
	analyzer := NewAnalyzer(nil, snapshotWithDoublefetch(t, "search-go"))
	res := analyzer.Analyze("https://www.google.com/search?q=a%2Bb&oq=something")

	require.True(t, res.IsSupported)
	assert.Equal(t, "search-go", res.Category)
	assert.Equal(t, "a+b", res.Query)
	require.NotNil(t, res.DoublefetchRequest)
	assert.Equal(t, "https://www.google.com/search?q=a%2Bb", res.DoublefetchRequest.URL)
}

func TestAnalyzeUnsupportedURL(t *testing.T) {
	analyzer := NewAnalyzer(nil, snapshotWithDoublefetch(t, "search-go"))
	res := analyzer.Analyze("https://example.com/articles/go-concurrency")
	assert.False(t, res.IsSupported)
	assert.Empty(t, res.Category)
}

func TestAnalyzeMissingQueryParam(t *testing.T) {
	analyzer := NewAnalyzer(nil, snapshotWithDoublefetch(t, "search-go"))
	res := analyzer.Analyze("https://www.google.com/search?oq=something")
	assert.False(t, res.IsSupported)
	assert.Equal(t, "search-go", res.Category)
}

func TestAnalyzeNoDoublefetchConfigConfigured(t *testing.T) {
	noConfig := func() patterns.RulesetSnapshot {
		return patterns.Decode([]byte(`{}`))
	}
	analyzer := NewAnalyzer(nil, noConfig)
	res := analyzer.Analyze("https://www.google.com/search?q=go")
	assert.False(t, res.IsSupported)
	assert.Equal(t, "search-go", res.Category)
	assert.Equal(t, "go", res.Query)
}

func TestAnalyzeDuckDuckGo(t *testing.T) {
	analyzer := NewAnalyzer(nil, snapshotWithDoublefetch(t, "search-dd"))
	res := analyzer.Analyze("https://duckduckgo.com/?q=go+concurrency")
	require.True(t, res.IsSupported)
	assert.Equal(t, "go concurrency", res.Query)
}
