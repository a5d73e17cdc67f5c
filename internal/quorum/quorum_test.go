package quorum

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whotracksme/wtm-reporting/internal/interfaces/testkit"
	"github.com/whotracksme/wtm-reporting/internal/session"
)

type clientConfig struct {
	Browser  string `json:"browser"`
	Version  string `json:"version"`
	OS       string `json:"os"`
	Language string `json:"language"`
	Ctry     string `json:"ctry"`
}

// TestOneShotPerFingerprint covers spec.md §8 scenario 6.
func TestOneShotPerFingerprint(t *testing.T) {
	ctx := context.Background()
	store := testkit.NewSessionStore()
	wrapper := session.NewWrapper("wtm-quorum", 1, store, nil)
	defer wrapper.Close()
	require.NoError(t, wrapper.Load(ctx))

	fake := testkit.NewQuorum()
	fake.ConsentResult = true
	checker := NewChecker(fake, wrapper, nil)

	cfg := clientConfig{Browser: "Firefox", Version: "122", OS: "Linux", Language: "en-US", Ctry: "de"}

	ok, err := checker.CheckQuorum(ctx, cfg, "H1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = checker.CheckQuorum(ctx, cfg, "H2")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1, fake.IncrementCalls["H1"])
	assert.Equal(t, 0, fake.IncrementCalls["H2"])
	assert.Equal(t, 1, fake.ConsentCalls["H1"])
	assert.Equal(t, 0, fake.ConsentCalls["H2"])

	cfg.Ctry = "us"
	ok, err = checker.CheckQuorum(ctx, cfg, "H3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, fake.IncrementCalls["H3"], "a different fingerprint must trigger a new round")
	assert.Equal(t, 1, fake.ConsentCalls["H3"])
}
