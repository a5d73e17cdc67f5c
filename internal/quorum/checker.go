// Package quorum implements QuorumChecker (spec.md §4.6): the
// population-level anonymity gate that releases a record only after the
// remote quorum service confirms enough independent clients share the same
// fingerprint.
package quorum

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ternarybob/arbor"
	"github.com/whotracksme/wtm-reporting/internal/common"
	"github.com/whotracksme/wtm-reporting/internal/interfaces"
	"github.com/whotracksme/wtm-reporting/internal/session"
)

// Checker is QuorumChecker (spec.md §4.6). It guarantees at-most-one
// sendQuorumIncrement/checkQuorumConsent round-trip per configuration
// fingerprint by caching the boolean outcome in a SessionStorageWrapper,
// keyed by the deterministic, sorted-key stringification of the config
// object (spec.md GLOSSARY "Fingerprint").
type Checker struct {
	service interfaces.QuorumService
	session *session.Wrapper
	logger  arbor.ILogger
}

// NewChecker constructs a Checker over an already-Load()ed session wrapper.
func NewChecker(service interfaces.QuorumService, sessionWrapper *session.Wrapper, logger arbor.ILogger) *Checker {
	return &Checker{service: service, session: sessionWrapper, logger: logger}
}

func cacheKey(fingerprint string) string {
	return "quorum::" + fingerprint
}

// CheckQuorum reports whether config's fingerprint has cleared quorum.
// text is the increment/consent payload forwarded to the remote service the
// first time this fingerprint is seen; on every subsequent call for the
// same fingerprint, the cached outcome is returned unconditionally — even
// if text differs — so a static config cannot slowly cross the quorum
// threshold via repeated self-votes (spec.md §4.6).
func (c *Checker) CheckQuorum(ctx context.Context, config interface{}, text string) (bool, error) {
	fingerprint, err := common.Fingerprint(config)
	if err != nil {
		return false, fmt.Errorf("quorum: fingerprint: %w", err)
	}
	key := cacheKey(fingerprint)
	if cached, ok := c.session.Get(key); ok {
		consent, perr := strconv.ParseBool(cached)
		if perr == nil {
			return consent, nil
		}
		if c.logger != nil {
			c.logger.Warn().Str("fingerprint", fingerprint).Msg("quorum: discarding corrupted cached outcome")
		}
	}

	if err := c.service.SendIncrement(ctx, text); err != nil {
		return false, fmt.Errorf("quorum: send increment: %w", err)
	}
	consent, err := c.service.CheckConsent(ctx, text)
	if err != nil {
		return false, fmt.Errorf("quorum: check consent: %w", err)
	}
	c.session.Set(key, strconv.FormatBool(consent))
	return consent, nil
}
