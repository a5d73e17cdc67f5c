// Package transport provides the one real, minimal implementation of the
// external collaborator contracts spec.md §6 names as out-of-scope
// (Communication, QuorumService, Doublefetcher, PatternsSource). Every
// CORE component test uses the in-memory fakes in internal/interfaces/testkit
// instead; this package exists only so cmd/wtm-reporting has something
// concrete to wire up, grounded in the reference app's plain net/http
// client pattern (internal/services/navexa/client.go) rather than its
// heavier Colly-based crawler.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/whotracksme/wtm-reporting/internal/interfaces"
)

// DefaultTimeout mirrors the reference app's navexa client default.
const DefaultTimeout = 30 * time.Second

// newClient builds the net/http.Client each adapter below wraps: no
// cookie jar, matching the doublefetch contract's "cookie-free second
// fetch" requirement (spec.md GLOSSARY "Doublefetch").
func newClient() *http.Client {
	return &http.Client{Timeout: DefaultTimeout}
}

// HTTPDoublefetcher implements interfaces.Doublefetcher over plain GET.
type HTTPDoublefetcher struct {
	client *http.Client
	logger arbor.ILogger
}

func NewHTTPDoublefetcher(logger arbor.ILogger) *HTTPDoublefetcher {
	return &HTTPDoublefetcher{client: newClient(), logger: logger}
}

func (d *HTTPDoublefetcher) Fetch(ctx context.Context, url string) (interfaces.DoublefetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return interfaces.DoublefetchResult{}, fmt.Errorf("transport: doublefetch request: %w", err)
	}
	req.Header.Set("User-Agent", "wtm-reporting/1.0 (+doublefetch)")

	resp, err := d.client.Do(req)
	if err != nil {
		return interfaces.DoublefetchResult{}, fmt.Errorf("transport: doublefetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return interfaces.DoublefetchResult{}, fmt.Errorf("transport: doublefetch read body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return interfaces.DoublefetchResult{
		URL:        url,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Headers:    headers,
	}, nil
}

// HTTPCommunication implements interfaces.Communication by POSTing each
// message to a fixed endpoint.
type HTTPCommunication struct {
	client   *http.Client
	endpoint string
}

func NewHTTPCommunication(endpoint string) *HTTPCommunication {
	return &HTTPCommunication{client: newClient(), endpoint: endpoint}
}

func (c *HTTPCommunication) Send(ctx context.Context, message json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(message))
	if err != nil {
		return fmt.Errorf("transport: send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transport: send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// HTTPQuorum implements interfaces.QuorumService against a fixed quorum
// service base URL.
type HTTPQuorum struct {
	client   *http.Client
	endpoint string
}

func NewHTTPQuorum(endpoint string) *HTTPQuorum {
	return &HTTPQuorum{client: newClient(), endpoint: endpoint}
}

func (q *HTTPQuorum) SendIncrement(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("transport: increment marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.endpoint+"/increment", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("transport: increment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: increment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transport: increment: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (q *HTTPQuorum) CheckConsent(ctx context.Context, text string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.endpoint+"/consent?text="+text, nil)
	if err != nil {
		return false, fmt.Errorf("transport: consent request: %w", err)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("transport: consent: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Consent bool `json:"consent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("transport: consent decode: %w", err)
	}
	return out.Consent, nil
}

// HTTPPatternsSource implements interfaces.PatternsSource by fetching a
// fixed PATTERNS_URL.
type HTTPPatternsSource struct {
	client      *http.Client
	patternsURL string
}

func NewHTTPPatternsSource(patternsURL string) *HTTPPatternsSource {
	return &HTTPPatternsSource{client: newClient(), patternsURL: patternsURL}
}

func (p *HTTPPatternsSource) FetchRuleset(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.patternsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: patterns request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: patterns: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("transport: patterns read body: %w", err)
	}
	return json.RawMessage(body), nil
}
