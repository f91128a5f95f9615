package auth

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultMagicLinkTTL is the recommended lifetime of an unverified
// magic-link token (spec.md §4.7).
const DefaultMagicLinkTTL = 15 * time.Minute

type pendingLink struct {
	email   string
	expires time.Time
}

// MagicLinkIssuer hands out and verifies single-use login tokens. It holds
// no durable state; a restart invalidates every outstanding link, which is
// acceptable since a link is only a few minutes old at most.
type MagicLinkIssuer struct {
	mu      sync.Mutex
	pending map[string]pendingLink
	ttl     time.Duration

	// mockEmailPath, if set, receives a JSON copy of every issued link so
	// tests can read it without a real mail transport (MOCK_EMAIL=true).
	mockEmailPath string

	baseURL string
}

// NewMagicLinkIssuer constructs an issuer. A zero ttl selects
// DefaultMagicLinkTTL. mockEmailPath may be empty to disable the test-mode
// file drop.
func NewMagicLinkIssuer(ttl time.Duration, baseURL, mockEmailPath string) *MagicLinkIssuer {
	if ttl == 0 {
		ttl = DefaultMagicLinkTTL
	}
	return &MagicLinkIssuer{
		pending:       make(map[string]pendingLink),
		ttl:           ttl,
		mockEmailPath: mockEmailPath,
		baseURL:       baseURL,
	}
}

type mockEmailPayload struct {
	Email string `json:"email"`
	Token string `json:"token"`
	Link  string `json:"link"`
}

// Issue generates a single-use token bound to email and arranges delivery.
// Delivery is an external collaborator in production; in test/dev mode
// (mockEmailPath set) the link is written to that file instead.
func (m *MagicLinkIssuer) Issue(email string) error {
	token := ulid.Make().String()

	m.mu.Lock()
	m.purgeExpired()
	m.pending[token] = pendingLink{email: email, expires: time.Now().Add(m.ttl)}
	m.mu.Unlock()

	link := m.baseURL + "/auth/verify?token=" + token

	if m.mockEmailPath != "" {
		if err := m.writeMockEmail(email, token, link); err != nil {
			return err
		}
	}

	slog.Info("magic link issued", "email", email)
	return nil
}

func (m *MagicLinkIssuer) writeMockEmail(email, token, link string) error {
	payload := mockEmailPayload{Email: email, Token: token, Link: link}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.mockEmailPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.mockEmailPath, encoded, 0o644)
}

// Verify consumes token and returns the bound email. A token may be
// verified exactly once; a second call (or a call after expiry) fails.
func (m *MagicLinkIssuer) Verify(token string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeExpired()

	link, ok := m.pending[token]
	if !ok {
		return "", false
	}
	delete(m.pending, token)
	if time.Now().After(link.expires) {
		return "", false
	}
	return link.email, true
}

// purgeExpired drops stale entries. Called with mu held, on every lookup,
// so an idle issuer never accumulates unbounded garbage (spec.md §5
// "Login magic-link tokens ... are auto-purged lazily at lookup").
func (m *MagicLinkIssuer) purgeExpired() {
	now := time.Now()
	for tok, link := range m.pending {
		if now.After(link.expires) {
			delete(m.pending, tok)
		}
	}
}
