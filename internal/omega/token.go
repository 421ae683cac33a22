package omega

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// OperatorToken is a short-lived, HMAC-signed credential scoping a caller
// to one substrate's op.omega.* surface, distinct from the session JWT
// (SPEC_FULL.md glossary: "operator token"). Grounded on the teacher's
// internal/security/token_broker.go JIT token issuance, adapted from a
// trust-score gate to an admin+feature-flag gate: admin_substrate
// registration stands in for token_broker's MinTrustScore check.
type OperatorToken struct {
	TokenID      string
	SubstrateID  string
	IssuedBy     string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	secretHash   []byte // bcrypt hash of the token's bearer secret
}

// TokenBroker issues and verifies OperatorTokens, deriving each token_id
// from an HMAC of the substrate id, issuer and issue time the way
// token_broker.go signs its TokenClaims, and bcrypt-hashing the random
// bearer secret before it is ever stored (A9) — only the hash lives in
// memory past issuance.
type TokenBroker struct {
	secret []byte
	ttl    time.Duration

	mu     sync.RWMutex
	active map[string]*OperatorToken
}

// NewTokenBroker builds a broker. ttl<=0 defaults to 5 minutes, mirroring
// token_broker.go's DefaultTTL fallback.
func NewTokenBroker(hmacSecret string, ttl time.Duration) *TokenBroker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenBroker{secret: []byte(hmacSecret), ttl: ttl, active: make(map[string]*OperatorToken)}
}

// Issue mints a token for substrateID, returning the bearer string
// ("token_id.secret") the caller presents on subsequent op.omega.* calls.
// The bearer is returned once; its secret half is never stored in plaintext.
func (b *TokenBroker) Issue(substrateID, issuedBy string) (bearer string, err error) {
	raw := make([]byte, 24)
	if _, err = rand.Read(raw); err != nil {
		return "", fmt.Errorf("omega: generating token secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("omega: hashing token secret: %w", err)
	}

	now := time.Now().UTC()
	tokenID := hex.EncodeToString(b.sign([]byte(substrateID + issuedBy + now.String())))[:16]
	tok := &OperatorToken{
		TokenID: tokenID, SubstrateID: substrateID, IssuedBy: issuedBy,
		IssuedAt: now, ExpiresAt: now.Add(b.ttl), secretHash: hash,
	}

	b.mu.Lock()
	b.active[tokenID] = tok
	b.mu.Unlock()

	return tokenID + "." + secret, nil
}

// Verify checks a bearer string against the active token table,
// rejecting expired or revoked tokens and mismatched secrets.
func (b *TokenBroker) Verify(bearer string) (*OperatorToken, error) {
	tokenID, secret, ok := splitBearer(bearer)
	if !ok {
		return nil, fmt.Errorf("omega: malformed operator token")
	}

	b.mu.RLock()
	tok, exists := b.active[tokenID]
	b.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("omega: unknown operator token")
	}
	if time.Now().After(tok.ExpiresAt) {
		return nil, fmt.Errorf("omega: operator token expired")
	}
	if err := bcrypt.CompareHashAndPassword(tok.secretHash, []byte(secret)); err != nil {
		return nil, fmt.Errorf("omega: operator token secret mismatch")
	}
	return tok, nil
}

// Revoke invalidates a token immediately, e.g. on UnregisterSubstrate.
func (b *TokenBroker) Revoke(tokenID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, tokenID)
}

func (b *TokenBroker) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, b.secret)
	mac.Write(data)
	return mac.Sum(nil)
}

func splitBearer(bearer string) (tokenID, secret string, ok bool) {
	for i := 0; i < len(bearer); i++ {
		if bearer[i] == '.' {
			return bearer[:i], bearer[i+1:], true
		}
	}
	return "", "", false
}
