package outboundauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// stateTTL is "any state older than 10 minutes ... is rejected".
const stateTTL = 10 * time.Minute

// authorizationAttempt is one in-flight authorization-code + PKCE attempt.
type authorizationAttempt struct {
	codeVerifier string
	createdAt    time.Time
}

// stateTable tracks single-use state nonces for in-flight OAuth authorization
// attempts, keyed by the state value handed to the authorization server.
type stateTable struct {
	mu    sync.Mutex
	byKey map[string]authorizationAttempt
	now   func() time.Time
}

func newStateTable() *stateTable {
	return &stateTable{byKey: make(map[string]authorizationAttempt), now: time.Now}
}

// insert generates a fresh state nonce, records it alongside the PKCE
// verifier for this attempt, and returns the nonce.
func (t *stateTable) insert(codeVerifier string) (string, error) {
	state, err := randomURLSafe(32)
	if err != nil {
		return "", fmt.Errorf("outbound auth: generate state nonce: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey[state] = authorizationAttempt{codeVerifier: codeVerifier, createdAt: t.now()}
	return state, nil
}

// consume looks up and deletes a state entry (single-use), rejecting it if
// absent or older than stateTTL.
func (t *stateTable) consume(state string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	attempt, ok := t.byKey[state]
	if !ok {
		return "", fmt.Errorf("Invalid or expired OAuth state")
	}
	delete(t.byKey, state)

	if t.now().Sub(attempt.createdAt) > stateTTL {
		return "", fmt.Errorf("Invalid or expired OAuth state")
	}
	return attempt.codeVerifier, nil
}

func randomURLSafe(numBytes int) (string, error) {
	buf := make([]byte, numBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// newPKCEVerifier generates a code verifier of the given length (43-128
// URL-safe chars, per RFC 7636).
func newPKCEVerifier(length int) (string, error) {
	// base64 raw-url encoding yields 4/3 characters per byte; oversample then trim.
	raw := make([]byte, (length*3)/4+3)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	if len(encoded) > length {
		encoded = encoded[:length]
	}
	return encoded, nil
}

// pkceChallenge computes challenge = base64url(sha256(verifier)) for method S256.
func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
