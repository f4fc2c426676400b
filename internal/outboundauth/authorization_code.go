package outboundauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/centianhq/aproxy/internal/token"
)

// authorizationTimeout is "a timeout (10 minutes) rejects refresh() with
// Authorization timeout".
const authorizationTimeout = 10 * time.Minute

// AuthorizationCodePKCEConfig mirrors the spec's authorization-code
// configuration: client-credentials fields plus the two endpoints.
type AuthorizationCodePKCEConfig struct {
	ClientID              string
	ClientSecret          string
	TokenEndpoint         string
	AuthorizationEndpoint string
	RedirectURI           string
	Scope                 string
}

// AuthorizationCodePKCE implements the OAuth2 authorization-code + PKCE
// outbound auth provider. Unlike Bearer/ClientCredentials, refresh() does
// not complete synchronously: it publishes an authorization URL for an
// operator to visit out-of-band, and the flow only completes once
// CompleteOAuthFlow is called with the resulting state and code.
type AuthorizationCodePKCE struct {
	cfg   oauth2.Config
	store *token.Store

	state   *stateTable
	sf      singleRefresh
	urlSink func(string)

	pendingMu sync.Mutex
	// pending is non-nil while a refresh() call is waiting on an external
	// CompleteOAuthFlow.
	pending chan completion
}

type completion struct {
	err error
}

// NewAuthorizationCodePKCE creates a provider. authorizationURLSink receives
// the URL to present to the operator out-of-band each time refresh() starts
// a new attempt.
func NewAuthorizationCodePKCE(cfg AuthorizationCodePKCEConfig, authorizationURLSink func(string)) *AuthorizationCodePKCE {
	oauthCfg := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizationEndpoint,
			TokenURL: cfg.TokenEndpoint,
		},
	}
	if cfg.Scope != "" {
		oauthCfg.Scopes = []string{cfg.Scope}
	}

	return &AuthorizationCodePKCE{
		cfg:     oauthCfg,
		store:   token.New(),
		state:   newStateTable(),
		urlSink: authorizationURLSink,
	}
}

func (a *AuthorizationCodePKCE) GetHeaders(ctx context.Context) (map[string]string, error) {
	if !a.store.IsExpired(time.Now()) {
		rec, err := a.store.Retrieve()
		if err == nil {
			return map[string]string{"Authorization": rec.TokenType + " " + rec.AccessToken}, nil
		}
	}

	if err := a.Refresh(ctx); err != nil {
		return nil, err
	}

	rec, err := a.store.Retrieve()
	if err != nil {
		return nil, newAuthError(ErrNetwork, err)
	}
	return map[string]string{"Authorization": rec.TokenType + " " + rec.AccessToken}, nil
}

// Refresh starts (or joins) an authorization attempt and blocks until
// CompleteOAuthFlow resolves it or authorizationTimeout elapses.
func (a *AuthorizationCodePKCE) Refresh(ctx context.Context) error {
	return a.sf.do(func() error { return a.beginAndAwait(ctx) })
}

func (a *AuthorizationCodePKCE) beginAndAwait(ctx context.Context) error {
	verifier, err := newPKCEVerifier(64)
	if err != nil {
		return newAuthError(ErrNetwork, err)
	}
	challenge := pkceChallenge(verifier)

	state, err := a.state.insert(verifier)
	if err != nil {
		return newAuthError(ErrNetwork, err)
	}

	authURL := a.cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	done := make(chan completion, 1)
	a.pendingMu.Lock()
	a.pending = done
	a.pendingMu.Unlock()
	if a.urlSink != nil {
		a.urlSink(authURL)
	}

	select {
	case result := <-done:
		return result.err
	case <-time.After(authorizationTimeout):
		return newAuthError(ErrTimeout, fmt.Errorf("Authorization timeout"))
	case <-ctx.Done():
		return newAuthError(ErrTimeout, ctx.Err())
	}
}

// CompleteOAuthFlow resolves the in-flight refresh() attempt matching state
// by exchanging code for a token. It looks up and deletes the state entry,
// rejecting on absent/expired state.
func (a *AuthorizationCodePKCE) CompleteOAuthFlow(ctx context.Context, state, code string) error {
	verifier, err := a.state.consume(state)
	if err != nil {
		result := newAuthError(ErrInvalidGrant, err)
		a.resolvePending(result)
		return result
	}

	tok, err := a.cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		kind := classifyOAuthError(err)
		result := newAuthError(kind, err)
		a.resolvePending(result)
		return result
	}

	if tok.AccessToken == "" {
		result := newAuthError(ErrInvalidGrant, errors.New("token response missing access_token"))
		a.resolvePending(result)
		return result
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(3600 * time.Second)
	}

	a.store.StoreRecord(token.Record{
		AccessToken:  tok.AccessToken,
		TokenType:    tokenType,
		ExpiresAt:    expiresAt,
		RefreshToken: tok.RefreshToken,
	})

	a.resolvePending(nil)
	return nil
}

func (a *AuthorizationCodePKCE) resolvePending(err error) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	if a.pending == nil {
		return
	}
	a.pending <- completion{err: err}
	a.pending = nil
}

func (a *AuthorizationCodePKCE) IsValid() bool {
	return !a.store.IsExpired(time.Now())
}
