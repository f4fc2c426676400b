package outboundauth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/centianhq/aproxy/internal/token"
)

// clientCredentialsRetryDelays implements "retries with exponential backoff
// (1s, 2s; max 3 attempts total)" from the spec's auth-provider section.
var clientCredentialsRetryDelays = []time.Duration{time.Second, 2 * time.Second}

// AudienceValidator inspects a token response for an expected audience,
// returning an error if it does not match. Optional.
type AudienceValidator func(audience string) error

// ClientCredentials is the OAuth2 client-credentials auth provider.
type ClientCredentials struct {
	cfg      clientcredentials.Config
	store    *token.Store
	validate AudienceValidator
	sf       singleRefresh
	sleep    func(time.Duration)
}

// ClientCredentialsConfig mirrors the spec's {clientId, clientSecret,
// tokenEndpoint, scope?, audience?} configuration.
type ClientCredentialsConfig struct {
	ClientID      string
	ClientSecret  string
	TokenEndpoint string
	Scope         string
	Audience      string
}

// NewClientCredentials creates a provider backed by its own token store.
func NewClientCredentials(cfg ClientCredentialsConfig, validate AudienceValidator) *ClientCredentials {
	oauthCfg := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenEndpoint,
		// A fixed style keeps each attempt to one token request; auto-detect
		// would resend every failed request with the other style.
		AuthStyle: oauth2.AuthStyleInHeader,
	}
	if cfg.Scope != "" {
		oauthCfg.Scopes = []string{cfg.Scope}
	}
	if cfg.Audience != "" {
		oauthCfg.EndpointParams = map[string][]string{"audience": {cfg.Audience}}
	}

	return &ClientCredentials{
		cfg:      oauthCfg,
		store:    token.New(),
		validate: validate,
		sleep:    time.Sleep,
	}
}

func (c *ClientCredentials) GetHeaders(ctx context.Context) (map[string]string, error) {
	if !c.store.IsExpired(time.Now()) {
		rec, err := c.store.Retrieve()
		if err == nil {
			return map[string]string{"Authorization": rec.TokenType + " " + rec.AccessToken}, nil
		}
	}

	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}

	rec, err := c.store.Retrieve()
	if err != nil {
		return nil, newAuthError(ErrNetwork, err)
	}
	return map[string]string{"Authorization": rec.TokenType + " " + rec.AccessToken}, nil
}

func (c *ClientCredentials) Refresh(ctx context.Context) error {
	return c.sf.do(func() error { return c.acquireToken(ctx) })
}

func (c *ClientCredentials) acquireToken(ctx context.Context) error {
	var lastErr error

	attempts := len(clientCredentialsRetryDelays) + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.sleep(clientCredentialsRetryDelays[attempt-1])
		}

		tok, err := c.cfg.Token(ctx)
		if err == nil {
			return c.storeToken(tok)
		}

		kind := classifyOAuthError(err)
		lastErr = newAuthError(kind, err)
		if isFailFast(kind) {
			return lastErr
		}
	}

	return lastErr
}

func (c *ClientCredentials) storeToken(tok *oauth2.Token) error {
	if tok.AccessToken == "" {
		return newAuthError(ErrInvalidGrant, errors.New("token response missing access_token"))
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(3600 * time.Second)
	}

	if c.validate != nil {
		if audience, ok := tok.Extra("audience").(string); ok && audience != "" {
			if err := c.validate(audience); err != nil {
				return newAuthError(ErrAudienceMismatch, err)
			}
		}
	}

	c.store.StoreRecord(token.Record{
		AccessToken: tok.AccessToken,
		TokenType:   tokenType,
		ExpiresAt:   expiresAt,
	})
	c.store.ScheduleRefresh(time.Now(), func() { _ = c.Refresh(context.Background()) })
	return nil
}

func (c *ClientCredentials) IsValid() bool {
	return !c.store.IsExpired(time.Now())
}

// classifyOAuthError maps an oauth2 library error to an ErrorKind so the
// retry loop can fail fast on semantic OAuth errors instead of backing off.
func classifyOAuthError(err error) ErrorKind {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode != "" {
		switch retrieveErr.ErrorCode {
		case "invalid_client":
			return ErrInvalidClient
		case "invalid_grant":
			return ErrInvalidGrant
		case "invalid_scope":
			return ErrInvalidScope
		default:
			// unauthorized_client, unsupported_grant_type, invalid_request,
			// access_denied, etc.: the authorization server rejected this
			// request by name, not by a transient condition — retrying the
			// identical request cannot change the outcome.
			return ErrOAuthSemantic
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	return ErrNetwork
}
