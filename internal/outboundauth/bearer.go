package outboundauth

import "context"

// Bearer is the static-token auth provider: getHeaders always returns the
// same Authorization header, refresh is a no-op, and it is valid whenever
// the token is non-empty.
type Bearer struct {
	token string
}

// NewBearer creates a Bearer provider for an already-resolved token value.
func NewBearer(token string) *Bearer {
	return &Bearer{token: token}
}

func (b *Bearer) GetHeaders(_ context.Context) (map[string]string, error) {
	return map[string]string{"Authorization": "Bearer " + b.token}, nil
}

func (b *Bearer) Refresh(_ context.Context) error { return nil }

func (b *Bearer) IsValid() bool { return b.token != "" }
