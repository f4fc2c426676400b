package outboundauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func tokenServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A real token endpoint labels its JSON; without this, the sniffed
		// text/plain type makes the oauth2 library parse the body as a form.
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientCredentialsSuccess(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-xyz",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})

	provider := NewClientCredentials(ClientCredentialsConfig{
		ClientID: "client", ClientSecret: "secret", TokenEndpoint: srv.URL,
	}, nil)
	provider.sleep = func(time.Duration) {}

	headers, err := provider.GetHeaders(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if headers["Authorization"] != "Bearer tok-xyz" {
		t.Errorf("expected Bearer tok-xyz, got %q", headers["Authorization"])
	}
	if !provider.IsValid() {
		t.Error("expected provider to be valid after successful token acquisition")
	}
}

func TestClientCredentialsCachesUntilExpiry(t *testing.T) {
	var calls int32
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok", "expires_in": 3600,
		})
	})

	provider := NewClientCredentials(ClientCredentialsConfig{
		ClientID: "c", ClientSecret: "s", TokenEndpoint: srv.URL,
	}, nil)
	provider.sleep = func(time.Duration) {}

	for i := 0; i < 3; i++ {
		if _, err := provider.GetHeaders(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("expected exactly one token request for a cached non-expired token, got %d", calls)
	}
}

func TestClientCredentialsFailsFastOnInvalidClient(t *testing.T) {
	var calls int32
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
	})

	provider := NewClientCredentials(ClientCredentialsConfig{
		ClientID: "bad", ClientSecret: "bad", TokenEndpoint: srv.URL,
	}, nil)
	provider.sleep = func(time.Duration) { t.Error("should not sleep/retry on invalid_client") }

	if err := provider.Refresh(context.Background()); err == nil {
		t.Fatal("expected error for invalid_client")
	}
	if calls != 1 {
		t.Errorf("expected exactly one attempt (fail-fast), got %d", calls)
	}
}

func TestClientCredentialsFailsFastOnOtherOAuthSemanticErrors(t *testing.T) {
	for _, code := range []string{"unauthorized_client", "unsupported_grant_type", "invalid_request"} {
		t.Run(code, func(t *testing.T) {
			var calls int32
			srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
			})

			provider := NewClientCredentials(ClientCredentialsConfig{
				ClientID: "c", ClientSecret: "s", TokenEndpoint: srv.URL,
			}, nil)
			provider.sleep = func(time.Duration) { t.Errorf("should not sleep/retry on %s", code) }

			if err := provider.Refresh(context.Background()); err == nil {
				t.Fatalf("expected error for %s", code)
			}
			if calls != 1 {
				t.Errorf("expected exactly one attempt (fail-fast) for %s, got %d", code, calls)
			}
		})
	}
}

func TestClientCredentialsRetriesOnTransientFailure(t *testing.T) {
	var calls int32
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-after-retry", "expires_in": 3600,
		})
	})

	var slept []time.Duration
	provider := NewClientCredentials(ClientCredentialsConfig{
		ClientID: "c", ClientSecret: "s", TokenEndpoint: srv.URL,
	}, nil)
	provider.sleep = func(d time.Duration) { slept = append(slept, d) }

	if err := provider.Refresh(context.Background()); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts total, got %d", calls)
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Errorf("expected backoff delays [1s, 2s], got %v", slept)
	}
}

func TestClientCredentialsConcurrentRefreshJoinsInFlight(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok", "expires_in": 3600,
		})
	})

	provider := NewClientCredentials(ClientCredentialsConfig{
		ClientID: "c", ClientSecret: "s", TokenEndpoint: srv.URL,
	}, nil)
	provider.sleep = func(time.Duration) {}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = provider.Refresh(context.Background())
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d: unexpected error: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("expected exactly one token request across concurrent refreshes, got %d", calls)
	}
}

func TestClientCredentialsAudienceValidation(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok", "expires_in": 3600, "audience": "wrong-audience",
		})
	})

	validate := func(audience string) error {
		if audience != "expected-audience" {
			return errAudienceMismatchTest
		}
		return nil
	}

	provider := NewClientCredentials(ClientCredentialsConfig{
		ClientID: "c", ClientSecret: "s", TokenEndpoint: srv.URL,
	}, validate)
	provider.sleep = func(time.Duration) {}

	if err := provider.Refresh(context.Background()); err == nil {
		t.Fatal("expected audience mismatch to fail validation")
	}
}

var errAudienceMismatchTest = &AuthenticationError{Kind: ErrAudienceMismatch}
