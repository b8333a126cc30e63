package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/stark-io/stark/pkg/apierror"
)

// Principal is the authenticated identity attached to a request.
type Principal struct {
	ID    string `json:"id"`
	Admin bool   `json:"admin"`
}

// Authenticator validates bearer tokens. The production implementation
// delegates to the external auth collaborator; tests and single-node
// deployments use the static one.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// StaticAuthenticator maps fixed tokens to principals.
type StaticAuthenticator struct {
	tokens map[string]Principal
}

func NewStaticAuthenticator(tokens map[string]Principal) *StaticAuthenticator {
	return &StaticAuthenticator{tokens: tokens}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if p, ok := a.tokens[token]; ok {
		principal := p
		return &principal, nil
	}
	return nil, apierror.NewAuth("unknown token")
}

// HTTPAuthenticator verifies tokens against the auth collaborator.
type HTTPAuthenticator struct {
	verifyURL string
	client    *http.Client
}

func NewHTTPAuthenticator(verifyURL string) *HTTPAuthenticator {
	return &HTTPAuthenticator{
		verifyURL: verifyURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *HTTPAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, apierror.NewInternal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.verifyURL, bytes.NewReader(body))
	if err != nil {
		return nil, apierror.NewInternal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, apierror.NewBackendUnavailable(errors.Wrap(err, "auth collaborator unreachable"))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		principal := &Principal{}
		if err := json.NewDecoder(resp.Body).Decode(principal); err != nil {
			return nil, apierror.NewBackendUnavailable(errors.Wrap(err, "malformed auth response"))
		}
		return principal, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apierror.NewAuth("token rejected")
	default:
		return nil, apierror.NewBackendUnavailable(errors.Errorf("auth collaborator returned %d", resp.StatusCode))
	}
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey{}).(*Principal); ok {
		return p
	}
	return nil
}

// authMiddleware rejects requests without a valid bearer token and stores
// the principal on the context for handlers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		token := bearerToken(req)
		if token == "" {
			writeErr(resp, apierror.NewAuth("missing bearer token"))
			return
		}
		principal, err := s.auth.Authenticate(req.Context(), token)
		if err != nil {
			writeErr(resp, err)
			return
		}
		next.ServeHTTP(resp, req.WithContext(withPrincipal(req.Context(), principal)))
	})
}

func bearerToken(req *http.Request) string {
	auth := req.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
