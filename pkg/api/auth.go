package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/forgecad/pulse/pkg/services"
)

// ErrBadCredential is returned by verifiers for unknown or expired tokens.
var ErrBadCredential = errors.New("invalid credential")

// CredentialVerifier resolves a bearer token to an authenticated subject.
// Called once per session.
type CredentialVerifier interface {
	Verify(ctx context.Context, token string) (services.Subject, error)
}

// StaticVerifier maps provisioned tokens to subjects. Deployments behind an
// identity proxy plug in their own implementation instead.
type StaticVerifier map[string]services.Subject

// Verify implements CredentialVerifier.
func (v StaticVerifier) Verify(_ context.Context, token string) (services.Subject, error) {
	subject, ok := v[token]
	if !ok {
		return services.Subject{}, ErrBadCredential
	}
	return subject, nil
}

// extractToken pulls the credential from the Authorization header (Bearer
// scheme) or the token query parameter. The query form exists because browser
// EventSource and WebSocket clients cannot set request headers.
func extractToken(c *echo.Context) string {
	if auth := c.Request().Header.Get("Authorization"); auth != "" {
		if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return t
		}
	}
	return c.QueryParam("token")
}

// authenticate resolves the request credential to a subject, or fails the
// request with 401.
func (s *Server) authenticate(c *echo.Context) (services.Subject, error) {
	token := extractToken(c)
	if token == "" {
		return services.Subject{}, echo.NewHTTPError(http.StatusUnauthorized, "credential required")
	}
	subject, err := s.verifier.Verify(c.Request().Context(), token)
	if err != nil {
		return services.Subject{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid credential")
	}
	return subject, nil
}
