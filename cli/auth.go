package cli

import (
	"fmt"
	"net/http"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenService issues and validates the single shared-secret JWTs this
// front door uses to authenticate watcher processes and operators,
// adapted from the teacher's security.JWTService: no per-user issuer/
// audience validation, since there is no multi-tenant auth model here
// (out of scope per the teacher's own "security" package going further
// than this service needs).
type TokenService struct {
	secret []byte
}

// NewTokenService wraps secret, the shared signing key configured via
// config.AuthConfig.JWTSecret.
func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// IssueToken signs a token for subject, valid for expiry.
func (s *TokenService) IssueToken(subject string, expiry time.Duration) (string, error) {
	now := time.Now()
	token, err := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(expiry)).
		Build()
	if err != nil {
		return "", fmt.Errorf("build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}

// Middleware returns the echo-jwt middleware that protects every
// authenticated route below, matching the teacher's
// echojwt.WithConfig(...) usage in api/jwt.go.
func (s *TokenService) Middleware() echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:  s.secret,
		TokenLookup: "header:Authorization:Bearer ",
	})
}

// tokenRequest is POST /auth/token's body.
type tokenRequest struct {
	Subject string `json:"subject" validate:"required"`
}

// tokenResponse is POST /auth/token's body.
type tokenResponse struct {
	Token string `json:"token"`
}

// issueToken handles POST /auth/token.
func (s *Server) issueToken(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if req.Subject == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "subject is required"})
	}

	token, err := s.tokens.IssueToken(req.Subject, s.tokenExpiry)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to issue token"})
	}
	return c.JSON(http.StatusOK, tokenResponse{Token: token})
}
