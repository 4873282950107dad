package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

var (
	// ErrInvalidSessionConfig indicates a validator built without a secret, issuer or cookie name.
	ErrInvalidSessionConfig = errors.New("session validator: incomplete configuration")
	ErrMissingSessionToken  = errors.New("session validator: token required")
	ErrInvalidSessionToken  = errors.New("session validator: invalid token")
	ErrExpiredSessionToken  = errors.New("session validator: token expired")
)

// SessionClaims is the subset of the main application's agent session the read API relies on.
type SessionClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator authenticates read API requests carrying an HS256 agent session.
type SessionValidator struct {
	signingSecret []byte
	cookieName    string
	parser        *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	cookieName := strings.TrimSpace(cfg.CookieName)
	switch {
	case len(cfg.SigningSecret) == 0:
		return nil, fmt.Errorf("%w: signing secret", ErrInvalidSessionConfig)
	case issuer == "":
		return nil, fmt.Errorf("%w: issuer", ErrInvalidSessionConfig)
	case cookieName == "":
		return nil, fmt.Errorf("%w: cookie name", ErrInvalidSessionConfig)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieName:    cookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clock),
		),
	}, nil
}

// ValidateRequest reads the session from the bearer header, or from the session cookie when no bearer
// token is present.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	token := v.tokenFromRequest(r)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.signingSecret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrExpiredSessionToken
	case err != nil:
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	case strings.TrimSpace(claims.UserID) == "":
		return SessionClaims{}, fmt.Errorf("%w: user_id claim missing", ErrInvalidSessionToken)
	}
	return claims, nil
}

func (v *SessionValidator) tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}
