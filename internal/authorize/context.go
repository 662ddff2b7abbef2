package authorize

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidJWT covers every token failure: bad signature, expiry, wrong
// algorithm, or a claim validator mismatch.
var ErrInvalidJWT = errors.New("invalid_jwt")

// Context is the immutable per-session authorization bundle. It is passed
// by value to every probe so a session's identity can never drift between
// probes.
type Context struct {
	TenantID string
	Topic    string
	Token    string
	Claims   jwt.MapClaims
	Headers  map[string]string
	Role     string
}

// NewContext assembles the bundle from verified claims. The role comes from
// the token's role claim and falls back to anon.
func NewContext(tenantID, topic, token string, claims jwt.MapClaims, headers map[string]string) Context {
	role, _ := claims["role"].(string)
	if role == "" {
		role = "anon"
	}
	if headers == nil {
		headers = map[string]string{}
	}
	return Context{
		TenantID: tenantID,
		Topic:    topic,
		Token:    token,
		Claims:   claims,
		Headers:  headers,
		Role:     role,
	}
}

// Sub returns the token subject, empty when absent.
func (c Context) Sub() string {
	sub, _ := c.Claims["sub"].(string)
	return sub
}

// ParseClaims verifies token against the tenant's HMAC secret and the
// deployment-wide claim validators, returning the parsed claims.
func ParseClaims(token, secret string, validators map[string]string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tk *jwt.Token) (any, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tk.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJWT, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidJWT
	}

	for claim, want := range validators {
		got, _ := claims[claim].(string)
		if got != want {
			return nil, fmt.Errorf("%w: claim %q does not match", ErrInvalidJWT, claim)
		}
	}
	return claims, nil
}
