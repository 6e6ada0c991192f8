// Package signedtoken mints and verifies short-lived, tamper-evident payloads
// used for the login state cookie and the session cookie.
//
// Tokens are compact HS256 JWS values. Verification pins the algorithm,
// requires an expiry and never reports why a token was rejected.
package signedtoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingSecret = errors.New("signedtoken: signing secret is not configured")

type Option func(*Codec)

// WithClock overrides the time source used for exp/iat.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

type Codec struct {
	secret []byte
	now    func() time.Time
}

func New(secret []byte, opts ...Option) *Codec {
	c := &Codec{secret: append([]byte(nil), secret...), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether the codec has a secret to sign with.
func (c *Codec) Configured() bool {
	return c != nil && len(c.secret) > 0
}

// Sign returns a token carrying payload plus an absolute expiry ttl from now.
// Reserved keys exp and iat in payload are overwritten.
func (c *Codec) Sign(payload map[string]any, ttl time.Duration) (string, error) {
	if !c.Configured() {
		return "", ErrMissingSecret
	}
	now := c.now()
	claims := make(jwt.MapClaims, len(payload)+2)
	for k, v := range payload {
		claims[k] = v
	}
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Verify returns the payload of a well-formed, correctly signed, unexpired
// token. Every other input yields (nil, false).
func (c *Codec) Verify(token string) (map[string]any, bool) {
	if !c.Configured() || token == "" {
		return nil, false
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	claims := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil || parsed == nil || !parsed.Valid {
		return nil, false
	}
	return map[string]any(claims), true
}

// String extracts a non-empty string claim.
func String(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}
