// Package oidc implements browser login via the OpenID Connect authorization
// code flow and resolves the signed session cookie back to an identity.
package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/vango-go/live-gateway/pkg/gateway/config"
	"github.com/vango-go/live-gateway/pkg/gateway/signedtoken"
)

var (
	ErrNotConfigured         = errors.New("oidc: not fully configured")
	ErrMissingCallbackParams = errors.New("oidc: missing callback parameters")
	ErrStateMismatch         = errors.New("oidc: state mismatch")
	ErrMissingIDToken        = errors.New("oidc: id_token was not returned")
	ErrNonceMismatch         = errors.New("oidc: nonce mismatch")
	ErrInvalidIDToken        = errors.New("oidc: id_token validation failed")
)

// UserMessage maps a login error to the text shown to the browser.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotConfigured):
		return "OIDC is not fully configured."
	case errors.Is(err, ErrMissingCallbackParams):
		return "Missing OIDC callback parameters."
	case errors.Is(err, ErrStateMismatch):
		return "OIDC state mismatch."
	case errors.Is(err, ErrMissingIDToken):
		return "id_token was not returned."
	case errors.Is(err, ErrNonceMismatch):
		return "OIDC nonce mismatch."
	case errors.Is(err, ErrInvalidIDToken):
		return "id_token validation failed."
	default:
		return "OIDC login failed."
	}
}

// StatusCode maps a login error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotConfigured):
		return http.StatusInternalServerError
	case errors.Is(err, ErrMissingCallbackParams),
		errors.Is(err, ErrStateMismatch),
		errors.Is(err, ErrNonceMismatch),
		errors.Is(err, ErrInvalidIDToken):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// Identity is the authenticated principal carried by the session cookie.
type Identity struct {
	Sub   string `json:"sub"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Anonymous is the identity every caller has when auth is disabled.
var Anonymous = Identity{Sub: "anonymous"}

type Authenticator struct {
	cfg    config.OIDCConfig
	codec  *signedtoken.Codec
	client *http.Client
	meta   *metadataCache
	now    func() time.Time
	rand   io.Reader
}

type Option func(*Authenticator)

func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

func WithRandom(r io.Reader) Option {
	return func(a *Authenticator) {
		if r != nil {
			a.rand = r
		}
	}
}

func New(cfg config.OIDCConfig, codec *signedtoken.Codec, client *http.Client, opts ...Option) *Authenticator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	a := &Authenticator{
		cfg:    cfg,
		codec:  codec,
		client: client,
		now:    time.Now,
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.meta = newMetadataCache(client, cfg.DiscoveryTTL)
	return a
}

func (a *Authenticator) Enabled() bool { return a != nil && a.cfg.Enabled }

func (a *Authenticator) Ready() bool {
	return a != nil && a.cfg.Ready() && a.codec.Configured()
}

// BeginLogin prepares the provider redirect and the state cookie binding the
// browser to this login attempt.
func (a *Authenticator) BeginLogin(ctx context.Context, r *http.Request, next string) (string, *http.Cookie, error) {
	if !a.Ready() {
		return "", nil, ErrNotConfigured
	}
	disc, err := a.meta.discovery(ctx, a.cfg.Issuer)
	if err != nil {
		return "", nil, err
	}
	state, err := a.randomToken()
	if err != nil {
		return "", nil, err
	}
	nonce, err := a.randomToken()
	if err != nil {
		return "", nil, err
	}
	signed, err := a.codec.Sign(map[string]any{
		"state": state,
		"nonce": nonce,
		"next":  SanitizeNext(next),
	}, a.cfg.StateTTL)
	if err != nil {
		return "", nil, err
	}

	oc := a.oauthConfig(r, disc)
	redirect := oc.AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_mode", "query"),
		oauth2.SetAuthURLParam("nonce", nonce),
	)
	return redirect, a.cookie(r, a.cfg.StateCookieName, signed, a.cfg.StateTTL), nil
}

// LoginResult is what a successful callback produces.
type LoginResult struct {
	Identity      Identity
	SessionCookie *http.Cookie
	// ClearState expires the state cookie.
	ClearState *http.Cookie
	Next       string
}

// CompleteLogin validates the callback, exchanges the code and mints a
// session. No session cookie is produced on any error.
func (a *Authenticator) CompleteLogin(ctx context.Context, r *http.Request, code, state string) (*LoginResult, error) {
	if !a.Ready() {
		return nil, ErrNotConfigured
	}
	if code == "" || state == "" {
		return nil, ErrMissingCallbackParams
	}
	c, err := r.Cookie(a.cfg.StateCookieName)
	if err != nil || c.Value == "" {
		return nil, ErrMissingCallbackParams
	}
	payload, ok := a.codec.Verify(c.Value)
	if !ok || signedtoken.String(payload, "state") != state {
		return nil, ErrStateMismatch
	}
	nonce := signedtoken.String(payload, "nonce")

	disc, err := a.meta.discovery(ctx, a.cfg.Issuer)
	if err != nil {
		return nil, err
	}
	oc := a.oauthConfig(r, disc)
	tok, err := oc.Exchange(context.WithValue(ctx, oauth2.HTTPClient, a.client), code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, ErrMissingIDToken
	}

	claims, err := a.verifyIDToken(ctx, disc, rawID)
	if err != nil {
		return nil, err
	}
	if tokNonce, _ := claims["nonce"].(string); nonce == "" || tokNonce != nonce {
		return nil, ErrNonceMismatch
	}

	id := identityFromClaims(claims)
	session, err := a.codec.Sign(map[string]any{
		"sub":   id.Sub,
		"name":  id.Name,
		"email": id.Email,
	}, a.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		Identity:      id,
		SessionCookie: a.cookie(r, a.cfg.SessionCookieName, session, a.cfg.SessionTTL),
		ClearState:    a.expiredCookie(r, a.cfg.StateCookieName),
		Next:          SanitizeNext(signedtoken.String(payload, "next")),
	}, nil
}

func (a *Authenticator) verifyIDToken(ctx context.Context, disc Discovery, raw string) (jwt.MapClaims, error) {
	issuer := disc.Issuer
	if issuer == "" {
		issuer = a.cfg.Issuer
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithAudience(a.cfg.ClientID),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return a.meta.key(ctx, disc.JWKSURI, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}
	return claims, nil
}

func identityFromClaims(claims jwt.MapClaims) Identity {
	str := func(k string) string {
		s, _ := claims[k].(string)
		return s
	}
	return Identity{
		Sub:   str("sub"),
		Name:  firstNonEmpty(str("name"), str("preferred_username")),
		Email: firstNonEmpty(str("preferred_username"), str("email")),
	}
}

// CurrentUser resolves the session cookie. It performs no network I/O.
func (a *Authenticator) CurrentUser(r *http.Request) (Identity, bool) {
	if a == nil || !a.cfg.Enabled {
		return Anonymous, true
	}
	c, err := r.Cookie(a.cfg.SessionCookieName)
	if err != nil || c.Value == "" {
		return Identity{}, false
	}
	payload, ok := a.codec.Verify(c.Value)
	if !ok {
		return Identity{}, false
	}
	id := Identity{
		Sub:   signedtoken.String(payload, "sub"),
		Name:  signedtoken.String(payload, "name"),
		Email: signedtoken.String(payload, "email"),
	}
	if id.Sub == "" {
		return Identity{}, false
	}
	return id, true
}

// LogoutCookies expires both the session and the state cookie.
func (a *Authenticator) LogoutCookies(r *http.Request) []*http.Cookie {
	return []*http.Cookie{
		a.expiredCookie(r, a.cfg.SessionCookieName),
		a.expiredCookie(r, a.cfg.StateCookieName),
	}
}

func (a *Authenticator) oauthConfig(r *http.Request, disc Discovery) *oauth2.Config {
	redirect := a.cfg.RedirectURI
	if redirect == "" {
		redirect = BaseURL(r) + "/auth/callback"
	}
	return &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		RedirectURL:  redirect,
		Scopes:       strings.Fields(a.cfg.Scopes),
		Endpoint: oauth2.Endpoint{
			AuthURL:   disc.AuthorizationEndpoint,
			TokenURL:  disc.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (a *Authenticator) randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := io.ReadFull(a.rand, buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
