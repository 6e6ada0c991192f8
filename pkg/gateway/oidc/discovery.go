package oidc

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Discovery is the subset of the provider metadata document the code flow uses.
type Discovery struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// jwksRefreshInterval is the minimum gap between two fetches of one key set.
const jwksRefreshInterval = time.Minute

// metadataCache holds discovery documents and JWKS key sets for a bounded
// time. Concurrent misses for the same URL share one fetch.
type metadataCache struct {
	client *http.Client
	store  *gocache.Cache
	ttl    time.Duration
	group  singleflight.Group
	// refreshEvery bounds how often an unknown kid can force a refetch.
	refreshEvery time.Duration
}

func newMetadataCache(client *http.Client, ttl time.Duration) *metadataCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &metadataCache{
		client:       client,
		store:        gocache.New(ttl, 2*ttl),
		ttl:          ttl,
		refreshEvery: jwksRefreshInterval,
	}
}

func discoveryURL(issuer string) string {
	return strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"
}

func (c *metadataCache) discovery(ctx context.Context, issuer string) (Discovery, error) {
	url := discoveryURL(issuer)
	key := "discovery:" + url
	if v, ok := c.store.Get(key); ok {
		return v.(Discovery), nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.store.Get(key); ok {
			return v, nil
		}
		var doc Discovery
		if err := c.getJSON(ctx, url, &doc); err != nil {
			return nil, fmt.Errorf("fetch discovery document: %w", err)
		}
		if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
			return nil, errors.New("discovery document is missing endpoints")
		}
		c.store.Set(key, doc, c.ttl)
		return doc, nil
	})
	if err != nil {
		return Discovery{}, err
	}
	return v.(Discovery), nil
}

// key returns the RSA key for kid. When the cached set does not contain kid
// (provider key rotation) the set is refetched, at most once per
// refreshEvery; inside that window an unknown kid fails without a fetch.
func (c *metadataCache) key(ctx context.Context, jwksURL, kid string) (*rsa.PublicKey, error) {
	if jwksURL == "" {
		return nil, errors.New("jwks_uri missing from discovery document")
	}
	cacheKey := "jwks:" + jwksURL
	fetchedKey := "jwks-fetched:" + jwksURL
	if v, ok := c.store.Get(cacheKey); ok {
		if k, ok := pickKey(v.(map[string]*rsa.PublicKey), kid); ok {
			return k, nil
		}
		if _, recent := c.store.Get(fetchedKey); recent {
			return nil, fmt.Errorf("signing key %q not found in jwks", kid)
		}
	}
	v, err, _ := c.group.Do(cacheKey, func() (any, error) {
		keys, err := c.fetchKeys(ctx, jwksURL)
		if err != nil {
			return nil, err
		}
		c.store.Set(cacheKey, keys, c.ttl)
		c.store.Set(fetchedKey, true, c.refreshEvery)
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	k, ok := pickKey(v.(map[string]*rsa.PublicKey), kid)
	if !ok {
		return nil, fmt.Errorf("signing key %q not found in jwks", kid)
	}
	return k, nil
}

func pickKey(keys map[string]*rsa.PublicKey, kid string) (*rsa.PublicKey, bool) {
	if kid == "" && len(keys) == 1 {
		for _, k := range keys {
			return k, true
		}
	}
	k, ok := keys[kid]
	return k, ok
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (c *metadataCache) fetchKeys(ctx context.Context, jwksURL string) (map[string]*rsa.PublicKey, error) {
	var doc jwksDocument
	if err := c.getJSON(ctx, jwksURL, &doc); err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.N == "" || k.E == "" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("no usable RSA keys in jwks")
	}
	return keys, nil
}

func parseRSAPublicKey(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("decode jwk n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("decode jwk e: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if e.Sign() <= 0 || !e.IsInt64() {
		return nil, errors.New("invalid jwk exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, nil
}

func (c *metadataCache) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}
