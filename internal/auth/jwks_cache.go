package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

type JWKS struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksEntry struct {
	jwks      JWKS
	expiresAt time.Time
}

// JWKSCache caches provider key sets per URL with a TTL. Fetches happen
// on demand; a cached entry is reused until it expires.
type JWKSCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	client  *http.Client
	entries map[string]*jwksEntry
}

func NewJWKSCache(ttl time.Duration) *JWKSCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWKSCache{
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
		entries: map[string]*jwksEntry{},
	}
}

func (c *JWKSCache) Get(ctx context.Context, url string) (JWKS, error) {
	if c == nil {
		return JWKS{}, errors.New("jwks cache nil")
	}
	u := strings.TrimSpace(url)
	if u == "" {
		return JWKS{}, errors.New("jwks url required")
	}

	now := time.Now()
	c.mu.RLock()
	ent := c.entries[u]
	if ent != nil && now.Before(ent.expiresAt) {
		jwks := ent.jwks
		c.mu.RUnlock()
		return jwks, nil
	}
	c.mu.RUnlock()

	jwks, err := fetchJWKS(ctx, c.client, u)
	if err != nil {
		return JWKS{}, err
	}

	c.mu.Lock()
	c.entries[u] = &jwksEntry{jwks: jwks, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return jwks, nil
}

func fetchJWKS(ctx context.Context, client *http.Client, url string) (JWKS, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return JWKS{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return JWKS{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return JWKS{}, errors.New("jwks fetch failed")
	}
	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return JWKS{}, err
	}
	return jwks, nil
}
