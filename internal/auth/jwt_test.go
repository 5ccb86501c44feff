package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func signToken(t *testing.T, key *rsa.PrivateKey, header, claims map[string]any) string {
	t.Helper()
	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)
	signed := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)
	sum := sha256.Sum256([]byte(signed))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func jwksServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	jwk := JWK{
		Kty: "RSA",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(JWKS{Keys: []JWK{jwk}})
	}))
}

func baseClaims() map[string]any {
	return map[string]any{
		"sub":          "user_1",
		"email":        "u@example.com",
		"iss":          "https://id.example.com",
		"aud":          "authenticated",
		"exp":          float64(time.Now().Add(time.Hour).Unix()),
		"app_metadata": map[string]any{"tenant_id": "t1"},
	}
}

func TestLocalVerifierSuccess(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := jwksServer(t, key, "kid1")
	defer srv.Close()

	token := signToken(t, key, map[string]any{"alg": "RS256", "kid": "kid1"}, baseClaims())
	v := &LocalVerifier{JWKSURL: srv.URL, Issuer: "https://id.example.com", Audience: "authenticated"}
	p, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != "user_1" || p.TenantID != "t1" {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestLocalVerifierBadSignature(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := jwksServer(t, key, "kid1")
	defer srv.Close()

	token := signToken(t, other, map[string]any{"alg": "RS256", "kid": "kid1"}, baseClaims())
	v := &LocalVerifier{JWKSURL: srv.URL}
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("want ErrInvalidCredential, got %v", err)
	}
}

func TestLocalVerifierExpired(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := jwksServer(t, key, "kid1")
	defer srv.Close()

	claims := baseClaims()
	claims["exp"] = float64(time.Now().Add(-time.Hour).Unix())
	token := signToken(t, key, map[string]any{"alg": "RS256", "kid": "kid1"}, claims)
	v := &LocalVerifier{JWKSURL: srv.URL}
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("want ErrInvalidCredential, got %v", err)
	}
}

func TestLocalVerifierIssuerMismatch(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := jwksServer(t, key, "kid1")
	defer srv.Close()

	token := signToken(t, key, map[string]any{"alg": "RS256", "kid": "kid1"}, baseClaims())
	v := &LocalVerifier{JWKSURL: srv.URL, Issuer: "https://other.example.com"}
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("want ErrInvalidCredential, got %v", err)
	}
}

func TestLocalVerifierAudienceMismatch(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := jwksServer(t, key, "kid1")
	defer srv.Close()

	token := signToken(t, key, map[string]any{"alg": "RS256", "kid": "kid1"}, baseClaims())
	v := &LocalVerifier{JWKSURL: srv.URL, Audience: "service"}
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("want ErrInvalidCredential, got %v", err)
	}
}

func TestLocalVerifierUnsupportedAlg(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := jwksServer(t, key, "kid1")
	defer srv.Close()

	token := signToken(t, key, map[string]any{"alg": "none", "kid": "kid1"}, baseClaims())
	v := &LocalVerifier{JWKSURL: srv.URL}
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("want ErrInvalidCredential, got %v", err)
	}
}

func TestLocalVerifierMalformedToken(t *testing.T) {
	v := &LocalVerifier{JWKSURL: "http://localhost:1"}
	for _, token := range []string{"abc", "a.b", "a.b.c.d", "!!.!!.!!"} {
		if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("token %q: want ErrInvalidCredential, got %v", token, err)
		}
	}
	if _, err := v.Verify(context.Background(), ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("empty token: want ErrUnauthenticated, got %v", err)
	}
}

func TestAudienceMatches(t *testing.T) {
	tests := []struct {
		aud  any
		want bool
	}{
		{"authenticated", true},
		{"other", false},
		{[]string{"a", "authenticated"}, true},
		{[]any{"a", "authenticated"}, true},
		{[]any{1, 2}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := audienceMatches(tt.aud, "authenticated"); got != tt.want {
			t.Errorf("audienceMatches(%v) = %v, want %v", tt.aud, got, tt.want)
		}
	}
}

func TestSelectJWK(t *testing.T) {
	keys := []JWK{{Kid: "a"}, {Kid: "b"}}
	if k, err := selectJWK(keys, "b"); err != nil || k.Kid != "b" {
		t.Fatalf("selectJWK by kid: %v %v", k, err)
	}
	if _, err := selectJWK(keys, "missing"); err == nil {
		t.Fatal("expected error for unknown kid")
	}
	if _, err := selectJWK(keys, ""); err == nil {
		t.Fatal("expected error for empty kid with multiple keys")
	}
	if k, err := selectJWK(keys[:1], ""); err != nil || k.Kid != "a" {
		t.Fatalf("single key fallback: %v %v", k, err)
	}
}

func TestJWKSCacheReusesEntry(t *testing.T) {
	var fetches int
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		json.NewEncoder(w).Encode(JWKS{Keys: []JWK{{
			Kty: "RSA",
			Kid: "kid1",
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	cache := NewJWKSCache(time.Hour)
	for i := 0; i < 3; i++ {
		if _, err := cache.Get(context.Background(), srv.URL); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	if fetches != 1 {
		t.Fatalf("expected 1 fetch, got %d", fetches)
	}
}
