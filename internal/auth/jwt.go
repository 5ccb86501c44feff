package auth

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// JWTClaims is the decoded JWT payload. TenantID is carried in the
// provider's app_metadata claim.
type JWTClaims struct {
	Sub         string  `json:"sub"`
	Email       string  `json:"email"`
	Iss         string  `json:"iss"`
	Aud         any     `json:"aud"`
	Exp         float64 `json:"exp"`
	Nbf         float64 `json:"nbf"`
	AppMetadata struct {
		TenantID string `json:"tenant_id"`
	} `json:"app_metadata"`
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// timeNow is a package-level var for test injection.
var timeNow = time.Now

// LocalVerifier verifies RS256 bearer tokens against the provider's
// JWKS without a round trip per request. Claims are checked before the
// signature so obviously bad tokens are rejected cheaply.
type LocalVerifier struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Cache    *JWKSCache
}

func (v *LocalVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	if strings.TrimSpace(token) == "" {
		return Principal{}, ErrUnauthenticated
	}
	header, claims, signed, sig, err := splitJWT(token)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if err := v.validateClaims(claims); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if header.Alg != "RS256" {
		return Principal{}, fmt.Errorf("%w: unsupported alg %q", ErrInvalidCredential, header.Alg)
	}
	cache := v.Cache
	if cache == nil {
		cache = NewJWKSCache(0)
		v.Cache = cache
	}
	jwks, err := cache.Get(ctx, v.JWKSURL)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	key, err := selectJWK(jwks.Keys, header.Kid)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	pub, err := rsaKeyFromJWK(key)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	sum := sha256.Sum256(signed)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], sig); err != nil {
		return Principal{}, ErrInvalidCredential
	}
	if strings.TrimSpace(claims.Sub) == "" {
		return Principal{}, ErrInvalidCredential
	}
	return Principal{UserID: claims.Sub, Email: claims.Email, TenantID: claims.AppMetadata.TenantID}, nil
}

func (v *LocalVerifier) validateClaims(claims JWTClaims) error {
	if v.Issuer != "" && claims.Iss != v.Issuer {
		return errors.New("issuer mismatch")
	}
	if v.Audience != "" && !audienceMatches(claims.Aud, v.Audience) {
		return errors.New("audience mismatch")
	}
	now := float64(timeNow().Unix())
	if claims.Exp > 0 && now >= claims.Exp {
		return errors.New("token expired")
	}
	if claims.Nbf > 0 && now < claims.Nbf {
		return errors.New("token not yet valid")
	}
	return nil
}

// audienceMatches checks whether aud (string, []string, or []any)
// contains target.
func audienceMatches(aud any, target string) bool {
	switch v := aud.(type) {
	case string:
		return v == target
	case []string:
		for _, item := range v {
			if item == target {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == target {
				return true
			}
		}
	}
	return false
}

func splitJWT(token string) (jwtHeader, JWTClaims, []byte, []byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return jwtHeader{}, JWTClaims{}, nil, nil, errors.New("invalid jwt")
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return jwtHeader{}, JWTClaims{}, nil, nil, err
	}
	var header jwtHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return jwtHeader{}, JWTClaims{}, nil, nil, err
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return jwtHeader{}, JWTClaims{}, nil, nil, err
	}
	var claims JWTClaims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return jwtHeader{}, JWTClaims{}, nil, nil, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return jwtHeader{}, JWTClaims{}, nil, nil, err
	}
	return header, claims, []byte(parts[0] + "." + parts[1]), sig, nil
}

// selectJWK picks a key by kid. If kid is empty and there is exactly
// one key, that key is returned.
func selectJWK(keys []JWK, kid string) (JWK, error) {
	if kid != "" {
		for _, key := range keys {
			if key.Kid == kid {
				return key, nil
			}
		}
		return JWK{}, errors.New("jwks kid not found")
	}
	if len(keys) == 1 {
		return keys[0], nil
	}
	return JWK{}, errors.New("jwks kid required")
}

func rsaKeyFromJWK(key JWK) (*rsa.PublicKey, error) {
	if key.Kty != "" && key.Kty != "RSA" {
		return nil, errors.New("unsupported jwk kty")
	}
	if key.N == "" || key.E == "" {
		return nil, errors.New("invalid jwk")
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() {
		return nil, errors.New("invalid jwk exponent")
	}
	exp := int(e.Int64())
	if exp <= 0 {
		return nil, errors.New("invalid jwk exponent")
	}
	return &rsa.PublicKey{N: n, E: exp}, nil
}
