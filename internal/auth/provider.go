package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ProviderVerifier delegates token verification to the identity
// provider's user endpoint: the token is forwarded as-is and the
// provider decides whether it maps to a user. No retry; a rejected
// credential is a client error, not a transient fault.
type ProviderVerifier struct {
	BaseURL    string
	AnonKey    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

type providerUser struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	AppMetadata struct {
		TenantID string `json:"tenant_id"`
	} `json:"app_metadata"`
}

func (v *ProviderVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	if strings.TrimSpace(token) == "" {
		return Principal{}, ErrUnauthenticated
	}
	client := v.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(v.BaseURL, "/") + "/auth/v1/user"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if v.AnonKey != "" {
		req.Header.Set("apikey", v.AnonKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("identity provider unreachable", "error", err)
		return Principal{}, fmt.Errorf("%w: provider unreachable", ErrInvalidCredential)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Principal{}, ErrInvalidCredential
	}
	var user providerUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if strings.TrimSpace(user.ID) == "" {
		return Principal{}, ErrInvalidCredential
	}
	return Principal{UserID: user.ID, Email: user.Email, TenantID: user.AppMetadata.TenantID}, nil
}
