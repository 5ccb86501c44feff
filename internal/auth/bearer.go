package auth

import (
	"net/http"
	"strings"
)

// ParseBearer extracts a bearer token from the Authorization header. It
// trims whitespace and compares the "Bearer" prefix case-insensitively.
// A missing or malformed header is ErrUnauthenticated.
func ParseBearer(r *http.Request) (string, error) {
	hdr := strings.TrimSpace(r.Header.Get("Authorization"))
	if hdr == "" {
		return "", ErrUnauthenticated
	}
	parts := strings.SplitN(hdr, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrUnauthenticated
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrUnauthenticated
	}
	return token, nil
}
