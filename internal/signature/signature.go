package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Algorithm names accepted in scheme configuration.
const (
	AlgHMACSHA256 = "hmac-sha256"
	AlgStripe     = "stripe"
)

// GenericSource is the scheme used for sources without their own entry.
const GenericSource = "generic"

// Scheme describes how one webhook source signs its deliveries: the
// header carrying the signature, the shared secret, and the algorithm
// used to compute the expected value.
type Scheme struct {
	Header    string
	Secret    string
	Algorithm string
	// Tolerance bounds the timestamp age for schemes that sign a
	// timestamp alongside the body (stripe). Zero disables the check.
	Tolerance time.Duration
}

// Schemes is an immutable per-source scheme table. Lookups for unknown
// sources fall back to the generic scheme.
type Schemes struct {
	bySource map[string]Scheme
	now      func() time.Time
}

// DefaultHeaders maps well-known sources to their signature headers.
var DefaultHeaders = map[string]string{
	"stripe":      "Stripe-Signature",
	"github":      "X-Hub-Signature-256",
	GenericSource: "X-Webhook-Signature",
}

// NewSchemes builds a scheme table from configuration. Missing header
// or algorithm fields are filled with per-source defaults.
func NewSchemes(sources map[string]Scheme) *Schemes {
	out := make(map[string]Scheme, len(sources))
	for source, scheme := range sources {
		source = strings.ToLower(strings.TrimSpace(source))
		if source == "" {
			continue
		}
		if scheme.Header == "" {
			if h, ok := DefaultHeaders[source]; ok {
				scheme.Header = h
			} else {
				scheme.Header = DefaultHeaders[GenericSource]
			}
		}
		if scheme.Algorithm == "" {
			if source == "stripe" {
				scheme.Algorithm = AlgStripe
			} else {
				scheme.Algorithm = AlgHMACSHA256
			}
		}
		if scheme.Algorithm == AlgStripe && scheme.Tolerance == 0 {
			scheme.Tolerance = 5 * time.Minute
		}
		out[source] = scheme
	}
	return &Schemes{bySource: out, now: time.Now}
}

// Lookup returns the scheme for source, falling back to generic for
// unknown sources. The second return reports whether any scheme with a
// secret was found.
func (s *Schemes) Lookup(source string) (Scheme, bool) {
	if s == nil {
		return Scheme{}, false
	}
	scheme, ok := s.bySource[strings.ToLower(strings.TrimSpace(source))]
	if !ok {
		scheme, ok = s.bySource[GenericSource]
	}
	if !ok || scheme.Secret == "" {
		return Scheme{}, false
	}
	return scheme, true
}

// HeaderFor returns the signature header name to read for source.
func (s *Schemes) HeaderFor(source string) string {
	if scheme, ok := s.Lookup(source); ok {
		return scheme.Header
	}
	if h, ok := DefaultHeaders[strings.ToLower(strings.TrimSpace(source))]; ok {
		return h
	}
	return DefaultHeaders[GenericSource]
}

// Verify checks the supplied signature header value against the
// expected signature computed over the exact raw body bytes. An absent
// or empty signature is never valid; a source without a configured
// secret is never valid; malformed values are simply not valid.
func (s *Schemes) Verify(source, signature string, body []byte) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	scheme, ok := s.Lookup(source)
	if !ok {
		return false
	}
	switch scheme.Algorithm {
	case AlgStripe:
		return verifyStripe(scheme, signature, body, s.now())
	default:
		return verifyHMACHex(scheme.Secret, signature, body)
	}
}

// verifyHMACHex checks a hex HMAC-SHA256 over body. A "sha256=" prefix
// (GitHub style) is accepted and stripped.
func verifyHMACHex(secret, signature string, body []byte) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// verifyStripe checks a Stripe-style "t=<unix>,v1=<hex>[,v1=...]"
// header. The signed payload is "<t>.<body>" and the timestamp must be
// within the scheme tolerance of now.
func verifyStripe(scheme Scheme, signature string, body []byte, now time.Time) bool {
	var ts string
	var candidates []string
	for _, part := range strings.Split(signature, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if ts == "" || len(candidates) == 0 {
		return false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if scheme.Tolerance > 0 {
		age := now.Sub(time.Unix(unix, 0))
		if age > scheme.Tolerance || age < -scheme.Tolerance {
			return false
		}
	}
	mac := hmac.New(sha256.New, []byte(scheme.Secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)
	for _, candidate := range candidates {
		provided, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(provided, expected) {
			return true
		}
	}
	return false
}
