package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"edgegate/internal/auth"
	"edgegate/internal/db"
	"edgegate/internal/metrics"
	"edgegate/internal/proxy"
	"edgegate/internal/signature"
	"edgegate/internal/tools"
)

const maxRequestBody = 1 << 20 // 1 MB

const defaultStorageTimeout = 5 * time.Second

// unknownSource is recorded when a delivery carries no source query
// param. Scheme lookup still falls back to the generic scheme.
const unknownSource = "unknown"

// EventStore is the slice of the event recorder the gateway uses.
type EventStore interface {
	InsertWebhookEvent(ctx context.Context, ev db.WebhookEvent) (string, bool, error)
	GetWebhookEvent(ctx context.Context, eventID string) ([]byte, error)
	ListWebhookEvents(ctx context.Context, limit, offset int) ([]byte, int, error)
}

// ToolForwarder relays an authorized tool call upstream.
type ToolForwarder interface {
	Forward(ctx context.Context, tool string, payload []byte, bearer, originIP string) (proxy.Result, error)
}

// Server dispatches gateway traffic. All collaborators are injected
// and read-only after construction; handlers hold no shared mutable
// state so concurrent requests need no locking.
type Server struct {
	Mux         *http.ServeMux
	Store       EventStore
	Auth        auth.Verifier
	Forwarder   ToolForwarder
	Allowlist   *tools.Allowlist
	Schemes     *signature.Schemes
	Contracts   *tools.Contracts
	RateLimiter *RateLimiter
	// MaxBodyBytes caps inbound request bodies; zero means the 1 MB
	// default. StorageTimeout bounds every event-store call; zero
	// means the default. A hung store must fail the delivery, not
	// hold it open.
	MaxBodyBytes   int64
	StorageTimeout time.Duration
}

func NewServer(store EventStore, verifier auth.Verifier, forwarder ToolForwarder, allowlist *tools.Allowlist, schemes *signature.Schemes) *Server {
	s := &Server{
		Mux:       http.NewServeMux(),
		Store:     store,
		Auth:      verifier,
		Forwarder: forwarder,
		Allowlist: allowlist,
		Schemes:   schemes,
	}
	s.registerRoutes()
	return s
}

func (s *Server) maxBody() int64 {
	if s.MaxBodyBytes > 0 {
		return s.MaxBodyBytes
	}
	return maxRequestBody
}

// storageContext bounds an event-store call so a stuck write surfaces
// as a storage failure instead of stalling the delivery.
func (s *Server) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.StorageTimeout
	if timeout <= 0 {
		timeout = defaultStorageTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Server) withRateLimit(h http.Handler) http.Handler {
	if s.RateLimiter == nil {
		return h
	}
	return RateLimitMiddleware(s.RateLimiter)(h)
}

func (s *Server) registerRoutes() {
	s.Mux.HandleFunc("/healthz", s.handleHealthz)
	s.Mux.HandleFunc("/readyz", s.handleReadyz)
	s.Mux.Handle("/metrics", metrics.Handler())

	// Write endpoints get rate limiting.
	s.Mux.Handle("/webhook-intake", s.withRateLimit(http.HandlerFunc(s.handleWebhookIntake)))
	s.Mux.Handle("/tool-proxy", s.withRateLimit(http.HandlerFunc(s.handleToolProxy)))

	// Read-only endpoints.
	s.Mux.Handle("/v1/events", http.HandlerFunc(s.handleEvents))
	s.Mux.Handle("/v1/events/", http.HandlerFunc(s.handleEventByID))
}

// handleWebhookIntake records one webhook delivery. Signature failure
// is recorded, never rejected: the async processor owns the trust
// decision, and a sender must never see its delivery silently dropped.
func (s *Server) handleWebhookIntake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorJSON(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	if source == "" {
		source = unknownSource
	}
	eventType := strings.TrimSpace(r.URL.Query().Get("event_type"))

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody())
	body, err := io.ReadAll(r.Body)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "Invalid body")
		return
	}

	// Verify over the exact raw bytes, before any parsing. Signatures
	// cover the literal wire payload; reserializing would break them.
	sigHeader := s.Schemes.HeaderFor(source)
	sigValid := s.Schemes.Verify(source, r.Header.Get(sigHeader), body)

	payload := payloadOrFallback(body)
	headerSnapshot, err := json.Marshal(r.Header)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}

	ev := db.WebhookEvent{
		DedupKey:       dedupKey(source, r.Header, body),
		Source:         source,
		EventType:      eventType,
		Payload:        payload,
		Headers:        headerSnapshot,
		SignatureValid: sigValid,
		ReceivedAt:     time.Now().UTC(),
	}
	storeCtx, cancel := s.storageContext(r.Context())
	defer cancel()
	eventID, duplicate, err := s.Store.InsertWebhookEvent(storeCtx, ev)
	if err != nil {
		metrics.EventStoreWritesTotal.WithLabelValues("error").Inc()
		slog.Error("store webhook event", "source", source, "error", err)
		errorJSON(w, http.StatusInternalServerError, "Failed to store event")
		return
	}
	outcome := "inserted"
	if duplicate {
		outcome = "duplicate"
	}
	metrics.EventStoreWritesTotal.WithLabelValues(outcome).Inc()
	metrics.WebhookEventsTotal.WithLabelValues(source, strconv.FormatBool(sigValid)).Inc()
	slog.Info("webhook recorded",
		"source", source,
		"event_type", eventType,
		"event_id", eventID,
		"signature_valid", sigValid,
		"duplicate", duplicate)

	writeJSON(w, http.StatusOK, webhookResponse{
		Received:       true,
		Source:         source,
		SignatureValid: sigValid,
	})
}

type webhookResponse struct {
	Received       bool   `json:"received"`
	Source         string `json:"source"`
	SignatureValid bool   `json:"signature_valid"`
}

// payloadOrFallback keeps a valid JSON body verbatim and wraps
// anything else as {"raw": <text>}. Parse failure is a representation
// change, not an error.
func payloadOrFallback(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage(`{}`)
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	wrapped, err := json.Marshal(map[string]string{"raw": string(body)})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return wrapped
}

// deliveryIDHeaders are provider-supplied delivery identifiers, in
// lookup order.
var deliveryIDHeaders = []string{"X-GitHub-Delivery", "X-Delivery-Id", "Webhook-Id"}

// dedupKey identifies one logical delivery. A provider delivery id
// wins when present; otherwise the key is a digest of source and raw
// body, so a byte-identical retry maps to the same record.
func dedupKey(source string, headers http.Header, body []byte) string {
	for _, h := range deliveryIDHeaders {
		if id := strings.TrimSpace(headers.Get(h)); id != "" {
			return source + ":" + id
		}
	}
	sum := sha256.New()
	sum.Write([]byte(source))
	sum.Write([]byte{'\n'})
	sum.Write(body)
	return source + ":" + hex.EncodeToString(sum.Sum(nil))
}

type toolProxyRequest struct {
	ToolName string          `json:"tool_name"`
	Payload  json.RawMessage `json:"payload"`
}

// handleToolProxy verifies the caller, enforces the allowlist, and
// relays the upstream answer untouched. Upstream 4xx/5xx are not
// gateway errors; only failing to reach the upstream at all is.
func (s *Server) handleToolProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorJSON(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	token, err := auth.ParseBearer(r)
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues("", "unauthorized").Inc()
		errorJSON(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	principal, err := s.Auth.Verify(r.Context(), token)
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues("", "unauthorized").Inc()
		slog.Info("tool proxy credential rejected", "error", err)
		errorJSON(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody())
	var req toolProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	tool := strings.TrimSpace(req.ToolName)
	if tool == "" {
		errorJSON(w, http.StatusBadRequest, "tool_name is required")
		return
	}
	if !s.Allowlist.Allowed(tool) {
		metrics.ProxyRequestsTotal.WithLabelValues(tool, "denied").Inc()
		slog.Info("tool denied", "tool", tool, "user", principal.UserID)
		errorJSON(w, http.StatusForbidden, "Tool '"+tool+"' is not allowed")
		return
	}
	if s.Contracts != nil {
		if err := s.Contracts.Validate(tool, req.Payload); err != nil {
			metrics.ProxyRequestsTotal.WithLabelValues(tool, "denied").Inc()
			errorJSON(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	res, err := s.Forwarder.Forward(r.Context(), tool, req.Payload, token, clientIP(r))
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues(tool, "upstream_error").Inc()
		slog.Error("tool proxy upstream", "tool", tool, "user", principal.UserID, "error", err)
		errorJSON(w, http.StatusInternalServerError, "Proxy error")
		return
	}
	metrics.ProxyRequestsTotal.WithLabelValues(tool, "relayed").Inc()
	slog.Info("tool relayed", "tool", tool, "user", principal.UserID, "status", res.Status)

	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

// handleEvents lists recorded deliveries for operators.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorJSON(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.authorizeRead(w, r) {
		return
	}
	limit, offset := parsePagination(r)
	storeCtx, cancel := s.storageContext(r.Context())
	defer cancel()
	data, total, err := s.Store.ListWebhookEvents(storeCtx, limit, offset)
	if err != nil {
		slog.Error("list webhook events", "error", err)
		errorJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   json.RawMessage(data),
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleEventByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorJSON(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.authorizeRead(w, r) {
		return
	}
	eventID := strings.TrimPrefix(r.URL.Path, "/v1/events/")
	if eventID == "" || strings.Contains(eventID, "/") {
		errorJSON(w, http.StatusNotFound, "Not found")
		return
	}
	storeCtx, cancel := s.storageContext(r.Context())
	defer cancel()
	data, err := s.Store.GetWebhookEvent(storeCtx, eventID)
	if err != nil {
		slog.Error("get webhook event", "event_id", eventID, "error", err)
		errorJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if data == nil {
		errorJSON(w, http.StatusNotFound, "Not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// authorizeRead gates the ops read endpoints with the same identity
// check as the tool proxy.
func (s *Server) authorizeRead(w http.ResponseWriter, r *http.Request) bool {
	token, err := auth.ParseBearer(r)
	if err != nil {
		errorJSON(w, http.StatusUnauthorized, "Unauthorized")
		return false
	}
	if _, err := s.Auth.Verify(r.Context(), token); err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) && !errors.Is(err, auth.ErrInvalidCredential) {
			slog.Error("read endpoint identity check", "error", err)
		}
		errorJSON(w, http.StatusUnauthorized, "Invalid token")
		return false
	}
	return true
}

func parsePagination(r *http.Request) (int, int) {
	limit, offset := 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
