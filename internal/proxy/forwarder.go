package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"edgegate/internal/metrics"
)

// ErrUpstreamUnreachable reports a transport-level failure talking to
// the upstream: connection refused, DNS, timeout. An upstream that
// answered with any HTTP status, 5xx included, is not unreachable.
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

const maxResponseBytes = 4 << 20

// Result is the upstream's answer, carried back untouched.
type Result struct {
	Status      int
	Body        []byte
	ContentType string
}

// Forwarder relays tool calls to the upstream execution service. The
// response is returned verbatim: the gateway never rewrites upstream
// payloads or maps upstream error statuses.
type Forwarder struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewForwarder(baseURL string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Forwarder{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
	}
}

// Forward posts payload to the upstream tool endpoint. The caller's
// bearer token is relayed so the upstream can apply its own
// authorization, and originIP is recorded in X-Forwarded-For.
func (f *Forwarder) Forward(ctx context.Context, tool string, payload []byte, bearer, originIP string) (Result, error) {
	if strings.TrimSpace(f.BaseURL) == "" {
		return Result{}, errors.New("upstream base url required")
	}
	if strings.TrimSpace(tool) == "" {
		return Result{}, errors.New("tool name required")
	}
	client := f.HTTPClient
	if client == nil {
		timeout := f.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	url := fmt.Sprintf("%s/api/v1/tools/%s", f.BaseURL, tool)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if originIP != "" {
		req.Header.Set("X-Forwarded-For", originIP)
	}
	start := time.Now()
	resp, err := client.Do(req)
	metrics.UpstreamRequestDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	return Result{
		Status:      resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
