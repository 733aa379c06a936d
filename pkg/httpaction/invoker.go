// Package httpaction performs the outbound HTTP calls of action nodes and
// reports their outcome as a Result instead of an error.
package httpaction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/rules"
)

const DefaultTimeout = 30 * time.Second

const (
	CodeConnRefused = "ECONNREFUSED"
	CodeTimeout     = "ETIMEDOUT"
	CodeNetwork     = "ERR_NETWORK"
	CodeBadRequest  = "ERR_BAD_REQUEST"
	CodeBadResponse = "ERR_BAD_RESPONSE"
)

// Request describes one outbound call after templates have been rendered.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    any
	Auth    *models.AuthConfig
}

// Result is the outcome of a call. Success is false for transport failures
// and for responses with status >= 400.
type Result struct {
	Success bool              `json:"success"`
	Data    any               `json:"data,omitempty"`
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Error   *ResultError      `json:"error,omitempty"`
}

type ResultError struct {
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"statusText,omitempty"`
	Data       any    `json:"data,omitempty"`
}

func (e *ResultError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}

	return e.Message
}

// Invoker is the boundary used by the action processor.
type Invoker interface {
	Invoke(ctx context.Context, req Request) Result
}

type Option func(*HTTPInvoker)

// WithRateLimit throttles all calls made by the invoker to rps requests per
// second. Zero or negative disables throttling.
func WithRateLimit(rps float64) Option {
	return func(i *HTTPInvoker) {
		if rps > 0 {
			burst := max(int(rps), 1)
			i.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(i *HTTPInvoker) {
		i.client.Timeout = timeout
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(i *HTTPInvoker) {
		i.client = client
	}
}

type HTTPInvoker struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewHTTPInvoker(logger *slog.Logger, opts ...Option) *HTTPInvoker {
	invoker := &HTTPInvoker{
		client: &http.Client{Timeout: DefaultTimeout},
		logger: logger.With("module", "httpaction"),
	}

	for _, opt := range opts {
		opt(invoker)
	}

	return invoker
}

func (i *HTTPInvoker) Invoke(ctx context.Context, req Request) Result {
	if i.limiter != nil {
		if err := i.limiter.Wait(ctx); err != nil {
			return transportFailure(err)
		}
	}

	httpReq, err := buildRequest(ctx, req)
	if err != nil {
		return Result{Error: &ResultError{Message: err.Error()}}
	}

	start := time.Now()

	resp, err := i.client.Do(httpReq)
	if err != nil {
		i.logger.WarnContext(ctx, "action request failed", "method", httpReq.Method, "url", httpReq.URL.Redacted(), "error", err)

		return transportFailure(err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportFailure(fmt.Errorf("failed to read response: %w", err))
	}

	data := decodeBody(raw)
	headers := flattenHeaders(resp.Header)

	i.logger.DebugContext(ctx, "action request finished",
		"method", httpReq.Method,
		"url", httpReq.URL.Redacted(),
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode >= http.StatusBadRequest {
		code := CodeBadRequest
		if resp.StatusCode >= http.StatusInternalServerError {
			code = CodeBadResponse
		}

		return Result{
			Status:  resp.StatusCode,
			Headers: headers,
			Error: &ResultError{
				Message:    fmt.Sprintf("Request failed with status code %d", resp.StatusCode),
				Code:       code,
				Status:     resp.StatusCode,
				StatusText: http.StatusText(resp.StatusCode),
				Data:       data,
			},
		}
	}

	return Result{
		Success: true,
		Data:    data,
		Status:  resp.StatusCode,
		Headers: headers,
	}
}

func buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", req.URL, err)
	}

	var body io.Reader

	hasBody := req.Body != nil && !isEmpty(req.Body)

	switch {
	case hasBody && (method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch):
		encoded, err := encodeBody(req.Body)
		if err != nil {
			return nil, err
		}

		body = bytes.NewReader(encoded)
	case hasBody && method == http.MethodGet:
		target.RawQuery = mergeQuery(target.Query(), req.Body).Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpReq.Header.Set("Accept", "application/json, text/plain, */*")

	applyAuth(httpReq, req.Auth)

	return httpReq, nil
}

func applyAuth(req *http.Request, auth *models.AuthConfig) {
	if auth == nil {
		return
	}

	switch auth.Type {
	case models.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case models.AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case models.AuthAPIKey:
		if auth.KeyName != "" {
			req.Header.Set(auth.KeyName, auth.KeyValue)
		}
	}
}

func encodeBody(body any) ([]byte, error) {
	if s, ok := body.(string); ok {
		return []byte(s), nil
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	return encoded, nil
}

func mergeQuery(query url.Values, body any) url.Values {
	params, ok := body.(map[string]any)
	if !ok {
		return query
	}

	for key, value := range params {
		query.Set(key, rules.Stringify(value))
	}

	return query
}

func isEmpty(body any) bool {
	switch b := body.(type) {
	case string:
		return b == ""
	case map[string]any:
		return len(b) == 0
	}

	return false
}

func decodeBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return string(raw)
	}

	return data
}

func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for key := range header {
		out[strings.ToLower(key)] = header.Get(key)
	}

	return out
}

func transportFailure(err error) Result {
	return Result{Error: &ResultError{Message: err.Error(), Code: transportCode(err)}}
}

func transportCode(err error) string {
	var netErr net.Error

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnRefused
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return CodeTimeout
	default:
		return CodeNetwork
	}
}
