package httpaction

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowrunner/pkg/models"
)

func TestHTTPInvoker_PostJSON(t *testing.T) {
	var (
		gotBody   map[string]any
		gotHeader http.Header
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()

		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "abc")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	defer server.Close()

	invoker := NewHTTPInvoker(slog.Default())

	result := invoker.Invoke(t.Context(), Request{
		URL:     server.URL + "/users",
		Method:  "post",
		Headers: map[string]string{"X-Tenant": "t1"},
		Body:    map[string]any{"name": "Ada"},
		Auth:    &models.AuthConfig{Type: models.AuthBearer, Token: "secret"},
	})

	require.True(t, result.Success)
	assert.Equal(t, http.StatusCreated, result.Status)
	assert.Equal(t, map[string]any{"id": 42.0}, result.Data)
	assert.Equal(t, "abc", result.Headers["x-request-id"])
	assert.Nil(t, result.Error)

	assert.Equal(t, map[string]any{"name": "Ada"}, gotBody)
	assert.Equal(t, "Bearer secret", gotHeader.Get("Authorization"))
	assert.Equal(t, "t1", gotHeader.Get("X-Tenant"))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
}

func TestHTTPInvoker_GetBodyBecomesQuery(t *testing.T) {
	var (
		gotQuery  map[string]string
		gotMethod string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = map[string]string{
			"page": r.URL.Query().Get("page"),
			"q":    r.URL.Query().Get("q"),
			"keep": r.URL.Query().Get("keep"),
		}

		_, _ = w.Write([]byte("plain text"))
	}))
	defer server.Close()

	result := NewHTTPInvoker(slog.Default()).Invoke(t.Context(), Request{
		URL:    server.URL + "/search?keep=1",
		Method: "GET",
		Body:   map[string]any{"page": 2.0, "q": "go"},
	})

	require.True(t, result.Success)
	assert.Equal(t, "plain text", result.Data)
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, map[string]string{"page": "2", "q": "go", "keep": "1"}, gotQuery)
}

func TestHTTPInvoker_Auth(t *testing.T) {
	tests := []struct {
		name   string
		auth   *models.AuthConfig
		header string
		want   string
	}{
		{
			name:   "basic",
			auth:   &models.AuthConfig{Type: models.AuthBasic, Username: "u", Password: "p"},
			header: "Authorization",
			want:   "Basic dTpw",
		},
		{
			name:   "api key",
			auth:   &models.AuthConfig{Type: models.AuthAPIKey, KeyName: "X-Api-Key", KeyValue: "k1"},
			header: "X-Api-Key",
			want:   "k1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get(tt.header)
				w.WriteHeader(http.StatusNoContent)
			}))
			defer server.Close()

			result := NewHTTPInvoker(slog.Default()).Invoke(t.Context(), Request{URL: server.URL, Method: "GET", Auth: tt.auth})

			require.True(t, result.Success)
			assert.Nil(t, result.Data)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPInvoker_ApplicationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"invalid email"}`))
	}))
	defer server.Close()

	result := NewHTTPInvoker(slog.Default()).Invoke(t.Context(), Request{
		URL:    server.URL,
		Method: "PUT",
		Body:   map[string]any{"email": "x"},
	})

	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, http.StatusUnprocessableEntity, result.Error.Status)
	assert.Equal(t, "Unprocessable Entity", result.Error.StatusText)
	assert.Equal(t, CodeBadRequest, result.Error.Code)
	assert.Equal(t, map[string]any{"error": "invalid email"}, result.Error.Data)
}

func TestHTTPInvoker_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	result := NewHTTPInvoker(slog.Default()).Invoke(t.Context(), Request{URL: server.URL, Method: "GET"})

	require.NotNil(t, result.Error)
	assert.Equal(t, CodeBadResponse, result.Error.Code)
}

func TestHTTPInvoker_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPInvoker(slog.Default(), WithTimeout(20*time.Millisecond)).
		Invoke(t.Context(), Request{URL: server.URL, Method: "GET"})

	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, CodeTimeout, result.Error.Code)
	assert.Zero(t, result.Error.Status)
}

func TestHTTPInvoker_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := server.URL
	server.Close()

	result := NewHTTPInvoker(slog.Default()).Invoke(t.Context(), Request{URL: addr, Method: "GET"})

	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, CodeConnRefused, result.Error.Code)
}

func TestHTTPInvoker_RateLimit(t *testing.T) {
	calls := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	invoker := NewHTTPInvoker(slog.Default(), WithRateLimit(20))
	require.NotNil(t, invoker.limiter)

	for range 3 {
		assert.True(t, invoker.Invoke(t.Context(), Request{URL: server.URL, Method: "GET"}).Success)
	}

	assert.Equal(t, 3, calls)
}
