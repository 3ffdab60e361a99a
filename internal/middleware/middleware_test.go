package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMessageContent(t *testing.T) {
	assert.NoError(t, ValidateMessageContent("hello"))
	assert.Error(t, ValidateMessageContent(""))
	assert.Error(t, ValidateMessageContent(" \n\t"))
	assert.Error(t, ValidateMessageContent(strings.Repeat("a", maxContentLength+1)))
	assert.Error(t, ValidateMessageContent("bad \xff utf8"))
}

func TestValidateIDs(t *testing.T) {
	assert.NoError(t, ValidateChatID("chat-1"))
	assert.NoError(t, ValidateChatID("room.with.dots"))
	assert.Error(t, ValidateChatID(""))
	assert.Error(t, ValidateChatID(WildcardChatID))
	assert.Error(t, ValidateChatID("tab\there"))
	assert.Error(t, ValidateChatID(strings.Repeat("x", maxChatIDLength+1)))

	assert.NoError(t, ValidateStreamID(WildcardChatID))
	assert.Error(t, ValidateStreamID(" "))

	assert.NoError(t, ValidateSenderID(""))
	assert.Error(t, ValidateSenderID(strings.Repeat("x", maxSenderLength+1)))
}

func signed(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetUserID(r.Context())))
	})
}

func TestAuth(t *testing.T) {
	h := Auth("secret")(echoUser())

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
		user   string
	}{
		{
			name:   "missing token",
			req:    func() *http.Request { return httptest.NewRequest(http.MethodPost, "/api/messages", nil) },
			status: http.StatusUnauthorized,
		},
		{
			name: "bearer header",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
				r.Header.Set("Authorization", "Bearer "+signed(t, "secret", "alice"))
				return r
			},
			status: http.StatusOK,
			user:   "alice",
		},
		{
			name: "wrong secret",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
				r.Header.Set("Authorization", "Bearer "+signed(t, "other", "alice"))
				return r
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "query token on GET",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/api/events/c?access_token="+signed(t, "secret", "bob"), nil)
			},
			status: http.StatusOK,
			user:   "bob",
		},
		{
			name: "query token on POST",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/messages?access_token="+signed(t, "secret", "bob"), nil)
			},
			status: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req())
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.user, rec.Body.String())
			}
		})
	}
}

func TestAuth_DisabledWithoutSecret(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth("")(echoUser()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(addr string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
		r.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1001").Code)

	limited := send("10.0.0.1:1002")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000").Code)
}

func TestLogging_CorrelationIDAndFlush(t *testing.T) {
	var seen string
	h := Logging(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		_, ok := w.(http.Flusher)
		assert.True(t, ok)
		require.NoError(t, http.NewResponseController(w).Flush())
		w.Write([]byte("ok"))
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	r.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, "corr-1", seen)
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))
	assert.True(t, rec.Flushed)
}

func TestLogging_GeneratesCorrelationID(t *testing.T) {
	var seen string
	h := Logging(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Correlation-ID"))
}
