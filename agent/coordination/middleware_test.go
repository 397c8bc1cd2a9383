package coordination

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/macawi-ai/cyreal-sub001/types"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(okHandler(), mark("outer"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := Recovery(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, PathRPC, nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":-32603`)
	assert.NotContains(t, rec.Body.String(), "boom")
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   string
	}{
		{"localhost", "http://localhost:3000", "http://localhost:3000"},
		{"private ip", "https://192.168.1.5", "https://192.168.1.5"},
		{"public host", "https://example.com", "null"},
		{"public ip", "http://8.8.8.8", "null"},
		{"no origin", "", "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, PathRPC, nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			CORS()(okHandler()).ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.NotEqual(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
			assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), HeaderAgentID)
			assert.Equal(t, "Origin", rec.Header().Get("Vary"))
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	h := CORS()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, PathRPC, nil)
	req.Header.Set("Origin", "http://127.0.0.1:8080")
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, called)
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen, _ = types.RequestID(r.Context())
	}))

	t.Run("keeps a safe client id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, PathRPC, nil)
		req.Header.Set(HeaderRequestID, "client-123.abc")
		h.ServeHTTP(rec, req)
		assert.Equal(t, "client-123.abc", seen)
		assert.Equal(t, "client-123.abc", rec.Header().Get(HeaderRequestID))
	})

	t.Run("replaces an unsafe client id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, PathRPC, nil)
		req.Header.Set(HeaderRequestID, "bad id\n<script>")
		h.ServeHTTP(rec, req)
		assert.True(t, strings.HasPrefix(seen, "req-"))
		assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))
	})

	t.Run("generates when missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, PathRPC, nil))
		assert.Len(t, seen, len("req-")+32)
	})
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(true)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathHealth, nil))

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'none'", rec.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Header().Get("Strict-Transport-Security"), "max-age=31536000")

	rec = httptest.NewRecorder()
	SecurityHeaders(false)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathHealth, nil))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	fc := testingclock.NewFakeClock(epoch)
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), RequestID(), RequestLogger(zap.New(core), fc))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, PathRPC, nil))

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
	assert.Equal(t, PathRPC, fields["path"])
	assert.NotEmpty(t, fields["request_id"])
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, PathRPC, normalizePath(PathRPC))
	assert.Equal(t, PathHealth, normalizePath(PathHealth))
	assert.Equal(t, "other", normalizePath("/wp-admin/login.php"))
}

func TestResponseRecorder(t *testing.T) {
	inner := httptest.NewRecorder()
	rw := newResponseRecorder(inner)
	assert.Same(t, rw, newResponseRecorder(rw))

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusInternalServerError)
	n, err := rw.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusCreated, rw.statusCode)
	assert.Equal(t, int64(5), rw.bytesWritten)
	assert.Equal(t, http.StatusCreated, inner.Code)
	assert.Equal(t, inner, rw.Unwrap())

	_, _, err = rw.Hijack()
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer  abc "))
	assert.Empty(t, bearerToken("Basic abc"))
	assert.Empty(t, bearerToken("Bearer "))
	assert.Empty(t, bearerToken(""))
}
