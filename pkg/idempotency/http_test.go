package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memClaimer struct {
	mu       sync.Mutex
	keys     map[string]bool
	released []string
	err      error
}

func (m *memClaimer) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.keys[key] {
		return true, nil
	}
	m.keys[key] = true
	return false, nil
}

func (m *memClaimer) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	m.released = append(m.released, key)
	return nil
}

func newClaimer() *memClaimer { return &memClaimer{keys: map[string]bool{}} }

func serve(h http.Handler, key string) *httptest.ResponseRecorder {
	return serveBody(h, key, "")
}

func serveBody(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareRejectsReplay(t *testing.T) {
	calls := 0
	h := Middleware(slog.New(slog.NewTextHandler(io.Discard, nil)), newClaimer())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	assert.Equal(t, http.StatusCreated, serve(h, "abc").Code)
	dup := serve(h, "abc")
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Contains(t, dup.Body.String(), "DUPLICATE_REQUEST")
	assert.Equal(t, http.StatusCreated, serve(h, "def").Code)
	assert.Equal(t, http.StatusCreated, serve(h, "").Code)
	assert.Equal(t, http.StatusCreated, serve(h, "").Code)
	assert.Equal(t, 4, calls)
}

func TestMiddlewareReleasesOnServerError(t *testing.T) {
	c := newClaimer()
	status := http.StatusServiceUnavailable
	h := Middleware(slog.New(slog.NewTextHandler(io.Discard, nil)), c)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))

	require.Equal(t, http.StatusServiceUnavailable, serve(h, "k").Code)
	require.Len(t, c.released, 1)

	status = http.StatusCreated
	assert.Equal(t, http.StatusCreated, serve(h, "k").Code)
}

func TestMiddlewareStoreDown(t *testing.T) {
	c := newClaimer()
	c.err = errors.New("connection refused")
	h := Middleware(slog.New(slog.NewTextHandler(io.Discard, nil)), c)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run")
	}))

	assert.Equal(t, http.StatusServiceUnavailable, serve(h, "k").Code)
}

func TestMiddlewareScopesKeyToBody(t *testing.T) {
	var seen []string
	h := Middleware(slog.New(slog.NewTextHandler(io.Discard, nil)), newClaimer())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = append(seen, string(b))
		w.WriteHeader(http.StatusCreated)
	}))

	assert.Equal(t, http.StatusCreated, serveBody(h, "k", `{"buyer_id":1}`).Code)
	assert.Equal(t, http.StatusCreated, serveBody(h, "k", `{"buyer_id":2}`).Code)
	assert.Equal(t, http.StatusConflict, serveBody(h, "k", `{"buyer_id":1}`).Code)
	assert.Equal(t, []string{`{"buyer_id":1}`, `{"buyer_id":2}`}, seen, "handler sees the original body")
}

func TestMiddlewareReleasesOnRejection(t *testing.T) {
	c := newClaimer()
	status := http.StatusUnprocessableEntity
	h := Middleware(slog.New(slog.NewTextHandler(io.Discard, nil)), c)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))

	require.Equal(t, http.StatusUnprocessableEntity, serveBody(h, "k", `{"buyer_id":2}`).Code)
	require.Len(t, c.released, 1)

	status = http.StatusCreated
	assert.Equal(t, http.StatusCreated, serveBody(h, "k", `{"buyer_id":2}`).Code)
	assert.Equal(t, http.StatusConflict, serveBody(h, "k", `{"buyer_id":2}`).Code)
}
