package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

const maxBody = 1 << 20

const HeaderKey = "Idempotency-Key"

type Claimer interface {
	Seen(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Middleware rejects a repeated Idempotency-Key with 409. Requests without
// the header pass through. The claim is scoped to the request body, so two
// callers reusing a key for different payloads do not collide. Only a
// successful answer keeps the claim; after a rejection or a server error
// the client may retry with the same key.
func Middleware(log *slog.Logger, c Claimer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			key = "idem:http:" + r.Method + ":" + r.URL.Path + ":" + key + ":" + hex.EncodeToString(sum[:8])

			seen, err := c.Seen(r.Context(), key)
			if err != nil {
				log.Error("idempotency check failed", "err", err)
				writeError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store unavailable")
				return
			}
			if seen {
				writeError(w, http.StatusConflict, "DUPLICATE_REQUEST", "request with this idempotency key was already processed")
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if sw.status >= http.StatusBadRequest {
				if err := c.Release(context.WithoutCancel(r.Context()), key); err != nil {
					log.Warn("idempotency release failed", "key", key, "err", err)
				}
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": msg})
}
