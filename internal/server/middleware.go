package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"remittance/internal/idempotency"
	"remittance/internal/logging"
	"remittance/internal/sigauth"
)

const (
	headerRequestID   = "X-Request-Id"
	headerIdempotency = "X-Idempotency-Key"
	headerReplayed    = "X-Idempotent-Replayed"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	body   *bytes.Buffer
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.body != nil {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// requestLog lets handlers deeper in the chain enrich the completion line.
type requestLog struct {
	caller string
}

type requestLogKey struct{}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/health") || strings.HasSuffix(r.URL.Path, "/metrics") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		logger := s.logger.With("request_id", r.Header.Get(headerRequestID))
		info := &requestLog{}
		ctx := logging.WithLogger(r.Context(), logger)
		ctx = contextWithRequestLog(ctx, info)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if info.caller != "" {
			attrs = append(attrs, "caller", info.caller)
		}
		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(r.Context(), level, "request completed", attrs...)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.FromContext(r.Context()).Error("panic recovered", "error", rec, "stack", string(debug.Stack()))
				respondAPIError(w, errInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// attachCaller runs after signature verification and adds the caller to
// the request logger.
func attachCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := sigauth.CallerFromContext(r.Context())
		if !ok {
			respondAPIError(w, errUnauthenticated)
			return
		}
		if info := requestLogFromContext(r.Context()); info != nil {
			info.caller = caller.Hex()
		}
		logger := logging.FromContext(r.Context()).With("caller", caller.Hex())
		next.ServeHTTP(w, r.WithContext(logging.WithLogger(r.Context(), logger)))
	})
}

// idempotent replays the stored response for a repeated X-Idempotency-Key.
// Keys are scoped to the authenticated caller and to the server's key
// scope, and only 2xx responses are stored so a failed attempt can be
// retried with the same key.
func (s *Server) idempotent(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(headerIdempotency))
			if key == "" {
				if required {
					respondAPIError(w, errMissingIdempotencyKey)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			caller, _ := sigauth.CallerFromContext(r.Context())
			scoped := s.keyScope + caller.Hex() + ":" + key
			ctx := r.Context()
			log := logging.FromContext(ctx)

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					respondAPIError(w, errPayloadTooLarge)
					return
				}
				respondAPIError(w, errInvalidRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			hash := idempotency.HashRequest(r.Method, r.URL.Path, body)

			if !s.acquireKey(scoped) {
				respondAPIError(w, errIdempotencyInProgress)
				return
			}
			defer s.releaseKey(scoped)

			existing, err := s.store.Get(ctx, scoped)
			if err != nil {
				log.Error("idempotency lookup failed", "error", err, "idempotency_key", key)
				respondAPIError(w, errInternal)
				return
			}
			if existing != nil {
				if err := existing.Matches(hash); err != nil {
					respondError(w, r, err)
					return
				}
				s.metrics.incReplay()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(headerReplayed, "true")
				w.WriteHeader(existing.StatusCode)
				_, _ = w.Write(existing.Response)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK, body: &bytes.Buffer{}}
			next.ServeHTTP(rec, r)
			if rec.status < 200 || rec.status >= 300 {
				return
			}

			now := s.now()
			record := idempotency.Record{
				StatusCode:  rec.status,
				Response:    rec.body.Bytes(),
				RequestHash: hash,
				CreatedAt:   now,
				ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
			}
			if err := s.store.Save(ctx, scoped, record); err != nil {
				log.Error("idempotency save failed", "error", err, "idempotency_key", key)
			}
		})
	}
}

func (s *Server) acquireKey(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Server) releaseKey(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

func contextWithRequestLog(ctx context.Context, info *requestLog) context.Context {
	return context.WithValue(ctx, requestLogKey{}, info)
}

func requestLogFromContext(ctx context.Context) *requestLog {
	info, _ := ctx.Value(requestLogKey{}).(*requestLog)
	return info
}
