// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package ops

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pbinitiative/zencore/internal/appcontext"
	otelint "github.com/pbinitiative/zencore/internal/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	HeaderUserId    = "X-User-Id"
	HeaderSessionId = "X-Session-Id"
)

// session puts the calling user into the request context. A session id is generated when the caller sends none.
func session(tenantId int64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := appcontext.Session{
				Id:       r.Header.Get(HeaderSessionId),
				TenantId: tenantId,
			}
			if s.Id == "" {
				s.Id = uuid.NewString()
			}
			if raw := r.Header.Get(HeaderUserId); raw != "" {
				userId, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					writeError(w, r, http.StatusBadRequest, ApiError{Type: TypeBadRequest, Message: "invalid " + HeaderUserId + " header"})
					return
				}
				s.UserId = userId
			}
			w.Header().Set(HeaderSessionId, s.Id)
			next.ServeHTTP(w, r.WithContext(appcontext.WithSession(r.Context(), s)))
		})
	}
}

func sessionUser(ctx context.Context) int64 {
	s, _ := appcontext.GetSession(ctx)
	return s.UserId
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// requestMetrics meters requests by route pattern. Instruments exist only after otel.SetupOtel.
func requestMetrics() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if otelint.RequestTotal == nil || otelint.RequestDuration == nil {
				next.ServeHTTP(w, r)
				return
			}
			rec := &statusRecorder{ResponseWriter: w}
			startTime := time.Now()
			next.ServeHTTP(rec, r)

			if rec.statusCode == 0 {
				rec.statusCode = http.StatusOK
			}
			routePattern := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				routePattern = rctx.RoutePattern()
			}
			attrs := metric.WithAttributes(
				otelint.RouteKey.String(routePattern),
				otelint.MethodKey.String(r.Method),
				otelint.StatusKey.Int(rec.statusCode),
			)
			otelint.RequestTotal.Add(r.Context(), 1, attrs)
			otelint.RequestDuration.Record(r.Context(), float64(time.Since(startTime).Milliseconds()), attrs)
		})
	}
}
