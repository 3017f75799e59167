package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-reconciler/internal/idempotency"
)

// IdempotencyKeyHeader содержит клиентский ключ идемпотентности.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 128

// IdempotencyStore хранит ответы по ключам идемпотентности.
type IdempotencyStore interface {
	Begin(ctx context.Context, scope, key string) (*idempotency.Reservation, *idempotency.Response, error)
	Complete(ctx context.Context, r *idempotency.Reservation, resp idempotency.Response) error
	Abandon(ctx context.Context, r *idempotency.Reservation) error
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *captureWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency повторяет сохранённый ответ на POST-запрос с уже использованным заголовком Idempotency-Key.
// Ключи принадлежат действующему лицу, поэтому middleware ставится после аутентификации.
// Ответы 5xx не сохраняются: запрос можно повторить с тем же ключом.
func Idempotency(store IdempotencyStore, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if store == nil || key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				writeError(w, http.StatusBadRequest, "validation", "idempotency key is too long")
				return
			}

			actor, ok := GetActorFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", http.StatusText(http.StatusUnauthorized))
				return
			}

			reservation, stored, err := store.Begin(r.Context(), actor.ID.String(), r.URL.Path+"|"+key)
			switch {
			case errors.Is(err, idempotency.ErrInProgress):
				writeError(w, http.StatusConflict, "in_progress", "request with this idempotency key is in progress")
				return
			case err != nil:
				logger.Error("idempotency store unavailable", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage temporarily unavailable")
				return
			case stored != nil:
				if stored.ContentType != "" {
					w.Header().Set("Content-Type", stored.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(stored.Status)
				_, _ = w.Write(stored.Body)
				return
			}

			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r)

			ctx := context.WithoutCancel(r.Context())
			if cw.status >= http.StatusInternalServerError {
				if err := store.Abandon(ctx, reservation); err != nil {
					logger.Warn("failed to release idempotency key", zap.Error(err))
				}
				return
			}

			resp := idempotency.Response{
				Status:      cw.status,
				ContentType: cw.Header().Get("Content-Type"),
				Body:        cw.body.Bytes(),
			}
			if err := store.Complete(ctx, reservation, resp); err != nil {
				logger.Warn("failed to store idempotent response", zap.Error(err))
			}
		})
	}
}
