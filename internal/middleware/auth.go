// Package middleware содержит HTTP middleware сервиса сверки.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/marketplace-reconciler/internal/model"
)

type contextKey string

const actorKey contextKey = "actor"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 365 * 24 * time.Hour
	bearerPrefix   = "Bearer "
)

// AuthMiddleware проверяет подписанный токен слоя идентификации.
// Токен имеет вид "<id>:<role>.<hmac-sha256>" и передаётся в cookie или заголовке Authorization.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет токен и добавляет действующее лицо в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", http.StatusText(http.StatusUnauthorized))
			return
		}

		actor, ok := a.parseToken(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", http.StatusText(http.StatusUnauthorized))
			return
		}

		ctx := WithActor(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	if cookie, err := r.Cookie(authCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// SetAuthCookie устанавливает cookie авторизации для действующего лица.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, actor model.Actor) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.Sign(actor),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

// Sign выпускает токен для действующего лица.
func (a *AuthMiddleware) Sign(actor model.Actor) string {
	payload := actor.ID.String() + ":" + string(actor.Role)
	return payload + "." + a.signature(payload)
}

func (a *AuthMiddleware) signature(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseToken(token string) (model.Actor, bool) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok {
		return model.Actor{}, false
	}

	if !hmac.Equal([]byte(signature), []byte(a.signature(payload))) {
		return model.Actor{}, false
	}

	idStr, role, ok := strings.Cut(payload, ":")
	if !ok {
		return model.Actor{}, false
	}

	id, err := uuid.Parse(idStr)
	if err != nil || id == uuid.Nil {
		return model.Actor{}, false
	}

	actor := model.Actor{ID: id, Role: model.Role(role)}
	if !actor.Role.Valid() {
		return model.Actor{}, false
	}

	return actor, true
}

// WithActor кладёт действующее лицо в контекст.
func WithActor(ctx context.Context, actor model.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActorFromContext извлекает действующее лицо из контекста запроса.
func GetActorFromContext(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(model.Actor)
	return actor, ok
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"kind": kind, "message": message})
}
