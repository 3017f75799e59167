package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/mmeshcher/marketplace-reconciler/internal/model"
)

func TestAuthMiddleware_WithValidCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	want := model.Actor{ID: uuid.New(), Role: model.RoleProvider}

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		actor, ok := GetActorFromContext(r.Context())
		if !ok {
			t.Fatalf("actor not in context")
		}
		if actor != want {
			t.Fatalf("actor from context = %+v, want %+v", actor, want)
		}
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	m.SetAuthCookie(w, want)
	res := w.Result()
	resCookies := res.Cookies()
	if len(resCookies) == 0 {
		t.Fatalf("no cookies set by SetAuthCookie")
	}

	r.AddCookie(resCookies[0])

	handler := m.Middleware(next)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_WithBearerToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	want := model.Actor{ID: uuid.New(), Role: model.RoleAdmin}

	var got model.Actor
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetActorFromContext(r.Context())
	})

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer "+m.Sign(want))

	m.Middleware(next).ServeHTTP(httptest.NewRecorder(), r)

	if got != want {
		t.Fatalf("actor from context = %+v, want %+v", got, want)
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	other := NewAuthMiddleware("other-secret")
	actor := model.Actor{ID: uuid.New(), Role: model.RoleCustomer}

	forged := strings.Replace(m.Sign(actor), ":customer", ":admin", 1)

	tests := []struct {
		name  string
		token string
	}{
		{name: "no token", token: ""},
		{name: "foreign secret", token: other.Sign(actor)},
		{name: "escalated role", token: forged},
		{name: "unknown role", token: m.Sign(model.Actor{ID: actor.ID, Role: "root"})},
		{name: "nil id", token: m.Sign(model.Actor{Role: model.RoleAdmin})},
		{name: "garbage", token: "not-a-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("next handler should not be called")
			})

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.token != "" {
				r.Header.Set("Authorization", "Bearer "+tt.token)
			}

			m.Middleware(next).ServeHTTP(w, r)

			res := w.Result()
			defer res.Body.Close()
			if res.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
			}
		})
	}
}
