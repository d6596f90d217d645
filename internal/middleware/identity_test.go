package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIdentityMiddleware_InjectsUserID(t *testing.T) {
	var captured string
	handler := NewIdentityMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.Header.Set(UserIDHeader, "user-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if captured != "user-123" {
		t.Errorf("userID = %q, want %q", captured, "user-123")
	}
}

func TestIdentityMiddleware_RejectsMissingHeader(t *testing.T) {
	called := false
	handler := NewIdentityMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	for _, value := range []string{"", "   "} {
		req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
		if value != "" {
			req.Header.Set(UserIDHeader, value)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("header=%q: status = %d, want %d", value, w.Code, http.StatusUnauthorized)
		}
	}
	if called {
		t.Error("ヘッダーがないリクエストが後続ハンドラーに到達した")
	}
}

func TestUserIDFromContext(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("ユーザーIDがないコンテキストでエラーが返されなかった")
	}

	ctx := ContextWithUserID(context.Background(), "user-1")
	got, err := UserIDFromContext(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "user-1" {
		t.Errorf("userID = %q, want %q", got, "user-1")
	}
}
