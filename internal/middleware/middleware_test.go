package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/preto960/pluginbay/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddlewareRejectsMissingHeader(t *testing.T) {
	handler := AuthMiddleware(auth.NewJWTService("secret"))(okHandler())

	req := httptest.NewRequest("GET", "/api/plugins", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareRejectsBadToken(t *testing.T) {
	handler := AuthMiddleware(auth.NewJWTService("secret"))(okHandler())

	req := httptest.NewRequest("GET", "/api/plugins", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewarePassesClaimsThrough(t *testing.T) {
	jwtService := auth.NewJWTService("secret")
	token, err := jwtService.GenerateToken("user-1", "op@example.com", "operator")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	var gotUserID string
	handler := AuthMiddleware(jwtService)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			t.Error("claims missing from request context")
		} else {
			gotUserID = claims.UserID
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/plugins", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotUserID != "user-1" {
		t.Errorf("expected user-1, got %q", gotUserID)
	}
}

func TestRateLimitMiddlewareThrottlesBursts(t *testing.T) {
	handler := RateLimitMiddleware(1, 2)(okHandler())

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest("GET", "/api/plugins", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Errorf("expected the first two requests within burst to pass, got %v", statuses)
	}
	if statuses[3] != http.StatusTooManyRequests {
		t.Errorf("expected request beyond burst to be throttled, got %v", statuses)
	}
}

func TestRateLimitMiddlewareIsolatesClients(t *testing.T) {
	handler := RateLimitMiddleware(1, 1)(okHandler())

	first := httptest.NewRequest("GET", "/api/plugins", nil)
	first.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for first client, got %d", rec.Code)
	}

	second := httptest.NewRequest("GET", "/api/plugins", nil)
	second.RemoteAddr = "10.0.0.2:1234"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, second)
	if rec.Code != http.StatusOK {
		t.Errorf("expected a different client to have its own bucket, got %d", rec.Code)
	}
}

func TestCORSMiddlewareHandlesPreflight(t *testing.T) {
	handler := CORSMiddleware([]string{"http://localhost:3000"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/plugins", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("expected allow-origin header, got %q", got)
	}
}
