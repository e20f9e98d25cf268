package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSecret = "test-secret-key"
	testIssuer = "permstate"
)

func signed(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims, secret string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "admin",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
		"iss": testIssuer,
	}
}

func serve(h http.Handler, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, "/api/v1/permissions/camera", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	middleware := NewJWTMiddleware(testSecret, testIssuer)
	token := signed(t, jwt.SigningMethodHS256, validClaims(), testSecret)

	handler := middleware.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := ActorFromContext(r.Context()); actor != "admin" {
			t.Errorf("Expected actor 'admin', got '%s'", actor)
		}
		w.Write([]byte("success"))
	}))

	rr := serve(handler, "Bearer "+token)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if rr.Body.String() != "success" {
		t.Errorf("Expected 'success', got '%s'", rr.Body.String())
	}
}

func TestJWTMiddleware_Rejections(t *testing.T) {
	middleware := NewJWTMiddleware(testSecret, testIssuer)
	handler := middleware.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for rejected requests")
	}))

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "wrong-issuer"

	noSubject := validClaims()
	delete(noSubject, "sub")

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"not bearer", "Basic abc"},
		{"empty token", "Bearer "},
		{"garbage token", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer " + signed(t, jwt.SigningMethodHS256, validClaims(), "other-secret")},
		{"expired", "Bearer " + signed(t, jwt.SigningMethodHS256, expired, testSecret)},
		{"wrong issuer", "Bearer " + signed(t, jwt.SigningMethodHS256, wrongIssuer, testSecret)},
		{"missing subject", "Bearer " + signed(t, jwt.SigningMethodHS256, noSubject, testSecret)},
	}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("Failed to build unsigned token: %v", err)
	}
	tests = append(tests, struct {
		name   string
		header string
	}{"unsigned", "Bearer " + unsigned})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := serve(handler, tt.header); rr.Code != http.StatusUnauthorized {
				t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, rr.Code)
			}
		})
	}
}

func TestJWTMiddleware_IssueToken(t *testing.T) {
	middleware := NewJWTMiddleware(testSecret, testIssuer)

	token, err := middleware.IssueToken("ops", time.Minute)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}

	handler := middleware.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := ActorFromContext(r.Context()); actor != "ops" {
			t.Errorf("Expected actor 'ops', got '%s'", actor)
		}
	}))
	if rr := serve(handler, "Bearer "+token); rr.Code != http.StatusOK {
		t.Errorf("Expected issued token to authenticate, got %d", rr.Code)
	}

	if _, err := middleware.IssueToken("", time.Minute); err == nil {
		t.Error("Expected error for empty subject")
	}

	// a token from a middleware with another issuer is rejected
	other, _ := NewJWTMiddleware(testSecret, "someone-else").IssueToken("ops", time.Minute)
	if rr := serve(handler, "Bearer "+other); rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected foreign issuer to be rejected, got %d", rr.Code)
	}
}

func TestActorFromContext(t *testing.T) {
	if actor := ActorFromContext(context.Background()); actor != "" {
		t.Errorf("Expected empty actor, got '%s'", actor)
	}
	if actor := ActorFromContext(WithActor(context.Background(), "admin")); actor != "admin" {
		t.Errorf("Expected 'admin', got '%s'", actor)
	}
}

func TestOptionalJWTMiddleware(t *testing.T) {
	middleware := NewJWTMiddleware(testSecret, testIssuer)

	var seen string
	handler := middleware.OptionalAuthenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ActorFromContext(r.Context())
	}))

	if rr := serve(handler, ""); rr.Code != http.StatusOK || seen != "" {
		t.Errorf("Expected anonymous pass-through, got %d actor %q", rr.Code, seen)
	}
	if rr := serve(handler, "Bearer junk"); rr.Code != http.StatusOK || seen != "" {
		t.Errorf("Expected invalid token to pass anonymously, got %d actor %q", rr.Code, seen)
	}

	token := signed(t, jwt.SigningMethodHS256, validClaims(), testSecret)
	if rr := serve(handler, "Bearer "+token); rr.Code != http.StatusOK || seen != "admin" {
		t.Errorf("Expected actor admin, got %d actor %q", rr.Code, seen)
	}
}
