package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubVerifier struct {
	token *firebaseauth.Token
	err   error
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, _ string) (*firebaseauth.Token, error) {
	return s.token, s.err
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireFirebaseAuthRejectsMissingHeader(t *testing.T) {
	authn := NewAuthenticator(&stubVerifier{token: &firebaseauth.Token{UID: "u1"}})
	called := false
	handler := authn.RequireFirebaseAuth()(okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me/cart", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if called {
		t.Fatal("next handler should not run without credentials")
	}
}

func TestRequireFirebaseAuthRejectsInvalidToken(t *testing.T) {
	authn := NewAuthenticator(&stubVerifier{err: errors.New("bad token")})
	called := false
	handler := authn.RequireFirebaseAuth()(okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me/cart", nil)
	req.Header.Set("Authorization", "Bearer junk")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if called {
		t.Fatal("next handler should not run for invalid tokens")
	}
}

func TestRequireFirebaseAuthPopulatesIdentity(t *testing.T) {
	token := &firebaseauth.Token{
		UID: "buyer-1",
		Claims: map[string]interface{}{
			"email": "buyer@example.com",
			"role":  "customer",
		},
	}
	authn := NewAuthenticator(&stubVerifier{token: token})

	var got *Identity
	handler := authn.RequireFirebaseAuth(RoleCustomer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me/cart", nil)
	req.Header.Set("Authorization", "Bearer valid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got == nil {
		t.Fatal("identity missing from context")
	}
	if got.UID != "buyer-1" || got.Email != "buyer@example.com" {
		t.Fatalf("unexpected identity %+v", got)
	}
	if !got.HasRole(RoleCustomer) {
		t.Fatal("expected customer role")
	}
}

func TestRequireFirebaseAuthEnforcesRoles(t *testing.T) {
	token := &firebaseauth.Token{
		UID:    "buyer-1",
		Claims: map[string]interface{}{"role": "customer"},
	}
	authn := NewAuthenticator(&stubVerifier{token: token})
	called := false
	handler := authn.RequireFirebaseAuth(RoleAdmin)(okHandler(&called))

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/admin/orders/ord_1/status", nil)
	req.Header.Set("Authorization", "Bearer valid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if called {
		t.Fatal("next handler should not run for insufficient roles")
	}
}

func TestRequireFirebaseAuthAppliesFallbackRole(t *testing.T) {
	token := &firebaseauth.Token{UID: "buyer-2", Claims: map[string]interface{}{}}
	authn := NewAuthenticator(&stubVerifier{token: token})

	var got *Identity
	handler := authn.RequireFirebaseAuth(RoleCustomer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me/orders", nil)
	req.Header.Set("Authorization", "Bearer valid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got == nil || !got.HasRole(RoleCustomer) {
		t.Fatalf("expected fallback customer role, got %+v", got)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer   abc  ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		token, ok := extractBearerToken(tc.header)
		if ok != tc.ok || token != tc.token {
			t.Fatalf("extractBearerToken(%q) = (%q, %v), want (%q, %v)", tc.header, token, ok, tc.token, tc.ok)
		}
	}
}

func TestRolesFromClaims(t *testing.T) {
	claims := map[string]interface{}{
		"role": []interface{}{"Customer", "ADMIN", "customer", 42},
	}
	roles := rolesFromClaims(claims, "role")
	if len(roles) != 2 || roles[0] != "customer" || roles[1] != "admin" {
		t.Fatalf("unexpected roles %v", roles)
	}
}
