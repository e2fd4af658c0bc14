package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestSessionManager(t *testing.T, opts ...SessionOption) *SessionManager {
	t.Helper()
	manager, err := NewSessionManager([]byte("0123456789abcdef0123456789abcdef"), opts...)
	if err != nil {
		t.Fatalf("NewSessionManager returned error: %v", err)
	}
	return manager
}

func TestSessionManagerIssueAndVerify(t *testing.T) {
	manager := newTestSessionManager(t)

	token, expires, err := manager.Issue("user-1", "kupac@example.com", []string{"User"})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty token")
	}
	if !expires.After(time.Now()) {
		t.Fatalf("expected future expiry, got %v", expires)
	}

	identity, err := manager.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if identity.UID != "user-1" {
		t.Fatalf("unexpected uid %q", identity.UID)
	}
	if identity.Email != "kupac@example.com" {
		t.Fatalf("unexpected email %q", identity.Email)
	}
	if len(identity.Roles) != 1 || identity.Roles[0] != RoleUser {
		t.Fatalf("unexpected roles %v", identity.Roles)
	}
}

func TestSessionManagerVerifyExpired(t *testing.T) {
	issuedAt := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestSessionManager(t,
		WithSessionTTL(time.Hour),
		WithSessionClock(func() time.Time { return issuedAt }),
	)
	token, _, err := issuer.Issue("user-1", "", nil)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	verifier := newTestSessionManager(t,
		WithSessionClock(func() time.Time { return issuedAt.Add(2 * time.Hour) }),
	)
	if _, err := verifier.Verify(token); err != ErrTokenExpired {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestSessionManagerVerifyRespectsInjectedClock(t *testing.T) {
	issuedAt := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestSessionManager(t,
		WithSessionTTL(time.Hour),
		WithSessionClock(func() time.Time { return issuedAt }),
	)
	token, _, err := issuer.Issue("user-1", "", nil)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	// The wall clock is long past this token's expiry; verification must
	// follow the injected clock instead.
	verifier := newTestSessionManager(t,
		WithSessionClock(func() time.Time { return issuedAt.Add(30 * time.Minute) }),
	)
	if _, err := verifier.Verify(token); err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
}

func TestSessionManagerVerifyWrongSecret(t *testing.T) {
	manager := newTestSessionManager(t)
	token, _, err := manager.Issue("user-1", "", nil)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	other, err := NewSessionManager([]byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("NewSessionManager returned error: %v", err)
	}
	if _, err := other.Verify(token); err == nil {
		t.Fatal("expected verification failure with mismatched secret")
	}
}

func TestRequireSessionRejectsMissingToken(t *testing.T) {
	manager := newTestSessionManager(t)
	handler := manager.RequireSession(RoleUser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireSessionEnforcesRole(t *testing.T) {
	manager := newTestSessionManager(t)
	token, _, err := manager.Issue("user-1", "", []string{RoleUser})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	handler := manager.RequireSession(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRequireSessionAcceptsCookie(t *testing.T) {
	manager := newTestSessionManager(t)
	token, _, err := manager.Issue("user-1", "", []string{RoleUser})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	var seen *Identity
	handler := manager.RequireSession(RoleUser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if seen == nil || seen.UID != "user-1" {
		t.Fatalf("expected identity in context, got %+v", seen)
	}
}

func TestOptionalSessionPassesThroughWithoutToken(t *testing.T) {
	manager := newTestSessionManager(t)

	called := false
	handler := manager.OptionalSession()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if _, ok := IdentityFromContext(r.Context()); ok {
			t.Fatal("expected no identity without a token")
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	if !called {
		t.Fatal("expected handler to be reached")
	}
}
