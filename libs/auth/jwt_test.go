package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func customerToken(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	token, err := Sign(Claims{
		UserID: "6f1c2b8e-2f0a-4c54-9d0c-1d8d7a1d9a10",
		Email:  "driver@example.com",
		Role:   RoleCustomer,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}, secret)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return token
}

func TestVerifyRoundTrip(t *testing.T) {
	token := customerToken(t, "test-secret", time.Now().Add(time.Hour))

	claims, err := NewVerifier("test-secret").VerifyBearer("Bearer " + token)
	if err != nil {
		t.Fatalf("VerifyBearer failed: %v", err)
	}
	if claims.Principal() != "6f1c2b8e-2f0a-4c54-9d0c-1d8d7a1d9a10" {
		t.Fatalf("unexpected principal %q", claims.Principal())
	}
	if claims.IsStaff() {
		t.Fatalf("customer must not be staff")
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("test-secret")

	expired := customerToken(t, "test-secret", time.Now().Add(-time.Hour))
	if _, err := v.Verify(expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token rejected, got %v", err)
	}

	foreign := customerToken(t, "other-secret", time.Now().Add(time.Hour))
	if _, err := v.Verify(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected wrong-secret token rejected, got %v", err)
	}

	noExp, err := Sign(Claims{UserID: "u1", Role: RoleAdmin}, "test-secret")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if _, err := v.Verify(noExp); err == nil {
		t.Fatalf("expected token without exp rejected")
	}

	if _, err := v.VerifyBearer("Basic abc"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected non-bearer header rejected")
	}
}

func TestMintServiceToken(t *testing.T) {
	now := time.Now()
	token, err := MintServiceToken("test-secret", "payment-service", 2*time.Minute, now)
	if err != nil {
		t.Fatalf("MintServiceToken failed: %v", err)
	}
	claims, err := NewVerifier("test-secret").Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Role != RoleService || claims.Principal() != "payment-service" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.UserID != "" {
		t.Fatalf("service token must not carry a user id")
	}
	if got := claims.ExpiresAt.Time.Sub(now); got > 2*time.Minute+time.Second {
		t.Fatalf("ttl too long: %s", got)
	}
	if _, err := MintServiceToken("test-secret", "payment-service", 0, now); err == nil {
		t.Fatalf("expected zero ttl rejected")
	}
}

func TestRequireAndRequireRole(t *testing.T) {
	v := NewVerifier("test-secret")
	h := Require(v)(RequireRole(RoleTechnician, RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/appointments/all", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rw.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/appointments/all", nil)
	req.Header.Set("Authorization", "Bearer "+customerToken(t, "test-secret", time.Now().Add(time.Hour)))
	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rw.Code)
	}

	staff, err := Sign(Claims{
		UserID: "tech-1",
		Role:   RoleTechnician,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, "test-secret")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/appointments/all", nil)
	req.Header.Set("Authorization", "Bearer "+staff)
	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
}
