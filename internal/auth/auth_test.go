package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/squadlive/backend/internal/apperrors"
)

const testSecret = "test-secret"

func mint(t *testing.T, secret string, mutate func(*jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"user_id": "u1",
		"role":    "trainer",
		"team_id": "t1",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(&claims)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func TestVerify(t *testing.T) {
	v := NewVerifier(testSecret, "", "", nil)

	id, err := v.Verify(mint(t, testSecret, nil))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "u1" || id.Role != RoleTrainer || id.TeamID != "t1" {
		t.Errorf("identity = %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier(testSecret, "", "", nil)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"wrong secret", mint(t, "other-secret", nil)},
		{"expired", mint(t, testSecret, func(c *jwt.MapClaims) {
			(*c)["exp"] = time.Now().Add(-time.Hour).Unix()
		})},
		{"missing user", mint(t, testSecret, func(c *jwt.MapClaims) {
			delete(*c, "user_id")
		})},
		{"unknown role", mint(t, testSecret, func(c *jwt.MapClaims) {
			(*c)["role"] = "superadmin"
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			if apperrors.CodeOf(err) != apperrors.CodeForbidden {
				t.Errorf("expected FORBIDDEN, got %v", err)
			}
		})
	}
}

func TestVerifyIssuerAudience(t *testing.T) {
	v := NewVerifier(testSecret, "squadlive", "engine", nil)

	good := mint(t, testSecret, func(c *jwt.MapClaims) {
		(*c)["iss"] = "squadlive"
		(*c)["aud"] = "engine"
	})
	if _, err := v.Verify(good); err != nil {
		t.Fatalf("Verify with matching issuer/audience: %v", err)
	}

	badIssuer := mint(t, testSecret, func(c *jwt.MapClaims) {
		(*c)["iss"] = "someone-else"
		(*c)["aud"] = "engine"
	})
	if _, err := v.Verify(badIssuer); err == nil {
		t.Error("accepted token from wrong issuer")
	}

	missingAudience := mint(t, testSecret, func(c *jwt.MapClaims) {
		(*c)["iss"] = "squadlive"
	})
	if _, err := v.Verify(missingAudience); err == nil {
		t.Error("accepted token without audience")
	}
}

func TestRoleValid(t *testing.T) {
	for _, r := range []Role{RoleTrainer, RolePlayer, RoleObserver} {
		if !r.Valid() {
			t.Errorf("%s should be valid", r)
		}
	}
	if Role("root").Valid() {
		t.Error("unknown role accepted")
	}
}

func TestTokenFromRequest(t *testing.T) {
	t.Run("authorization header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer abc")
		if got := TokenFromRequest(r); got != "abc" {
			t.Errorf("got %q, want abc", got)
		}
	})
	t.Run("custom header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("X-Squadlive-Token", "def")
		if got := TokenFromRequest(r); got != "def" {
			t.Errorf("got %q, want def", got)
		}
	})
	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=ghi", nil)
		if got := TokenFromRequest(r); got != "ghi" {
			t.Errorf("got %q, want ghi", got)
		}
	})
	t.Run("header beats query", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=ghi", nil)
		r.Header.Set("Authorization", "Bearer abc")
		if got := TokenFromRequest(r); got != "abc" {
			t.Errorf("got %q, want abc", got)
		}
	})
	t.Run("none", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		if got := TokenFromRequest(r); got != "" {
			t.Errorf("got %q, want empty", got)
		}
	})
}
