package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

func TestGenerateAndParseToken(t *testing.T) {
	token, err := GenerateToken("engineer", RoleOperator, testSecret, "smartip-core", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	claims, err := ParseToken(token, testSecret, "smartip-core")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "engineer" {
		t.Errorf("Subject = %q, want engineer", claims.Subject)
	}
	if claims.Role != RoleOperator {
		t.Errorf("Role = %q, want operator", claims.Role)
	}
	if claims.ID == "" {
		t.Error("JTI should not be empty")
	}
	if got := time.Until(claims.ExpiresAt.Time); got <= 0 || got > time.Hour {
		t.Errorf("expires in %s, want within 1h", got)
	}
}

func TestGenerateToken_Validation(t *testing.T) {
	if _, err := GenerateToken("", RoleViewer, testSecret, "", 0); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("empty subject: error = %v, want ErrTokenInvalid", err)
	}
	if _, err := GenerateToken("x", Role("owner"), testSecret, "", 0); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("unknown role: error = %v, want ErrInvalidRole", err)
	}
}

func TestParseToken_Rejects(t *testing.T) {
	valid, err := GenerateToken("engineer", RoleViewer, testSecret, "smartip-core", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	sign := func(c Claims, method jwt.SigningMethod, key any) string {
		t.Helper()
		s, err := jwt.NewWithClaims(method, c).SignedString(key)
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return s
	}
	now := time.Now()
	expired := sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "engineer",
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
		},
		Role: RoleViewer,
	}, jwt.SigningMethodHS256, []byte(testSecret))
	noExpiry := sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "engineer"},
		Role:             RoleViewer,
	}, jwt.SigningMethodHS256, []byte(testSecret))
	badRole := sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "engineer",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Role: "owner",
	}, jwt.SigningMethodHS256, []byte(testSecret))
	hs512 := sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "engineer",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Role: RoleViewer,
	}, jwt.SigningMethodHS512, []byte(testSecret))

	tests := []struct {
		name   string
		token  string
		secret string
		issuer string
	}{
		{"garbage", "not-a-jwt", testSecret, ""},
		{"wrong secret", valid, "another-secret-that-is-long-enough!!", ""},
		{"wrong issuer", valid, testSecret, "someone-else"},
		{"expired", expired, testSecret, ""},
		{"no expiry", noExpiry, testSecret, ""},
		{"unknown role", badRole, testSecret, ""},
		{"other algorithm", hs512, testSecret, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(tt.token, tt.secret, tt.issuer)
			if !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}
