package auth

import (
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "Avery",
		Role: "editor",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "user-1" || claims.Name != "Avery" || claims.Role != "editor" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "Avery",
		Role: "editor",
		JTI:  "jti-1",
		Exp:  time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	_, err = ParseToken(secret, issued)
	if err == nil {
		t.Fatal("expected ParseToken() to fail for expired token")
	}
}

func TestNewClaimsRoundTripsUser(t *testing.T) {
	now := time.Now()
	user := User{ID: "user-1", DisplayName: "Avery", Email: "a@example.com", AvatarURL: "https://example.com/a.png", Role: "viewer"}
	claims := NewClaims(user, time.Hour, now)
	if claims.JTI == "" || claims.Exp != now.Add(time.Hour).Unix() {
		t.Fatalf("unexpected claims %+v", claims)
	}

	issued, err := IssueToken([]byte("secret"), claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	parsed, err := ParseToken([]byte("secret"), issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if parsed.User() != user {
		t.Fatalf("expected %+v, got %+v", user, parsed.User())
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), Claims{Sub: "user-1", Name: "Avery", JTI: "j", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("other"), issued); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestDecodeClaimsSkipsSignature(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), Claims{Sub: "user-1", Name: "Avery", JTI: "j", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := DecodeClaims(issued)
	if err != nil || claims.Sub != "user-1" || claims.Name != "Avery" {
		t.Fatalf("unexpected claims %+v err=%v", claims, err)
	}
	if _, err := DecodeClaims("not-a-token"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
