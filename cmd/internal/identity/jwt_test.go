package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func signClaims(t *testing.T, method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestJWTVerifier_IssueVerify(t *testing.T) {
	t.Parallel()

	tok, err := Issue(testKey, " alice ", DefaultIssuer, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	v, err := NewJWTVerifier(testKey)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	sub, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != "alice" {
		t.Fatalf("sub = %q", sub)
	}
}

func TestJWTVerifier_Rejects(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	valid := jwt.RegisteredClaims{
		Issuer:    DefaultIssuer,
		Subject:   "alice",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}

	noExp := valid
	noExp.ExpiresAt = nil
	noSub := valid
	noSub.Subject = ""
	otherIss := valid
	otherIss.Issuer = "someone-else"

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, valid).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	hs512 := signClaims(t, jwt.SigningMethodHS512, testKey, valid)

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "  ", ErrInvalidToken},
		{"garbage", "not.a.jwt", ErrInvalidToken},
		{"wrong key", signClaims(t, jwt.SigningMethodHS256, []byte("another-key-another-key-another!!"), valid), ErrInvalidToken},
		{"alg none", none, ErrInvalidToken},
		{"alg hs512", hs512, ErrInvalidToken},
		{"missing exp", signClaims(t, jwt.SigningMethodHS256, testKey, noExp), ErrInvalidToken},
		{"missing sub", signClaims(t, jwt.SigningMethodHS256, testKey, noSub), ErrInvalidToken},
		{"wrong issuer", signClaims(t, jwt.SigningMethodHS256, testKey, otherIss), ErrInvalidToken},
	}

	v, err := NewJWTVerifier(testKey, WithVerifierClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tc.token)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestJWTVerifier_ExpiryAndLeeway(t *testing.T) {
	t.Parallel()

	issued := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tok, err := Issue(testKey, "alice", DefaultIssuer, issued, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	later := func() time.Time { return issued.Add(90 * time.Second) }

	strict, err := NewJWTVerifier(testKey, WithVerifierClock(later))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := strict.Verify(context.Background(), tok); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}

	lenient, err := NewJWTVerifier(testKey, WithVerifierClock(later), WithLeeway(time.Minute))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := lenient.Verify(context.Background(), tok); err != nil {
		t.Fatalf("verify with leeway: %v", err)
	}
}

func TestJWTVerifier_IssuerCheckOptional(t *testing.T) {
	t.Parallel()

	tok, err := Issue(testKey, "bob", "", time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	v, _ := NewJWTVerifier(testKey)
	if _, err := v.Verify(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("default issuer check: err = %v", err)
	}

	open, _ := NewJWTVerifier(testKey, WithIssuer(""))
	if sub, err := open.Verify(context.Background(), tok); err != nil || sub != "bob" {
		t.Fatalf("sub=%q err=%v", sub, err)
	}
}

func TestNewJWTVerifier_BadOptions(t *testing.T) {
	t.Parallel()

	if _, err := NewJWTVerifier(nil); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := NewJWTVerifier(testKey, WithLeeway(-time.Second)); err == nil {
		t.Fatalf("expected error for negative leeway")
	}
	if _, err := NewJWTVerifier(testKey, WithVerifierClock(nil)); err == nil {
		t.Fatalf("expected error for nil clock")
	}
	if _, err := Issue(testKey, "", DefaultIssuer, time.Now(), time.Hour); err == nil {
		t.Fatalf("expected error for empty subject")
	}
	if _, err := Issue(testKey, "alice", DefaultIssuer, time.Now(), 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}

func TestJWTSource_Unverified(t *testing.T) {
	t.Parallel()

	// Signed with a key the client does not know.
	tok, err := Issue([]byte("server-side-secret-server-side-se"), "carol", DefaultIssuer, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	src, err := NewJWTSource(tok, nil)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	sub, err := src.CurrentUserID(context.Background())
	if err != nil || sub != "carol" {
		t.Fatalf("sub=%q err=%v", sub, err)
	}
	raw, err := src.Token(context.Background())
	if err != nil || raw != tok {
		t.Fatalf("token mismatch: err=%v", err)
	}

	expired, err := Issue(testKey, "carol", DefaultIssuer, time.Now().Add(-2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	src, _ = NewJWTSource(expired, nil)
	if _, err := src.CurrentUserID(context.Background()); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}

	src, _ = NewJWTSource("garbage", nil)
	if _, err := src.CurrentUserID(context.Background()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}

	if _, err := NewJWTSource("  ", nil); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("err = %v, want ErrNoIdentity", err)
	}
}

func TestJWTSource_Verified(t *testing.T) {
	t.Parallel()

	tok, err := Issue(testKey, "dave", DefaultIssuer, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	good, err := NewJWTSource(tok, testKey)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	if sub, err := good.CurrentUserID(context.Background()); err != nil || sub != "dave" {
		t.Fatalf("sub=%q err=%v", sub, err)
	}

	bad, err := NewJWTSource(tok, []byte("wrong-key-wrong-key-wrong-key-wr"))
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	if _, err := bad.CurrentUserID(context.Background()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestStatic(t *testing.T) {
	t.Parallel()

	if id, err := Static(" erin ").CurrentUserID(context.Background()); err != nil || id != "erin" {
		t.Fatalf("id=%q err=%v", id, err)
	}
	if _, err := Static("").CurrentUserID(context.Background()); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("err = %v, want ErrNoIdentity", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Static("erin").CurrentUserID(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
