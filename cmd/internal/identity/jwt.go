package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is the iss claim of tokens minted by Issue.
const DefaultIssuer = "chatsync"

// Issue signs an HS256 token for subject, valid for ttl from now.
func Issue(key []byte, subject, issuer string, now time.Time, ttl time.Duration) (string, error) {
	if len(key) == 0 {
		return "", errors.New("identity: empty signing key")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("identity: empty subject")
	}
	if ttl <= 0 {
		return "", errors.New("identity: non-positive ttl")
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// JWTVerifier authenticates HS256 bearer tokens and returns their subject.
// Tokens must carry exp and a non-empty sub.
type JWTVerifier struct {
	key    []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// VerifierOption configures a JWTVerifier.
type VerifierOption func(*JWTVerifier) error

// WithIssuer requires the iss claim to equal issuer. An empty issuer disables the check.
func WithIssuer(issuer string) VerifierOption {
	return func(v *JWTVerifier) error {
		v.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithLeeway tolerates clock skew when validating exp/nbf/iat.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *JWTVerifier) error {
		if d < 0 {
			return errors.New("identity: negative leeway")
		}
		v.leeway = d
		return nil
	}
}

// WithVerifierClock overrides the verifier's time source (tests).
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *JWTVerifier) error {
		if now == nil {
			return errors.New("identity: nil clock")
		}
		v.now = now
		return nil
	}
}

// NewJWTVerifier constructs a verifier for tokens signed with key.
func NewJWTVerifier(key []byte, opts ...VerifierOption) (*JWTVerifier, error) {
	if len(key) == 0 {
		return nil, errors.New("identity: empty verification key")
	}
	v := &JWTVerifier{
		key:    append([]byte(nil), key...),
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Verify returns the subject of a valid token.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}

	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		popts = append(popts, jwt.WithIssuer(v.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.NewParser(popts...).ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrInvalidToken
	}
	return subjectOf(claims)
}

// JWTSource reads the current user from a bearer token. With a key it verifies the
// token like JWTVerifier; without one it only decodes the claims, which is enough for
// labelling own messages since the remote enforces access with the same token.
type JWTSource struct {
	token    string
	verifier *JWTVerifier
	now      func() time.Time
}

// NewJWTSource wraps token. key may be nil.
func NewJWTSource(token string, key []byte, opts ...VerifierOption) (*JWTSource, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoIdentity
	}
	s := &JWTSource{token: token, now: time.Now}
	if len(key) > 0 {
		v, err := NewJWTVerifier(key, opts...)
		if err != nil {
			return nil, err
		}
		s.verifier = v
		s.now = v.now
	}
	return s, nil
}

// Token returns the raw bearer token.
func (s *JWTSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.token, nil
}

// CurrentUserID implements Source.
func (s *JWTSource) CurrentUserID(ctx context.Context) (string, error) {
	if s.verifier != nil {
		return s.verifier.Verify(ctx, s.token)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(s.token, &claims); err != nil {
		return "", ErrInvalidToken
	}
	if claims.ExpiresAt != nil && !s.now().Before(claims.ExpiresAt.Time) {
		return "", ErrTokenExpired
	}
	return subjectOf(claims)
}

func subjectOf(claims jwt.RegisteredClaims) (string, error) {
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}
