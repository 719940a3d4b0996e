package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Standard JWT verification errors.
var (
	ErrInvalidToken        = errors.New("auth: invalid token")
	ErrExpiredToken         = errors.New("auth: token has expired")
	ErrInvalidSecretLength  = errors.New("auth: jwt secret must be at least 32 characters")
)

// claims is the token payload: an abstract subject plus path-scoped
// capabilities, rather than protocol-specific identity.
type claims struct {
	jwt.RegisteredClaims
	Admin  bool     `json:"admin,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// JWTConfig configures the default, HMAC-signed Verifier.
type JWTConfig struct {
	// Secret is the HMAC signing key. Must be at least 32 characters.
	Secret string

	// Issuer is the expected token issuer claim.
	Issuer string
}

// JWTVerifier is the default Verifier implementation: HMAC-signed bearer
// tokens carrying a subject, an admin flag, and a list of scopes of the
// form "bind:<path-prefix>" or "compact:<path-prefix>".
type JWTVerifier struct {
	cfg JWTConfig
}

var _ Verifier = (*JWTVerifier)(nil)

// NewJWTVerifier constructs a JWTVerifier, rejecting secrets shorter than
// 32 bytes the same way the control-plane's JWT service does.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if len(cfg.Secret) < 32 {
		return nil, ErrInvalidSecretLength
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "realmsyncd"
	}
	return &JWTVerifier{cfg: cfg}, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.cfg.Secret), nil
	}, jwt.WithIssuer(v.cfg.Issuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredToken
		}
		return Principal{}, ErrInvalidToken
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}

	return Principal{Subject: c.Subject, IsAdmin: c.Admin, Scopes: c.Scopes}, nil
}

// Can implements Verifier. Admins may perform any operation. Otherwise the
// principal needs a scope "<op>:<prefix>" where path has prefix as a
// path-segment-aligned prefix.
func (v *JWTVerifier) Can(principal Principal, op Operation, path string) bool {
	if principal.IsAdmin {
		return true
	}
	for _, scope := range principal.Scopes {
		kind, prefix, ok := strings.Cut(scope, ":")
		if !ok || Operation(kind) != op {
			continue
		}
		if pathHasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func pathHasPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || strings.HasPrefix(rest, "/")
}

// NewToken issues a signed token for subject with the given admin flag,
// scopes and lifetime. Production deployments normally mint tokens from an
// external identity provider.
func (v *JWTVerifier) NewToken(subject string, admin bool, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := &claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.cfg.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Admin:  admin,
		Scopes: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(v.cfg.Secret))
}
