// Package auth binds a signed credential to a Principal.
//
// Verification is purely cryptographic: no store lookup happens on the hot
// path, so a websocket handshake never blocks on the database.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultCookieName carries the credential on browser connections.
	DefaultCookieName = "barterhub_token"

	// MinSecretBytes is the floor for the HS256 signing secret.
	MinSecretBytes = 32

	defaultTokenTTL = 24 * time.Hour

	issuer = "barterhub"
)

var (
	ErrTokenInvalid   = errors.New("auth: token is invalid")
	ErrTokenExpired   = errors.New("auth: token has expired")
	ErrNoCredential   = errors.New("auth: no credential presented")
	ErrSecretTooShort = errors.New("auth: signing secret shorter than 32 bytes")
)

// Principal is an authenticated identity. The messaging core treats it as
// opaque and trustworthy once obtained.
type Principal struct {
	ID int64
}

// Claims is the signed token body.
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// Verifier validates raw credential material into a Principal.
type Verifier interface {
	Verify(raw string) (Principal, error)
}

// Service issues and verifies HS256 tokens. Issue exists for the surrounding
// auth subsystem and for tests; the messaging core only calls Verify.
type Service struct {
	secret []byte
	ttl    time.Duration
}

// NewService constructs a token service. The secret is used as raw bytes, so
// length is measured in bytes, not runes.
func NewService(secret string, ttl time.Duration) (*Service, error) {
	if len(secret) < MinSecretBytes {
		return nil, ErrSecretTooShort
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Service{secret: []byte(secret), ttl: ttl}, nil
}

// Issue signs a token for userID valid from now for the configured TTL.
func (s *Service) Issue(userID int64, now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify validates signature and expiry and returns the bound Principal.
func (s *Service) Verify(raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrNoCredential
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID <= 0 {
		return Principal{}, ErrTokenInvalid
	}
	return Principal{ID: claims.UserID}, nil
}

// CredentialFromRequest extracts raw credential material from the request:
// the named cookie first, then an Authorization bearer header. Both are
// available at handshake time; neither is re-read per message.
func CredentialFromRequest(r *http.Request, cookieName string) (string, error) {
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}

	if c, err := r.Cookie(cookieName); err == nil && strings.TrimSpace(c.Value) != "" {
		return c.Value, nil
	}

	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		if tok := strings.TrimSpace(after); tok != "" {
			return tok, nil
		}
	}

	return "", ErrNoCredential
}
