// Package auth verifies credentials presented by producers and consumers and
// derives their deterministic identities.
package auth

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	ErrMissingProducerID = errors.New("producerId is required")
	ErrInvalidUserID     = errors.New("invalid userId")
	ErrEmptyToken        = errors.New("token is empty")
)

var userIDPattern = regexp.MustCompile(`^[a-f0-9]{24}$`)

// Claims carried by snapper tokens. Producers carry ProducerID, consumers
// UserID, the stats endpoint accepts Name == "snapper" without UserID.
type Claims struct {
	ProducerID string `json:"producerId,omitempty"`
	UserID     string `json:"userId,omitempty"`
	Name       string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type Verifier interface {
	Verify(token string) (*Claims, error)
}

// JWTVerifier checks HMAC signed tokens. Successful verifications are cached
// per token; the cache TTL bounds how long a token is trusted past its exp.
type JWTVerifier struct {
	secret []byte
	cache  *expirable.LRU[string, *Claims]
}

func NewJWTVerifier(secret string, cacheSize int, cacheTTL time.Duration) *JWTVerifier {
	v := &JWTVerifier{secret: []byte(secret)}
	if cacheSize > 0 && cacheTTL > 0 {
		v.cache = expirable.NewLRU[string, *Claims](cacheSize, nil, cacheTTL)
	}
	return v
}

func (v *JWTVerifier) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}
	if v.cache != nil {
		if claims, ok := v.cache.Get(token); ok {
			if claims.ExpiresAt == nil || claims.ExpiresAt.After(time.Now()) {
				return claims, nil
			}
			v.cache.Remove(token)
		}
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("token is invalid")
	}

	if v.cache != nil {
		v.cache.Add(token, claims)
	}
	return claims, nil
}

// Sign issues an HS256 token for claims. Used by the token command and tests.
func (v *JWTVerifier) Sign(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// ProducerClaims verifies token and requires a producerId claim.
func ProducerClaims(v Verifier, token string) (*Claims, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.ProducerID == "" {
		return nil, ErrMissingProducerID
	}
	return claims, nil
}

// ConsumerClaims verifies token and requires a well formed userId claim.
func ConsumerClaims(v Verifier, token string) (*Claims, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return nil, err
	}
	if !ValidUserID(claims.UserID) {
		return nil, ErrInvalidUserID
	}
	return claims, nil
}

// IsStatsClaims reports whether claims grant access to process statistics:
// service tokens without a userId, or user tokens issued to snapper itself.
func IsStatsClaims(claims *Claims) bool {
	return claims != nil && (claims.UserID == "" || claims.Name == "snapper")
}

func ValidUserID(userID string) bool {
	return userIDPattern.MatchString(userID)
}

// ConnectionID is the lowercase hex MD5 of a producer token.
func ConnectionID(token string) string {
	sum := md5.Sum([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SessionID is the unpadded base64url encoding of the first 18 bytes of the
// SHA-256 of a consumer token: always 24 cookie-safe characters.
func SessionID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:18])
}
