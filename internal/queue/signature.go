package queue

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/jobfit/internal/platform/logger"
)

// SignatureHeader carries the delivery token on callback requests.
const SignatureHeader = "X-Delivery-Signature"

const (
	signatureIssuer = "jobfit-queue"
	minKeyLength    = 32
)

// deliveryClaims binds a token to one callback URL and one request body.
type deliveryClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// BodyHash is the base64url SHA-256 digest carried in the body claim.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Signer issues delivery tokens with HMAC-SHA256.
type Signer struct {
	key      []byte
	lifetime time.Duration
	timeFunc func() time.Time
}

// NewSigner creates a Signer. Tokens expire lifetime after issue.
func NewSigner(key string, lifetime time.Duration) (*Signer, error) {
	if len(key) < minKeyLength {
		return nil, ErrWeakSigningKey
	}
	return &Signer{key: []byte(key), lifetime: lifetime, timeFunc: time.Now}, nil
}

// Sign returns a token for delivering body to url.
func (s *Signer) Sign(url string, body []byte) (string, error) {
	now := s.timeFunc()
	claims := deliveryClaims{
		Body: BodyHash(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signatureIssuer,
			Subject:   url,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign delivery token with HMAC-SHA256: %w", err)
	}
	return signed, nil
}

// Verifier checks delivery tokens against the current signing key and, when
// configured, the next one. Rotating means promoting next to current on
// both sides; tokens signed with either key verify in between.
type Verifier struct {
	keys      [][]byte
	clockSkew time.Duration
	timeFunc  func() time.Time
}

// NewVerifier creates a Verifier. next may be empty.
func NewVerifier(current, next string) (*Verifier, error) {
	if len(current) < minKeyLength {
		return nil, ErrWeakSigningKey
	}
	keys := [][]byte{[]byte(current)}
	if next != "" {
		if len(next) < minKeyLength {
			return nil, ErrWeakSigningKey
		}
		keys = append(keys, []byte(next))
	}
	return &Verifier{keys: keys, clockSkew: 30 * time.Second, timeFunc: time.Now}, nil
}

// Verify checks that token was issued for delivering body to url.
func (v *Verifier) Verify(ctx context.Context, token, url string, body []byte) error {
	log := logger.FromContext(ctx)

	if token == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidSignature)
	}

	var lastErr error
	for i, key := range v.keys {
		claims, err := v.parse(token, key)
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			lastErr = err
			continue
		}
		if err != nil {
			log.Debug("delivery token rejected", "error", err, "key_index", i)
			return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}

		if claims.Subject != url {
			log.Debug("delivery token issued for another url",
				"expected", url,
				"actual", claims.Subject)
			return fmt.Errorf("%w: url mismatch", ErrInvalidSignature)
		}
		if subtle.ConstantTimeCompare([]byte(claims.Body), []byte(BodyHash(body))) != 1 {
			return fmt.Errorf("%w: body mismatch", ErrInvalidSignature)
		}
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidSignature, lastErr)
}

func (v *Verifier) parse(token string, key []byte) (*deliveryClaims, error) {
	now := v.timeFunc()
	parsed, err := jwt.ParseWithClaims(
		token,
		&deliveryClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(signatureIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*deliveryClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
