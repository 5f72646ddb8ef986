package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xela07ax/botfleet/internal/domain"
)

// Issuer — iss для токенов операторов, выпускаемых botfleetctl
const Issuer = "botfleet"

// допуск расхождения часов между хостом botfleetctl и оркестратором
const clockSkew = 30 * time.Second

var ErrInvalidToken = errors.New("invalid token")

// RSAValidator проверяет операторские JWT (RS256) открытым ключом.
type RSAValidator struct {
	key    *rsa.PublicKey
	parser *jwt.Parser
}

func NewRSAValidator(key *rsa.PublicKey) *RSAValidator {
	return &RSAValidator{
		key: key,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(clockSkew),
		),
	}
}

// VerifyToken принимает как "Bearer <jwt>", так и голый токен.
func (v *RSAValidator) VerifyToken(raw string) (*domain.CustomClaims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	claims := &domain.CustomClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// IssueToken подписывает токен оператора закрытым ключом (botfleetctl token).
func IssueToken(key *rsa.PrivateKey, operator string, scopes []string, ttl time.Duration) (string, error) {
	if operator == "" {
		return "", errors.New("operator is required")
	}
	now := time.Now()
	granted := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		granted[s] = true
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, &domain.CustomClaims{
		UserID: operator,
		Scopes: granted,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString(key)
}

func ParseRSAPublicKey(pem []byte) (*rsa.PublicKey, error) {
	return parsePEM(pem, "public", jwt.ParseRSAPublicKeyFromPEM)
}

func ParseRSAPrivateKey(pem []byte) (*rsa.PrivateKey, error) {
	return parsePEM(pem, "private", jwt.ParseRSAPrivateKeyFromPEM)
}

func parsePEM[K any](pem []byte, kind string, parse func([]byte) (K, error)) (K, error) {
	var zero K
	if len(pem) == 0 {
		return zero, fmt.Errorf("%s key is empty", kind)
	}
	key, err := parse(pem)
	if err != nil {
		return zero, fmt.Errorf("parse %s key: %w", kind, err)
	}
	return key, nil
}
