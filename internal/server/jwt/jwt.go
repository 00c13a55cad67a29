// Package jwt issues and validates technician tokens for the agent API.
package jwt

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/iudanet/benchkeeper/internal/clock"
	"github.com/iudanet/benchkeeper/internal/validation"
)

// Issuer значение iss во всех токенах агента
const Issuer = "benchkeeper"

// ErrInvalidToken токен не прошел проверку подписи, срока или формата
var ErrInvalidToken = errors.New("invalid token")

// Claims представляет JWT claims техника
type Claims struct {
	Technician string `json:"technician"`
	Site       string `json:"site,omitempty"` // площадка по умолчанию для запросов без site
	gojwt.RegisteredClaims
}

// Service provides token generation and validation
type Service struct {
	clock  clock.Clock
	secret []byte
	ttl    time.Duration
}

// NewService creates a new token service. secret should be a
// cryptographically secure random string.
func NewService(secret string, ttl time.Duration, c clock.Clock) (*Service, error) {
	if len(secret) < 16 {
		return nil, errors.New("token secret must be at least 16 characters")
	}
	if c == nil {
		c = clock.System()
	}
	return &Service{secret: []byte(secret), ttl: ttl, clock: c}, nil
}

// Generate creates a signed token for the technician
func (s *Service) Generate(technician, site string) (string, time.Time, error) {
	if err := validation.ValidateTechnician(technician); err != nil {
		return "", time.Time{}, err
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.ttl)

	claims := Claims{
		Technician: technician,
		Site:       validation.NormalizeSite(site),
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   technician,
			ExpiresAt: gojwt.NewNumericDate(expiresAt),
			IssuedAt:  gojwt.NewNumericDate(now),
			NotBefore: gojwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// Validate parses the token and checks signature, expiry and issuer
func (s *Service) Validate(tokenString string) (*Claims, error) {
	token, err := gojwt.ParseWithClaims(tokenString, &Claims{}, func(token *gojwt.Token) (interface{}, error) {
		// Проверяем что используется правильный алгоритм подписи
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		gojwt.WithIssuer(Issuer),
		gojwt.WithExpirationRequired(),
		gojwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Technician == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
