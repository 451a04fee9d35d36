package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute
)

var (
	ErrMissingSigningSecret = errors.New("token issuer: signing secret required")
	ErrMissingIssuer        = errors.New("token issuer: issuer required")
	ErrMissingAudience      = errors.New("token issuer: audience required")
	ErrMissingDeviceClaim   = errors.New("token issuer: device claim required")
	ErrInvalidToken         = errors.New("token issuer: invalid token")
	ErrExpiredToken         = errors.New("token issuer: token expired")
)

// DeviceClaims is the JWT payload carried by agent bearer tokens. The subject is
// the device ID.
type DeviceClaims struct {
	DeviceClass clip.DeviceClass `json:"device_class"`
	jwt.RegisteredClaims
}

// DeviceID returns the subject as a device identifier.
func (c DeviceClaims) DeviceID() clip.DeviceID {
	return clip.DeviceID(c.Subject)
}

// TokenIssuerConfig configures the remote store's device token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates HS256 device tokens.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer. A zero TTL selects the default.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl < 0 {
		return nil, fmt.Errorf("token issuer: ttl must not be negative")
	}
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// IssueDeviceToken produces a signed JWT and its lifetime in seconds.
func (i *TokenIssuer) IssueDeviceToken(_ context.Context, deviceID clip.DeviceID, class clip.DeviceClass) (string, int64, error) {
	if strings.TrimSpace(deviceID.String()) == "" {
		return "", 0, ErrMissingDeviceClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()

	claims := DeviceClaims{
		DeviceClass: class,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID.String(),
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken checks signature, issuer, audience and expiry and returns the claims.
func (i *TokenIssuer) ValidateToken(tokenString string) (DeviceClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return DeviceClaims{}, ErrInvalidToken
	}

	claims := &DeviceClaims{}
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return DeviceClaims{}, ErrExpiredToken
		}
		return DeviceClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return DeviceClaims{}, ErrMissingDeviceClaim
	}
	return *claims, nil
}
