package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken marks a resume token that is missing, expired, or bound to
// a different checkpoint. The resume is rejected before schema validation.
var ErrInvalidToken = errors.New("invalid resume token")

// resumeClaims binds a token to one checkpoint of one project.
type resumeClaims struct {
	jwt.RegisteredClaims
	CheckpointID string `json:"checkpoint_id"`
}

// TokenSigner issues and verifies the HS256 resume tokens embedded in
// checkpoint notifications. A token scopes a decision payload to exactly the
// checkpoint it was issued for.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewTokenSigner creates a signer. TTL bounds how long a checkpoint
// notification stays actionable; zero means no expiry.
func NewTokenSigner(secret []byte, ttl time.Duration) (*TokenSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("checkpoint: empty token secret")
	}
	return &TokenSigner{secret: secret, ttl: ttl, clock: time.Now}, nil
}

// WithClock overrides the clock for testing.
func (s *TokenSigner) WithClock(clock func() time.Time) *TokenSigner {
	s.clock = clock
	return s
}

// Issue signs a token for a checkpoint.
func (s *TokenSigner) Issue(projectID, checkpointID string) (string, error) {
	now := s.clock().UTC()
	claims := resumeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  projectID,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   "gauntlet/checkpoint",
		},
		CheckpointID: checkpointID,
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("checkpoint: sign resume token: %w", err)
	}
	return signed, nil
}

// Verify checks a token against the checkpoint the payload claims to
// resolve. Any mismatch fails with ErrInvalidToken.
func (s *TokenSigner) Verify(token, projectID, checkpointID string) error {
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidToken)
	}
	parsed, err := jwt.ParseWithClaims(token, &resumeClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.clock().UTC() }))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*resumeClaims)
	if !ok || !parsed.Valid {
		return fmt.Errorf("%w: malformed claims", ErrInvalidToken)
	}
	if claims.Subject != projectID || claims.CheckpointID != checkpointID {
		return fmt.Errorf("%w: token bound to a different checkpoint", ErrInvalidToken)
	}
	return nil
}
