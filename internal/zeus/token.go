package zeus

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	appErr "ojeval/pkg/errors"
)

// ResumeClaims bind a return URL to one parked environ.
type ResumeClaims struct {
	SavedEnvironID int64  `json:"sid"`
	JobID          string `json:"jid"`
	Kind           string `json:"knd,omitempty"`
	jwt.RegisteredClaims
}

// TokenSigner issues and checks resume tokens.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenSigner creates a signer. Tokens live for ttl, seven days when
// ttl is not positive.
func NewTokenSigner(secret string, ttl time.Duration) (*TokenSigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("zeus token secret is required")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &TokenSigner{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Sign returns a token naming the parked environ of jobID.
func (s *TokenSigner) Sign(savedEnvironID int64, jobID, kind string) (string, error) {
	now := s.now()
	claims := ResumeClaims{
		SavedEnvironID: savedEnvironID,
		JobID:          jobID,
		Kind:           kind,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks the signature and expiry of raw.
func (s *TokenSigner) Verify(raw string) (*ResumeClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &ResumeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, appErr.Wrap(err, appErr.SignatureExpired)
		}
		return nil, appErr.Wrap(err, appErr.SignatureInvalid)
	}
	claims, ok := parsed.Claims.(*ResumeClaims)
	if !ok || !parsed.Valid || claims.SavedEnvironID == 0 || claims.JobID == "" {
		return nil, appErr.New(appErr.SignatureInvalid).WithMessage("resume token is incomplete")
	}
	return claims, nil
}
