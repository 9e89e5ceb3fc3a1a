package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer        = "traklist"
	hostAudience  = "room-host"
	stateAudience = "oauth-state"
)

var ErrInvalidToken = errors.New("invalid token")

// HostClaims bind a bearer to the host role of a single room.
type HostClaims struct {
	RoomCode string `json:"room"`
	jwt.RegisteredClaims
}

// StateClaims travel through the provider redirect as the OAuth state value.
type StateClaims struct {
	Mode       string `json:"mode"`
	ReturnPath string `json:"return_path,omitempty"`
	jwt.RegisteredClaims
}

// Nonce is the one-time identifier stored alongside the state.
func (c *StateClaims) Nonce() string {
	return c.ID
}

type Signer struct {
	secret  []byte
	hostTTL time.Duration
}

func NewSigner(secret string, hostTTL time.Duration) *Signer {
	return &Signer{secret: []byte(secret), hostTTL: hostTTL}
}

func (s *Signer) GenerateHostToken(roomCode string) (string, error) {
	now := time.Now()
	claims := HostClaims{
		RoomCode: strings.ToUpper(roomCode),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strings.ToUpper(roomCode),
			Audience:  jwt.ClaimStrings{hostAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.hostTTL)),
		},
	}

	return s.sign(claims)
}

func (s *Signer) ValidateHostToken(token string) (*HostClaims, error) {
	claims := &HostClaims{}
	if err := s.parse(token, claims, hostAudience); err != nil {
		return nil, err
	}
	if claims.RoomCode == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AuthorizesRoom reports whether token is a valid host token for roomCode.
func (s *Signer) AuthorizesRoom(token, roomCode string) bool {
	claims, err := s.ValidateHostToken(token)
	if err != nil {
		return false
	}
	return strings.EqualFold(claims.RoomCode, strings.TrimSpace(roomCode))
}

func (s *Signer) GenerateState(mode, returnPath, nonce string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := StateClaims{
		Mode:       mode,
		ReturnPath: returnPath,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{stateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return s.sign(claims)
}

func (s *Signer) ValidateState(token string) (*StateClaims, error) {
	claims := &StateClaims{}
	if err := s.parse(token, claims, stateAudience); err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Signer) sign(claims jwt.Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

func (s *Signer) parse(token string, claims jwt.Claims, audience string) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}
