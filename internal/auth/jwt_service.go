package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultAccessTokenTTL defines the fallback validity period for access tokens.
	DefaultAccessTokenTTL = 15 * time.Minute
	// DefaultPendingTokenTTL bounds how long a password-verified login may wait
	// for its second factor before starting over.
	DefaultPendingTokenTTL = 5 * time.Minute

	// ScopeSession marks a fully authenticated access token.
	ScopeSession = "session"
	// ScopeSecondFactorPending marks the interim token issued between password
	// verification and second-factor verification. It grants access to the
	// verify-2fa endpoint and nothing else.
	ScopeSecondFactorPending = "2fa_pending"
)

// JWTConfig bundles the configuration required to build a JWTService.
type JWTConfig struct {
	Secret          string
	Issuer          string
	AccessTokenTTL  time.Duration
	PendingTokenTTL time.Duration
	Clock           func() time.Time
}

// Claims represents the custom claims embedded in issued JWTs.
type Claims struct {
	UserID    string `json:"uid"`
	TenantID  string `json:"tid,omitempty"`
	SessionID string `json:"sid,omitempty"`
	Scope     string `json:"scope"`
	jwt.RegisteredClaims
}

// Pending reports whether the token only carries a password-verified login
// still waiting on its second factor.
func (c *Claims) Pending() bool {
	return c.Scope == ScopeSecondFactorPending
}

// AccessTokenInput holds the parameters used when generating a new access token.
type AccessTokenInput struct {
	UserID    string
	TenantID  string
	SessionID string
	Audience  []string
}

// JWTService is responsible for issuing and validating JSON Web Tokens.
type JWTService struct {
	secret     []byte
	issuer     string
	ttl        time.Duration
	pendingTTL time.Duration
	now        func() time.Time
}

// NewJWTService constructs a JWTService instance when provided with the required configuration.
func NewJWTService(cfg JWTConfig) (*JWTService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt: secret must be provided")
	}

	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	pendingTTL := cfg.PendingTokenTTL
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &JWTService{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		ttl:        ttl,
		pendingTTL: pendingTTL,
		now:        now,
	}, nil
}

// GenerateAccessToken issues a signed JWT for a fully authenticated session.
func (s *JWTService) GenerateAccessToken(input AccessTokenInput) (string, error) {
	return s.generate(input, ScopeSession, s.ttl)
}

// GeneratePendingToken issues a short-lived token after password verification
// when a second factor is still required. It carries no session id because no
// session exists yet.
func (s *JWTService) GeneratePendingToken(userID, tenantID string) (string, error) {
	return s.generate(AccessTokenInput{UserID: userID, TenantID: tenantID}, ScopeSecondFactorPending, s.pendingTTL)
}

func (s *JWTService) generate(input AccessTokenInput, scope string, ttl time.Duration) (string, error) {
	if input.UserID == "" {
		return "", errors.New("jwt: user id is required")
	}

	now := s.now()
	expiresAt := now.Add(ttl)

	claims := &Claims{
		UserID:    input.UserID,
		TenantID:  input.TenantID,
		SessionID: input.SessionID,
		Scope:     scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   input.UserID,
			Issuer:    s.issuer,
			Audience:  input.Audience,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	if input.SessionID != "" {
		claims.ID = input.SessionID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}

	return signed, nil
}

// ValidateAccessToken parses and validates a signed JWT, returning the application claims.
func (s *JWTService) ValidateAccessToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("jwt: token string is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("jwt: parse token: %w", err)
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, errors.New("jwt: invalid issuer")
	}

	if claims.UserID == "" {
		return nil, errors.New("jwt: missing user id claim")
	}

	return &claims, nil
}
