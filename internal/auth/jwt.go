package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"carecall/internal/config"
)

type Manager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

func NewManager(cfg config.StreamConfig) (*Manager, error) {
	if cfg.TokenSecret == "" {
		return nil, errors.New("STREAM_TOKEN_SECRET is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Manager{
		secret:   []byte(cfg.TokenSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      ttl,
	}, nil
}

var (
	ErrTokenMismatch = errors.New("auth: token_type mismatch")
	ErrMissingClaim  = errors.New("auth: required claim missing")
)

/* ===================== ISSUE ===================== */

// IssueStreamToken is short-lived: it only has to survive until the carrier
// opens the media stream after answering.
func (m *Manager) IssueStreamToken(now time.Time, callSessionID, accountID, lineID string) (string, error) {
	if callSessionID == "" {
		return "", ErrMissingClaim
	}
	claims := StreamClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   callSessionID,
			Audience:  audienceOrNil(m.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
		CallSessionID: callSessionID,
		AccountID:     accountID,
		LineID:        lineID,
		TokenType:     TokenTypeStream,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secret)
}

// IssueOperatorToken mints a token for the operator API. Operator sessions
// are longer lived than stream tokens.
func (m *Manager) IssueOperatorToken(now time.Time, subject, role string, ttl time.Duration) (string, error) {
	if subject == "" || role == "" {
		return "", ErrMissingClaim
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{OperatorAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role:      role,
		TokenType: TokenTypeOperator,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secret)
}

/* ===================== VERIFY ===================== */

func (m *Manager) VerifyStreamToken(tokenString string, now time.Time) (StreamClaims, error) {
	var claims StreamClaims
	if err := m.parse(tokenString, now, m.audience, &claims); err != nil {
		return StreamClaims{}, err
	}
	if claims.TokenType != TokenTypeStream {
		return StreamClaims{}, ErrTokenMismatch
	}
	if claims.CallSessionID == "" || claims.AccountID == "" {
		return StreamClaims{}, ErrMissingClaim
	}
	return claims, nil
}

func (m *Manager) VerifyOperatorToken(tokenString string, now time.Time) (OperatorClaims, error) {
	var claims OperatorClaims
	if err := m.parse(tokenString, now, OperatorAudience, &claims); err != nil {
		return OperatorClaims{}, err
	}
	if claims.TokenType != TokenTypeOperator {
		return OperatorClaims{}, ErrTokenMismatch
	}
	if claims.Subject == "" || claims.Role == "" {
		return OperatorClaims{}, ErrMissingClaim
	}
	return claims, nil
}

func (m *Manager) parse(tokenString string, now time.Time, audience string, claims jwt.Claims) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30 * time.Second), // clock skew tolerance
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	})
	return err
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
