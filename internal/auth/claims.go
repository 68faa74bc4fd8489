package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeStream   TokenType = "stream"
	TokenTypeOperator TokenType = "operator"
)

// OperatorAudience scopes operator tokens so a stream token can never be
// replayed against the operator API, and the reverse.
const OperatorAudience = "operator-api"

// StreamClaims bind one media-stream connection to one call session.
// The carrier echoes the token back in the stream start message.
type StreamClaims struct {
	jwt.RegisteredClaims

	CallSessionID string    `json:"call_session_id"`
	AccountID     string    `json:"account_id"`
	LineID        string    `json:"line_id"`
	TokenType     TokenType `json:"token_type"`
}

// OperatorClaims identify staff calling the operator API.
type OperatorClaims struct {
	jwt.RegisteredClaims

	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
