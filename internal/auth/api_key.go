package auth

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrInvalidAPIKey signals that the presented API key does not match the
// configured one.
var ErrInvalidAPIKey = errors.New("invalid api key")

var errMissingTokenIssuer = errors.New("token issuer must be provided")

// APIKeyExchangerConfig configures an APIKeyExchanger.
type APIKeyExchangerConfig struct {
	APIKey  string
	Subject string
	Issuer  *TokenIssuer
}

// APIKeyExchanger swaps a pre-shared API key for a short lived bearer
// token bound to the configured owner.
type APIKeyExchanger struct {
	apiKey  string
	subject string
	issuer  *TokenIssuer
}

// NewAPIKeyExchanger constructs an exchanger.
func NewAPIKeyExchanger(cfg APIKeyExchangerConfig) (*APIKeyExchanger, error) {
	if cfg.Issuer == nil {
		return nil, errMissingTokenIssuer
	}
	if cfg.APIKey == "" {
		return nil, ErrInvalidAPIKey
	}
	if cfg.Subject == "" {
		return nil, errMissingSubjectClaim
	}
	return &APIKeyExchanger{apiKey: cfg.APIKey, subject: cfg.Subject, issuer: cfg.Issuer}, nil
}

// Exchange validates the presented key and issues a token for the
// configured subject.
func (e *APIKeyExchanger) Exchange(ctx context.Context, presentedKey string) (string, int64, error) {
	if subtle.ConstantTimeCompare([]byte(presentedKey), []byte(e.apiKey)) != 1 {
		return "", 0, ErrInvalidAPIKey
	}
	return e.issuer.IssueToken(ctx, e.subject)
}
