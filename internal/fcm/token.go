// Package fcm implements the Firebase Cloud Messaging HTTP v1 protocol:
// minting short-lived bearer tokens from a service-account credential via
// the OAuth2 JWT-bearer grant, and per-device message delivery.
package fcm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// Scope is the OAuth2 scope required to call the FCM v1 send API.
	Scope = "https://www.googleapis.com/auth/firebase.messaging"

	// GoogleTokenURL is Google's OAuth2 token endpoint.
	GoogleTokenURL = "https://www.googleapis.com/oauth2/v4/token"

	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	assertionLifetime = time.Hour
)

var (
	// ErrCredential indicates the service-account key could not be parsed
	// or the assertion could not be signed. Fatal: nothing can be sent.
	ErrCredential = errors.New("invalid service account credential")

	// ErrAuthExchange indicates the token endpoint rejected the signed
	// assertion or returned no access token. Fatal to the invocation.
	ErrAuthExchange = errors.New("token exchange failed")
)

// ServiceAccount is the signing identity loaded once per process from the
// FIREBASE_SERVICE_ACCOUNT blob. Immutable after load.
type ServiceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	ProjectID   string `json:"project_id"`
}

// ParseServiceAccount decodes a service-account JSON blob and validates the
// fields this service depends on.
func ParseServiceAccount(raw []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, fmt.Errorf("%w: decode service account: %v", ErrCredential, err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" || sa.ProjectID == "" {
		return nil, fmt.Errorf("%w: client_email, private_key and project_id are required", ErrCredential)
	}
	return &sa, nil
}

// Token is a short-lived bearer credential. It is never persisted and never
// reused across invocations; each unit of work mints its own.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Minter exchanges signed JWT assertions for bearer tokens.
type Minter struct {
	account  *ServiceAccount
	tokenURL string
	client   *http.Client
	now      func() time.Time
	logger   *zap.Logger
}

// MinterOption customizes a Minter.
type MinterOption func(*Minter)

// WithTokenURL overrides the OAuth2 token endpoint (tests).
func WithTokenURL(u string) MinterOption {
	return func(m *Minter) { m.tokenURL = u }
}

// WithMinterHTTPClient overrides the HTTP client used for the exchange.
func WithMinterHTTPClient(c *http.Client) MinterOption {
	return func(m *Minter) { m.client = c }
}

// WithMinterClock overrides the clock (tests).
func WithMinterClock(now func() time.Time) MinterOption {
	return func(m *Minter) { m.now = now }
}

// NewMinter creates a Minter for the given service account.
func NewMinter(account *ServiceAccount, logger *zap.Logger, opts ...MinterOption) *Minter {
	m := &Minter{
		account:  account,
		tokenURL: GoogleTokenURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type exchangeResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Mint builds an RS256-signed assertion for the service account and trades
// it for a bearer token at the OAuth2 token endpoint. The provider's access
// token is returned as-is; its contents are not inspected locally.
func (m *Minter) Mint(ctx context.Context) (*Token, error) {
	iat := m.now()
	exp := iat.Add(assertionLifetime)

	// Fresh jti per assertion so the provider can deduplicate replays.
	claims := jwt.MapClaims{
		"iss":   m.account.ClientEmail,
		"scope": Scope,
		"aud":   m.tokenURL,
		"iat":   iat.Unix(),
		"exp":   exp.Unix(),
		"jti":   uuid.NewString(),
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(m.account.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrCredential, err)
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign assertion: %v", ErrCredential, err)
	}

	form := url.Values{
		"grant_type": {grantTypeJWTBearer},
		"assertion":  {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrAuthExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthExchange, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrAuthExchange, err)
	}

	var exchange exchangeResponse
	if err := json.Unmarshal(body, &exchange); err != nil {
		return nil, fmt.Errorf("%w: decode response (status %d): %v", ErrAuthExchange, resp.StatusCode, err)
	}

	if exchange.Error != "" {
		detail := exchange.ErrorDescription
		if detail == "" {
			detail = exchange.Error
		}
		return nil, fmt.Errorf("%w: %s", ErrAuthExchange, detail)
	}

	if exchange.AccessToken == "" {
		return nil, fmt.Errorf("%w: response contained no access token", ErrAuthExchange)
	}

	expiresIn := exchange.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = int(assertionLifetime.Seconds())
	}

	m.logger.Debug("bearer token minted",
		zap.String("issuer", m.account.ClientEmail),
		zap.Int("expires_in", expiresIn),
	)

	return &Token{
		AccessToken: exchange.AccessToken,
		ExpiresAt:   m.now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}
