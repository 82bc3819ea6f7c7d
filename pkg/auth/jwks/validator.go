// Package jwks validates RS256/384/512 bearer tokens against a remote key
// set and maps them to gateway claims.
package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/osvaldoandrade/contentpipe/pkg/auth"
)

type Validator struct {
	issuer   string
	audience string
	leeway   time.Duration
	keys     *keySet
}

// fileConfig is the JSON form accepted from gateway configuration.
type fileConfig struct {
	JwksURL            string `json:"jwksUrl"`
	Issuer             string `json:"issuer"`
	Audience           string `json:"audience"`
	ClockSkewSeconds   int    `json:"clockSkewSeconds,omitempty"`
	HTTPTimeoutSeconds int    `json:"httpTimeoutSeconds,omitempty"`
}

func NewValidatorFromJSON(raw json.RawMessage) (auth.Validator, error) {
	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if fc.HTTPTimeoutSeconds <= 0 {
		fc.HTTPTimeoutSeconds = 5
	}
	return NewValidator(auth.Config{
		JwksURL:     fc.JwksURL,
		Issuer:      fc.Issuer,
		Audience:    fc.Audience,
		ClockSkew:   time.Duration(fc.ClockSkewSeconds) * time.Second,
		HTTPTimeout: time.Duration(fc.HTTPTimeoutSeconds) * time.Second,
	})
}

func init() {
	auth.RegisterProvider("jwks", NewValidatorFromJSON)
}

func NewValidator(cfg auth.Config) (auth.Validator, error) {
	var missing []string
	if cfg.JwksURL == "" {
		missing = append(missing, "jwksUrl")
	}
	if cfg.Issuer == "" {
		missing = append(missing, "issuer")
	}
	if cfg.Audience == "" {
		missing = append(missing, "audience")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s required", strings.Join(missing, ", "))
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	return &Validator{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   cfg.ClockSkew,
		keys:     newKeySet(cfg.JwksURL, cfg.HTTPTimeout),
	}, nil
}

// tokenClaims is the JWT body the gateway understands.
type tokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	// Scope is the OAuth space-separated form; Scp the array form some
	// identity providers emit.
	Scope string     `json:"scope,omitempty"`
	Scp   stringList `json:"scp,omitempty"`
	Tools stringList `json:"tools,omitempty"`
}

// stringList accepts either a JSON array or a space-separated string.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = strings.Fields(one)
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("expected string or list: %w", err)
	}
	*l = many
	return nil
}

func (v *Validator) Validate(token string) (*auth.Claims, error) {
	var tc tokenClaims
	_, err := jwt.ParseWithClaims(token, &tc, v.keyFor,
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, err
	}

	claims := &auth.Claims{
		Subject:  tc.Subject,
		Email:    tc.Email,
		Issuer:   tc.Issuer,
		Audience: tc.Audience,
		Scopes:   append(strings.Fields(tc.Scope), tc.Scp...),
		Tools:    tc.Tools,
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	if tc.IssuedAt != nil {
		claims.IssuedAt = tc.IssuedAt.Time
	}
	return claims, nil
}

func (v *Validator) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token header has no kid")
	}
	ctx, cancel := context.WithTimeout(context.Background(), v.keys.client.Timeout)
	defer cancel()
	return v.keys.key(ctx, kid)
}
