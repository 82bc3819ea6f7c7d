// Package static authenticates callers against a fixed list of bearer
// tokens. It is meant for local runs and single-tenant deployments.
package static

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/osvaldoandrade/contentpipe/pkg/auth"
)

// caller is one accepted token and the identity it maps to.
type caller struct {
	Token   string   `json:"token"`
	Subject string   `json:"subject,omitempty"`
	Email   string   `json:"email,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
	Tools   []string `json:"tools,omitempty"`
}

// fileConfig accepts a bare token string, a single caller object, or
// {"callers": [...]}.
type fileConfig struct {
	caller
	Callers []caller `json:"callers,omitempty"`
}

type entry struct {
	digest [sha256.Size]byte
	claims auth.Claims
}

// validator keeps only token digests.
type validator struct {
	entries []entry
}

func NewValidatorFromJSON(raw json.RawMessage) (auth.Validator, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, errors.New("static auth: missing config")
	}

	var fc fileConfig
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &fc.Token); err != nil {
			return nil, fmt.Errorf("static auth: invalid config: %w", err)
		}
	} else if err := json.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("static auth: invalid config: %w", err)
	}

	callers := fc.Callers
	if strings.TrimSpace(fc.Token) != "" {
		callers = append([]caller{fc.caller}, callers...)
	}
	if len(callers) == 0 {
		return nil, errors.New("static auth: token is required")
	}

	v := &validator{}
	seen := map[[sha256.Size]byte]bool{}
	for i, c := range callers {
		tok := strings.TrimSpace(c.Token)
		if tok == "" {
			return nil, fmt.Errorf("static auth: caller %d has no token", i)
		}
		d := sha256.Sum256([]byte(tok))
		if seen[d] {
			return nil, fmt.Errorf("static auth: caller %d repeats a token", i)
		}
		seen[d] = true
		subject := strings.TrimSpace(c.Subject)
		if subject == "" {
			subject = "static"
			if len(callers) > 1 {
				subject = fmt.Sprintf("static-%d", i)
			}
		}
		v.entries = append(v.entries, entry{
			digest: d,
			claims: auth.Claims{Subject: subject, Email: c.Email, Scopes: c.Scopes, Tools: c.Tools},
		})
	}
	return v, nil
}

func (v *validator) Validate(token string) (*auth.Claims, error) {
	d := sha256.Sum256([]byte(strings.TrimSpace(token)))
	var match *entry
	// Compare against every entry so timing does not reveal the position.
	for i := range v.entries {
		if subtle.ConstantTimeCompare(d[:], v.entries[i].digest[:]) == 1 {
			match = &v.entries[i]
		}
	}
	if match == nil {
		return nil, errors.New("invalid token")
	}
	claims := match.claims
	return &claims, nil
}

func init() {
	auth.RegisterProvider("static", NewValidatorFromJSON)
}
