package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	keyTTL = 5 * time.Minute
	// An unknown kid forces a refetch at most this often.
	minRefetch = 10 * time.Second
)

var errUnknownKid = errors.New("signing key not found in JWKS")

// keySet caches the RSA keys of one JWKS endpoint. Concurrent misses share
// a single fetch.
type keySet struct {
	url    string
	client *http.Client
	now    func() time.Time

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
	group   singleflight.Group
}

func newKeySet(url string, timeout time.Duration) *keySet {
	return &keySet{
		url:    url,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
		keys:   map[string]*rsa.PublicKey{},
	}
}

func (ks *keySet) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ks.mu.RLock()
	key, ok := ks.keys[kid]
	seen := ks.fetched
	ks.mu.RUnlock()
	age := ks.now().Sub(seen)

	if ok && age < keyTTL {
		return key, nil
	}
	if !ok && !seen.IsZero() && age < minRefetch {
		return nil, fmt.Errorf("%w: kid %q", errUnknownKid, kid)
	}
	_, err, _ := ks.group.Do("fetch", func() (any, error) {
		ks.mu.RLock()
		done := ks.fetched.After(seen)
		ks.mu.RUnlock()
		if done {
			// Another caller refreshed after we looked.
			return nil, nil
		}
		return nil, ks.refresh(ctx)
	})
	if err != nil {
		if ok {
			// Serve the expired key while the endpoint is unreachable.
			return key, nil
		}
		return nil, err
	}

	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if key, ok := ks.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", errUnknownKid, kid)
}

type jwkDoc struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (ks *keySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return err
	}
	resp, err := ks.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch JWKS: status %d", resp.StatusCode)
	}
	var doc jwkDoc
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return fmt.Errorf("decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := rsaKey(k.N, k.E)
		if err != nil {
			return fmt.Errorf("JWKS key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}

	ks.mu.Lock()
	ks.keys = keys
	ks.fetched = ks.now()
	ks.mu.Unlock()
	return nil
}

func rsaKey(n64, e64 string) (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(n64)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(e64)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}
