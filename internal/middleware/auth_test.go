package middleware

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/osvaldoandrade/contentpipe/pkg/auth"
	_ "github.com/osvaldoandrade/contentpipe/pkg/auth/jwks" // Register JWKS provider

	"github.com/gin-gonic/gin"
)

const (
	testIssuer   = "contentpipe-test"
	testAudience = "contentpipe-gateway"
)

type testEnv struct {
	jwksSrv   *httptest.Server
	privKey   *rsa.PrivateKey
	validator auth.Validator
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key gen: %v", err)
	}
	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := base64.RawURLEncoding.EncodeToString(privKey.PublicKey.N.Bytes())
		e := base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x00, 0x01})
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{"kty": "RSA", "kid": "kid-1", "n": n, "e": e}},
		})
	}))
	t.Cleanup(jwksSrv.Close)

	raw, _ := json.Marshal(map[string]any{
		"jwksUrl":          jwksSrv.URL,
		"issuer":           testIssuer,
		"audience":         testAudience,
		"clockSkewSeconds": 60,
	})
	validator, err := auth.NewValidator(auth.ProviderConfig{Type: "jwks", Config: raw})
	if err != nil {
		t.Fatalf("validator init: %v", err)
	}
	return &testEnv{jwksSrv: jwksSrv, privKey: privKey, validator: validator}
}

func (e *testEnv) token(t *testing.T, extra map[string]any) string {
	t.Helper()
	now := time.Now().Unix()
	claims := map[string]any{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": "editor-1",
		"exp": now + 3600,
		"iat": now - 10,
		"jti": "jid-1",
	}
	for k, v := range extra {
		claims[k] = v
	}
	return signJWT(t, e.privKey, "kid-1", claims)
}

func signJWT(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]any) string {
	t.Helper()
	header := map[string]any{"alg": "RS256", "typ": "JWT", "kid": kid}
	enc := func(v any) string {
		b, _ := json.Marshal(v)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	h := enc(header)
	p := enc(claims)
	signingInput := h + "." + p
	hashed := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	s := base64.RawURLEncoding.EncodeToString(sig)
	return signingInput + "." + s
}

// serve runs the chain against POST /tools/:name/invoke.
func serve(t *testing.T, tool, authHeader string, handlers ...gin.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		caller, _ := c.Get("caller")
		c.JSON(http.StatusOK, gin.H{"caller": caller})
	})
	r.POST("/tools/:name/invoke", handlers...)
	req := httptest.NewRequest(http.MethodPost, "/tools/"+tool+"/invoke", bytes.NewBuffer(nil))
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestValidateBearer(t *testing.T) {
	env := setupEnv(t)
	tok := env.token(t, map[string]any{
		"scope": "contentpipe:invoke contentpipe:read",
		"tools": []string{"crawl", "audit"},
	})

	claims, err := validateBearer(env.validator, "Bearer "+tok)
	if err != nil {
		t.Fatalf("expected valid token: %v", err)
	}
	if claims.Subject != "editor-1" {
		t.Fatalf("subject mismatch: %s", claims.Subject)
	}
	if !claims.Can(auth.ScopeInvoke) || claims.Can(auth.ScopeCancel) {
		t.Fatalf("unexpected scopes: %v", claims.Scopes)
	}
	if len(claims.Tools) != 2 {
		t.Fatalf("expected tools claim, got %v", claims.Tools)
	}
}

func TestValidateBearerMalformedHeader(t *testing.T) {
	env := setupEnv(t)
	for _, h := range []string{"", "   ", "Basic abc", "Bearer"} {
		if _, err := validateBearer(env.validator, h); err == nil {
			t.Fatalf("expected error for header %q", h)
		}
	}
}

func TestAuthMiddlewareInvalidAudience(t *testing.T) {
	env := setupEnv(t)
	tok := env.token(t, map[string]any{"aud": "wrong"})

	rec := serve(t, "crawl", "Bearer "+tok, AuthMiddleware(env.validator))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid audience, got %d", rec.Code)
	}
}

func TestAuthMiddlewareSetsCaller(t *testing.T) {
	env := setupEnv(t)
	tok := env.token(t, map[string]any{"email": "editor@contentpipe.local"})

	rec := serve(t, "crawl", "Bearer "+tok, AuthMiddleware(env.validator))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["caller"] != "editor@contentpipe.local" {
		t.Fatalf("caller = %q", body["caller"])
	}
}

func TestAuthMiddlewareNilValidator(t *testing.T) {
	rec := serve(t, "crawl", "Bearer x", AuthMiddleware(nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without validator, got %d", rec.Code)
	}
}

func TestRequireScope(t *testing.T) {
	env := setupEnv(t)
	cases := []struct {
		name  string
		scope any
		want  int
	}{
		{"granted", "contentpipe:invoke", http.StatusOK},
		{"wildcard", "contentpipe:*", http.StatusOK},
		{"missing", "contentpipe:read", http.StatusForbidden},
		{"unrestricted", nil, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			extra := map[string]any{}
			if tc.scope != nil {
				extra["scope"] = tc.scope
			}
			tok := env.token(t, extra)
			rec := serve(t, "crawl", "Bearer "+tok, AuthMiddleware(env.validator), RequireScope(auth.ScopeInvoke))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestRequireToolAccess(t *testing.T) {
	env := setupEnv(t)
	tok := env.token(t, map[string]any{"tools": []string{"crawl", "Audit"}})

	if rec := serve(t, "audit", "Bearer "+tok, AuthMiddleware(env.validator), RequireToolAccess()); rec.Code != http.StatusOK {
		t.Fatalf("audit should be allowed, got %d", rec.Code)
	}
	rec := serve(t, "publish", "Bearer "+tok, AuthMiddleware(env.validator), RequireToolAccess())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("publish should be forbidden, got %d", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["tool"] != "publish" {
		t.Fatalf("body = %v", body)
	}
}

func TestScopeChecksWithoutAuthPassThrough(t *testing.T) {
	rec := serve(t, "crawl", "", RequireScope(auth.ScopeInvoke), RequireToolAccess())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through without claims, got %d", rec.Code)
	}
}
