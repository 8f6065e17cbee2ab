package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const tokenAudience = "relaysync"

// Scopes checked by the admin routes.
const (
	ScopeEventsRead  = "events:read"
	ScopeEventsRetry = "events:retry"
	ScopeSyncRead    = "sync:read"
	ScopeSyncTrigger = "sync:trigger"
)

// signatureHeaders are consulted in order; the first non-empty value is verified.
var signatureHeaders = []string{"X-Relay-Signature", "X-Hub-Signature-256", "X-Gitlab-Token"}

// VerifySignature checks a webhook delivery. A "sha256=<hex>" value is an HMAC-SHA256 of the
// raw body under secret; any other value is compared to secret as a shared token. An empty
// secret rejects everything.
func VerifySignature(rawBody []byte, provided, secret string) bool {
	provided = strings.TrimSpace(provided)
	if secret == "" || provided == "" {
		return false
	}
	if hexSig, ok := strings.CutPrefix(provided, "sha256="); ok {
		sig, err := hex.DecodeString(strings.TrimSpace(hexSig))
		if err != nil || len(sig) != sha256.Size {
			return false
		}
		mac := hmac.New(sha256.New, []byte(secret))
		_, _ = mac.Write(rawBody)
		return hmac.Equal(sig, mac.Sum(nil))
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) == 1
}

func providedSignature(h http.Header) string {
	for _, name := range signatureHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// AuthContext is what an Authorizer sees of the caller.
type AuthContext struct {
	Subject string
	Scopes  map[string]struct{}
	Route   string
}

// Authorizer decides whether an authenticated caller may perform action.
type Authorizer interface {
	Authorize(action string, ac AuthContext) bool
}

// ScopeAuthorizer grants an action when the token carries a scope of the same name.
type ScopeAuthorizer struct{}

func (ScopeAuthorizer) Authorize(action string, ac AuthContext) bool {
	if action == "" {
		return true
	}
	_, ok := ac.Scopes[action]
	return ok
}

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return h
	}
	// Browsers cannot set headers on a websocket upgrade.
	if tok := strings.TrimSpace(r.URL.Query().Get("access_token")); tok != "" {
		return "Bearer " + tok
	}
	return ""
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if jwtSecret == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "no signing secret configured"}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return tokenClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "invalid jwt format",
		}
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt header"}
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt header"}
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "unsupported jwt algorithm"}
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt signature"}
	}
	if !hmac.Equal(sigBytes, signJWT(jwtSecret, parts[0]+"."+parts[1])) {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}
	subject, ok := payload["sub"].(string)
	if !ok || subject == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid exp claim"}
	}
	if now.Unix() >= exp {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
	}
	if aud, ok := payload["aud"].(string); !ok || aud != tokenAudience {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	}

	return tokenClaims{
		Subject: subject,
		Scopes:  parseScopes(payload["scopes"]),
		Exp:     exp,
	}, nil
}

// MintToken issues an HS256 token accepted by the admin routes.
func MintToken(secret, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" || subject == "" {
		return "", errors.New("secret and subject are required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	headerBytes, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"sub":    subject,
		"scopes": scopes,
		"aud":    tokenAudience,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signJWT(secret, signingInput)), nil
}

func signJWT(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case int64:
		return typed, nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}
