package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"
)

const (
	ScopeMetricsRead = "metrics:read"
	ScopeSyncTrigger = "sync:trigger"

	tokenAudience = "clinicsync"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// tokenClaims is what a verified bearer token grants.
type tokenClaims struct {
	Subject string
	Scopes  []string
	Expiry  time.Time
}

func (c tokenClaims) has(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// authorizeBearer returns 401 for a token that is missing, forged, expired or
// minted for another service, and 403 when it lacks requiredScope.
func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized(errors.New("missing or invalid bearer token"))
	}
	payload, err := verifyHS256(strings.TrimSpace(raw), []byte(jwtSecret))
	if err != nil {
		return tokenClaims{}, unauthorized(err)
	}
	claims, err := decodeClaims(payload, now)
	if err != nil {
		return tokenClaims{}, unauthorized(err)
	}
	if requiredScope != "" && !claims.has(requiredScope) {
		return tokenClaims{}, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func unauthorized(err error) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: err.Error()}
}

// verifyHS256 checks the compact token's signature and returns its decoded
// payload segment.
func verifyHS256(token string, secret []byte) ([]byte, error) {
	header, payload, signature, err := splitToken(token)
	if err != nil {
		return nil, err
	}
	var head struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(header, &head); err != nil {
		return nil, errors.New("invalid jwt header")
	}
	if head.Alg != "HS256" {
		return nil, errors.New("unsupported jwt algorithm")
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(token[:strings.LastIndexByte(token, '.')]))
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return nil, errors.New("jwt signature mismatch")
	}
	return payload, nil
}

func splitToken(token string) (header, payload, signature []byte, err error) {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return nil, nil, nil, errors.New("invalid jwt format")
	}
	decoded := make([][]byte, len(segments))
	for i, segment := range segments {
		decoded[i], err = base64.RawURLEncoding.DecodeString(segment)
		if err != nil {
			return nil, nil, nil, errors.New("invalid jwt encoding")
		}
	}
	return decoded[0], decoded[1], decoded[2], nil
}

// wireClaims mirrors the token payload. scopes is either a JSON array or a
// space-separated string.
type wireClaims struct {
	Subject  string          `json:"sub"`
	Audience string          `json:"aud"`
	Expiry   json.Number     `json:"exp"`
	Scopes   json.RawMessage `json:"scopes"`
}

func decodeClaims(payload []byte, now time.Time) (tokenClaims, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var wire wireClaims
	if err := dec.Decode(&wire); err != nil {
		return tokenClaims{}, errors.New("invalid jwt payload")
	}
	if wire.Subject == "" {
		return tokenClaims{}, errors.New("missing sub claim")
	}
	if wire.Audience != tokenAudience {
		return tokenClaims{}, errors.New("invalid aud claim")
	}
	seconds, err := wire.Expiry.Float64()
	if err != nil {
		return tokenClaims{}, errors.New("invalid exp claim")
	}
	expiry := time.Unix(int64(seconds), 0)
	if !now.Before(expiry) {
		return tokenClaims{}, errors.New("token expired")
	}
	return tokenClaims{Subject: wire.Subject, Scopes: decodeScopes(wire.Scopes), Expiry: expiry}, nil
}

func decodeScopes(raw json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return slices.DeleteFunc(list, func(s string) bool { return s == "" })
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		return strings.Fields(joined)
	}
	return nil
}
