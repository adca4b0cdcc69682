// Package auth is the session gate: it turns a bearer token into the
// (userId, role) principal every ledger operation receives.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/warp/remit-engine/ledger"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims represents registered JWT claims plus the principal.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type Gate struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewGate(secret, issuer string, ttl time.Duration) *Gate {
	return &Gate{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// IssueToken signs an HS256 token for p.
func (g *Gate) IssueToken(p ledger.Principal) (string, time.Time, error) {
	if p.UserID == "" || !p.Role.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: principal needs a user id and a valid role", ErrInvalidToken)
	}
	now := g.now()
	expiresAt := now.Add(g.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			Subject:   string(p.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID: string(p.UserID),
		Role:   string(p.Role),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify validates a token string and returns its principal.
func (g *Gate) Verify(tokenString string) (ledger.Principal, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil || !token.Valid {
		return ledger.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if g.issuer != "" && !claims.VerifyIssuer(g.issuer, true) {
		return ledger.Principal{}, fmt.Errorf("%w: wrong issuer", ErrInvalidToken)
	}
	p := ledger.Principal{UserID: ledger.UserID(claims.UserID), Role: ledger.Role(claims.Role)}
	if p.UserID == "" || !p.Role.Valid() {
		return ledger.Principal{}, fmt.Errorf("%w: missing principal claims", ErrInvalidToken)
	}
	return p, nil
}

// =============================================================================
// HTTP
// =============================================================================

type principalKey struct{}

func WithPrincipal(ctx context.Context, p ledger.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (ledger.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(ledger.Principal)
	return p, ok
}

// TokenFromRequest reads "Authorization: Bearer <token>". Browsers cannot set
// headers on websocket upgrades, so the token query parameter is accepted too.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", ErrInvalidToken
		}
		return parts[1], nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", ErrMissingToken
}

// Middleware rejects unauthenticated requests with 401 and stores the
// principal in the request context.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := TokenFromRequest(r)
		if err == nil {
			var p ledger.Principal
			if p, err = g.Verify(token); err == nil {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("WWW-Authenticate", `Bearer realm="remit-engine"`)
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": "unauthenticated"})
	})
}
