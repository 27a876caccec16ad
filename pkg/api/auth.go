package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// HeaderTraceID carries the gate trace identifier in both directions.
const HeaderTraceID = "X-Trace-Id"

// GateClaims are the JWT claims accepted by the gate. AuthorityLevel is the
// highest AMM level the bearer may request.
type GateClaims struct {
	jwt.RegisteredClaims
	AuthorityLevel int `json:"amm_level"`
}

// Principal is the authenticated caller. A zero AuthorityLevel means the
// token carries no level cap.
type Principal struct {
	Subject        string
	AuthorityLevel contracts.AuthorityLevel
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller attached by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// JWTValidator checks HS256 bearer tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator returns nil for an empty secret.
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses tokenStr and returns its claims.
func (v *JWTValidator) Validate(tokenStr string) (*GateClaims, error) {
	if v == nil {
		return nil, errors.New("validator uninitialized")
	}
	claims := &GateClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.AuthorityLevel != 0 {
		if _, err := contracts.ParseAuthorityLevel(claims.AuthorityLevel); err != nil {
			return nil, fmt.Errorf("amm_level claim: %w", err)
		}
	}
	return claims, nil
}

// Sign issues an HS256 token carrying claims.
func (v *JWTValidator) Sign(claims GateClaims) (string, error) {
	if v == nil {
		return "", errors.New("validator uninitialized")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

var publicPaths = map[string]bool{
	"/health": true,
}

// NewAuthMiddleware requires a valid bearer token on every non-public path.
// With a nil validator all such requests are rejected.
func NewAuthMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || scheme != "Bearer" || tokenStr == "" {
				WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(tokenStr)
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				WriteUnauthorized(w, "Token subject is required")
				return
			}

			p := Principal{
				Subject:        claims.Subject,
				AuthorityLevel: contracts.AuthorityLevel(claims.AuthorityLevel),
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

type traceKey struct{}

// TraceMiddleware reuses the caller's X-Trace-Id or assigns a new UUID, and
// echoes it on the response.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get(HeaderTraceID))
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set(HeaderTraceID, traceID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceKey{}, traceID)))
	})
}

// TraceID returns the trace assigned by TraceMiddleware.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
