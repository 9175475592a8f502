package transport

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/grcbff/internal/config"
	"github.com/pitabwire/grcbff/model"
)

var hmacMethods = []string{"HS256", "HS384", "HS512"}

// Authenticator returns middleware that reads the bearer token from the
// Authorization header and stores its claims in the request context. With
// an HMAC secret configured the signature, expiry, issuer and audience are
// verified; otherwise the claims are decoded as-is and only expiry is
// enforced, leaving signature checks to the backend that receives the
// forwarded token.
func Authenticator(cfg config.IdentityConfig) func(http.Handler) http.Handler {
	parse := unverifiedParser()
	if cfg.HMACSecret != "" {
		parse = hmacParser(cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, r, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || strings.TrimSpace(tokenStr) == "" {
				WriteError(w, r, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}
			tokenStr = strings.TrimSpace(tokenStr)

			claims, err := parse(tokenStr)
			if err != nil {
				WriteError(w, r, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}

			ctx := WithClaims(r.Context(), claims, tokenStr)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type tokenParser func(string) (map[string]any, error)

func hmacParser(cfg config.IdentityConfig) tokenParser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(hmacMethods),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	secret := []byte(cfg.HMACSecret)
	return func(s string) (map[string]any, error) {
		token, err := jwt.Parse(s, func(*jwt.Token) (any, error) { return secret, nil }, opts...)
		if err != nil {
			return nil, err
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			return nil, errors.New("invalid token")
		}
		return claims, nil
	}
}

func unverifiedParser() tokenParser {
	p := jwt.NewParser()
	return func(s string) (map[string]any, error) {
		claims := jwt.MapClaims{}
		if _, _, err := p.ParseUnverified(s, claims); err != nil {
			return nil, err
		}
		exp, err := claims.GetExpirationTime()
		if err != nil {
			return nil, err
		}
		if exp != nil && time.Now().After(exp.Add(30*time.Second)) {
			return nil, jwt.ErrTokenExpired
		}
		return claims, nil
	}
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Disallowed signing algorithm"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}
