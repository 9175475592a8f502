package integration

import (
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer signs HS256 tokens with the secret the server verifies.
type tokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
}

func newTokenIssuer(secret string) *tokenIssuer {
	return &tokenIssuer{
		secret:   []byte(secret),
		issuer:   "https://auth.test.grc.example",
		audience: "grc-console-test",
	}
}

func (ti *tokenIssuer) claims(c TestClaims, issuedAt, expiresAt time.Time) jwt.MapClaims {
	mc := jwt.MapClaims{
		"iss":       ti.issuer,
		"aud":       ti.audience,
		"iat":       jwt.NewNumericDate(issuedAt),
		"exp":       jwt.NewNumericDate(expiresAt),
		"sub":       c.SubjectID,
		"tenant_id": c.TenantID,
		"email":     c.Email,
	}
	if len(c.Roles) > 0 {
		// Store as []any to match JWT decode behavior.
		roles := make([]any, len(c.Roles))
		for i, r := range c.Roles {
			roles[i] = r
		}
		mc["roles"] = roles
	}
	maps.Copy(mc, c.Extra)
	return mc
}

func (ti *tokenIssuer) sign(mc jwt.MapClaims, key []byte) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// GenerateToken creates a valid, signed JWT token with the given claims.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(ti.claims(c, now, now.Add(time.Hour)), ti.secret)
}

// GenerateExpiredToken creates a JWT token that expired in the past.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(ti.claims(c, now.Add(-2*time.Hour), now.Add(-time.Hour)), ti.secret)
}

// GenerateForgedToken creates an otherwise valid token signed with a key the
// server does not know.
func (ti *tokenIssuer) GenerateForgedToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(ti.claims(c, now, now.Add(time.Hour)), []byte("not-the-server-secret"))
}

// GenerateUnsignedToken creates a token using the "none" algorithm.
func (ti *tokenIssuer) GenerateUnsignedToken(c TestClaims) string {
	now := time.Now()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodNone, ti.claims(c, now, now.Add(time.Hour))).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}
