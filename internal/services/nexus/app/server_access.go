package server

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/nexus/internal/platform/requestctx"
	"github.com/louisbranch/nexus/internal/services/nexus/domain/presence"
)

var errAccessTokenInvalid = errors.New("access token is invalid")

// accessClaims is the token body issued by the auth service.
type accessClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
	Name string `json:"name,omitempty"`
}

// accessVerifier checks Ed25519-signed access tokens once per connection.
type accessVerifier struct {
	issuer   string
	audience string
	key      ed25519.PublicKey
	now      func() time.Time
}

// newAccessVerifier returns nil when no verification settings are present,
// which leaves every connection anonymous.
func newAccessVerifier(issuer, audience, encodedKey string, now func() time.Time) (*accessVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	encodedKey = strings.TrimSpace(encodedKey)
	if issuer == "" && audience == "" && encodedKey == "" {
		return nil, nil
	}
	if issuer == "" {
		return nil, errors.New("access issuer is required")
	}
	if audience == "" {
		return nil, errors.New("access audience is required")
	}
	if encodedKey == "" {
		return nil, errors.New("access public key is required")
	}
	keyBytes, err := decodeBase64(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode access public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("access public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return &accessVerifier{
		issuer:   issuer,
		audience: audience,
		key:      ed25519.PublicKey(keyBytes),
		now:      now,
	}, nil
}

// Verify validates token and returns the identity it grants.
func (v *accessVerifier) Verify(token string) (requestctx.Access, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return requestctx.Access{}, fmt.Errorf("%w: token is required", errAccessTokenInvalid)
	}

	var parsed accessClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return requestctx.Access{}, mapJWTError(err)
	}

	if parsed.Issuer != v.issuer {
		return requestctx.Access{}, fmt.Errorf("%w: issuer mismatch", errAccessTokenInvalid)
	}
	if !slices.Contains([]string(parsed.Audience), v.audience) {
		return requestctx.Access{}, fmt.Errorf("%w: audience mismatch", errAccessTokenInvalid)
	}
	if parsed.ExpiresAt == nil {
		return requestctx.Access{}, fmt.Errorf("%w: exp is required", errAccessTokenInvalid)
	}
	now := v.now().UTC()
	if !parsed.ExpiresAt.Time.After(now) {
		return requestctx.Access{}, fmt.Errorf("%w: token is expired", errAccessTokenInvalid)
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time) {
		return requestctx.Access{}, fmt.Errorf("%w: token not active yet", errAccessTokenInvalid)
	}
	subject := strings.TrimSpace(parsed.Subject)
	if subject == "" {
		return requestctx.Access{}, fmt.Errorf("%w: sub is required", errAccessTokenInvalid)
	}

	return requestctx.Access{
		UserID: subject,
		Role:   string(presence.ParseRole(parsed.Role)),
		Name:   strings.TrimSpace(parsed.Name),
	}, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrEd25519Verification):
		return fmt.Errorf("%w: signature is invalid", errAccessTokenInvalid)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: alg is invalid", errAccessTokenInvalid)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: token is malformed", errAccessTokenInvalid)
	default:
		return fmt.Errorf("%w: %v", errAccessTokenInvalid, err)
	}
}

// accessTokenFromRequest reads the token cookie, then the bearer header.
func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if cookie, err := r.Cookie(tokenCookieName); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token
		}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len("Bearer ") && strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return ""
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
