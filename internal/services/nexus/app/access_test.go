package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "auth.nexus.test"
	testAudience = "nexus"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type testKeys struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

func newTestKeys(t *testing.T) testKeys {
	t.Helper()
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return testKeys{public: public, private: private}
}

func (k testKeys) encodedPublic() string {
	return base64.StdEncoding.EncodeToString(k.public)
}

func newTestVerifier(t *testing.T, keys testKeys) *accessVerifier {
	t.Helper()
	verifier, err := newAccessVerifier(testIssuer, testAudience, keys.encodedPublic(), func() time.Time { return testNow })
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier
}

func validClaims(subject, role, name string) accessClaims {
	return accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
		Role: role,
		Name: name,
	}
}

func signToken(t *testing.T, keys testKeys, claims accessClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(keys.private)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAccessVerifierVerify(t *testing.T) {
	keys := newTestKeys(t)
	other := newTestKeys(t)
	verifier := newTestVerifier(t, keys)

	access, err := verifier.Verify(signToken(t, keys, validClaims("user-1", "master", " Mira ")))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if access.UserID != "user-1" || access.Role != "MASTER" || access.Name != "Mira" {
		t.Fatalf("unexpected access: %+v", access)
	}

	expired := validClaims("user-1", "", "")
	expired.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Minute))
	noExpiry := validClaims("user-1", "", "")
	noExpiry.ExpiresAt = nil
	future := validClaims("user-1", "", "")
	future.NotBefore = jwt.NewNumericDate(testNow.Add(time.Minute))
	wrongIssuer := validClaims("user-1", "", "")
	wrongIssuer.Issuer = "someone-else"
	wrongAudience := validClaims("user-1", "", "")
	wrongAudience.Audience = jwt.ClaimStrings{"chat"}

	hmacToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("user-1", "", "")).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign hmac token: %v", err)
	}

	tcs := []struct {
		name  string
		token string
	}{
		{name: "empty", token: " "},
		{name: "malformed", token: "not-a-jwt"},
		{name: "wrong key", token: signToken(t, other, validClaims("user-1", "", ""))},
		{name: "hmac alg", token: hmacToken},
		{name: "expired", token: signToken(t, keys, expired)},
		{name: "missing exp", token: signToken(t, keys, noExpiry)},
		{name: "not yet valid", token: signToken(t, keys, future)},
		{name: "wrong issuer", token: signToken(t, keys, wrongIssuer)},
		{name: "wrong audience", token: signToken(t, keys, wrongAudience)},
		{name: "missing subject", token: signToken(t, keys, validClaims(" ", "", ""))},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := verifier.Verify(tc.token)
			if !errors.Is(err, errAccessTokenInvalid) {
				t.Fatalf("expected invalid token error, got %v", err)
			}
		})
	}
}

func TestAccessVerifierDefaultsRoleToPlayer(t *testing.T) {
	keys := newTestKeys(t)
	access, err := newTestVerifier(t, keys).Verify(signToken(t, keys, validClaims("user-2", "", "")))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if access.Role != "PLAYER" {
		t.Fatalf("expected PLAYER role, got %q", access.Role)
	}
}

func TestNewAccessVerifierConfig(t *testing.T) {
	keys := newTestKeys(t)

	verifier, err := newAccessVerifier(" ", "", "", nil)
	if err != nil || verifier != nil {
		t.Fatalf("expected disabled verifier, got %v, %v", verifier, err)
	}

	tcs := []struct {
		name     string
		issuer   string
		audience string
		key      string
	}{
		{name: "missing issuer", audience: testAudience, key: keys.encodedPublic()},
		{name: "missing audience", issuer: testIssuer, key: keys.encodedPublic()},
		{name: "missing key", issuer: testIssuer, audience: testAudience},
		{name: "bad base64", issuer: testIssuer, audience: testAudience, key: "%%%"},
		{name: "short key", issuer: testIssuer, audience: testAudience, key: base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := newAccessVerifier(tc.issuer, tc.audience, tc.key, nil); err == nil {
				t.Fatal("expected configuration error")
			}
		})
	}

	raw := base64.RawStdEncoding.EncodeToString(keys.public)
	if _, err := newAccessVerifier(testIssuer, testAudience, raw, nil); err != nil {
		t.Fatalf("expected unpadded key to be accepted: %v", err)
	}
}

func TestAccessTokenFromRequest(t *testing.T) {
	tcs := []struct {
		name   string
		cookie string
		header string
		want   string
	}{
		{name: "none"},
		{name: "cookie", cookie: "abc", want: "abc"},
		{name: "bearer", header: "Bearer xyz", want: "xyz"},
		{name: "lowercase bearer", header: "bearer xyz", want: "xyz"},
		{name: "cookie wins", cookie: "abc", header: "Bearer xyz", want: "abc"},
		{name: "basic auth ignored", header: "Basic Zm9vOmJhcg=="},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: tokenCookieName, Value: tc.cookie})
			}
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if got := accessTokenFromRequest(req); got != tc.want {
				t.Fatalf("accessTokenFromRequest = %q, want %q", got, tc.want)
			}
		})
	}
	if got := accessTokenFromRequest(nil); got != "" {
		t.Fatalf("expected empty token for nil request, got %q", got)
	}
}
