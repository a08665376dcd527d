package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestIssueVerify(t *testing.T) {
	i, err := NewIssuer("s3cret", time.Hour)
	require.NoError(t, err)

	tok, exp, err := i.Issue("admin")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	c, err := i.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "admin", c.Username)
	assert.Equal(t, "admin", c.Subject)
}

func TestVerify_Rejects(t *testing.T) {
	i, err := NewIssuer("s3cret", time.Hour)
	require.NoError(t, err)
	other, err := NewIssuer("different", time.Hour)
	require.NoError(t, err)

	foreign, _, err := other.Issue("admin")
	require.NoError(t, err)

	past, err := NewIssuer("s3cret", time.Minute)
	require.NoError(t, err)
	past.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _, err := past.Issue("admin")
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Username: "admin"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username:         "admin",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"garbage":   "not.a.token",
		"empty":     "",
		"foreign":   foreign,
		"expired":   expired,
		"alg none":  none,
		"no issuer": noIssuer,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := i.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestNewIssuer_EmptySecret(t *testing.T) {
	_, err := NewIssuer("  ", 0)
	assert.ErrorIs(t, err, ErrEmptySecret)

	i, err := NewIssuer("x", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, i.ttl)
}

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		want   string
		ok     bool
	}{
		"ok":          {"Bearer abc", "abc", true},
		"lower":       {"bearer abc", "abc", true},
		"basic":       {"Basic abc", "", false},
		"empty token": {"Bearer   ", "", false},
		"missing":     {"", "", false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			got, ok := BearerToken(r)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPassword(t *testing.T) {
	h, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, CheckPassword(h, "hunter2"))
	assert.False(t, CheckPassword(h, "hunter3"))
	assert.False(t, CheckPassword("", "hunter2"))
	assert.Equal(t, bcrypt.DefaultCost, mustCost(t, h))

	_, err = HashPassword("")
	assert.Error(t, err)
}

func mustCost(t *testing.T, h string) int {
	t.Helper()
	c, err := bcrypt.Cost([]byte(h))
	require.NoError(t, err)
	return c
}
