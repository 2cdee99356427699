package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/secure-image-vault/internal/config"
	"github.com/kenneth/secure-image-vault/internal/keys"
)

func newDirectory(t *testing.T, now func() time.Time) *JWTDirectory {
	t.Helper()
	cfg := config.Default().Identity
	cfg.Issuer = "vault-test"
	return NewJWTDirectory(keys.StaticSecrets{cfg.JWTSecretName: "signing-secret"}, cfg, nil, WithClock(now))
}

func TestJWTDirectory_IssueAndParse(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	d := newDirectory(t, func() time.Time { return now })
	ctx := context.Background()

	token, err := d.IssueToken(ctx, &User{ID: "u-1", Email: "a@b.com", Roles: []string{"member"}})
	require.NoError(t, err)

	u, err := d.ParseToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", u.ID)
	assert.Equal(t, "a@b.com", u.Email)
	assert.Equal(t, []string{"member"}, u.Roles)

	u, err = d.Authenticate(ctx, "bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", u.ID)
}

func TestJWTDirectory_Rejects(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	d := newDirectory(t, func() time.Time { return clock })
	ctx := context.Background()

	token, err := d.IssueToken(ctx, &User{ID: "u-1", Email: "a@b.com"})
	require.NoError(t, err)

	clock = now.Add(31 * time.Minute)
	_, err = d.ParseToken(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired")
	clock = now

	other := NewJWTDirectory(keys.StaticSecrets{"jwt-secret": "different"}, config.IdentityConfig{JWTSecretName: "jwt-secret", Issuer: "vault-test"}, nil,
		WithClock(func() time.Time { return now }))
	_, err = other.ParseToken(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong secret")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u-1",
		Issuer:    "vault-test",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = d.ParseToken(ctx, unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken, "alg none")

	_, err = d.Authenticate(ctx, "Basic Zm9vOmJhcg==")
	assert.ErrorIs(t, err, ErrNoUser)
	_, err = d.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestJWTDirectory_RequiresEmail(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	d := newDirectory(t, func() time.Time { return now })
	ctx := context.Background()

	_, err := d.IssueToken(ctx, &User{ID: "u-1"})
	require.Error(t, err)

	// a correctly signed token without an email claim is still rejected
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u-1",
		Issuer:    "vault-test",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}, Roles: []string{"member"}})
	signed, err := token.SignedString([]byte("signing-secret"))
	require.NoError(t, err)

	_, err = d.ParseToken(ctx, signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTDirectory_MissingSecret(t *testing.T) {
	d := NewJWTDirectory(keys.StaticSecrets{}, config.IdentityConfig{JWTSecretName: "jwt-secret"}, nil)
	_, err := d.IssueToken(context.Background(), &User{ID: "u-1", Email: "a@b.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, keys.ErrSecretNotFound)
}

func TestJWTDirectory_Permissions(t *testing.T) {
	d := newDirectory(t, time.Now)

	_, err := d.CurrentUser(context.Background())
	assert.ErrorIs(t, err, ErrNoUser)
	assert.ErrorIs(t, d.ValidateUserPermissions(context.Background(), "view", "f1"), ErrNoUser)

	member := WithUser(context.Background(), &User{ID: "u-1", Roles: []string{"member"}})
	u, err := d.CurrentUser(member)
	require.NoError(t, err)
	assert.True(t, u.HasRole("member"))
	assert.NoError(t, d.ValidateUserPermissions(member, "view", "f1"))
	assert.NoError(t, d.ValidateUserPermissions(member, "upload", "f1"))
	assert.ErrorIs(t, d.ValidateUserPermissions(member, "delete", "f1"), ErrForbidden)

	admin := WithUser(context.Background(), &User{ID: "u-2", Roles: []string{"admin"}})
	assert.NoError(t, d.ValidateUserPermissions(admin, "delete", "f1"))

	guest := WithUser(context.Background(), &User{ID: "u-3"})
	assert.ErrorIs(t, d.ValidateUserPermissions(guest, "view", "f1"), ErrForbidden)
}
