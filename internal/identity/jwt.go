package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kenneth/secure-image-vault/internal/config"
	"github.com/kenneth/secure-image-vault/internal/keys"
)

// DefaultTokenTTL is used when no session timeout is configured.
const DefaultTokenTTL = 30 * time.Minute

// Claims are the signed bearer token contents.
type Claims struct {
	jwt.RegisteredClaims
	Email string   `json:"email"`
	Roles []string `json:"roles,omitempty"`
}

// JWTDirectory issues and verifies HS256 bearer tokens. The signing secret
// comes from the secrets provider and is re-read on every call so rotations
// take effect without a restart.
type JWTDirectory struct {
	secrets    keys.SecretsProvider
	secretName string
	issuer     string
	ttl        time.Duration
	policies   *config.PolicyManager
	now        func() time.Time
}

// JWTOption configures a JWTDirectory.
type JWTOption func(*JWTDirectory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) JWTOption {
	return func(d *JWTDirectory) { d.now = now }
}

// NewJWTDirectory creates a directory. A nil policy manager uses the defaults.
func NewJWTDirectory(secrets keys.SecretsProvider, cfg config.IdentityConfig, policies *config.PolicyManager, opts ...JWTOption) *JWTDirectory {
	if policies == nil {
		policies = config.NewPolicyManager()
	}
	d := &JWTDirectory{
		secrets:    secrets,
		secretName: cfg.JWTSecretName,
		issuer:     cfg.Issuer,
		ttl:        cfg.SessionTimeout,
		policies:   policies,
		now:        time.Now,
	}
	if d.ttl <= 0 {
		d.ttl = DefaultTokenTTL
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *JWTDirectory) secret(ctx context.Context) ([]byte, error) {
	s, err := d.secrets.GetSecret(ctx, d.secretName)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing secret: %w", err)
	}
	return []byte(s), nil
}

// IssueToken signs a token for u valid for the session timeout.
func (d *JWTDirectory) IssueToken(ctx context.Context, u *User) (string, error) {
	if u == nil || u.ID == "" {
		return "", errors.New("user id is required")
	}
	if u.Email == "" {
		return "", errors.New("user email is required")
	}
	secret, err := d.secret(ctx)
	if err != nil {
		return "", err
	}
	now := d.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    d.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d.ttl)),
		},
		Email: u.Email,
		Roles: u.Roles,
	})
	return token.SignedString(secret)
}

// ParseToken verifies a token and returns its member.
func (d *JWTDirectory) ParseToken(ctx context.Context, tokenString string) (*User, error) {
	secret, err := d.secret(ctx)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(d.now),
		jwt.WithExpirationRequired(),
	}
	if d.issuer != "" {
		opts = append(opts, jwt.WithIssuer(d.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	// the email is the owner identity for key derivation and audit
	if !token.Valid || claims.Subject == "" || strings.TrimSpace(claims.Email) == "" {
		return nil, ErrInvalidToken
	}
	return &User{ID: claims.Subject, Email: claims.Email, Roles: claims.Roles}, nil
}

// Authenticate parses an Authorization header value of the form
// "Bearer <token>".
func (d *JWTDirectory) Authenticate(ctx context.Context, header string) (*User, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrNoUser
	}
	return d.ParseToken(ctx, strings.TrimSpace(token))
}

// CurrentUser returns the member attached to ctx by the auth middleware.
func (d *JWTDirectory) CurrentUser(ctx context.Context) (*User, error) {
	u := UserFrom(ctx)
	if u == nil {
		return nil, ErrNoUser
	}
	return u, nil
}

// ValidateUserPermissions checks the current member against the policies.
func (d *JWTDirectory) ValidateUserPermissions(ctx context.Context, action, resourceID string) error {
	u, err := d.CurrentUser(ctx)
	if err != nil {
		return err
	}
	if !d.policies.Allowed(u.Roles, action, resourceID) {
		return fmt.Errorf("%w: %s on %s", ErrForbidden, action, resourceID)
	}
	return nil
}
