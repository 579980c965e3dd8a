package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Mode selects the authentication provider for the gateway.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
	ModeOAuth    Mode = "oauth"
)

// Sentinel errors shared across the auth service, the middleware and the
// stores. Handlers map these onto HTTP statuses.
var (
	ErrDisabled           = errors.New("authentication disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnsupportedGrant   = errors.New("unsupported grant type")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingToken       = errors.New("missing bearer token")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSubjectRevoked     = errors.New("subject is disabled")
)

// Config carries everything New needs to assemble a Service.
type Config struct {
	Mode  Mode
	JWT   JWTOptions
	OAuth OAuthOptions
	Seeds []Seed
}

// JWTOptions parameterises local HS256 token issuance.
type JWTOptions struct {
	Secret     string
	Issuer     string
	Audience   []string
	AccessTTL  int64
	RefreshTTL int64
}

// OAuthOptions points the oauth mode at an external token endpoint.
type OAuthOptions struct {
	TokenURL         string
	IntrospectionURL string
	ClientID         string
	ClientSecret     string
	Scopes           []string
	TimeoutSeconds   int
	UsernameClaim    string
}

// Seed is a bootstrap account applied to the store on startup.
type Seed struct {
	Username    string
	Password    string
	Roles       []string
	Permissions []string
	Disabled    bool
}

// Store looks up accounts and their effective grants. Implementations are
// called concurrently from request handlers.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	LoadSubject(ctx context.Context, userID int64) (*Subject, error)
}

// SeedWriter is the optional store capability for upserting bootstrap users,
// roles and permissions.
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// User is a stored account with its password hash.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Disabled     bool
}

// Subject is the authenticated identity attached to a request context and
// embedded in issued tokens.
type Subject struct {
	ID          int64
	Username    string
	Roles       []string
	Permissions []string
	Disabled    bool

	permIndex map[string]struct{}
}

func permissionKey(permission string) string {
	return strings.ToLower(strings.TrimSpace(permission))
}

// indexPermissions builds the lookup set once; later permission checks are
// map hits.
func (s *Subject) indexPermissions() {
	if s == nil || s.permIndex != nil {
		return
	}
	s.permIndex = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permIndex[permissionKey(perm)] = struct{}{}
	}
}

// Normalise populates the internal permission index. Stores call it before
// handing a subject out.
func (s *Subject) Normalise() {
	s.indexPermissions()
}

// HasPermission reports whether the subject holds the given permission.
// Matching is case-insensitive.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.indexPermissions()
	_, ok := s.permIndex[permissionKey(permission)]
	return ok
}

// Authorize checks every required permission and rejects disabled subjects.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone copies the subject so callers can hold it past the request without
// sharing slices with the store.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:          s.ID,
		Username:    s.Username,
		Roles:       append([]string(nil), s.Roles...),
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.indexPermissions()
	return clone
}

// TokenRequest is the body of POST /api/v1/auth/token.
type TokenRequest struct {
	GrantType string   `json:"grant_type"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	Scope     []string `json:"scope"`
}

// TokenPair is the issuance response. Subject rides along for in-process
// callers and never serialises.
type TokenPair struct {
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	TokenType        string   `json:"token_type"`
	Subject          *Subject `json:"-"`
	GrantedScopes    []string `json:"scope,omitempty"`
}
