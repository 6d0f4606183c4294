// Package credential defines tenant-scoped service tokens used for
// machine-to-machine calls from a tenant's running environment.
package credential

import (
	"fmt"
	"time"

	"github.com/Strob0t/TenantForge/internal/domain"
)

// TokenPrefix is prepended to generated service tokens for identification.
const TokenPrefix = "tft_"

// Service token scopes.
const (
	ScopeHeartbeatWrite = "heartbeat:write"
	ScopeSyncRead       = "sync:read"
	ScopeSyncWrite      = "sync:write"
)

// BaselineScopes are granted to the token issued during provisioning.
var BaselineScopes = []string{ScopeHeartbeatWrite, ScopeSyncRead, ScopeSyncWrite}

// ValidScopes is the set of all valid service token scopes.
var ValidScopes = map[string]bool{
	ScopeHeartbeatWrite: true,
	ScopeSyncRead:       true,
	ScopeSyncWrite:      true,
}

// ServiceToken is a stored credential bound to exactly one tenant.
type ServiceToken struct {
	ID         string    `json:"id"`
	TenantID   int64     `json:"tenant_id"`
	Name       string    `json:"name"`
	Prefix     string    `json:"prefix"` // first 12 chars for display
	KeyHash    string    `json:"-"`      // SHA-256 hash, never serialized
	Scopes     []string  `json:"scopes"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
	CreatedAt  time.Time `json:"created_at"`
}

// HasScope checks whether the token grants the required scope.
func (t *ServiceToken) HasScope(required string) bool {
	for _, s := range t.Scopes {
		if s == required {
			return true
		}
	}
	return false
}

// IssueRequest is the input for issuing a token.
type IssueRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes,omitempty"`
}

// Validate checks that the request names the token and only uses known scopes.
func (r *IssueRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("token name is required: %w", domain.ErrValidation)
	}
	for _, s := range r.Scopes {
		if !ValidScopes[s] {
			return fmt.Errorf("invalid scope %s: %w", s, domain.ErrValidation)
		}
	}
	return nil
}

// Issued is returned once after issuing a token. PlainToken is never stored.
type Issued struct {
	Token      ServiceToken `json:"token"`
	PlainToken string       `json:"plain_token"`
}
