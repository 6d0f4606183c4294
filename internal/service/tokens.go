package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/activity"
	"github.com/Strob0t/TenantForge/internal/domain/credential"
	"github.com/Strob0t/TenantForge/internal/port/database"
)

// TokenIssuer creates and authenticates tenant-scoped service tokens.
type TokenIssuer struct {
	store    database.Store
	activity *ActivityLogger
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(store database.Store, act *ActivityLogger) *TokenIssuer {
	return &TokenIssuer{store: store, activity: act}
}

// Issue creates a token for tenantID. Only the hash is stored; the plain
// token is returned once.
func (s *TokenIssuer) Issue(ctx context.Context, tenantID int64, req credential.IssueRequest) (*credential.Issued, error) {
	if len(req.Scopes) == 0 {
		req.Scopes = credential.BaselineScopes
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	plain := credential.TokenPrefix + hex.EncodeToString(raw)

	tok := credential.ServiceToken{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Name:     req.Name,
		Prefix:   plain[:12],
		KeyHash:  HashToken(plain),
		Scopes:   append([]string(nil), req.Scopes...),
	}
	if err := s.store.CreateServiceToken(ctx, &tok); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	s.activity.Log(ctx, tenantID, activity.ActionTokenIssued, "token %q issued (%s)", tok.Name, tok.Prefix)
	return &credential.Issued{Token: tok, PlainToken: plain}, nil
}

// Authenticate resolves a plain token to its stored record.
func (s *TokenIssuer) Authenticate(ctx context.Context, plain string) (*credential.ServiceToken, error) {
	if len(plain) <= len(credential.TokenPrefix) || plain[:len(credential.TokenPrefix)] != credential.TokenPrefix {
		return nil, fmt.Errorf("malformed token: %w", domain.ErrNotFound)
	}
	tok, err := s.store.GetServiceTokenByHash(ctx, HashToken(plain))
	if err != nil {
		return nil, err
	}
	if err := s.store.TouchServiceToken(context.WithoutCancel(ctx), tok.ID, time.Now().UTC()); err != nil {
		slog.WarnContext(ctx, "token touch failed", "token_id", tok.ID, "error", err)
	}
	return tok, nil
}

// Revoke deletes every token of a tenant.
func (s *TokenIssuer) Revoke(ctx context.Context, tenantID int64) error {
	return s.store.DeleteServiceTokens(ctx, tenantID)
}

// RevokeNamed deletes the tenant's tokens issued under name, leaving the
// others in place.
func (s *TokenIssuer) RevokeNamed(ctx context.Context, tenantID int64, name string) error {
	return s.store.DeleteServiceTokensByName(ctx, tenantID, name)
}

// HashToken returns the hex SHA-256 of a plain token.
func HashToken(plain string) string {
	h := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(h[:])
}
