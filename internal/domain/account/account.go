// Package account defines accounts that live inside a tenant's isolated store.
package account

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Strob0t/TenantForge/internal/domain"
)

// RoleAdmin is the seeded role attached to the bootstrap administrator.
const RoleAdmin = "admin"

var validate = validator.New()

// Account is a user record inside a tenant store.
type Account struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// BootstrapSpec describes the administrator created during provisioning.
// An empty Password asks the control plane to generate one.
type BootstrapSpec struct {
	Name     string `json:"name" validate:"required,max=255"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password,omitempty" validate:"omitempty,min=8,max=72"` //nolint:gosec // request field
}

// Normalize trims input and lower-cases the email.
func (s *BootstrapSpec) Normalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.Email = strings.ToLower(strings.TrimSpace(s.Email))
}

// Validate checks the bootstrap spec.
func (s *BootstrapSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("admin: %s: %w", err.Error(), domain.ErrValidation)
	}
	return nil
}

// Bootstrap is the sealed form of a BootstrapSpec kept on the tenant until
// provisioning completes. It carries a bcrypt hash, never the plain password.
type Bootstrap struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
}
