package tenant

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/Strob0t/TenantForge/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize lower-cases the slug and fills defaults for driver and status.
func (r *CreateRequest) Normalize(defaultDriver StoreDriver) {
	r.Slug = NormalizeSlug(r.Slug)
	if r.Driver == "" {
		r.Driver = defaultDriver
	}
	if r.Status == "" {
		r.Status = StatusTrial
	}
}

// Validate checks a normalized CreateRequest.
func (r *CreateRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), domain.ErrValidation)
	}
	if err := ValidateSlug(r.Slug); err != nil {
		return err
	}
	if !ValidDrivers[r.Driver] {
		return fmt.Errorf("unknown store driver %q: %w", r.Driver, domain.ErrValidation)
	}
	if !ValidStatuses[r.Status] {
		return fmt.Errorf("unknown status %q: %w", r.Status, domain.ErrValidation)
	}
	return nil
}
