package service

import (
	"errors"

	"github.com/Strob0t/TenantForge/internal/domain"
)

// ErrProvisionerClosed is returned by Enqueue once Close has been called.
var ErrProvisionerClosed = errors.New("provisioner is shutting down")

// StepError records which provisioning step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }

func (e *StepError) Unwrap() error { return e.Err }

func isNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }

func isConflict(err error) bool { return errors.Is(err, domain.ErrConflict) }
