// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrNameClaimed indicates a slug or hostname is already claimed by another tenant,
// including soft-deleted tenants.
var ErrNameClaimed = errors.New("already claimed by another tenant")

// ErrValidation indicates the caller supplied invalid input.
var ErrValidation = errors.New("validation failed")

// ErrInvalidTransition indicates a provisioning state change that the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid provisioning transition")

// ErrTenantNotReady indicates the tenant exists but its isolated store may not serve traffic yet.
var ErrTenantNotReady = errors.New("tenant not ready")
