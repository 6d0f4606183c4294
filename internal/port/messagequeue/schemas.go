package messagequeue

import "time"

// ProvisionPayload is the schema for tenants.provision messages. The admin
// bootstrap travels through the control-plane store, never the queue.
type ProvisionPayload struct {
	TenantID  int64  `json:"tenant_id"`
	Retry     bool   `json:"retry"`
	RequestID string `json:"request_id,omitempty"`
}

// LifecyclePayload is the schema for tenants.lifecycle.* messages.
type LifecyclePayload struct {
	TenantID           int64     `json:"tenant_id"`
	Slug               string    `json:"slug"`
	Event              string    `json:"event"`
	ProvisioningStatus string    `json:"provisioning_status,omitempty"`
	Error              string    `json:"error,omitempty"`
	At                 time.Time `json:"at"`
}
