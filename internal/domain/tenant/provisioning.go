package tenant

// ProvisioningStatus is the lifecycle state of a tenant's isolated environment.
type ProvisioningStatus string

const (
	ProvisioningPending ProvisioningStatus = "pending"
	ProvisioningRunning ProvisioningStatus = "running"
	ProvisioningReady   ProvisioningStatus = "ready"
	ProvisioningFailed  ProvisioningStatus = "failed"
)

// legalTransitions lists the provisioning states reachable from each state.
// ready is terminal; failed may only re-enter running (retry).
var legalTransitions = map[ProvisioningStatus][]ProvisioningStatus{
	ProvisioningPending: {ProvisioningRunning},
	ProvisioningRunning: {ProvisioningReady, ProvisioningFailed},
	ProvisioningFailed:  {ProvisioningRunning},
}

// CanTransition reports whether moving from one provisioning state to another is legal.
func CanTransition(from, to ProvisioningStatus) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
