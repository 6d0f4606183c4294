// Package netcheck defines ports for best-effort DNS and TLS inspection.
package netcheck

import (
	"context"
	"time"
)

// Resolver looks up the canonical name of a host.
type Resolver interface {
	LookupCNAME(ctx context.Context, host string) (string, error)
}

// Certificate is the subset of a peer certificate the control plane reports.
type Certificate struct {
	Issuer    string
	Subject   string
	DNSNames  []string
	NotBefore time.Time
	NotAfter  time.Time
}

// CertInspector fetches the leaf certificate a host presents on the HTTPS port
// without validating the trust chain.
type CertInspector interface {
	Inspect(ctx context.Context, host string) (*Certificate, error)
}
