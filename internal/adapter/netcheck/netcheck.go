// Package netcheck implements DNS and TLS inspection against the public network.
package netcheck

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"

	port "github.com/Strob0t/TenantForge/internal/port/netcheck"
)

// Resolver resolves CNAME records with the system resolver.
type Resolver struct {
	r *net.Resolver
}

var _ port.Resolver = (*Resolver)(nil)

// NewResolver returns a Resolver using net.DefaultResolver.
func NewResolver() *Resolver {
	return &Resolver{r: net.DefaultResolver}
}

// LookupCNAME returns the canonical name without the trailing dot.
func (r *Resolver) LookupCNAME(ctx context.Context, host string) (string, error) {
	cname, err := r.r.LookupCNAME(ctx, host)
	if err != nil {
		return "", fmt.Errorf("lookup cname %s: %w", host, err)
	}
	return strings.TrimSuffix(strings.ToLower(cname), "."), nil
}

// TLSInspector dials host:443 and reads the presented leaf certificate.
type TLSInspector struct {
	port string
}

var _ port.CertInspector = (*TLSInspector)(nil)

// NewTLSInspector returns an inspector dialing the HTTPS port.
func NewTLSInspector() *TLSInspector {
	return &TLSInspector{port: "443"}
}

func (i *TLSInspector) Inspect(ctx context.Context, host string) (*port.Certificate, error) {
	d := &tls.Dialer{Config: &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, //nolint:gosec // inspection only; validity is judged by the caller
		MinVersion:         tls.VersionTLS12,
	}}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, i.port))
	if err != nil {
		return nil, fmt.Errorf("tls dial %s: %w", host, err)
	}
	defer func() { _ = conn.Close() }()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return nil, errors.New("unexpected connection type")
	}
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, fmt.Errorf("tls %s: no peer certificate", host)
	}
	leaf := certs[0]
	return &port.Certificate{
		Issuer:    leaf.Issuer.String(),
		Subject:   leaf.Subject.String(),
		DNSNames:  leaf.DNSNames,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
	}, nil
}
