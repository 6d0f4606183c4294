package tenant

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/Strob0t/TenantForge/internal/domain"
)

// slugPattern keeps slugs URL-safe, DNS-label-safe, and short enough that the
// derived store name fits identifier limits of every supported driver.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,46}[a-z0-9]$`)

// identifierPattern is the allow-list for names that reach store DDL.
var identifierPattern = regexp.MustCompile(`^[a-z0-9_]{1,63}$`)

var hostnamePattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z0-9][a-z0-9-]{0,61}[a-z0-9]$`)

// NormalizeSlug lower-cases and trims a slug.
func NormalizeSlug(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateSlug checks that a normalized slug is URL- and DNS-safe.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("invalid slug %q: must be 3-48 lowercase alphanumeric characters or hyphens: %w", slug, domain.ErrValidation)
	}
	return nil
}

// ValidateIdentifier checks a store/database/role name against the allow-list.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("identifier %q is not allowed: %w", name, domain.ErrValidation)
	}
	return nil
}

// StoreName derives the deterministic isolated store name for a slug.
func StoreName(slug string) string {
	return "tenant_" + strings.ReplaceAll(slug, "-", "_")
}

// NormalizeHostname turns user input such as "HTTPS://Example.COM/" into a bare
// lower-case hostname ("example.com") and validates it.
func NormalizeHostname(raw string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	h = strings.TrimSuffix(strings.TrimSpace(h), ".")
	if !hostnamePattern.MatchString(h) || len(h) > 253 {
		return "", fmt.Errorf("invalid domain %q: %w", raw, domain.ErrValidation)
	}
	return h, nil
}

// StripPort removes an optional port from a Host header value and lower-cases it.
func StripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// SubdomainHost returns the implicit hostname "{slug}.{base}".
func SubdomainHost(slug, baseDomain string) string {
	return slug + "." + baseDomain
}

// SlugFromHost peels the first label of host when the rest equals baseDomain.
// It returns false when host is not a direct subdomain of baseDomain.
func SlugFromHost(host, baseDomain string) (string, bool) {
	suffix := "." + baseDomain
	if baseDomain == "" || !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}
