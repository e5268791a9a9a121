package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// EndpointPolicy validates operator-supplied endpoint URLs (e.g. the sidecar
// base URL) so a bad config cannot point the engine at a cloud metadata
// service or an arbitrary internal host.
type EndpointPolicy struct {
	// AllowPrivate permits RFC1918 and loopback addresses. Sidecars usually
	// run next to the engine, so this defaults on.
	AllowPrivate bool

	// AllowedHosts, when non-empty, restricts endpoints to these hostnames.
	AllowedHosts []string
}

// DefaultEndpointPolicy permits local and private endpoints but never cloud
// metadata addresses.
func DefaultEndpointPolicy() EndpointPolicy {
	return EndpointPolicy{AllowPrivate: true}
}

// ValidateEndpoint checks a raw URL against the policy. Only http and https
// schemes are accepted.
func (p EndpointPolicy) ValidateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("endpoint %q has no host", raw)
	}

	if len(p.AllowedHosts) > 0 {
		allowed := false
		for _, h := range p.AllowedHosts {
			if strings.EqualFold(h, host) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("endpoint host %q not in allow list", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return fmt.Errorf("endpoint %q resolves to a link-local address", raw)
		}
		if !p.AllowPrivate && (ip.IsLoopback() || ip.IsPrivate()) {
			return fmt.Errorf("endpoint %q resolves to a private address", raw)
		}
	}
	if !p.AllowPrivate && (host == "localhost" || strings.HasSuffix(host, ".localhost")) {
		return fmt.Errorf("endpoint %q is a local address", raw)
	}
	return nil
}
