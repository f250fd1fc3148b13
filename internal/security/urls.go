package security

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// URL validation errors.
var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrRelativeURL      = errors.New("URL must be absolute")
	ErrBlockedScheme    = errors.New("URL scheme not allowed")
	ErrPrivateIPBlocked = errors.New("private/internal IP addresses are not allowed")
	ErrLocalhostBlocked = errors.New("localhost URLs are not allowed")
	ErrMetadataBlocked  = errors.New("cloud metadata URLs are not allowed")
)

// AllowedSchemes defines the URL schemes a navigate action may use.
var AllowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"about": true,
	"data":  true,
}

// cloudMetadataIPs are cloud provider metadata service addresses. Navigating
// a pooled browser to one of these would expose instance credentials.
var cloudMetadataIPs = []net.IP{
	net.ParseIP("169.254.169.254"), // AWS, GCP, Azure, DigitalOcean, OpenStack
	net.ParseIP("169.254.170.2"),   // AWS ECS task metadata
	net.ParseIP("100.100.100.200"), // Alibaba Cloud
	net.ParseIP("192.0.0.192"),     // Oracle Cloud IMDS
	net.ParseIP("fd00:ec2::254"),   // AWS IPv6 metadata
}

// ValidateActionURL checks a URL supplied to a navigate action. The scheme
// must be absolute and in AllowedSchemes. When strict is true, localhost,
// private-range, and cloud metadata hosts are rejected as well.
func ValidateActionURL(rawURL string, strict bool) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}
	if parsed.Scheme == "" {
		return ErrRelativeURL
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !AllowedSchemes[scheme] {
		return ErrBlockedScheme
	}

	// about: and data: URLs have no host component to check.
	if scheme == "about" || scheme == "data" {
		return nil
	}

	if !strict {
		return nil
	}

	hostname := strings.ToLower(parsed.Hostname())
	if isLocalhostHostname(hostname) {
		return ErrLocalhostBlocked
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		return validateIP(ip)
	}

	return nil
}

func isLocalhostHostname(hostname string) bool {
	switch hostname {
	case "localhost", "localhost.localdomain", "local", "ip6-localhost", "ip6-loopback":
		return true
	}
	return strings.HasSuffix(hostname, ".localhost") || strings.HasPrefix(hostname, "localhost.")
}

func validateIP(ip net.IP) error {
	for _, meta := range cloudMetadataIPs {
		if ip.Equal(meta) {
			return ErrMetadataBlocked
		}
	}
	if ip.IsLoopback() {
		return ErrLocalhostBlocked
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return ErrPrivateIPBlocked
	}
	return nil
}
