package httpcache

import (
	"fmt"
	"net"
	"net/url"
)

// ValidateFetchURL enforces spec §4.5's "validates the target URL against
// allow-list and private-IP policy" and §6's security.allowed_fetch_domains
// / allow_private_fetch_ips configuration keys. allowedDomains entries are
// glob patterns matched against the URL host (empty list means "no
// restriction", matching a disabled allow-list).
func ValidateFetchURL(rawURL string, allowedDomains []string, allowPrivateIPs bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}

	if len(allowedDomains) > 0 {
		allowed := false
		for _, pattern := range allowedDomains {
			if globMatch(pattern, host) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("host %q is not in the allowed fetch domains", host)
		}
	}

	if allowPrivateIPs {
		return nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		// DNS resolution is the caller's (transport's) problem; URL
		// validation only rejects known-private targets.
		return nil
	}
	for _, ip := range ips {
		if isPrivateOrReserved(ip) {
			return fmt.Errorf("host %q resolves to a private/reserved address %s", host, ip)
		}
	}
	return nil
}

// isPrivateOrReserved reports whether ip falls in a private, loopback,
// link-local, or other non-routable range — guarding against SSRF to
// internal infrastructure when allow_private_fetch_ips is false.
func isPrivateOrReserved(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		// 100.64.0.0/10 (carrier-grade NAT) isn't covered by IsPrivate.
		if ip4[0] == 100 && ip4[1]&0xc0 == 64 {
			return true
		}
	}
	return false
}
