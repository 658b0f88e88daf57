// Package validation holds pure string-format predicates used on forwarder
// input and configuration values.
package validation

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

var (
	// Valid interface name: alphanumeric, dash, underscore, dot (for VLANs), max 15 chars
	interfaceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,15}$`)

	// Valid DNS label: letters, digits, dash and underscore (SRV/DKIM style)
	labelRegex = regexp.MustCompile(`^[a-zA-Z0-9_]([a-zA-Z0-9_-]{0,61}[a-zA-Z0-9_])?$`)
)

// IsValidIPv4 reports whether s is a dotted-quad IPv4 address.
// Leading zeros and trailing garbage are rejected.
func IsValidIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}

// IsValidIPv6 reports whether s is a textual IPv6 address, including
// IPv4-mapped forms. Zone suffixes are rejected.
func IsValidIPv6(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is6() && addr.Zone() == ""
}

// IsValidIP reports whether s is either an IPv4 or an IPv6 address.
func IsValidIP(s string) bool {
	return IsValidIPv4(s) || IsValidIPv6(s)
}

// ValidateInterfaceName validates a network interface name.
func ValidateInterfaceName(name string) error {
	if name == "" {
		return fmt.Errorf("interface name cannot be empty")
	}
	if len(name) > 15 {
		return fmt.Errorf("interface name too long (max 15 characters): %s", name)
	}
	if !interfaceNameRegex.MatchString(name) {
		return fmt.Errorf("invalid interface name: %s (must be alphanumeric with -_.)", name)
	}
	return nil
}

// ValidateDomainName checks the wire limits of a queried name. The root
// name "." and a trailing dot are accepted.
func ValidateDomainName(name string) error {
	if name == "" {
		return fmt.Errorf("domain name cannot be empty")
	}
	if name == "." {
		return nil
	}
	name = strings.TrimSuffix(name, ".")
	if len(name) > 253 {
		return fmt.Errorf("domain name too long (max 253 characters)")
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return fmt.Errorf("domain name %q has an empty label", name)
		}
		if !labelRegex.MatchString(label) {
			return fmt.Errorf("invalid label %q in domain name", label)
		}
	}
	return nil
}

// ValidatePortNumber validates a port number.
func ValidatePortNumber(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port out of range (1-65535): %d", port)
	}
	return nil
}

// ValidateListenAddr validates a host:port listen address.
func ValidateListenAddr(addr string) error {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return ValidatePortNumber(int(ap.Port()))
}
