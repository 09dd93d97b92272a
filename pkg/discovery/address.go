package discovery

import (
	"net"
	"sort"
)

// SortIPsByPreference sorts addresses by reachability preference:
// global IPv6, then unique-local IPv6, then link-local IPv6, then
// IPv4, then everything else. The input is not modified.
func SortIPsByPreference(ips []net.IP) []net.IP {
	if len(ips) <= 1 {
		return ips
	}

	sorted := make([]net.IP, len(ips))
	copy(sorted, ips)
	sort.SliceStable(sorted, func(i, j int) bool {
		return ipPriority(sorted[i]) < ipPriority(sorted[j])
	})
	return sorted
}

// ipPriority ranks an address; lower is better.
func ipPriority(ip net.IP) int {
	ip16 := ip.To16()
	if ip16 == nil {
		return 99
	}

	if ip16.To4() != nil {
		if ip16.IsLoopback() {
			return 80
		}
		return 50
	}

	switch {
	case isUniqueLocal(ip16):
		return 1
	case ip16.IsLinkLocalUnicast():
		return 2
	case ip16.IsGlobalUnicast():
		return 0
	case ip16.IsLoopback():
		return 80
	case ip16.IsMulticast():
		return 90
	}
	return 10
}

// isUniqueLocal reports whether the address is in fc00::/7.
func isUniqueLocal(ip net.IP) bool {
	ip = ip.To16()
	if ip == nil || ip.To4() != nil {
		return false
	}
	return ip[0] == 0xfc || ip[0] == 0xfd
}

// FilterIPv4 returns only the IPv4 addresses.
func FilterIPv4(ips []net.IP) []net.IP {
	var out []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			out = append(out, ip)
		}
	}
	return out
}

// FilterIPv6 returns only the IPv6 addresses.
func FilterIPv6(ips []net.IP) []net.IP {
	var out []net.IP
	for _, ip := range ips {
		if ip.To4() == nil && ip.To16() != nil {
			out = append(out, ip)
		}
	}
	return out
}
