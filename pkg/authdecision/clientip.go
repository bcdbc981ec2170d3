package authdecision

import (
	"net"
	"net/http"
	"strings"
)

// TrueClientIP extracts the original client IP from X-Forwarded-For,
// walking the chain from the right and skipping any address that falls
// inside a trusted proxy CIDR, per spec.md §4's forward-auth contract.
// If every hop is trusted (or the header is absent), RemoteAddr's host
// is returned.
func TrueClientIP(r *http.Request, trustedProxies []*net.IPNet) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			candidate := strings.TrimSpace(hops[i])
			ip := net.ParseIP(candidate)
			if ip == nil {
				continue
			}
			if !isTrusted(ip, trustedProxies) {
				return candidate
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isTrusted(ip net.IP, proxies []*net.IPNet) bool {
	for _, cidr := range proxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseCIDRList parses the deployment's `proxies` configuration list
// into the net.IPNet slice TrueClientIP expects.
func ParseCIDRList(cidrs []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		out = append(out, network)
	}
	return out, nil
}
