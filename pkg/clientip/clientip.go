// Package clientip resolves the network address of an HTTP caller.
package clientip

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// FromRequest returns the caller address of r.
// Proxy headers are consulted only when trustProxy is set, since any client
// can send them. The order is X-Forwarded-For (first valid entry), X-Real-IP,
// then RemoteAddr.
func FromRequest(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			for _, ip := range strings.Split(forwarded, ",") {
				if parsed := parseIP(ip); parsed != "" {
					return parsed
				}
			}
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return parseIP(r.RemoteAddr)
	}
	return parseIP(host)
}

// Addr parses an address returned by FromRequest
func Addr(ip string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func parseIP(ipStr string) string {
	ipStr = strings.TrimSpace(ipStr)
	if ipStr == "" {
		return ""
	}
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
