package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ProxyTrust lists the peers whose X-Forwarded-For header is believed.
// The zero value trusts nobody.
type ProxyTrust struct {
	prefixes []netip.Prefix
}

// ParseProxyTrust accepts addresses and CIDR blocks.
func ParseProxyTrust(entries []string) (ProxyTrust, error) {
	var pt ProxyTrust
	for _, raw := range entries {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		if strings.Contains(val, "/") {
			p, err := netip.ParsePrefix(val)
			if err != nil {
				return ProxyTrust{}, fmt.Errorf("trusted proxy %q: %w", val, err)
			}
			pt.prefixes = append(pt.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(val)
		if err != nil {
			return ProxyTrust{}, fmt.Errorf("trusted proxy %q: %w", val, err)
		}
		addr = addr.Unmap()
		pt.prefixes = append(pt.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return pt, nil
}

func (pt ProxyTrust) trusts(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range pt.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolve returns the client address of r. Forwarded hops are walked from
// the right and only while each hop was added by a trusted proxy.
func (pt ProxyTrust) Resolve(r *http.Request) string {
	ip := remoteHost(r)
	if !pt.trusts(ip) {
		return ip
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if _, err := netip.ParseAddr(hop); err != nil {
			break
		}
		ip = hop
		if !pt.trusts(hop) {
			break
		}
	}
	return ip
}

// Middleware records the resolved client address for the rest of the chain.
func (pt ProxyTrust) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey, pt.Resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP is the address recorded by ProxyTrust.Middleware, or the peer
// address when the request did not pass through it.
func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
