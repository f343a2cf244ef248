package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/MrEthical07/codegate"
)

// ClientIP attaches the caller's address to the request context with
// codegate.WithClientIP. If trustedHeader is non-empty and carries a valid
// address, its right-most entry is used instead of RemoteAddr. That is the
// address the nearest proxy saw; entries to its left are client-supplied.
func ClientIP(trustedHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientAddress(r, trustedHeader)
			if ip == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := codegate.WithClientIP(r.Context(), ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientAddress(r *http.Request, trustedHeader string) string {
	if trustedHeader != "" {
		if values := r.Header.Values(trustedHeader); len(values) > 0 {
			value := values[len(values)-1]
			last := value[strings.LastIndexByte(value, ',')+1:]
			if addr, err := netip.ParseAddr(strings.TrimSpace(last)); err == nil {
				return addr.Unmap().String()
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String()
	}
	return ""
}
