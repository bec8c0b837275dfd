package transport

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"
)

// clientIP extracts the IP portion of the request's RemoteAddr, falling back
// to the full RemoteAddr if parsing fails.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IPRateLimiter limits requests per source IP over a sliding window. The
// provisioning endpoints sit behind this so a misbehaving caller cannot burn
// through token guesses. Use with TrustedRealIP when the server runs behind
// a proxy.
func IPRateLimiter(requests int, window time.Duration, message string) func(http.Handler) http.Handler {
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return clientIP(r), nil
		}),
		httprate.WithLimitHandler(rateLimitHandler(window, message)),
	)
}

func rateLimitHandler(window time.Duration, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":    http.StatusTooManyRequests,
			"message": message,
			"reason":  "TooManyRequests",
		})
	}
}

// TrustedRealIP rewrites RemoteAddr from the X-Forwarded-For / X-Real-IP /
// True-Client-IP headers, but only when the immediate peer is inside one of
// the trusted proxy CIDRs. Headers from untrusted peers are silently
// ignored.
func TrustedRealIP(trustedProxies []string) func(http.Handler) http.Handler {
	var trustedNets []*net.IPNet
	for _, entry := range trustedProxies {
		s := strings.TrimSpace(entry)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			if _, n, err := net.ParseCIDR(s); err == nil {
				trustedNets = append(trustedNets, n)
			}
			continue
		}
		if ip := net.ParseIP(s); ip != nil {
			if ip.To4() != nil {
				trustedNets = append(trustedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)})
			} else {
				trustedNets = append(trustedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)})
			}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(trustedNets) > 0 {
				if peerIP := net.ParseIP(clientIP(r)); peerIP != nil && containedIn(trustedNets, peerIP) {
					if ip := realIPFromHeaders(r); ip != "" {
						r.RemoteAddr = ip
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func containedIn(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func realIPFromHeaders(r *http.Request) string {
	if tc := strings.TrimSpace(r.Header.Get("True-Client-IP")); tc != "" {
		if ip := net.ParseIP(tc); ip != nil {
			return ip.String()
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		if ip := net.ParseIP(xr); ip != nil {
			return ip.String()
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}
	return ""
}
