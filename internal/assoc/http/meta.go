package http

import (
	"net"
	"net/http"
	"strings"

	"github.com/clubworks/assoc/internal/assoc/domain"
)

// requestMeta captures the caller context stamped into audit rows.
// Trusts the left-most X-Forwarded-For entry when present, matching the
// reverse proxy deployment.
func requestMeta(r *http.Request) domain.RequestMeta {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		ip = strings.TrimSpace(strings.Split(ip, ",")[0])
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	} else {
		ip = r.RemoteAddr
	}

	return domain.RequestMeta{
		IPAddress: ip,
		UserAgent: r.UserAgent(),
	}
}
