package ws

import (
	"net"
	"net/http"
	"strings"
)

// remoteHost keys the upgrade limiter. Forwarded headers are ignored; the
// server is expected to be reached directly or through a trusted proxy that
// rewrites RemoteAddr.
func remoteHost(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
