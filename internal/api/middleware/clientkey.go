package middleware

import (
	"net"
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// clientKey derives a stable, low-cardinality identifier for the calling
// client. RemoteAddr is rewritten by chi's RealIP middleware when the
// request arrived through a trusted proxy, so the hash tracks the
// originating address rather than the load balancer.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return strconv.FormatUint(xxhash.Sum64String(host), 16)
}
