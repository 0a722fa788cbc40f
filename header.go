package idemflow

import (
	"net/http"
	"strings"
)

// HeaderIdempotencyKey is the request/response header carrying the key.
const HeaderIdempotencyKey = "Idempotency-Key"

const headerExposeHeaders = "Access-Control-Expose-Headers"

// KeyFromRequest reads the caller-supplied idempotency key. An absent header
// yields the empty string; InitializeRequest turns that into a
// server-generated key.
func KeyFromRequest(r *http.Request) string {
	return r.Header.Get(HeaderIdempotencyKey)
}

// EchoKey writes the resolved key back on the response and exposes the
// header to cross-origin clients so browsers can read it.
func EchoKey(h http.Header, key string) {
	h.Set(HeaderIdempotencyKey, key)

	exposed := h.Get(headerExposeHeaders)
	if exposed == "" {
		h.Set(headerExposeHeaders, HeaderIdempotencyKey)
		return
	}
	for _, name := range strings.Split(exposed, ",") {
		if strings.EqualFold(strings.TrimSpace(name), HeaderIdempotencyKey) {
			return
		}
	}
	h.Set(headerExposeHeaders, exposed+", "+HeaderIdempotencyKey)
}
