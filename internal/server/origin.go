package server

import (
	"net/http"
	"slices"
)

// OriginChecker decides which browser origins may open a socket. With no
// configured origins every origin is accepted, which suits same-origin
// deployments behind a proxy.
type OriginChecker struct {
	allowedOrigins []string
}

func NewOriginChecker(allowedOrigins []string) *OriginChecker {
	return &OriginChecker{
		allowedOrigins,
	}
}

func (c *OriginChecker) Check(r *http.Request) bool {
	if len(c.allowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(c.allowedOrigins, origin)
}
