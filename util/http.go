package util

import (
	"net/http"
	"time"

	"github.com/go-chi/transport"
)

// NewHTTPClient returns the client shared by every upstream fetch. timeout
// bounds a whole request, including reading the body.
func NewHTTPClient(timeout time.Duration, userAgent string) *http.Client {
	rt := http.DefaultTransport
	if userAgent != "" {
		rt = transport.Chain(rt, transport.SetHeader("User-Agent", userAgent))
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: rt,
	}
}
