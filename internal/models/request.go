package models

import "time"

// RequestView is the engine's read-only projection of an inbound HTTP request.
// Headers are normalised to lower-case keys with joined values. The raw
// identifiers (ClientIP, UserAgent) live only in this in-memory view; anything
// persisted is keyed by their HMAC pattern IDs.
type RequestView struct {
	RequestID  string
	Method     string
	Path       string
	Headers    map[string]string
	ClientIP   string
	UserAgent  string
	ReceivedAt time.Time
}

// Header returns the normalised header value for the given lower-case name.
func (v *RequestView) Header(name string) string {
	if v.Headers == nil {
		return ""
	}
	return v.Headers[name]
}
