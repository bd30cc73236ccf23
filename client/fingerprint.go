package client

import "github.com/google/uuid"

// Fingerprint derives the double-tap dedup key for a send attempt. It is a
// deterministic 32-bit rolling hash over content and session; two rapid
// sends of the same text into the same session collide on purpose. It is
// never sent to the server.
func Fingerprint(content, sessionID string) uint32 {
	var h uint32
	for _, r := range content {
		h = h*31 + uint32(r)
	}
	h = h*31 + '|'
	for _, r := range sessionID {
		h = h*31 + uint32(r)
	}
	return h
}

// NewClientID returns a fresh random identifier for one send attempt. The
// server enforces uniqueness on it, which is what makes retries safe.
func NewClientID() string {
	return uuid.NewString()
}
