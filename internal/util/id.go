package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

const localPrefix = "local_"

// NewLocalID mints a provisional identifier for an optimistic message that
// has not been confirmed by the backend yet.
func NewLocalID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return localPrefix + hex.EncodeToString(bytes)
}

// IsLocalID reports whether id is a provisional client-side identifier
// rather than a canonical backend one.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localPrefix)
}
