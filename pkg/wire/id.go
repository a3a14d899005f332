package wire

import (
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix marks identifiers generated by a client for messages the server
// has not acknowledged yet.
const TempIDPrefix = "tmp_"

// NewID returns a random identifier for correlation ids and server-side records.
func NewID() string {
	return uuid.NewString()
}

// NewTempID returns a client-local message identifier.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// Now is swapped in tests that need a fixed clock.
var Now = time.Now
