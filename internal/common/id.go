package common

import (
	"github.com/google/uuid"
)

// NewTraceID generates a short-lived identifier for a unit of internal
// bookkeeping. Format: trc_<uuid>. Nothing in this repository calls it.
func NewTraceID() string {
	return "trc_" + uuid.New().String()
}
