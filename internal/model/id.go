package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for jobs and process instances that arrive
// without a caller-supplied identifier.
func NewID() string {
	return ulid.Make().String()
}
