package model

import "github.com/oklog/ulid/v2"

// NewID generates a ULID string used as a cell id when the caller does not
// supply one.
func NewID() string {
	return ulid.Make().String()
}
