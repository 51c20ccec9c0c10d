package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a time-ordered hex ID. IDs minted by one process sort in
// creation order, so message history ordered by (createdAt, id) stays in
// send order when two messages share a timestamp.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}
