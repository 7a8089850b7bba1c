package xid

import "github.com/google/uuid"

// New returns prefix-<uuid v7>, so ids sort by creation time.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return prefix + "-" + id.String()
}
