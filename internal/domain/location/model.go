package location

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TagIdentifierAssignment marks a location that owns the namespace of the
// identifiers issued beneath it.
const TagIdentifierAssignment = "Identifier Assignment Location"

// Location maps to the location table; Tags is aggregated from location_tag_map.
type Location struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	Name      string     `db:"name" json:"name"`
	ParentID  *uuid.UUID `db:"parent_id" json:"parent_id,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// HasTag compares tag names case-insensitively.
func (l *Location) HasTag(name string) bool {
	for _, t := range l.Tags {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}
