package idgen

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/registrationcore/internal/domain/patient"
)

// IdentifierSource maps to the identifier_source table: a sequential generator
// for one identifier type.
type IdentifierSource struct {
	ID                int64                   `db:"id" json:"id"`
	UUID              uuid.UUID               `db:"uuid" json:"uuid"`
	Name              string                  `db:"name" json:"name"`
	IdentifierTypeID  uuid.UUID               `db:"identifier_type_id" json:"identifier_type_id"`
	IdentifierType    *patient.IdentifierType `json:"identifier_type,omitempty"`
	Prefix            string                  `db:"prefix" json:"prefix"`
	Suffix            string                  `db:"suffix" json:"suffix"`
	BaseCharacterSet  string                  `db:"base_character_set" json:"base_character_set"`
	MinLength         int                     `db:"min_length" json:"min_length"`
	MaxLength         int                     `db:"max_length" json:"max_length"`
	NextSequenceValue int64                   `db:"next_sequence_value" json:"next_sequence_value"`
	CreatedAt         time.Time               `db:"created_at" json:"created_at"`
}

// DefaultCharacterSet is used when a source does not declare one.
const DefaultCharacterSet = "0123456789"
