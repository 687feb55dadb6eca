package patient

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table.
type Patient struct {
	ID     uuid.UUID `db:"id" json:"id"`
	FHIRID string    `db:"fhir_id" json:"fhir_id"`
	// PersonID is set when an existing person record is being promoted to a patient.
	PersonID     *uuid.UUID           `db:"person_id" json:"person_id,omitempty"`
	GivenName    string               `db:"given_name" json:"given_name"`
	MiddleName   *string              `db:"middle_name" json:"middle_name,omitempty"`
	FamilyName   string               `db:"family_name" json:"family_name"`
	BirthDate    *time.Time           `db:"birth_date" json:"birth_date,omitempty"`
	Gender       *string              `db:"gender" json:"gender,omitempty"`
	Phone        *string              `db:"phone" json:"phone,omitempty"`
	Email        *string              `db:"email" json:"email,omitempty"`
	AddressLine1 *string              `db:"address_line1" json:"address_line1,omitempty"`
	City         *string              `db:"city" json:"city,omitempty"`
	State        *string              `db:"state" json:"state,omitempty"`
	PostalCode   *string              `db:"postal_code" json:"postal_code,omitempty"`
	Country      *string              `db:"country" json:"country,omitempty"`
	CreatorID    *uuid.UUID           `db:"creator_id" json:"creator_id,omitempty"`
	Identifiers  []*PatientIdentifier `json:"identifiers,omitempty"`
	CreatedAt    time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time            `db:"updated_at" json:"updated_at"`
}

// AddIdentifier attaches ident to the patient. Marking it preferred clears
// the flag on other identifiers of the same type.
func (p *Patient) AddIdentifier(ident *PatientIdentifier) {
	if ident.Preferred {
		for _, existing := range p.Identifiers {
			if existing.TypeID == ident.TypeID {
				existing.Preferred = false
			}
		}
	}
	ident.PatientID = p.ID
	p.Identifiers = append(p.Identifiers, ident)
}

// Checkpoint records the fields a failed save may have touched and returns a
// func that puts them back: store-assigned IDs and timestamps, the
// identifier list and each identifier's preferred flag.
func (p *Patient) Checkpoint() func() {
	type identState struct {
		ident     *PatientIdentifier
		id        uuid.UUID
		patientID uuid.UUID
		preferred bool
		createdAt time.Time
	}
	id, fhirID := p.ID, p.FHIRID
	createdAt, updatedAt := p.CreatedAt, p.UpdatedAt
	idents := append([]*PatientIdentifier(nil), p.Identifiers...)
	states := make([]identState, 0, len(idents))
	for _, ident := range idents {
		if ident == nil {
			continue
		}
		states = append(states, identState{ident, ident.ID, ident.PatientID, ident.Preferred, ident.CreatedAt})
	}
	return func() {
		p.ID, p.FHIRID = id, fhirID
		p.CreatedAt, p.UpdatedAt = createdAt, updatedAt
		p.Identifiers = idents
		for _, st := range states {
			st.ident.ID = st.id
			st.ident.PatientID = st.patientID
			st.ident.Preferred = st.preferred
			st.ident.CreatedAt = st.createdAt
		}
	}
}

func (p *Patient) IdentifiersOfType(typeID uuid.UUID) []*PatientIdentifier {
	var out []*PatientIdentifier
	for _, ident := range p.Identifiers {
		if ident.TypeID == typeID {
			out = append(out, ident)
		}
	}
	return out
}

// HasIdentifier reports whether the patient holds value under typeID.
func (p *Patient) HasIdentifier(typeID uuid.UUID, value string) bool {
	for _, ident := range p.IdentifiersOfType(typeID) {
		if ident.Value == value {
			return true
		}
	}
	return false
}

// PreferredIdentifier returns the preferred identifier of typeID, if any.
func (p *Patient) PreferredIdentifier(typeID uuid.UUID) *PatientIdentifier {
	for _, ident := range p.IdentifiersOfType(typeID) {
		if ident.Preferred {
			return ident
		}
	}
	return nil
}

// FullName joins the name parts for display and logging.
func (p *Patient) FullName() string {
	parts := []string{p.GivenName}
	if p.MiddleName != nil && *p.MiddleName != "" {
		parts = append(parts, *p.MiddleName)
	}
	parts = append(parts, p.FamilyName)
	return strings.TrimSpace(strings.Join(parts, " "))
}

// PatientIdentifier maps to the patient_identifier table.
type PatientIdentifier struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	PatientID  uuid.UUID       `db:"patient_id" json:"patient_id"`
	TypeID     uuid.UUID       `db:"identifier_type_id" json:"identifier_type_id"`
	Type       *IdentifierType `json:"type,omitempty"`
	Value      string          `db:"value" json:"value"`
	LocationID *uuid.UUID      `db:"location_id" json:"location_id,omitempty"`
	Preferred  bool            `db:"preferred" json:"preferred"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// Check digit validators understood by IdentifierType.Validator.
const (
	ValidatorLuhn      = "luhn"
	ValidatorLuhnMod30 = "luhnmod30"
)

// IdentifierType maps to the identifier_type table.
type IdentifierType struct {
	ID                uuid.UUID `db:"id" json:"id"`
	Name              string    `db:"name" json:"name"`
	Description       *string   `db:"description" json:"description,omitempty"`
	Format            *string   `db:"format" json:"format,omitempty"`
	FormatDescription *string   `db:"format_description" json:"format_description,omitempty"`
	Validator         *string   `db:"validator" json:"validator,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// Relationship maps to the relationship table. A stub submitted with a new
// registration has exactly one side unset.
type Relationship struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	PersonA   *uuid.UUID `db:"person_a" json:"person_a,omitempty"`
	PersonB   *uuid.UUID `db:"person_b" json:"person_b,omitempty"`
	Type      string     `db:"relationship_type" json:"relationship_type"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}
