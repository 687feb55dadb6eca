package patient

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CandidateQuery narrows the patients considered by a matcher. Unset fields
// do not constrain the query.
type CandidateQuery struct {
	FamilySoundex *string
	GivenName     *string
	FamilyName    *string
	BirthDate     *time.Time
	BirthYearMin  *int
	BirthYearMax  *int
	Gender        *string
	ExcludeIDs    []uuid.UUID
	Limit         int
}

// NameField selects which name column a name search reads.
type NameField string

const (
	NameFieldGiven  NameField = "given_name"
	NameFieldFamily NameField = "family_name"
)

type Repository interface {
	// Create persists p and every identifier attached to it.
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	AddIdentifier(ctx context.Context, ident *PatientIdentifier) error
	GetIdentifiers(ctx context.Context, patientID uuid.UUID) ([]*PatientIdentifier, error)
	FindByIdentifier(ctx context.Context, typeID uuid.UUID, value string) (*Patient, error)
	FindCandidates(ctx context.Context, q CandidateQuery) ([]*Patient, error)
	DistinctNames(ctx context.Context, field NameField, prefix string, limit int) ([]string, error)
}

type RelationshipRepository interface {
	Create(ctx context.Context, r *Relationship) error
	ListByPerson(ctx context.Context, personID uuid.UUID) ([]*Relationship, error)
}

type IdentifierTypeRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*IdentifierType, error)
	GetByName(ctx context.Context, name string) (*IdentifierType, error)
}
