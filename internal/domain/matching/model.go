// Package matching finds existing patients that may be the same person as a
// new registration, and reconciles local and remote candidate lists.
package matching

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/registrationcore/internal/domain/patient"
)

// Origin says where a candidate came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Candidate is a scored query-time reference to a possibly identical patient.
// Remote candidates carry the remote index id; their Patient has no local ID.
type Candidate struct {
	Patient  *patient.Patient `json:"patient"`
	Score    float64          `json:"score"`
	Origin   Origin           `json:"origin"`
	RemoteID string           `json:"remote_id,omitempty"`
}

// PatientID returns the local id, or uuid.Nil for remote candidates.
func (c Candidate) PatientID() uuid.UUID {
	if c.Patient == nil {
		return uuid.Nil
	}
	return c.Patient.ID
}

// Strategy scores stored patients against a profile. Results are ordered by
// descending score, hold at most maxResults entries, and every score is at
// least cutoff.
type Strategy interface {
	FindSimilarPatients(ctx context.Context, p *patient.Patient, extra map[string]interface{}, cutoff float64, maxResults int) ([]Candidate, error)
}

// NameSearch suggests stored names for autocomplete.
type NameSearch interface {
	FindSimilarGivenNames(ctx context.Context, phrase string) ([]string, error)
	FindSimilarFamilyNames(ctx context.Context, phrase string) ([]string, error)
}

// CandidateSource is the part of the patient store the strategies read.
type CandidateSource interface {
	FindCandidates(ctx context.Context, q patient.CandidateQuery) ([]*patient.Patient, error)
	FindByIdentifier(ctx context.Context, typeID uuid.UUID, value string) (*patient.Patient, error)
}
