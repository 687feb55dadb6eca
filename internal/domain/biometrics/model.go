// Package biometrics enrolls fingerprint subjects with an external engine and
// links each enrolled subject to the patient through an identifier.
package biometrics

import (
	"github.com/ehr/registrationcore/internal/domain/patient"
)

// Fingerprint is one captured template. The engine owns the bytes; only the
// subject id is ever stored locally.
type Fingerprint struct {
	Finger   string `json:"finger"`
	Format   string `json:"format"`
	Template []byte `json:"template"`
}

// Subject is the record the engine keeps for one person.
type Subject struct {
	SubjectID    string        `json:"subject_id"`
	Fingerprints []Fingerprint `json:"fingerprints"`
}

// HasData reports whether the subject carries anything to store.
func (s *Subject) HasData() bool {
	return s != nil && len(s.Fingerprints) > 0
}

// Sample pairs a subject with the identifier type used to reference it.
// A nil IdentifierType falls back to the configured default.
type Sample struct {
	Subject        *Subject
	IdentifierType *patient.IdentifierType
}
