// Package registration is the patient registration transaction and the
// duplicate-search entry points that precede it.
package registration

import (
	"github.com/ehr/registrationcore/internal/domain/biometrics"
	"github.com/ehr/registrationcore/internal/domain/location"
	"github.com/ehr/registrationcore/internal/domain/patient"
)

// TopicPatientRegistered is published once per successful registration.
const TopicPatientRegistered = "registration.patient_registered"

// DateFormat is the layout of the date_registered event field.
const DateFormat = "2006-01-02T15:04:05.000Z0700"

// Event payload keys.
const (
	EventPatientUUID       = "patient_uuid"
	EventRegistererID      = "registerer_id"
	EventDateRegistered    = "date_registered"
	EventWasAPerson        = "was_a_person"
	EventRelationshipUUIDs = "relationship_uuids"
)

// Request is one registration attempt.
type Request struct {
	Patient *patient.Patient
	// Relationships must each leave exactly one side unset; that side becomes
	// the new patient.
	Relationships []*patient.Relationship
	// Identifier is validated instead of generated when non-blank.
	Identifier string
	// Location defaults to the configured default location.
	Location     *location.Location
	Biometrics   []*biometrics.Sample
	RegistererID string
}
