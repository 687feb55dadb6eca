package biometrics

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/registrationcore/internal/domain/patient"
	"github.com/ehr/registrationcore/internal/platform/apperr"
	"github.com/ehr/registrationcore/internal/platform/settings"
)

// Engine is the external biometric matcher.
type Engine interface {
	// Lookup returns nil when no subject has the id.
	Lookup(ctx context.Context, subjectID string) (*Subject, error)
	Enroll(ctx context.Context, s *Subject) (*Subject, error)
	Update(ctx context.Context, s *Subject) (*Subject, error)
}

// IdentifierStore persists identifiers attached to an existing patient.
type IdentifierStore interface {
	AddIdentifier(ctx context.Context, ident *patient.PatientIdentifier) error
}

// Properties is the read side of the runtime property store.
type Properties interface {
	Get(ctx context.Context, name string) (string, error)
}

// Enrollment stores biometric samples and keeps the patient's subject
// identifier in step with the engine.
type Enrollment struct {
	engine      Engine
	identifiers IdentifierStore
	types       patient.IdentifierTypeRepository
	props       Properties
	logger      zerolog.Logger
}

// NewEnrollment builds an Enrollment. engine may be nil; only requests that
// carry fingerprints need one.
func NewEnrollment(engine Engine, identifiers IdentifierStore, types patient.IdentifierTypeRepository, props Properties, logger zerolog.Logger) *Enrollment {
	return &Enrollment{
		engine:      engine,
		identifiers: identifiers,
		types:       types,
		props:       props,
		logger:      logger.With().Str("component", "biometrics").Logger(),
	}
}

// Engine returns the configured engine, or nil.
func (e *Enrollment) Engine() Engine {
	return e.engine
}

// Save enrolls or updates the sample's subject and makes sure p holds an
// identifier of the sample's type equal to the subject id. A sample without
// fingerprints is returned unchanged.
func (e *Enrollment) Save(ctx context.Context, p *patient.Patient, sample *Sample) (*Sample, error) {
	const op = "biometrics.save"

	if sample == nil || !sample.Subject.HasData() {
		e.logger.Debug().Msg("no biometric data supplied, nothing to store")
		return sample, nil
	}
	if p == nil {
		return nil, apperr.Validation(op, "patient cannot be nil")
	}
	if e.engine == nil {
		return nil, apperr.IllegalState(op, "biometric data supplied but no biometric engine is configured")
	}

	identType := sample.IdentifierType
	if identType == nil {
		t, err := e.defaultType(ctx)
		if err != nil {
			return nil, err
		}
		identType = t
	}
	if identType == nil {
		return nil, apperr.Configuration(op, "no identifier type configured for biometric storage")
	}

	subject, err := e.store(ctx, sample.Subject)
	if err != nil {
		return nil, err
	}
	if subject == nil || subject.SubjectID == "" {
		return nil, apperr.Biometric(op, "engine returned no subject id", nil)
	}

	if !p.HasIdentifier(identType.ID, subject.SubjectID) {
		ident := &patient.PatientIdentifier{
			TypeID:    identType.ID,
			Type:      identType,
			Value:     subject.SubjectID,
			Preferred: false,
		}
		p.AddIdentifier(ident)
		if err := e.identifiers.AddIdentifier(ctx, ident); err != nil {
			return nil, fmt.Errorf("save biometric identifier: %w", err)
		}
		e.logger.Info().
			Str("patient_id", p.ID.String()).
			Str("identifier_type", identType.Name).
			Msg("biometric identifier added")
	}

	return &Sample{Subject: subject, IdentifierType: identType}, nil
}

func (e *Enrollment) store(ctx context.Context, s *Subject) (*Subject, error) {
	const op = "biometrics.store"

	if s.SubjectID != "" {
		existing, err := e.engine.Lookup(ctx, s.SubjectID)
		if err != nil {
			return nil, apperr.Biometric(op, "subject lookup failed", err)
		}
		if existing != nil {
			updated, err := e.engine.Update(ctx, s)
			if err != nil {
				return nil, apperr.Biometric(op, "subject update failed", err)
			}
			return updated, nil
		}
	}
	enrolled, err := e.engine.Enroll(ctx, s)
	if err != nil {
		return nil, apperr.Biometric(op, "subject enrollment failed", err)
	}
	return enrolled, nil
}

func (e *Enrollment) defaultType(ctx context.Context) (*patient.IdentifierType, error) {
	if e.props == nil || e.types == nil {
		return nil, nil
	}
	ref, err := e.props.Get(ctx, settings.KeyBiometricsIdentifierType)
	if err != nil {
		return nil, fmt.Errorf("read biometric identifier type: %w", err)
	}
	return patient.ResolveType(ctx, e.types, ref)
}
