package registration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/registrationcore/internal/domain/biometrics"
	"github.com/ehr/registrationcore/internal/domain/idgen"
	"github.com/ehr/registrationcore/internal/domain/location"
	"github.com/ehr/registrationcore/internal/domain/matching"
	"github.com/ehr/registrationcore/internal/domain/patient"
	"github.com/ehr/registrationcore/internal/platform/apperr"
	"github.com/ehr/registrationcore/internal/platform/metrics"
)

type IdentifierAllocator interface {
	ResolveSource(ctx context.Context) (*idgen.IdentifierSource, error)
	Generate(ctx context.Context, src *idgen.IdentifierSource) (string, error)
	Validate(value string, t *patient.IdentifierType) error
}

type Locations interface {
	GetByID(ctx context.Context, id uuid.UUID) (*location.Location, error)
	GetDefault(ctx context.Context) (*location.Location, error)
	FindAssignmentAuthority(ctx context.Context, loc *location.Location) (*location.Location, error)
}

type Matcher interface {
	Fast(ctx context.Context) (matching.Strategy, error)
	Precise(ctx context.Context) (matching.Strategy, error)
	FindSimilarGivenNames(ctx context.Context, phrase string) ([]string, error)
	FindSimilarFamilyNames(ctx context.Context, phrase string) ([]string, error)
}

// RemoteIndex is the optional remote master patient index.
type RemoteIndex interface {
	Enabled() bool
	FindSimilarMatches(ctx context.Context, p *patient.Patient, extra map[string]interface{}, cutoff float64, maxResults int) ([]matching.Candidate, error)
	FindExactMatches(ctx context.Context, p *patient.Patient, extra map[string]interface{}, cutoff float64, maxResults int) ([]matching.Candidate, error)
	ImportPatient(ctx context.Context, remoteID string) (*patient.Patient, error)
	MPIIdentifierType(ctx context.Context) (*patient.IdentifierType, error)
}

type Biometrics interface {
	Save(ctx context.Context, p *patient.Patient, sample *biometrics.Sample) (*biometrics.Sample, error)
	Engine() biometrics.Engine
}

type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]interface{}) error
}

type Config struct {
	Allocator     IdentifierAllocator
	Locations     Locations
	Patients      patient.Repository
	Relationships patient.RelationshipRepository
	Matcher       Matcher
	Remote        RemoteIndex
	Biometrics    Biometrics
	Tx            Transactor
	Publisher     Publisher
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
	Now           func() time.Time
}

type Service struct {
	allocator     IdentifierAllocator
	locations     Locations
	patients      patient.Repository
	relationships patient.RelationshipRepository
	matcher       Matcher
	remote        RemoteIndex
	biometrics    Biometrics
	tx            Transactor
	publisher     Publisher
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	now           func() time.Time
}

func NewService(cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		allocator:     cfg.Allocator,
		locations:     cfg.Locations,
		patients:      cfg.Patients,
		relationships: cfg.Relationships,
		matcher:       cfg.Matcher,
		remote:        cfg.Remote,
		biometrics:    cfg.Biometrics,
		tx:            cfg.Tx,
		publisher:     cfg.Publisher,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With().Str("component", "registration").Logger(),
		now:           now,
	}
}

// Register is RegisterPatient without biometric samples.
func (s *Service) Register(ctx context.Context, p *patient.Patient, relationships []*patient.Relationship, identifier string, loc *location.Location) (*patient.Patient, error) {
	return s.RegisterPatient(ctx, Request{
		Patient:       p,
		Relationships: relationships,
		Identifier:    identifier,
		Location:      loc,
	})
}

// RegisterPatient assigns the patient a preferred identifier, persists it
// with its relationships in one transaction, stores biometric samples and
// publishes TopicPatientRegistered.
//
// Biometric samples are stored after the transaction commits. When that
// fails the persisted patient is returned together with a biometric
// subsystem error and no event is published.
func (s *Service) RegisterPatient(ctx context.Context, req Request) (*patient.Patient, error) {
	const op = "registration.register_patient"

	p := req.Patient
	if p == nil {
		return nil, s.fail(apperr.Validation(op, "patient cannot be nil"))
	}

	src, err := s.allocator.ResolveSource(ctx)
	if err != nil {
		return nil, s.fail(err)
	}
	if src.IdentifierType == nil {
		return nil, s.fail(apperr.Configurationf(op, "identifier source %q has no identifier type", src.Name))
	}

	loc, err := s.assignmentLocation(ctx, req.Location)
	if err != nil {
		return nil, s.fail(err)
	}

	value := strings.TrimSpace(req.Identifier)
	explicit := value != ""
	if explicit {
		if err := s.allocator.Validate(value, src.IdentifierType); err != nil {
			return nil, s.fail(err)
		}
		if err := s.ensureUnassigned(ctx, op, src.IdentifierType, value); err != nil {
			return nil, s.fail(err)
		}
	}

	// Undone if the transaction fails.
	restorePatient := p.Checkpoint()
	restoreRelationships := checkpointRelationships(req.Relationships)

	locID := loc.ID
	wasAPerson := p.PersonID != nil

	var relationshipIDs []string
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		// Generated inside the transaction: a rollback also undoes the
		// source counter and its log row.
		if !explicit {
			generated, err := s.allocator.Generate(ctx, src)
			if err != nil {
				return fmt.Errorf("%s: generate identifier: %w", op, err)
			}
			if err := s.ensureUnassigned(ctx, op, src.IdentifierType, generated); err != nil {
				return err
			}
			value = generated
		}
		p.AddIdentifier(&patient.PatientIdentifier{
			TypeID:     src.IdentifierType.ID,
			Type:       src.IdentifierType,
			Value:      value,
			LocationID: &locID,
			Preferred:  true,
		})

		if err := s.patients.Create(ctx, p); err != nil {
			return fmt.Errorf("%s: save patient: %w", op, err)
		}
		for i, rel := range req.Relationships {
			if err := bindRelationship(rel, p.ID); err != nil {
				return apperr.Validationf(op, "relationship %d: %s", i, err)
			}
			if err := s.relationships.Create(ctx, rel); err != nil {
				return fmt.Errorf("%s: save relationship %d: %w", op, i, err)
			}
			relationshipIDs = append(relationshipIDs, rel.ID.String())
		}
		return nil
	})
	if err != nil {
		restorePatient()
		restoreRelationships()
		return nil, s.fail(err)
	}

	for _, sample := range req.Biometrics {
		if _, err := s.SaveBiometricsForPatient(ctx, p, sample); err != nil {
			s.metrics.IncRegistration("biometrics_pending")
			s.logger.Error().Err(err).Str("patient_id", p.ID.String()).Msg("patient registered but biometric enrollment failed")
			return p, apperr.Biometric(op, "patient registered, biometric enrollment failed", err)
		}
	}

	s.publish(ctx, p, req, wasAPerson, relationshipIDs)
	s.metrics.IncRegistration("success")
	s.logger.Info().
		Str("patient_id", p.ID.String()).
		Str("identifier", value).
		Str("location_id", locID.String()).
		Int("relationships", len(relationshipIDs)).
		Msg("patient registered")
	return p, nil
}

func (s *Service) assignmentLocation(ctx context.Context, explicit *location.Location) (*location.Location, error) {
	const op = "registration.assignment_location"

	loc := explicit
	if loc == nil {
		def, err := s.locations.GetDefault(ctx)
		if err != nil {
			return nil, err
		}
		loc = def
	}
	if loc == nil {
		return nil, apperr.Configuration(op, "no identifier location supplied and no default location configured")
	}
	authority, err := s.locations.FindAssignmentAuthority(ctx, loc)
	if err != nil {
		return nil, err
	}
	if authority != nil {
		return authority, nil
	}
	return loc, nil
}

// ensureUnassigned rejects a value some patient already holds under t.
func (s *Service) ensureUnassigned(ctx context.Context, op string, t *patient.IdentifierType, value string) error {
	holder, err := s.patients.FindByIdentifier(ctx, t.ID, value)
	if err != nil {
		return fmt.Errorf("%s: look up identifier: %w", op, err)
	}
	if holder != nil {
		return apperr.Validationf(op, "identifier %q is already assigned to another patient", value)
	}
	return nil
}

// checkpointRelationships returns a func that clears what binding and
// persisting wrote onto rels.
func checkpointRelationships(rels []*patient.Relationship) func() {
	type relState struct {
		rel       *patient.Relationship
		id        uuid.UUID
		a, b      *uuid.UUID
		createdAt time.Time
	}
	states := make([]relState, 0, len(rels))
	for _, rel := range rels {
		if rel != nil {
			states = append(states, relState{rel, rel.ID, rel.PersonA, rel.PersonB, rel.CreatedAt})
		}
	}
	return func() {
		for _, st := range states {
			st.rel.ID, st.rel.PersonA, st.rel.PersonB, st.rel.CreatedAt = st.id, st.a, st.b, st.createdAt
		}
	}
}

func bindRelationship(rel *patient.Relationship, patientID uuid.UUID) error {
	if rel == nil {
		return fmt.Errorf("relationship cannot be nil")
	}
	switch {
	case rel.PersonA == nil && rel.PersonB == nil:
		return fmt.Errorf("both sides are unset")
	case rel.PersonA != nil && rel.PersonB != nil:
		return fmt.Errorf("both sides are already set")
	case rel.PersonA == nil:
		id := patientID
		rel.PersonA = &id
	default:
		id := patientID
		rel.PersonB = &id
	}
	return nil
}

func (s *Service) publish(ctx context.Context, p *patient.Patient, req Request, wasAPerson bool, relationshipIDs []string) {
	if s.publisher == nil {
		return
	}
	registered := p.CreatedAt
	if registered.IsZero() {
		registered = s.now()
	}
	registerer := req.RegistererID
	if registerer == "" && p.CreatorID != nil {
		registerer = p.CreatorID.String()
	}

	payload := map[string]interface{}{
		EventPatientUUID:    p.ID.String(),
		EventRegistererID:   registerer,
		EventDateRegistered: registered.Format(DateFormat),
		EventWasAPerson:     wasAPerson,
	}
	if len(relationshipIDs) > 0 {
		payload[EventRelationshipUUIDs] = relationshipIDs
	}
	if err := s.publisher.Publish(ctx, TopicPatientRegistered, payload); err != nil {
		s.logger.Warn().Err(err).Str("patient_id", p.ID.String()).Msg("registration event not delivered")
	}
}

func (s *Service) fail(err error) error {
	s.metrics.IncRegistration(string(apperr.KindOf(err)))
	return err
}

const (
	modeFast    = "fast"
	modePrecise = "precise"
)

// FindFastSimilarPatients runs the fast local strategy and, when the remote
// index is enabled, merges in its approximate matches.
func (s *Service) FindFastSimilarPatients(ctx context.Context, p *patient.Patient, extra map[string]interface{}, cutoff float64, maxResults int) ([]matching.Candidate, error) {
	return s.findSimilar(ctx, modeFast, p, extra, cutoff, maxResults)
}

// FindPreciseSimilarPatients is FindFastSimilarPatients for the precise
// strategy and the remote exact search.
func (s *Service) FindPreciseSimilarPatients(ctx context.Context, p *patient.Patient, extra map[string]interface{}, cutoff float64, maxResults int) ([]matching.Candidate, error) {
	return s.findSimilar(ctx, modePrecise, p, extra, cutoff, maxResults)
}

func (s *Service) findSimilar(ctx context.Context, mode string, p *patient.Patient, extra map[string]interface{}, cutoff float64, maxResults int) ([]matching.Candidate, error) {
	op := "registration.find_" + mode + "_similar_patients"
	if p == nil {
		return nil, apperr.Validation(op, "patient cannot be nil")
	}

	strategy, err := s.strategy(ctx, mode)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	local, err := strategy.FindSimilarPatients(ctx, p, extra, cutoff, maxResults)
	s.metrics.ObserveMatch(mode, string(matching.OriginLocal), start)
	if err != nil {
		return nil, fmt.Errorf("%s: local search: %w", op, err)
	}

	if !s.remoteEnabled() {
		s.metrics.ObserveCandidates(mode, len(local))
		return local, nil
	}

	start = time.Now()
	var remote []matching.Candidate
	if mode == modeFast {
		remote, err = s.remote.FindSimilarMatches(ctx, p, extra, cutoff, maxResults)
	} else {
		remote, err = s.remote.FindExactMatches(ctx, p, extra, cutoff, maxResults)
	}
	s.metrics.ObserveMatch(mode, string(matching.OriginRemote), start)
	if err != nil {
		return nil, err
	}

	mpiType, err := s.remote.MPIIdentifierType(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: resolve mpi identifier type: %w", op, err)
	}
	var mpiTypeID uuid.UUID
	if mpiType != nil {
		mpiTypeID = mpiType.ID
	}
	merged := matching.NewReconciler(matching.NewIdentityPolicy(mpiTypeID, p.ID)).Merge(local, remote)
	s.metrics.ObserveCandidates(mode, len(merged))
	return merged, nil
}

func (s *Service) strategy(ctx context.Context, mode string) (matching.Strategy, error) {
	if mode == modeFast {
		return s.matcher.Fast(ctx)
	}
	return s.matcher.Precise(ctx)
}

func (s *Service) remoteEnabled() bool {
	return s.remote != nil && s.remote.Enabled()
}

func (s *Service) FindSimilarGivenNames(ctx context.Context, phrase string) ([]string, error) {
	return s.matcher.FindSimilarGivenNames(ctx, phrase)
}

func (s *Service) FindSimilarFamilyNames(ctx context.Context, phrase string) ([]string, error) {
	return s.matcher.FindSimilarFamilyNames(ctx, phrase)
}

// ImportMPIPatient copies a remote record into the local store and returns
// the local patient id.
func (s *Service) ImportMPIPatient(ctx context.Context, remoteID string) (uuid.UUID, error) {
	if s.remote == nil {
		return uuid.Nil, apperr.IllegalState("registration.import_mpi_patient", "remote index integration is disabled")
	}
	p, err := s.remote.ImportPatient(ctx, remoteID)
	if err != nil {
		return uuid.Nil, err
	}
	s.logger.Info().Str("remote_id", remoteID).Str("patient_id", p.ID.String()).Msg("remote patient imported")
	return p.ID, nil
}

// SaveBiometricsForPatient enrolls one sample for an existing patient.
func (s *Service) SaveBiometricsForPatient(ctx context.Context, p *patient.Patient, sample *biometrics.Sample) (*biometrics.Sample, error) {
	if s.biometrics == nil {
		if sample != nil && sample.Subject.HasData() {
			s.metrics.IncBiometric("failed")
			return nil, apperr.IllegalState("registration.save_biometrics", "biometric data supplied but no biometric engine is configured")
		}
		return sample, nil
	}
	out, err := s.biometrics.Save(ctx, p, sample)
	if err != nil {
		s.metrics.IncBiometric("failed")
		return nil, err
	}
	if sample != nil && sample.Subject.HasData() {
		s.metrics.IncBiometric("stored")
	}
	return out, nil
}

// BiometricEngine returns the configured engine, or nil.
func (s *Service) BiometricEngine() biometrics.Engine {
	if s.biometrics == nil {
		return nil
	}
	return s.biometrics.Engine()
}

// Patient loads a persisted patient with its identifiers.
func (s *Service) Patient(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// Location loads a location by id; nil when unknown.
func (s *Service) Location(ctx context.Context, id uuid.UUID) (*location.Location, error) {
	return s.locations.GetByID(ctx, id)
}
