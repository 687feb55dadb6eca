// Package mpi integrates an optional remote master patient index: it adds
// remote candidates to duplicate searches and imports remote records.
package mpi

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/registrationcore/internal/domain/matching"
	"github.com/ehr/registrationcore/internal/domain/patient"
	"github.com/ehr/registrationcore/internal/platform/apperr"
	"github.com/ehr/registrationcore/internal/platform/settings"
)

// Provider is the transport to the remote index. Candidates it returns carry
// the remote id; failures should be *Error values.
type Provider interface {
	FindSimilarMatches(ctx context.Context, p *patient.Patient, extra map[string]interface{}, cutoff float64, maxResults int) ([]matching.Candidate, error)
	FindExactMatches(ctx context.Context, p *patient.Patient, extra map[string]interface{}, cutoff float64, maxResults int) ([]matching.Candidate, error)
	FetchRemotePatient(ctx context.Context, remoteID string) (*patient.Patient, error)
}

// Properties is the read side of the runtime property store.
type Properties interface {
	Get(ctx context.Context, name string) (string, error)
}

// Transactor runs fn inside a database transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Bridge gates every remote call on the enabled flag.
type Bridge struct {
	enabled  bool
	provider Provider
	patients patient.Repository
	types    patient.IdentifierTypeRepository
	props    Properties
	tx       Transactor
	logger   zerolog.Logger
}

type BridgeConfig struct {
	Enabled  bool
	Provider Provider
	Patients patient.Repository
	Types    patient.IdentifierTypeRepository
	Props    Properties
	Tx       Transactor
	Logger   zerolog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	return &Bridge{
		enabled:  cfg.Enabled && cfg.Provider != nil,
		provider: cfg.Provider,
		patients: cfg.Patients,
		types:    cfg.Types,
		props:    cfg.Props,
		tx:       cfg.Tx,
		logger:   cfg.Logger.With().Str("component", "mpi").Logger(),
	}
}

func (b *Bridge) Enabled() bool {
	return b != nil && b.enabled
}

// FindSimilarMatches returns remote candidates from the approximate search.
// A disabled bridge returns no candidates.
func (b *Bridge) FindSimilarMatches(ctx context.Context, p *patient.Patient, extra map[string]interface{}, cutoff float64, maxResults int) ([]matching.Candidate, error) {
	if !b.Enabled() {
		return nil, nil
	}
	cands, err := b.provider.FindSimilarMatches(ctx, p, extra, cutoff, maxResults)
	if err != nil {
		return nil, apperr.RemoteIndex("mpi.find_similar", "remote similar-patient query failed", err)
	}
	return normalize(cands, cutoff, maxResults), nil
}

// FindExactMatches returns remote candidates from the exact search.
// A disabled bridge returns no candidates.
func (b *Bridge) FindExactMatches(ctx context.Context, p *patient.Patient, extra map[string]interface{}, cutoff float64, maxResults int) ([]matching.Candidate, error) {
	if !b.Enabled() {
		return nil, nil
	}
	cands, err := b.provider.FindExactMatches(ctx, p, extra, cutoff, maxResults)
	if err != nil {
		return nil, apperr.RemoteIndex("mpi.find_exact", "remote exact-patient query failed", err)
	}
	return normalize(cands, cutoff, maxResults), nil
}

// normalize tags candidates as remote and enforces the cutoff and cap even if
// the provider ignored them.
func normalize(cands []matching.Candidate, cutoff float64, maxResults int) []matching.Candidate {
	out := cands[:0]
	for _, c := range cands {
		if c.RemoteID == "" {
			continue
		}
		c.Origin = matching.OriginRemote
		out = append(out, c)
	}
	return matching.Rank(out, cutoff, maxResults)
}

// MPIIdentifierType returns the identifier type that records remote ids on
// local patients, or nil when none is configured.
func (b *Bridge) MPIIdentifierType(ctx context.Context) (*patient.IdentifierType, error) {
	ref, err := b.props.Get(ctx, settings.KeyMPIIdentifierType)
	if err != nil {
		return nil, err
	}
	return patient.ResolveType(ctx, b.types, ref)
}

// ImportPatient copies a remote record into the local store. Importing the
// same remote id twice returns the patient created by the first import when
// an MPI identifier type is configured.
func (b *Bridge) ImportPatient(ctx context.Context, remoteID string) (*patient.Patient, error) {
	const op = "mpi.import_patient"
	if !b.Enabled() {
		return nil, apperr.IllegalState(op, "remote index integration is disabled")
	}
	if remoteID == "" {
		return nil, apperr.Validation(op, "remote id is required")
	}

	mpiType, err := b.MPIIdentifierType(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: resolve mpi identifier type: %w", op, err)
	}
	if mpiType != nil {
		existing, err := b.patients.FindByIdentifier(ctx, mpiType.ID, remoteID)
		if err != nil {
			return nil, fmt.Errorf("%s: look up existing import: %w", op, err)
		}
		if existing != nil {
			b.logger.Info().Str("remote_id", remoteID).Str("patient_id", existing.ID.String()).Msg("remote patient already imported")
			return existing, nil
		}
	}

	remote, err := b.provider.FetchRemotePatient(ctx, remoteID)
	if err != nil {
		return nil, apperr.RemoteIndex(op, fmt.Sprintf("fetch remote patient %s", remoteID), err)
	}
	if remote == nil {
		return nil, apperr.RemoteIndex(op, fmt.Sprintf("remote patient %s not found", remoteID),
			NewError(ErrorNotFound, "empty response", nil))
	}

	// Remote record ids mean nothing locally; only identifiers the provider
	// mapped onto a local type survive.
	remote.ID = uuid.Nil
	remote.FHIRID = ""
	remote.PersonID = nil
	idents := remote.Identifiers[:0]
	for _, ident := range remote.Identifiers {
		if ident == nil || ident.TypeID == uuid.Nil {
			continue
		}
		ident.ID = uuid.Nil
		ident.Preferred = false
		idents = append(idents, ident)
	}
	remote.Identifiers = idents
	if mpiType != nil {
		remote.AddIdentifier(&patient.PatientIdentifier{TypeID: mpiType.ID, Type: mpiType, Value: remoteID})
	}

	create := func(ctx context.Context) error { return b.patients.Create(ctx, remote) }
	if b.tx != nil {
		err = b.tx.WithinTx(ctx, create)
	} else {
		err = create(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: persist imported patient: %w", op, err)
	}

	b.logger.Info().Str("remote_id", remoteID).Str("patient_id", remote.ID.String()).Msg("remote patient imported")
	return remote, nil
}
