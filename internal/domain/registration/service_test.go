package registration

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/registrationcore/internal/domain/biometrics"
	"github.com/ehr/registrationcore/internal/domain/idgen"
	"github.com/ehr/registrationcore/internal/domain/location"
	"github.com/ehr/registrationcore/internal/domain/matching"
	"github.com/ehr/registrationcore/internal/domain/mpi"
	"github.com/ehr/registrationcore/internal/domain/patient"
	"github.com/ehr/registrationcore/internal/platform/apperr"
	"github.com/ehr/registrationcore/internal/platform/settings"
)

// -- fakes --

type fakeProvider struct {
	mu      sync.Mutex
	sources map[int64]*idgen.IdentifierSource
	next    int64
	calls   int
	inTx    int
}

func (f *fakeProvider) GetIdentifierSource(_ context.Context, id int64) (*idgen.IdentifierSource, error) {
	return f.sources[id], nil
}

func (f *fakeProvider) GenerateIdentifier(ctx context.Context, src *idgen.IdentifierSource, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if ctx.Value(txKey{}) != nil {
		f.inTx++
	}
	f.next++
	return idgen.FormatIdentifier(src, f.next)
}

type fakeLocations struct {
	byID map[uuid.UUID]*location.Location
}

func (f *fakeLocations) add(l *location.Location) *location.Location {
	f.byID[l.ID] = l
	return l
}

func (f *fakeLocations) GetByID(_ context.Context, id uuid.UUID) (*location.Location, error) {
	return f.byID[id], nil
}

func (f *fakeLocations) GetByName(_ context.Context, name string) (*location.Location, error) {
	for _, l := range f.byID {
		if l.Name == name {
			return l, nil
		}
	}
	return nil, nil
}

type fakePatients struct {
	created     []*patient.Patient
	identifiers []*patient.PatientIdentifier
	createdAt   time.Time
	err         error
}

func (f *fakePatients) Create(_ context.Context, p *patient.Patient) error {
	if f.err != nil {
		return f.err
	}
	if p.PersonID != nil {
		p.ID = *p.PersonID
	} else {
		p.ID = uuid.New()
	}
	p.CreatedAt = f.createdAt
	for _, ident := range p.Identifiers {
		ident.PatientID = p.ID
	}
	f.created = append(f.created, p)
	return nil
}

func (f *fakePatients) GetByID(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	for _, p := range f.created {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, apperr.NotFound("patient.get", "patient not found")
}

func (f *fakePatients) AddIdentifier(_ context.Context, ident *patient.PatientIdentifier) error {
	f.identifiers = append(f.identifiers, ident)
	return nil
}

func (f *fakePatients) GetIdentifiers(context.Context, uuid.UUID) ([]*patient.PatientIdentifier, error) {
	return nil, nil
}

func (f *fakePatients) FindByIdentifier(_ context.Context, typeID uuid.UUID, value string) (*patient.Patient, error) {
	for _, p := range f.created {
		if p.HasIdentifier(typeID, value) {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakePatients) FindCandidates(context.Context, patient.CandidateQuery) ([]*patient.Patient, error) {
	return nil, nil
}

func (f *fakePatients) DistinctNames(_ context.Context, field patient.NameField, prefix string, _ int) ([]string, error) {
	return []string{string(field) + ":" + prefix}, nil
}

type fakeRelationships struct {
	created []*patient.Relationship
	failAt  int
}

func (f *fakeRelationships) Create(_ context.Context, r *patient.Relationship) error {
	if f.failAt > 0 && len(f.created)+1 == f.failAt {
		return errors.New("unique violation")
	}
	r.ID = uuid.New()
	f.created = append(f.created, r)
	return nil
}

func (f *fakeRelationships) ListByPerson(context.Context, uuid.UUID) ([]*patient.Relationship, error) {
	return f.created, nil
}

type txKey struct{}

// fakeTx drops patients created inside a failed transaction.
type fakeTx struct {
	patients   *fakePatients
	calls      int
	rolledBack bool
}

func (f *fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	var mark int
	if f.patients != nil {
		mark = len(f.patients.created)
	}
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		f.rolledBack = true
		if f.patients != nil {
			f.patients.created = f.patients.created[:mark]
		}
		return err
	}
	return nil
}

type published struct {
	topic   string
	payload map[string]interface{}
}

type fakePublisher struct {
	events []published
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload map[string]interface{}) error {
	f.events = append(f.events, published{topic: topic, payload: payload})
	return f.err
}

type stubStrategy struct {
	result []matching.Candidate
	err    error
}

func (s stubStrategy) FindSimilarPatients(context.Context, *patient.Patient, map[string]interface{}, float64, int) ([]matching.Candidate, error) {
	return s.result, s.err
}

type fakeEngine struct {
	calls     int
	enrollErr error
}

func (e *fakeEngine) Lookup(context.Context, string) (*biometrics.Subject, error) {
	e.calls++
	return nil, nil
}

func (e *fakeEngine) Enroll(_ context.Context, s *biometrics.Subject) (*biometrics.Subject, error) {
	e.calls++
	if e.enrollErr != nil {
		return nil, e.enrollErr
	}
	out := *s
	out.SubjectID = "subject-" + strconv.Itoa(e.calls)
	return &out, nil
}

func (e *fakeEngine) Update(_ context.Context, s *biometrics.Subject) (*biometrics.Subject, error) {
	e.calls++
	return s, nil
}

type fakeTypes struct {
	types []*patient.IdentifierType
}

func (f *fakeTypes) GetByID(_ context.Context, id uuid.UUID) (*patient.IdentifierType, error) {
	for _, t := range f.types {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, nil
}

func (f *fakeTypes) GetByName(_ context.Context, name string) (*patient.IdentifierType, error) {
	for _, t := range f.types {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, nil
}

type fakeMPI struct {
	similar []matching.Candidate
	exact   []matching.Candidate
	err     error
}

func (f *fakeMPI) FindSimilarMatches(context.Context, *patient.Patient, map[string]interface{}, float64, int) ([]matching.Candidate, error) {
	return f.similar, f.err
}

func (f *fakeMPI) FindExactMatches(context.Context, *patient.Patient, map[string]interface{}, float64, int) ([]matching.Candidate, error) {
	return f.exact, f.err
}

func (f *fakeMPI) FetchRemotePatient(_ context.Context, id string) (*patient.Patient, error) {
	return &patient.Patient{GivenName: "Remote", FamilyName: id}, nil
}

// -- harness --

type harness struct {
	svc       *Service
	props     *settings.Store
	provider  *fakeProvider
	locations *fakeLocations
	patients  *fakePatients
	rels      *fakeRelationships
	tx        *fakeTx
	pub       *fakePublisher
	engine    *fakeEngine
	types     *fakeTypes
	registry  *matching.Registry
	idType    *patient.IdentifierType
	bioType   *patient.IdentifierType
	mpiType   *patient.IdentifierType
	hospital  *location.Location
	clinic    *location.Location
}

var registeredAt = time.Date(2024, 3, 5, 10, 11, 12, 345_000_000, time.UTC)

func strPtr(s string) *string { return &s }

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		provider:  &fakeProvider{sources: map[int64]*idgen.IdentifierSource{}},
		locations: &fakeLocations{byID: map[uuid.UUID]*location.Location{}},
		patients:  &fakePatients{createdAt: registeredAt},
		rels:      &fakeRelationships{},
		pub:       &fakePublisher{},
		engine:    &fakeEngine{},
		registry:  matching.NewRegistry(),
	}
	h.tx = &fakeTx{patients: h.patients}
	h.idType = &patient.IdentifierType{
		ID:        uuid.New(),
		Name:      "Patient Number",
		Format:    strPtr(`[0-9]{6,}`),
		Validator: strPtr(patient.ValidatorLuhn),
	}
	h.bioType = &patient.IdentifierType{ID: uuid.New(), Name: "Biometrics Reference Code"}
	h.mpiType = &patient.IdentifierType{ID: uuid.New(), Name: "MPI Global Id"}
	h.types = &fakeTypes{types: []*patient.IdentifierType{h.idType, h.bioType, h.mpiType}}
	h.provider.sources[1] = &idgen.IdentifierSource{
		ID:               1,
		Name:             "Patient Number Generator",
		IdentifierTypeID: h.idType.ID,
		IdentifierType:   h.idType,
		MinLength:        6,
	}

	h.hospital = h.locations.add(&location.Location{
		ID:   uuid.New(),
		Name: "General Hospital",
		Tags: []string{location.TagIdentifierAssignment},
	})
	hospitalID := h.hospital.ID
	h.clinic = h.locations.add(&location.Location{ID: uuid.New(), Name: "Outpatient Clinic", ParentID: &hospitalID})

	h.props = settings.New(settings.NewMemoryBackend(map[string]string{
		settings.KeyIdentifierSourceID:       "1",
		settings.KeyDefaultLocation:          h.clinic.Name,
		settings.KeyBiometricsIdentifierType: h.bioType.Name,
		settings.KeyMPIIdentifierType:        h.mpiType.Name,
	}), zerolog.Nop())

	h.rebuild(nil, h.engine)
	return h
}

// rebuild wires the service with the given remote index and engine.
func (h *harness) rebuild(remote RemoteIndex, engine biometrics.Engine) {
	allocator := idgen.NewAllocator(h.provider, h.props, zerolog.Nop())
	h.props.Subscribe(allocator)
	var bio Biometrics
	if engine != nil {
		bio = biometrics.NewEnrollment(engine, h.patients, h.types, h.props, zerolog.Nop())
	}
	h.svc = NewService(Config{
		Allocator:     allocator,
		Locations:     location.NewDirectory(h.locations, h.props),
		Patients:      h.patients,
		Relationships: h.rels,
		Matcher:       matching.NewMatcher(h.registry, h.props),
		Remote:        remote,
		Biometrics:    bio,
		Tx:            h.tx,
		Publisher:     h.pub,
		Logger:        zerolog.Nop(),
	})
}

func (h *harness) bridge(enabled bool, provider mpi.Provider) *mpi.Bridge {
	return mpi.NewBridge(mpi.BridgeConfig{
		Enabled:  enabled,
		Provider: provider,
		Patients: h.patients,
		Types:    h.types,
		Props:    h.props,
		Tx:       h.tx,
		Logger:   zerolog.Nop(),
	})
}

func newPatient() *patient.Patient {
	birth := time.Date(1985, 7, 14, 0, 0, 0, 0, time.UTC)
	return &patient.Patient{GivenName: "Amara", FamilyName: "Okafor", BirthDate: &birth}
}

func fingerprints() *biometrics.Subject {
	return &biometrics.Subject{Fingerprints: []biometrics.Fingerprint{{Finger: "LEFT_INDEX", Template: []byte{0x01}}}}
}

// -- registration --

func TestRegisterPatient_GeneratesPreferredIdentifier(t *testing.T) {
	h := newHarness(t)

	p, err := h.svc.RegisterPatient(context.Background(), Request{Patient: newPatient(), RegistererID: "registrar-7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idents := p.IdentifiersOfType(h.idType.ID)
	if len(idents) != 1 {
		t.Fatalf("expected exactly one identifier of the configured type, got %d", len(idents))
	}
	ident := idents[0]
	if !ident.Preferred {
		t.Error("expected the assigned identifier to be preferred")
	}
	if ident.Value == "" {
		t.Fatal("expected a non-blank identifier")
	}
	if err := idgen.Validate(ident.Value, h.idType); err != nil {
		t.Errorf("generated identifier %q fails its own validator: %v", ident.Value, err)
	}
	if ident.LocationID == nil || *ident.LocationID != h.hospital.ID {
		t.Errorf("expected identifier location to be the tagged ancestor %s, got %v", h.hospital.ID, ident.LocationID)
	}
	if len(h.patients.created) != 1 || h.tx.calls != 1 {
		t.Errorf("expected one patient persisted in one transaction, got %d in %d", len(h.patients.created), h.tx.calls)
	}
	if h.provider.calls != 1 {
		t.Errorf("expected one generated identifier, got %d", h.provider.calls)
	}
}

func TestRegisterPatient_PublishesEvent(t *testing.T) {
	h := newHarness(t)

	p, err := h.svc.RegisterPatient(context.Background(), Request{Patient: newPatient(), RegistererID: "registrar-7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.pub.events) != 1 {
		t.Fatalf("expected one event, got %d", len(h.pub.events))
	}
	ev := h.pub.events[0]
	if ev.topic != TopicPatientRegistered {
		t.Errorf("unexpected topic %q", ev.topic)
	}
	want := map[string]interface{}{
		EventPatientUUID:    p.ID.String(),
		EventRegistererID:   "registrar-7",
		EventDateRegistered: "2024-03-05T10:11:12.345Z",
		EventWasAPerson:     false,
	}
	for k, v := range want {
		if ev.payload[k] != v {
			t.Errorf("payload[%s] = %v, want %v", k, ev.payload[k], v)
		}
	}
	if _, ok := ev.payload[EventRelationshipUUIDs]; ok {
		t.Error("relationship_uuids must be omitted when no relationships were created")
	}
}

func TestRegisterPatient_InvalidExplicitIdentifier(t *testing.T) {
	for _, value := range []string{"ABC123", "12345", "79927398710"} {
		t.Run(value, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.svc.RegisterPatient(context.Background(), Request{Patient: newPatient(), Identifier: value})
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if len(h.patients.created) != 0 || len(h.patients.identifiers) != 0 || h.tx.calls != 0 {
				t.Error("expected no store writes")
			}
			if h.provider.calls != 0 {
				t.Error("expected no identifier generation")
			}
			if len(h.pub.events) != 0 {
				t.Error("expected no event")
			}
		})
	}
}

func TestRegisterPatient_ValidExplicitIdentifier(t *testing.T) {
	h := newHarness(t)
	p, err := h.svc.RegisterPatient(context.Background(), Request{Patient: newPatient(), Identifier: " 79927398713 "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.PreferredIdentifier(h.idType.ID); got == nil || got.Value != "79927398713" {
		t.Errorf("expected the supplied identifier to be preferred, got %+v", got)
	}
	if h.provider.calls != 0 {
		t.Error("expected no identifier generation")
	}
}

func TestRegisterPatient_DuplicateIdentifierRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.RegisterPatient(ctx, Request{Patient: newPatient(), Identifier: "79927398713"}); err != nil {
		t.Fatalf("first registration: %v", err)
	}

	second := newPatient()
	second.GivenName = "Chidi"
	_, err := h.svc.RegisterPatient(ctx, Request{Patient: second, Identifier: "79927398713"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(h.patients.created) != 1 || h.tx.calls != 1 {
		t.Errorf("expected the duplicate to be rejected before any write, got %d patients in %d transactions", len(h.patients.created), h.tx.calls)
	}
	if len(second.Identifiers) != 0 {
		t.Error("expected the rejected patient to carry no identifier")
	}
	if len(h.pub.events) != 1 {
		t.Errorf("expected only the first registration to publish, got %d events", len(h.pub.events))
	}
}

func TestRegisterPatient_GeneratesInsideTransaction(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.RegisterPatient(context.Background(), Request{Patient: newPatient()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.provider.calls != 1 || h.provider.inTx != 1 {
		t.Errorf("expected the identifier to be generated within the registration transaction, got %d of %d", h.provider.inTx, h.provider.calls)
	}
}

func TestRegisterPatient_RetryAfterFailureStartsClean(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	sibling := &patient.Relationship{PersonA: &a, Type: "sibling"}
	broken := &patient.Relationship{PersonA: &a, PersonB: &b, Type: "parent"}
	p := newPatient()

	_, err := h.svc.RegisterPatient(ctx, Request{Patient: p, Relationships: []*patient.Relationship{sibling, broken}})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if p.ID != uuid.Nil || !p.CreatedAt.IsZero() {
		t.Errorf("expected the failed attempt to leave no store-assigned fields, got id %s", p.ID)
	}
	if len(p.Identifiers) != 0 {
		t.Fatalf("expected no identifiers after the failed attempt, got %d", len(p.Identifiers))
	}
	if sibling.PersonB != nil || sibling.ID != uuid.Nil {
		t.Error("expected the bound relationship to be unbound again")
	}

	got, err := h.svc.RegisterPatient(ctx, Request{Patient: p, Relationships: []*patient.Relationship{sibling}})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	idents := got.IdentifiersOfType(h.idType.ID)
	if len(idents) != 1 || !idents[0].Preferred {
		t.Fatalf("expected exactly one preferred identifier after the retry, got %d", len(idents))
	}
	if idents[0].PatientID != got.ID {
		t.Error("expected the identifier to belong to the persisted patient")
	}
	if sibling.PersonB == nil || *sibling.PersonB != got.ID {
		t.Error("expected the relationship to be bound to the persisted patient")
	}
	if len(h.patients.created) != 1 {
		t.Errorf("expected one persisted patient, got %d", len(h.patients.created))
	}
}

func TestRegisterPatient_NilPatient(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.RegisterPatient(context.Background(), Request{})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRegisterPatient_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"identifier source unset", func(h *harness) {
			_ = h.props.Delete(context.Background(), settings.KeyIdentifierSourceID)
		}},
		{"identifier source not numeric", func(h *harness) {
			_ = h.props.Set(context.Background(), settings.KeyIdentifierSourceID, "patient-numbers")
		}},
		{"identifier source unknown", func(h *harness) {
			_ = h.props.Set(context.Background(), settings.KeyIdentifierSourceID, "99")
		}},
		{"no location", func(h *harness) {
			_ = h.props.Delete(context.Background(), settings.KeyDefaultLocation)
		}},
		{"source without type", func(h *harness) {
			h.provider.sources[1].IdentifierType = nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			_, err := h.svc.RegisterPatient(context.Background(), Request{Patient: newPatient()})
			if !errors.Is(err, apperr.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if len(h.patients.created) != 0 {
				t.Error("expected nothing persisted")
			}
		})
	}
}

func TestRegisterPatient_SourceChangeTakesEffect(t *testing.T) {
	h := newHarness(t)
	other := &idgen.IdentifierSource{ID: 2, Name: "Prefixed", IdentifierType: h.idType, Prefix: "9", MinLength: 6}
	h.provider.sources[2] = other

	if _, err := h.svc.RegisterPatient(context.Background(), Request{Patient: newPatient()}); err != nil {
		t.Fatal(err)
	}
	if err := h.props.Set(context.Background(), settings.KeyIdentifierSourceID, "2"); err != nil {
		t.Fatal(err)
	}
	p, err := h.svc.RegisterPatient(context.Background(), Request{Patient: newPatient()})
	if err != nil {
		t.Fatal(err)
	}
	if v := p.PreferredIdentifier(h.idType.ID).Value; v[0] != '9' {
		t.Errorf("expected identifier from the new source, got %q", v)
	}
}

func TestRegisterPatient_ExplicitLocation(t *testing.T) {
	h := newHarness(t)
	lab := h.locations.add(&location.Location{ID: uuid.New(), Name: "Lab", Tags: []string{location.TagIdentifierAssignment}})
	orphan := h.locations.add(&location.Location{ID: uuid.New(), Name: "Mobile Unit"})

	p, err := h.svc.RegisterPatient(context.Background(), Request{Patient: newPatient(), Location: lab})
	if err != nil {
		t.Fatal(err)
	}
	if got := *p.PreferredIdentifier(h.idType.ID).LocationID; got != lab.ID {
		t.Errorf("expected the tagged location itself, got %s", got)
	}

	// No tagged ancestor: the supplied location is used as is.
	p, err = h.svc.RegisterPatient(context.Background(), Request{Patient: newPatient(), Location: orphan})
	if err != nil {
		t.Fatal(err)
	}
	if got := *p.PreferredIdentifier(h.idType.ID).LocationID; got != orphan.ID {
		t.Errorf("expected the supplied location, got %s", got)
	}
}

func TestRegisterPatient_Relationships(t *testing.T) {
	h := newHarness(t)
	mother := uuid.New()
	child := uuid.New()
	rels := []*patient.Relationship{
		{PersonA: &mother, Type: "parent"},
		{PersonB: &child, Type: "parent"},
	}

	p, err := h.svc.RegisterPatient(context.Background(), Request{Patient: newPatient(), Relationships: rels})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rels[0].PersonB == nil || *rels[0].PersonB != p.ID {
		t.Errorf("expected person_b to be the new patient")
	}
	if rels[1].PersonA == nil || *rels[1].PersonA != p.ID {
		t.Errorf("expected person_a to be the new patient")
	}
	ids, ok := h.pub.events[0].payload[EventRelationshipUUIDs].([]string)
	if !ok || len(ids) != 2 || ids[0] != rels[0].ID.String() {
		t.Errorf("unexpected relationship_uuids %v", h.pub.events[0].payload[EventRelationshipUUIDs])
	}
}

func TestRegisterPatient_InvalidRelationship(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	tests := []struct {
		name string
		rel  *patient.Relationship
	}{
		{"both sides set", &patient.Relationship{PersonA: &a, PersonB: &b}},
		{"both sides unset", &patient.Relationship{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			valid := &patient.Relationship{PersonA: &a, Type: "sibling"}
			_, err := h.svc.RegisterPatient(context.Background(), Request{
				Patient:       newPatient(),
				Relationships: []*patient.Relationship{valid, tt.rel},
			})
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !h.tx.rolledBack {
				t.Error("expected the transaction to roll back")
			}
			if len(h.pub.events) != 0 {
				t.Error("expected no event")
			}
		})
	}
}

func TestRegisterPatient_RelationshipStoreFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.rels.failAt = 1
	a := uuid.New()
	_, err := h.svc.RegisterPatient(context.Background(), Request{
		Patient:       newPatient(),
		Relationships: []*patient.Relationship{{PersonA: &a}, {PersonA: &a}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(h.rels.created) != 0 {
		t.Errorf("expected abort on first failure, got %d created", len(h.rels.created))
	}
	if !h.tx.rolledBack {
		t.Error("expected the transaction to roll back")
	}
}

func TestRegisterPatient_PromotedPerson(t *testing.T) {
	h := newHarness(t)
	person := uuid.New()
	in := newPatient()
	in.PersonID = &person

	p, err := h.svc.RegisterPatient(context.Background(), Request{Patient: in})
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != person {
		t.Errorf("expected the person id to be kept, got %s", p.ID)
	}
	if h.pub.events[0].payload[EventWasAPerson] != true {
		t.Error("expected was_a_person to be true")
	}
}

func TestRegisterPatient_RegistererFallsBackToCreator(t *testing.T) {
	h := newHarness(t)
	creator := uuid.New()
	in := newPatient()
	in.CreatorID = &creator
	if _, err := h.svc.RegisterPatient(context.Background(), Request{Patient: in}); err != nil {
		t.Fatal(err)
	}
	if got := h.pub.events[0].payload[EventRegistererID]; got != creator.String() {
		t.Errorf("expected creator id, got %v", got)
	}
}

func TestRegisterPatient_PublishFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.pub.err = errors.New("broker unavailable")
	if _, err := h.svc.RegisterPatient(context.Background(), Request{Patient: newPatient()}); err != nil {
		t.Fatalf("expected publish failure to be logged only, got %v", err)
	}
}

func TestRegisterPatient_Biometrics(t *testing.T) {
	h := newHarness(t)
	p, err := h.svc.RegisterPatient(context.Background(), Request{
		Patient:    newPatient(),
		Biometrics: []*biometrics.Sample{{Subject: fingerprints()}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bio := p.IdentifiersOfType(h.bioType.ID)
	if len(bio) != 1 || bio[0].Preferred {
		t.Fatalf("expected one non-preferred biometric identifier, got %+v", bio)
	}
	if len(h.patients.identifiers) != 1 {
		t.Errorf("expected the biometric identifier to be persisted")
	}
	if len(h.pub.events) != 1 {
		t.Error("expected the event after biometrics")
	}
}

func TestRegisterPatient_BiometricFailureKeepsPatient(t *testing.T) {
	h := newHarness(t)
	h.engine.enrollErr = errors.New("engine offline")

	p, err := h.svc.RegisterPatient(context.Background(), Request{
		Patient:    newPatient(),
		Biometrics: []*biometrics.Sample{{Subject: fingerprints()}},
	})
	if !errors.Is(err, apperr.ErrBiometric) || apperr.KindOf(err) != apperr.KindBiometric {
		t.Fatalf("expected biometric subsystem error, got %v", err)
	}
	if p == nil || len(h.patients.created) != 1 || h.tx.rolledBack {
		t.Fatal("expected the patient to stay persisted")
	}
	if len(h.pub.events) != 0 {
		t.Error("expected no event after a biometric failure")
	}
}

func TestRegisterPatient_BiometricsWithoutEngine(t *testing.T) {
	h := newHarness(t)
	h.rebuild(nil, nil)

	if _, err := h.svc.RegisterPatient(context.Background(), Request{
		Patient:    newPatient(),
		Biometrics: []*biometrics.Sample{{Subject: &biometrics.Subject{}}},
	}); err != nil {
		t.Fatalf("empty samples need no engine, got %v", err)
	}

	_, err := h.svc.RegisterPatient(context.Background(), Request{
		Patient:    newPatient(),
		Biometrics: []*biometrics.Sample{{Subject: fingerprints()}},
	})
	if !errors.Is(err, apperr.ErrBiometric) || !errors.Is(err, apperr.ErrIllegalState) {
		t.Fatalf("expected biometric error caused by illegal state, got %v", err)
	}
}

func TestRegister_Overload(t *testing.T) {
	h := newHarness(t)
	a := uuid.New()
	p, err := h.svc.Register(context.Background(), newPatient(), []*patient.Relationship{{PersonA: &a}}, "", h.clinic)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.rels.created) != 1 || p.PreferredIdentifier(h.idType.ID) == nil {
		t.Error("expected relationship and identifier")
	}
}

// -- biometrics --

func TestSaveBiometricsForPatient_EmptySample(t *testing.T) {
	h := newHarness(t)
	p := &patient.Patient{ID: uuid.New()}
	in := &biometrics.Sample{Subject: &biometrics.Subject{SubjectID: "s-1"}}

	out, err := h.svc.SaveBiometricsForPatient(context.Background(), p, in)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Error("expected the input sample back unchanged")
	}
	if h.engine.calls != 0 || len(h.patients.identifiers) != 0 {
		t.Error("expected no engine call and no identifier")
	}
}

func TestSaveBiometricsForPatient_NoIdentifierType(t *testing.T) {
	h := newHarness(t)
	_ = h.props.Delete(context.Background(), settings.KeyBiometricsIdentifierType)
	p := &patient.Patient{ID: uuid.New()}

	_, err := h.svc.SaveBiometricsForPatient(context.Background(), p, &biometrics.Sample{Subject: fingerprints()})
	if !errors.Is(err, apperr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(p.Identifiers) != 0 || len(h.patients.identifiers) != 0 {
		t.Error("expected no identifier added")
	}
}

func TestBiometricEngine(t *testing.T) {
	h := newHarness(t)
	if h.svc.BiometricEngine() != h.engine {
		t.Error("expected the configured engine")
	}
	h.rebuild(nil, nil)
	if h.svc.BiometricEngine() != nil {
		t.Error("expected no engine")
	}
}

// -- duplicate search --

func candidate(p *patient.Patient, score float64) matching.Candidate {
	return matching.Candidate{Patient: p, Score: score, Origin: matching.OriginLocal}
}

func TestFindFastSimilarPatients_LocalOnly(t *testing.T) {
	h := newHarness(t)
	p1 := &patient.Patient{ID: uuid.New(), GivenName: "P1"}
	p2 := &patient.Patient{ID: uuid.New(), GivenName: "P2"}
	h.registry.Register(matching.BindingBasicSimilar, stubStrategy{result: []matching.Candidate{candidate(p1, 0.95), candidate(p2, 0.80)}})

	got, err := h.svc.FindFastSimilarPatients(context.Background(), newPatient(), nil, 0.5, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Patient != p1 || got[0].Score != 0.95 || got[1].Patient != p2 || got[1].Score != 0.80 {
		t.Errorf("unexpected result %+v", got)
	}
}

func TestFindSimilarPatients_MergesRemote(t *testing.T) {
	h := newHarness(t)
	imported := &patient.Patient{ID: uuid.New()}
	imported.AddIdentifier(&patient.PatientIdentifier{TypeID: h.mpiType.ID, Value: "R-1"})
	local := &patient.Patient{ID: uuid.New()}

	h.registry.Register(matching.BindingBasicSimilar, stubStrategy{result: []matching.Candidate{candidate(imported, 0.9), candidate(local, 0.7)}})
	h.registry.Register(matching.BindingBasicExact, stubStrategy{result: []matching.Candidate{candidate(local, 1.0)}})
	remote := &fakeMPI{
		similar: []matching.Candidate{
			{Patient: &patient.Patient{GivenName: "dup"}, Score: 0.95, RemoteID: "R-1"},
			{Patient: &patient.Patient{GivenName: "new"}, Score: 0.6, RemoteID: "R-2"},
		},
		exact: []matching.Candidate{{Patient: &patient.Patient{}, Score: 1.0, RemoteID: "R-3"}},
	}
	h.rebuild(h.bridge(true, remote), h.engine)

	got, err := h.svc.FindFastSimilarPatients(context.Background(), newPatient(), nil, 0.5, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates after reconciliation, got %d: %+v", len(got), got)
	}
	if got[0].Patient != imported || got[1].Patient != local || got[2].RemoteID != "R-2" {
		t.Errorf("expected local first then remote, got %+v", got)
	}

	got, err = h.svc.FindPreciseSimilarPatients(context.Background(), newPatient(), nil, 0.5, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Patient != local || got[1].RemoteID != "R-3" {
		t.Errorf("unexpected precise result %+v", got)
	}
}

func TestFindSimilarPatients_ExcludesSelf(t *testing.T) {
	h := newHarness(t)
	self := newPatient()
	self.ID = uuid.New()
	other := &patient.Patient{ID: uuid.New()}
	h.registry.Register(matching.BindingBasicSimilar, stubStrategy{result: []matching.Candidate{candidate(self, 1), candidate(other, 0.8)}})
	h.rebuild(h.bridge(true, &fakeMPI{}), h.engine)

	got, err := h.svc.FindFastSimilarPatients(context.Background(), self, nil, 0.5, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Patient != other {
		t.Errorf("expected self to be filtered, got %+v", got)
	}
}

func TestFindSimilarPatients_RemoteFailurePropagates(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(matching.BindingBasicSimilar, stubStrategy{})
	h.rebuild(h.bridge(true, &fakeMPI{err: mpi.NewError(mpi.ErrorTimeout, "deadline", nil)}), h.engine)

	_, err := h.svc.FindFastSimilarPatients(context.Background(), newPatient(), nil, 0.5, 5)
	if !errors.Is(err, apperr.ErrRemoteIndex) {
		t.Fatalf("expected remote index error, got %v", err)
	}
	if !mpi.IsRetryable(err) {
		t.Error("expected a timeout to stay retryable")
	}
}

func TestFindSimilarPatients_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.FindFastSimilarPatients(context.Background(), newPatient(), nil, 0.5, 5)
	if !errors.Is(err, apperr.ErrConfiguration) {
		t.Errorf("expected configuration error for a missing binding, got %v", err)
	}

	h.registry.Register("not_a_strategy", struct{}{})
	_ = h.props.Set(context.Background(), settings.KeyPreciseAlgorithm, "not_a_strategy")
	_, err = h.svc.FindPreciseSimilarPatients(context.Background(), newPatient(), nil, 0.5, 5)
	if !errors.Is(err, apperr.ErrConfiguration) {
		t.Errorf("expected configuration error for a wrong binding, got %v", err)
	}

	h.registry.Register(matching.BindingBasicSimilar, stubStrategy{err: fmt.Errorf("db down")})
	if _, err = h.svc.FindFastSimilarPatients(context.Background(), newPatient(), nil, 0.5, 5); err == nil {
		t.Error("expected local failure to propagate")
	}

	if _, err = h.svc.FindFastSimilarPatients(context.Background(), nil, nil, 0.5, 5); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for nil patient, got %v", err)
	}
}

func TestFindSimilarNames(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(matching.BindingBasicNameSearch, matching.NewBasicNameSearch(h.patients, 5))

	given, err := h.svc.FindSimilarGivenNames(context.Background(), "Am")
	if err != nil || len(given) != 1 || given[0] != "given_name:Am" {
		t.Errorf("unexpected given names %v, %v", given, err)
	}
	family, err := h.svc.FindSimilarFamilyNames(context.Background(), "Ok")
	if err != nil || len(family) != 1 || family[0] != "family_name:Ok" {
		t.Errorf("unexpected family names %v, %v", family, err)
	}
}

// -- remote import --

func TestImportMPIPatient_Disabled(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.ImportMPIPatient(context.Background(), "R-1"); !errors.Is(err, apperr.ErrIllegalState) {
		t.Errorf("expected illegal state without a remote index, got %v", err)
	}

	h.rebuild(h.bridge(false, &fakeMPI{}), h.engine)
	if _, err := h.svc.ImportMPIPatient(context.Background(), "R-1"); !errors.Is(err, apperr.ErrIllegalState) {
		t.Errorf("expected illegal state while disabled, got %v", err)
	}
}

func TestImportMPIPatient(t *testing.T) {
	h := newHarness(t)
	h.rebuild(h.bridge(true, &fakeMPI{}), h.engine)

	id, err := h.svc.ImportMPIPatient(context.Background(), "R-9")
	if err != nil {
		t.Fatal(err)
	}
	if id == uuid.Nil || len(h.patients.created) != 1 || h.patients.created[0].ID != id {
		t.Fatalf("expected the imported patient id, got %s", id)
	}
	if !h.patients.created[0].HasIdentifier(h.mpiType.ID, "R-9") {
		t.Error("expected the import to carry the MPI identifier")
	}
}
