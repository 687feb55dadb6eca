package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/registrationcore/internal/platform/apperr"
	"github.com/ehr/registrationcore/internal/platform/db"
	"github.com/ehr/registrationcore/pkg/phonetic"
)

// -- Patient Repository --

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientCols = `id, fhir_id, person_id, given_name, middle_name, family_name,
	birth_date, gender, phone, email,
	address_line1, city, state, postal_code, country,
	creator_id, created_at, updated_at`

const identifierCols = `id, patient_id, identifier_type_id, value, location_id, preferred, created_at`

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.PersonID != nil {
		p.ID = *p.PersonID
	} else {
		p.ID = uuid.New()
	}
	if p.FHIRID == "" {
		p.FHIRID = p.ID.String()
	}

	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (
			id, fhir_id, person_id, given_name, middle_name, family_name, family_soundex,
			birth_date, gender, phone, email,
			address_line1, city, state, postal_code, country, creator_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at, updated_at`,
		p.ID, p.FHIRID, p.PersonID, p.GivenName, p.MiddleName, p.FamilyName, phonetic.Soundex(p.FamilyName),
		p.BirthDate, p.Gender, p.Phone, p.Email,
		p.AddressLine1, p.City, p.State, p.PostalCode, p.Country, p.CreatorID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}

	for _, ident := range p.Identifiers {
		ident.PatientID = p.ID
		if err := r.AddIdentifier(ctx, ident); err != nil {
			return err
		}
	}
	return nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("patient.get", fmt.Sprintf("patient %s not found", id))
	}
	if err != nil {
		return nil, err
	}
	if p.Identifiers, err = r.GetIdentifiers(ctx, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// Identifiers
func (r *patientRepoPG) AddIdentifier(ctx context.Context, ident *PatientIdentifier) error {
	if ident.ID == uuid.Nil {
		ident.ID = uuid.New()
	}
	if ident.Type != nil && ident.TypeID == uuid.Nil {
		ident.TypeID = ident.Type.ID
	}
	q := r.conn(ctx)
	if ident.Preferred {
		if _, err := q.Exec(ctx, `
			UPDATE patient_identifier SET preferred = FALSE
			WHERE patient_id = $1 AND identifier_type_id = $2 AND preferred`,
			ident.PatientID, ident.TypeID); err != nil {
			return fmt.Errorf("clear preferred identifier: %w", err)
		}
	}
	err := q.QueryRow(ctx, `
		INSERT INTO patient_identifier (id, patient_id, identifier_type_id, value, location_id, preferred)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		ident.ID, ident.PatientID, ident.TypeID, ident.Value, ident.LocationID, ident.Preferred,
	).Scan(&ident.CreatedAt)
	if err != nil {
		return identifierInsertError(ident, err)
	}
	return nil
}

// pgUniqueViolation is the SQLSTATE raised by a unique index.
const pgUniqueViolation = "23505"

func identifierInsertError(ident *PatientIdentifier, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return apperr.New(apperr.KindValidation, "patient.add_identifier",
			fmt.Sprintf("identifier %q is already in use", ident.Value), err)
	}
	return fmt.Errorf("insert patient identifier: %w", err)
}

func (r *patientRepoPG) GetIdentifiers(ctx context.Context, patientID uuid.UUID) ([]*PatientIdentifier, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+identifierCols+` FROM patient_identifier WHERE patient_id = $1 ORDER BY created_at`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var idents []*PatientIdentifier
	for rows.Next() {
		var i PatientIdentifier
		if err := rows.Scan(&i.ID, &i.PatientID, &i.TypeID, &i.Value, &i.LocationID, &i.Preferred, &i.CreatedAt); err != nil {
			return nil, err
		}
		idents = append(idents, &i)
	}
	return idents, rows.Err()
}

func (r *patientRepoPG) FindByIdentifier(ctx context.Context, typeID uuid.UUID, value string) (*Patient, error) {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT patient_id FROM patient_identifier WHERE identifier_type_id = $1 AND value = $2`,
		typeID, value).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *patientRepoPG) FindCandidates(ctx context.Context, q CandidateQuery) ([]*Patient, error) {
	sql, args := buildCandidateQuery(q)
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range patients {
		if p.Identifiers, err = r.GetIdentifiers(ctx, p.ID); err != nil {
			return nil, err
		}
	}
	return patients, nil
}

func buildCandidateQuery(q CandidateQuery) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if q.FamilySoundex != nil {
		add("family_soundex = $%d", *q.FamilySoundex)
	}
	if q.GivenName != nil {
		add("LOWER(given_name) = LOWER($%d)", *q.GivenName)
	}
	if q.FamilyName != nil {
		add("LOWER(family_name) = LOWER($%d)", *q.FamilyName)
	}
	if q.BirthDate != nil {
		add("birth_date = $%d", q.BirthDate.Format("2006-01-02"))
	}
	if q.BirthYearMin != nil {
		add("(birth_date IS NULL OR EXTRACT(YEAR FROM birth_date) >= $%d)", *q.BirthYearMin)
	}
	if q.BirthYearMax != nil {
		add("(birth_date IS NULL OR EXTRACT(YEAR FROM birth_date) <= $%d)", *q.BirthYearMax)
	}
	if q.Gender != nil {
		add("(gender IS NULL OR gender = $%d)", *q.Gender)
	}
	if len(q.ExcludeIDs) > 0 {
		add("NOT (id = ANY($%d))", q.ExcludeIDs)
	}

	sql := `SELECT ` + patientCols + ` FROM patient`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY family_name, given_name"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return sql, args
}

func (r *patientRepoPG) DistinctNames(ctx context.Context, field NameField, prefix string, limit int) ([]string, error) {
	if field != NameFieldGiven && field != NameFieldFamily {
		return nil, fmt.Errorf("unsupported name field %q", field)
	}
	col := string(field)
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT `+col+` FROM patient
		WHERE `+col+` ILIKE $1
		ORDER BY `+col+` LIMIT $2`,
		escapeLike(prefix)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.FHIRID, &p.PersonID, &p.GivenName, &p.MiddleName, &p.FamilyName,
		&p.BirthDate, &p.Gender, &p.Phone, &p.Email,
		&p.AddressLine1, &p.City, &p.State, &p.PostalCode, &p.Country,
		&p.CreatorID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// -- Relationship Repository --

type relationshipRepoPG struct {
	pool *pgxpool.Pool
}

func NewRelationshipRepo(pool *pgxpool.Pool) RelationshipRepository {
	return &relationshipRepoPG{pool: pool}
}

func (r *relationshipRepoPG) Create(ctx context.Context, rel *Relationship) error {
	rel.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO relationship (id, person_a, person_b, relationship_type)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at`,
		rel.ID, rel.PersonA, rel.PersonB, rel.Type,
	).Scan(&rel.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert relationship: %w", err)
	}
	return nil
}

func (r *relationshipRepoPG) ListByPerson(ctx context.Context, personID uuid.UUID) ([]*Relationship, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, person_a, person_b, relationship_type, created_at
		FROM relationship WHERE person_a = $1 OR person_b = $1
		ORDER BY created_at`, personID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []*Relationship
	for rows.Next() {
		var rel Relationship
		if err := rows.Scan(&rel.ID, &rel.PersonA, &rel.PersonB, &rel.Type, &rel.CreatedAt); err != nil {
			return nil, err
		}
		rels = append(rels, &rel)
	}
	return rels, rows.Err()
}

// -- IdentifierType Repository --

type identifierTypeRepoPG struct {
	pool *pgxpool.Pool
}

func NewIdentifierTypeRepo(pool *pgxpool.Pool) IdentifierTypeRepository {
	return &identifierTypeRepoPG{pool: pool}
}

const identifierTypeCols = `id, name, description, format, format_description, validator, created_at`

// GetByID returns nil without error when no such type exists.
func (r *identifierTypeRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*IdentifierType, error) {
	return scanIdentifierType(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+identifierTypeCols+` FROM identifier_type WHERE id = $1`, id))
}

// GetByName returns nil without error when no such type exists.
func (r *identifierTypeRepoPG) GetByName(ctx context.Context, name string) (*IdentifierType, error) {
	return scanIdentifierType(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+identifierTypeCols+` FROM identifier_type WHERE name = $1`, name))
}

func scanIdentifierType(row pgx.Row) (*IdentifierType, error) {
	var t IdentifierType
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Format, &t.FormatDescription, &t.Validator, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ResolveType looks up an identifier type by uuid or, failing that, by name.
// A blank ref or an unknown type yields nil.
func ResolveType(ctx context.Context, repo IdentifierTypeRepository, ref string) (*IdentifierType, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	if id, err := uuid.Parse(ref); err == nil {
		t, err := repo.GetByID(ctx, id)
		if err != nil || t != nil {
			return t, err
		}
	}
	return repo.GetByName(ctx, ref)
}
