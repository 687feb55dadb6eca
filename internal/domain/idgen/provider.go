package idgen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/registrationcore/internal/domain/patient"
	"github.com/ehr/registrationcore/internal/platform/db"
)

// Provider generates identifiers from configured sources.
type Provider interface {
	// GetIdentifierSource returns nil without error when id is unknown.
	GetIdentifierSource(ctx context.Context, id int64) (*IdentifierSource, error)
	GenerateIdentifier(ctx context.Context, src *IdentifierSource, comment string) (string, error)
}

type sequentialProviderPG struct {
	pool *pgxpool.Pool
}

// NewSequentialProvider returns a Provider backed by identifier_source rows.
// Each generation advances the row's counter with a single UPDATE, so
// concurrent callers never see the same sequence value.
func NewSequentialProvider(pool *pgxpool.Pool) Provider {
	return &sequentialProviderPG{pool: pool}
}

func (p *sequentialProviderPG) GetIdentifierSource(ctx context.Context, id int64) (*IdentifierSource, error) {
	var (
		s  IdentifierSource
		it patient.IdentifierType
	)
	err := db.Conn(ctx, p.pool).QueryRow(ctx, `
		SELECT s.id, s.uuid, s.name, s.identifier_type_id, s.prefix, s.suffix, s.base_character_set,
			s.min_length, s.max_length, s.next_sequence_value, s.created_at,
			t.id, t.name, t.description, t.format, t.format_description, t.validator, t.created_at
		FROM identifier_source s
		JOIN identifier_type t ON t.id = s.identifier_type_id
		WHERE s.id = $1`, id,
	).Scan(&s.ID, &s.UUID, &s.Name, &s.IdentifierTypeID, &s.Prefix, &s.Suffix, &s.BaseCharacterSet,
		&s.MinLength, &s.MaxLength, &s.NextSequenceValue, &s.CreatedAt,
		&it.ID, &it.Name, &it.Description, &it.Format, &it.FormatDescription, &it.Validator, &it.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load identifier source %d: %w", id, err)
	}
	s.IdentifierType = &it
	return &s, nil
}

// GenerateIdentifier advances the source counter and logs the value on the
// transaction carried by ctx, if any. Under a transaction the counter row
// stays locked until it ends, and a rollback discards both the advance and
// the log row.
func (p *sequentialProviderPG) GenerateIdentifier(ctx context.Context, src *IdentifierSource, comment string) (string, error) {
	q := db.Conn(ctx, p.pool)
	var seq int64
	if err := q.QueryRow(ctx, `
		UPDATE identifier_source SET next_sequence_value = next_sequence_value + 1
		WHERE id = $1
		RETURNING next_sequence_value - 1`, src.ID).Scan(&seq); err != nil {
		return "", fmt.Errorf("advance identifier source %d: %w", src.ID, err)
	}

	value, err := FormatIdentifier(src, seq)
	if err != nil {
		return "", err
	}

	if _, err := q.Exec(ctx, `
		INSERT INTO identifier_log (source_id, identifier, comment) VALUES ($1, $2, $3)`,
		src.ID, value, comment); err != nil {
		return "", fmt.Errorf("log generated identifier: %w", err)
	}
	return value, nil
}

// FormatIdentifier renders seq for src: the sequence encoded in the source's
// character set, left padded to MinLength, wrapped in prefix and suffix, and
// followed by a check character when the identifier type has a validator.
func FormatIdentifier(src *IdentifierSource, seq int64) (string, error) {
	if seq < 0 {
		return "", fmt.Errorf("negative sequence value %d", seq)
	}
	charset := src.BaseCharacterSet
	if charset == "" {
		charset = DefaultCharacterSet
	}
	if len(charset) < 2 {
		return "", fmt.Errorf("identifier source %d: character set needs at least two characters", src.ID)
	}

	encoded := encodeBase(seq, charset)
	if pad := src.MinLength - len(encoded); pad > 0 {
		encoded = strings.Repeat(charset[:1], pad) + encoded
	}
	value := src.Prefix + encoded + src.Suffix

	if t := src.IdentifierType; t != nil && t.Validator != nil && *t.Validator != "" {
		withCheck, err := AppendCheckDigit(value, *t.Validator)
		if err != nil {
			return "", fmt.Errorf("identifier source %d: %w", src.ID, err)
		}
		value = withCheck
	}
	if src.MaxLength > 0 && len(value) > src.MaxLength {
		return "", fmt.Errorf("identifier source %d exhausted: %q exceeds max length %d", src.ID, value, src.MaxLength)
	}
	return value, nil
}

func encodeBase(n int64, charset string) string {
	base := int64(len(charset))
	if n == 0 {
		return charset[:1]
	}
	var buf []byte
	for n > 0 {
		buf = append(buf, charset[n%base])
		n /= base
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}
