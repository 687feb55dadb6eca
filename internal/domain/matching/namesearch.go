package matching

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/registrationcore/internal/domain/patient"
)

// DefaultNameLimit caps autocomplete suggestions.
const DefaultNameLimit = 10

// NameSource is the part of the patient store name search reads.
type NameSource interface {
	DistinctNames(ctx context.Context, field patient.NameField, prefix string, limit int) ([]string, error)
}

// BasicNameSearch suggests stored names starting with the phrase.
type BasicNameSearch struct {
	source NameSource
	limit  int
}

func NewBasicNameSearch(source NameSource, limit int) *BasicNameSearch {
	if limit <= 0 {
		limit = DefaultNameLimit
	}
	return &BasicNameSearch{source: source, limit: limit}
}

func (s *BasicNameSearch) FindSimilarGivenNames(ctx context.Context, phrase string) ([]string, error) {
	return s.find(ctx, patient.NameFieldGiven, phrase)
}

func (s *BasicNameSearch) FindSimilarFamilyNames(ctx context.Context, phrase string) ([]string, error) {
	return s.find(ctx, patient.NameFieldFamily, phrase)
}

func (s *BasicNameSearch) find(ctx context.Context, field patient.NameField, phrase string) ([]string, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return []string{}, nil
	}
	names, err := s.source.DistinctNames(ctx, field, phrase, s.limit)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// Cache is a byte-oriented key/value store with expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CachedNameSearch memoises another NameSearch. Cache failures are logged and
// fall through to the wrapped search.
type CachedNameSearch struct {
	next   NameSearch
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedNameSearch(next NameSearch, cache Cache, ttl time.Duration, logger zerolog.Logger) *CachedNameSearch {
	return &CachedNameSearch{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (c *CachedNameSearch) FindSimilarGivenNames(ctx context.Context, phrase string) ([]string, error) {
	return c.cached(ctx, "given", phrase, c.next.FindSimilarGivenNames)
}

func (c *CachedNameSearch) FindSimilarFamilyNames(ctx context.Context, phrase string) ([]string, error) {
	return c.cached(ctx, "family", phrase, c.next.FindSimilarFamilyNames)
}

func (c *CachedNameSearch) cached(ctx context.Context, kind, phrase string, load func(context.Context, string) ([]string, error)) ([]string, error) {
	key := "names:" + kind + ":" + strings.ToLower(strings.TrimSpace(phrase))

	if data, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("name cache read failed")
	} else if ok {
		var names []string
		if err := json.Unmarshal(data, &names); err == nil {
			return names, nil
		}
	}

	names, err := load(ctx, phrase)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(names); err == nil {
		if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("name cache write failed")
		}
	}
	return names, nil
}
