// Package idgen hands out identifiers for new patients and checks the ones
// callers bring with them.
package idgen

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/registrationcore/internal/domain/patient"
	"github.com/ehr/registrationcore/internal/platform/apperr"
	"github.com/ehr/registrationcore/internal/platform/metrics"
	"github.com/ehr/registrationcore/internal/platform/settings"
)

// GenerationComment is recorded against every identifier this package generates.
const GenerationComment = "registration core"

// Properties is the read side of the runtime property store.
type Properties interface {
	Get(ctx context.Context, name string) (string, error)
}

// Allocator resolves the configured identifier source once and caches it
// until the identifier-source property changes.
type Allocator struct {
	provider Provider
	props    Properties
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	source atomic.Pointer[IdentifierSource]
	mu     sync.Mutex // guards generation and installs into source
	gen    uint64
	group  singleflight.Group
}

type AllocatorOption func(*Allocator)

// WithMetrics counts source resolutions and invalidations.
func WithMetrics(m *metrics.Metrics) AllocatorOption {
	return func(a *Allocator) { a.metrics = m }
}

func NewAllocator(provider Provider, props Properties, logger zerolog.Logger, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		provider: provider,
		props:    props,
		logger:   logger.With().Str("component", "idgen").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ResolveSource returns the cached source, resolving it on first use.
// Concurrent callers share one lookup, which runs detached from the
// cancellation of whichever caller started it.
func (a *Allocator) ResolveSource(ctx context.Context) (*IdentifierSource, error) {
	if s := a.source.Load(); s != nil {
		return s, nil
	}

	lookupCtx := context.WithoutCancel(ctx)
	v, err, _ := a.group.Do("source", func() (interface{}, error) {
		if s := a.source.Load(); s != nil {
			return s, nil
		}
		a.mu.Lock()
		gen := a.gen
		a.mu.Unlock()

		s, err := a.lookup(lookupCtx)
		if err != nil {
			a.metrics.IncIdentifierSource("failed")
			return nil, err
		}
		a.metrics.IncIdentifierSource("resolved")

		a.mu.Lock()
		if a.gen == gen {
			a.source.Store(s)
		}
		a.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*IdentifierSource), nil
}

func (a *Allocator) lookup(ctx context.Context) (*IdentifierSource, error) {
	const op = "idgen.resolve_source"

	raw, err := a.props.Get(ctx, settings.KeyIdentifierSourceID)
	if err != nil {
		return nil, apperr.New(apperr.KindConfiguration, op, "read identifier source property", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperr.Configurationf(op, "property %s is not set", settings.KeyIdentifierSourceID)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, apperr.Configurationf(op, "property %s must be numeric, got %q", settings.KeyIdentifierSourceID, raw)
	}

	src, err := a.provider.GetIdentifierSource(ctx, id)
	if err != nil {
		return nil, apperr.New(apperr.KindConfiguration, op, fmt.Sprintf("load identifier source %d", id), err)
	}
	if src == nil {
		return nil, apperr.Configurationf(op, "identifier source %d does not exist", id)
	}
	a.logger.Info().Int64("source_id", id).Str("source", src.Name).Msg("identifier source resolved")
	return src, nil
}

// Invalidate drops the cached source; the next caller re-resolves it.
func (a *Allocator) Invalidate() {
	a.mu.Lock()
	a.gen++
	a.source.Store(nil)
	a.mu.Unlock()
	a.metrics.IncIdentifierSource("invalidated")
}

// Generate draws a fresh identifier from src.
func (a *Allocator) Generate(ctx context.Context, src *IdentifierSource) (string, error) {
	value, err := a.provider.GenerateIdentifier(ctx, src, GenerationComment)
	if err != nil {
		return "", fmt.Errorf("generate identifier from source %d: %w", src.ID, err)
	}
	return value, nil
}

// Validate applies the package-level Validate.
func (a *Allocator) Validate(value string, t *patient.IdentifierType) error {
	return Validate(value, t)
}

func (a *Allocator) SupportsProperty(name string) bool {
	return name == settings.KeyIdentifierSourceID
}

func (a *Allocator) PropertyChanged(name, _ string) {
	a.Invalidate()
	a.logger.Debug().Str("property", name).Msg("identifier source cache invalidated")
}

func (a *Allocator) PropertyDeleted(name string) {
	a.Invalidate()
	a.logger.Debug().Str("property", name).Msg("identifier source cache invalidated")
}

var formatCache sync.Map // format string -> *regexp.Regexp

// Validate checks value against t's format and check-digit rules.
func Validate(value string, t *patient.IdentifierType) error {
	const op = "idgen.validate"

	if strings.TrimSpace(value) == "" {
		return apperr.Validation(op, "identifier cannot be blank")
	}
	if t == nil {
		return nil
	}

	if t.Format != nil && *t.Format != "" {
		re, err := compileFormat(*t.Format)
		if err != nil {
			return apperr.New(apperr.KindConfiguration, op,
				fmt.Sprintf("identifier type %s has an invalid format", t.Name), err)
		}
		if !re.MatchString(value) {
			desc := *t.Format
			if t.FormatDescription != nil && *t.FormatDescription != "" {
				desc = *t.FormatDescription
			}
			return apperr.Validationf(op, "identifier %q does not match the %s format (%s)", value, t.Name, desc)
		}
	}

	if t.Validator != nil && *t.Validator != "" {
		check, err := validatorCheck(*t.Validator)
		if err != nil {
			return apperr.New(apperr.KindConfiguration, op,
				fmt.Sprintf("identifier type %s has an unknown validator", t.Name), err)
		}
		if !checkValid(strings.ToUpper(value), check) {
			return apperr.Validationf(op, "identifier %q has an invalid check digit for %s", value, t.Name)
		}
	}
	return nil
}

func compileFormat(format string) (*regexp.Regexp, error) {
	if re, ok := formatCache.Load(format); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(`^(?:` + format + `)$`)
	if err != nil {
		return nil, err
	}
	formatCache.Store(format, re)
	return re, nil
}
