// Package settings holds runtime properties that operators change without a
// restart: identifier source, matcher bindings, default location. Components
// that cache derived state subscribe to change notifications.
package settings

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Recognised property names.
const (
	KeyIdentifierSourceID       = "registration.identifier_source_id"
	KeyFastAlgorithm            = "registration.fast_similar_patient_search_algorithm"
	KeyPreciseAlgorithm         = "registration.precise_similar_patient_search_algorithm"
	KeyNameSearch               = "registration.patient_name_search"
	KeyBiometricsIdentifierType = "registration.biometrics_identifier_type"
	KeyMPIIdentifierType        = "registration.mpi_identifier_type"
	KeyDefaultLocation          = "default_location"
)

// Listener receives change notifications for the properties it supports.
type Listener interface {
	SupportsProperty(name string) bool
	PropertyChanged(name, value string)
	PropertyDeleted(name string)
}

// Backend persists property values.
type Backend interface {
	Load(ctx context.Context, name string) (value string, ok bool, err error)
	Save(ctx context.Context, name, value string) error
	Remove(ctx context.Context, name string) error
}

// Store reads and writes properties and fans changes out to listeners.
type Store struct {
	backend Backend
	logger  zerolog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

func New(backend Backend, logger zerolog.Logger) *Store {
	return &Store{backend: backend, logger: logger.With().Str("component", "settings").Logger()}
}

// Get returns the trimmed value of name, or "" when unset.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	v, ok, err := s.backend.Load(ctx, name)
	if err != nil {
		return "", fmt.Errorf("load property %s: %w", name, err)
	}
	if !ok {
		return "", nil
	}
	return strings.TrimSpace(v), nil
}

// GetOr returns the value of name, or def when unset or blank.
func (s *Store) GetOr(ctx context.Context, name, def string) (string, error) {
	v, err := s.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if v == "" {
		return def, nil
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, name, value string) error {
	if err := s.backend.Save(ctx, name, value); err != nil {
		return fmt.Errorf("save property %s: %w", name, err)
	}
	s.NotifyChanged(name, value)
	return nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.backend.Remove(ctx, name); err != nil {
		return fmt.Errorf("remove property %s: %w", name, err)
	}
	s.NotifyDeleted(name)
	return nil
}

// Subscribe registers l for notifications on the properties it supports.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// NotifyChanged delivers a change that happened elsewhere (another node, a
// watched file) to local listeners.
func (s *Store) NotifyChanged(name, value string) {
	for _, l := range s.interested(name) {
		l.PropertyChanged(name, value)
	}
	s.logger.Debug().Str("property", name).Msg("property changed")
}

func (s *Store) NotifyDeleted(name string) {
	for _, l := range s.interested(name) {
		l.PropertyDeleted(name)
	}
	s.logger.Debug().Str("property", name).Msg("property deleted")
}

func (s *Store) interested(name string) []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Listener
	for _, l := range s.listeners {
		if l.SupportsProperty(name) {
			out = append(out, l)
		}
	}
	return out
}

// MemoryBackend keeps properties in process memory.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryBackend(initial map[string]string) *MemoryBackend {
	values := make(map[string]string, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &MemoryBackend{values: values}
}

func (m *MemoryBackend) Load(_ context.Context, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	return v, ok, nil
}

func (m *MemoryBackend) Save(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	return nil
}

func (m *MemoryBackend) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, name)
	return nil
}
