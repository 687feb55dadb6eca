package matching

import (
	"github.com/google/uuid"
)

// Policy decides which candidates survive reconciliation. Keep sees the
// candidates already kept, in order.
type Policy interface {
	Keep(c Candidate, kept []Candidate) bool
}

// Reconciler merges local and remote candidate lists. Scores are not
// renormalised: both origins report on the same [cutoff, 1] scale.
type Reconciler struct {
	policy Policy
}

func NewReconciler(policy Policy) *Reconciler {
	return &Reconciler{policy: policy}
}

// Merge appends remote after local, keeping each side's order, and filters
// the combined list once.
func (r *Reconciler) Merge(local, remote []Candidate) []Candidate {
	merged := make([]Candidate, 0, len(local)+len(remote))
	merged = append(merged, local...)
	merged = append(merged, remote...)
	return r.Filter(merged)
}

// Filter drops candidates the policy rejects. It reuses cands' backing array
// and never reorders survivors.
func (r *Reconciler) Filter(cands []Candidate) []Candidate {
	if r.policy == nil {
		return cands
	}
	kept := cands[:0]
	for _, c := range cands {
		if r.policy.Keep(c, kept) {
			kept = append(kept, c)
		}
	}
	return kept
}

// IdentityPolicy removes candidates that stand for a patient already kept,
// and any that are explicitly excluded.
//
// Two candidates are the same identity when they share a local patient id,
// share a remote id, or when a remote candidate's id equals an identifier of
// type MPIType held by a kept local candidate.
type IdentityPolicy struct {
	MPIType       uuid.UUID
	ExcludeLocal  map[uuid.UUID]struct{}
	ExcludeRemote map[string]struct{}
}

// NewIdentityPolicy excludes self, the patient being matched, when it already
// has a local id.
func NewIdentityPolicy(mpiType uuid.UUID, self uuid.UUID) *IdentityPolicy {
	p := &IdentityPolicy{
		MPIType:       mpiType,
		ExcludeLocal:  make(map[uuid.UUID]struct{}),
		ExcludeRemote: make(map[string]struct{}),
	}
	if self != uuid.Nil {
		p.ExcludeLocal[self] = struct{}{}
	}
	return p
}

func (p *IdentityPolicy) Keep(c Candidate, kept []Candidate) bool {
	if c.Patient == nil && c.RemoteID == "" {
		return false
	}
	id := c.PatientID()
	if id != uuid.Nil {
		if _, ok := p.ExcludeLocal[id]; ok {
			return false
		}
	}
	if c.RemoteID != "" {
		if _, ok := p.ExcludeRemote[c.RemoteID]; ok {
			return false
		}
	}

	for _, k := range kept {
		if id != uuid.Nil && k.PatientID() == id {
			return false
		}
		if c.RemoteID != "" {
			if k.RemoteID == c.RemoteID {
				return false
			}
			if p.holdsMPIIdentifier(k, c.RemoteID) {
				return false
			}
		}
		if k.RemoteID != "" && p.holdsMPIIdentifier(c, k.RemoteID) {
			return false
		}
	}
	return true
}

func (p *IdentityPolicy) holdsMPIIdentifier(c Candidate, remoteID string) bool {
	if p.MPIType == uuid.Nil || c.Patient == nil || c.Origin != OriginLocal {
		return false
	}
	return c.Patient.HasIdentifier(p.MPIType, remoteID)
}
