package matching

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/registrationcore/internal/domain/patient"
	"github.com/ehr/registrationcore/pkg/phonetic"
)

// minCandidatePool is the smallest number of rows fetched for scoring.
const minCandidatePool = 50

// FastStrategy blocks on the Soundex code of the family name and a window
// around the birth year, then scores the block with weighted Jaro-Winkler.
type FastStrategy struct {
	source  CandidateSource
	weights Weights
}

func NewFastStrategy(source CandidateSource, weights Weights) *FastStrategy {
	return &FastStrategy{source: source, weights: weights}
}

func (s *FastStrategy) FindSimilarPatients(ctx context.Context, p *patient.Patient, extra map[string]interface{}, cutoff float64, maxResults int) ([]Candidate, error) {
	if p == nil {
		return nil, nil
	}
	code := phonetic.Soundex(p.FamilyName)
	if code == "" {
		// Without a family name the block would be the whole table.
		return []Candidate{}, nil
	}

	in := newProfile(p, extra)
	q := patient.CandidateQuery{FamilySoundex: &code, Limit: candidatePool(maxResults)}
	if in.birth != nil && s.weights.BirthYearWindow > 0 {
		lo := in.birth.Year() - s.weights.BirthYearWindow
		hi := in.birth.Year() + s.weights.BirthYearWindow
		q.BirthYearMin, q.BirthYearMax = &lo, &hi
	}
	if p.ID != uuid.Nil {
		q.ExcludeIDs = []uuid.UUID{p.ID}
	}

	rows, err := s.source.FindCandidates(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("fast match: %w", err)
	}

	cands := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		cands = append(cands, Candidate{
			Patient: row,
			Score:   s.weights.score(in, newProfile(row, nil)),
			Origin:  OriginLocal,
		})
	}
	return Rank(cands, cutoff, maxResults), nil
}

func candidatePool(maxResults int) int {
	n := maxResults * 10
	if n < minCandidatePool {
		n = minCandidatePool
	}
	return n
}

// PreciseStrategy only reports patients that agree exactly: a shared
// identifier scores 1.0, otherwise given name, family name and birth date
// must all be equal and gender must not conflict.
type PreciseStrategy struct {
	source CandidateSource
}

func NewPreciseStrategy(source CandidateSource) *PreciseStrategy {
	return &PreciseStrategy{source: source}
}

func (s *PreciseStrategy) FindSimilarPatients(ctx context.Context, p *patient.Patient, extra map[string]interface{}, cutoff float64, maxResults int) ([]Candidate, error) {
	if p == nil {
		return nil, nil
	}
	seen := make(map[uuid.UUID]struct{})
	if p.ID != uuid.Nil {
		seen[p.ID] = struct{}{}
	}
	var cands []Candidate

	for _, ident := range p.Identifiers {
		if ident == nil || strings.TrimSpace(ident.Value) == "" {
			continue
		}
		typeID := ident.TypeID
		if typeID == uuid.Nil && ident.Type != nil {
			typeID = ident.Type.ID
		}
		match, err := s.source.FindByIdentifier(ctx, typeID, ident.Value)
		if err != nil {
			return nil, fmt.Errorf("precise match by identifier: %w", err)
		}
		if match == nil {
			continue
		}
		if _, dup := seen[match.ID]; dup {
			continue
		}
		seen[match.ID] = struct{}{}
		cands = append(cands, Candidate{Patient: match, Score: 1.0, Origin: OriginLocal})
	}

	in := newProfile(p, extra)
	if in.given != "" && in.family != "" && in.birth != nil {
		q := patient.CandidateQuery{
			GivenName:  &in.given,
			FamilyName: &in.family,
			BirthDate:  in.birth,
			Limit:      candidatePool(maxResults),
		}
		if in.gender != "" {
			q.Gender = &in.gender
		}
		rows, err := s.source.FindCandidates(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("precise match: %w", err)
		}
		for _, row := range rows {
			if _, dup := seen[row.ID]; dup {
				continue
			}
			seen[row.ID] = struct{}{}
			cands = append(cands, Candidate{Patient: row, Score: exactScore(in, newProfile(row, nil)), Origin: OriginLocal})
		}
	}
	return Rank(cands, cutoff, maxResults), nil
}

// exactScore is the share of comparable fields that agree exactly.
func exactScore(in, cand profile) float64 {
	pairs := [][2]string{
		{in.given, cand.given},
		{in.family, cand.family},
		{in.birthDate, cand.birthDate},
		{in.gender, cand.gender},
		{in.middle, cand.middle},
	}
	var agree, compared int
	for _, pr := range pairs {
		if pr[0] == "" || pr[1] == "" {
			continue
		}
		compared++
		if strings.EqualFold(strings.TrimSpace(pr[0]), strings.TrimSpace(pr[1])) {
			agree++
		}
	}
	if compared == 0 {
		return 0
	}
	return float64(agree) / float64(compared)
}
