package matching

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehr/registrationcore/internal/domain/patient"
)

// Weights sets how much each field contributes to a fast-match score.
// Scores are normalised by the weight of the fields both sides carry, so the
// absolute values only matter relative to each other.
type Weights struct {
	FamilyName float64 `yaml:"family_name"`
	GivenName  float64 `yaml:"given_name"`
	MiddleName float64 `yaml:"middle_name"`
	BirthDate  float64 `yaml:"birth_date"`
	Gender     float64 `yaml:"gender"`
	Phone      float64 `yaml:"phone"`
	Email      float64 `yaml:"email"`
	Address    float64 `yaml:"address"`
	// BirthYearWindow bounds the candidate query around the profile's birth year.
	BirthYearWindow int `yaml:"birth_year_window"`
}

func DefaultWeights() Weights {
	return Weights{
		FamilyName:      0.25,
		GivenName:       0.20,
		MiddleName:      0.05,
		BirthDate:       0.25,
		Gender:          0.05,
		Phone:           0.10,
		Email:           0.05,
		Address:         0.05,
		BirthYearWindow: 5,
	}
}

// LoadWeights reads weights from a YAML file. Fields absent from the file keep
// their defaults.
func LoadWeights(path string) (Weights, error) {
	w := DefaultWeights()
	data, err := os.ReadFile(path)
	if err != nil {
		return w, fmt.Errorf("read match weights: %w", err)
	}
	if err := yaml.Unmarshal(data, &w); err != nil {
		return w, fmt.Errorf("parse match weights %s: %w", path, err)
	}
	if err := w.validate(); err != nil {
		return w, fmt.Errorf("match weights %s: %w", path, err)
	}
	return w, nil
}

func (w Weights) validate() error {
	for name, v := range map[string]float64{
		"family_name": w.FamilyName, "given_name": w.GivenName, "middle_name": w.MiddleName,
		"birth_date": w.BirthDate, "gender": w.Gender, "phone": w.Phone,
		"email": w.Email, "address": w.Address,
	} {
		if v < 0 {
			return fmt.Errorf("%s weight must not be negative", name)
		}
	}
	if w.BirthYearWindow < 0 {
		return fmt.Errorf("birth_year_window must not be negative")
	}
	return nil
}

// Extra data point keys understood by the strategies. Values override the
// corresponding profile field for the duration of one query.
const (
	ExtraPhone      = "phone"
	ExtraEmail      = "email"
	ExtraAddress    = "address"
	ExtraPostalCode = "postal_code"
	ExtraBirthDate  = "birth_date"
)

// profile is the comparable view of a patient.
type profile struct {
	given, middle, family string
	birthDate             string
	birth                 *time.Time
	gender                string
	phone, email          string
	address, postalCode   string
}

func newProfile(p *patient.Patient, extra map[string]interface{}) profile {
	pr := profile{
		given:      p.GivenName,
		middle:     deref(p.MiddleName),
		family:     p.FamilyName,
		gender:     deref(p.Gender),
		phone:      deref(p.Phone),
		email:      deref(p.Email),
		address:    deref(p.AddressLine1),
		postalCode: deref(p.PostalCode),
	}
	if p.BirthDate != nil {
		pr.setBirth(*p.BirthDate)
	}
	if v, ok := extraString(extra, ExtraPhone); ok {
		pr.phone = v
	}
	if v, ok := extraString(extra, ExtraEmail); ok {
		pr.email = v
	}
	if v, ok := extraString(extra, ExtraAddress); ok {
		pr.address = v
	}
	if v, ok := extraString(extra, ExtraPostalCode); ok {
		pr.postalCode = v
	}
	if v, ok := extra[ExtraBirthDate]; ok {
		switch d := v.(type) {
		case time.Time:
			pr.setBirth(d)
		case string:
			if t, err := time.Parse("2006-01-02", d); err == nil {
				pr.setBirth(t)
			}
		}
	}
	return pr
}

func (pr *profile) setBirth(t time.Time) {
	pr.birth = &t
	pr.birthDate = t.Format("2006-01-02")
}

func extraString(extra map[string]interface{}, key string) (string, bool) {
	v, ok := extra[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// score compares two profiles field by field. Only fields present on both
// sides count, and the result is normalised to [0, 1].
func (w Weights) score(in, cand profile) float64 {
	var got, possible float64
	fuzzy := func(weight float64, a, b string) {
		if a == "" || b == "" || weight == 0 {
			return
		}
		possible += weight
		got += weight * jaroWinklerSimilarity(a, b)
	}
	exact := func(weight float64, a, b string) {
		if a == "" || b == "" || weight == 0 {
			return
		}
		possible += weight
		if strings.EqualFold(a, b) {
			got += weight
		}
	}

	fuzzy(w.FamilyName, in.family, cand.family)
	fuzzy(w.GivenName, in.given, cand.given)
	fuzzy(w.MiddleName, in.middle, cand.middle)
	exact(w.BirthDate, in.birthDate, cand.birthDate)
	exact(w.Gender, in.gender, cand.gender)
	exact(w.Email, in.email, cand.email)

	if in.phone != "" && cand.phone != "" && w.Phone > 0 {
		possible += w.Phone
		if phoneMatch(in.phone, cand.phone) {
			got += w.Phone
		}
	}

	if in.address != "" && cand.address != "" && w.Address > 0 {
		possible += w.Address
		a, b := normalizeAddress(in.address), normalizeAddress(cand.address)
		addr := 1.0
		if a != b {
			addr = jaroWinklerSimilarity(a, b)
		}
		if in.postalCode != "" && in.postalCode == cand.postalCode {
			addr = (addr + 1.0) / 2.0
		}
		got += w.Address * addr
	}

	if possible == 0 {
		return 0
	}
	return math.Round(got/possible*1000) / 1000
}

// Rank sorts by descending score (stable, so equal scores keep query order),
// drops anything below cutoff, and caps the length. maxResults <= 0 means
// no cap.
func Rank(cands []Candidate, cutoff float64, maxResults int) []Candidate {
	out := cands[:0]
	for _, c := range cands {
		if c.Score >= cutoff {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

func phoneMatch(a, b string) bool {
	da, db := extractDigits(a), extractDigits(b)
	if len(da) >= 4 && len(db) >= 4 {
		return da[len(da)-4:] == db[len(db)-4:]
	}
	return da != "" && da == db
}

func extractDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeAddress lowercases and drops punctuation and repeated spaces.
func normalizeAddress(addr string) string {
	addr = strings.ToLower(addr)
	addr = strings.Map(func(r rune) rune {
		if r == '.' || r == ',' || r == '#' {
			return -1
		}
		return r
	}, addr)
	return strings.Join(strings.Fields(addr), " ")
}

// jaroWinklerSimilarity is case-insensitive and returns a value in [0, 1].
func jaroWinklerSimilarity(s1, s2 string) float64 {
	a := []rune(strings.ToLower(strings.TrimSpace(s1)))
	b := []rune(strings.ToLower(strings.TrimSpace(s2)))
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if string(a) == string(b) {
		return 1
	}

	maxDist := len(a)
	if len(b) > maxDist {
		maxDist = len(b)
	}
	maxDist = maxDist/2 - 1
	if maxDist < 0 {
		maxDist = 0
	}

	aMatches := make([]bool, len(a))
	bMatches := make([]bool, len(b))
	matches := 0
	for i := range a {
		start := i - maxDist
		if start < 0 {
			start = 0
		}
		end := i + maxDist + 1
		if end > len(b) {
			end = len(b)
		}
		for j := start; j < end; j++ {
			if bMatches[j] || a[i] != b[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	k := 0
	for i := range a {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	jaro := (m/float64(len(a)) + m/float64(len(b)) + (m-float64(transpositions/2))/m) / 3.0

	prefix := 0
	for i := 0; i < 4 && i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			break
		}
		prefix++
	}
	return jaro + float64(prefix)*0.1*(1.0-jaro)
}
