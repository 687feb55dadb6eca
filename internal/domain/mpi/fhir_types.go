package mpi

import (
	"time"

	"github.com/ehr/registrationcore/internal/domain/matching"
	"github.com/ehr/registrationcore/internal/domain/patient"
)

type fhirParameters struct {
	ResourceType string          `json:"resourceType"`
	Parameter    []fhirParameter `json:"parameter"`
}

type fhirParameter struct {
	Name         string       `json:"name"`
	Resource     *fhirPatient `json:"resource,omitempty"`
	ValueBoolean *bool        `json:"valueBoolean,omitempty"`
	ValueInteger *int         `json:"valueInteger,omitempty"`
}

type fhirBundle struct {
	ResourceType string            `json:"resourceType"`
	Entry        []fhirBundleEntry `json:"entry"`
}

type fhirBundleEntry struct {
	Resource *fhirPatient `json:"resource"`
	Search   *struct {
		Mode  string  `json:"mode,omitempty"`
		Score float64 `json:"score"`
	} `json:"search,omitempty"`
}

type fhirPatient struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	Identifier   []fhirIdentifier `json:"identifier,omitempty"`
	Name         []fhirHumanName  `json:"name,omitempty"`
	Telecom      []fhirContact    `json:"telecom,omitempty"`
	Gender       string           `json:"gender,omitempty"`
	BirthDate    string           `json:"birthDate,omitempty"`
	Address      []fhirAddress    `json:"address,omitempty"`
}

type fhirIdentifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value"`
}

type fhirHumanName struct {
	Use    string   `json:"use,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

type fhirContact struct {
	System string `json:"system"`
	Value  string `json:"value"`
}

type fhirAddress struct {
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

// toFHIR renders the profile sent to $match. Extra data points override the
// matching patient fields.
func toFHIR(p *patient.Patient, extra map[string]interface{}) fhirPatient {
	res := fhirPatient{ResourceType: "Patient"}
	if p == nil {
		return res
	}

	name := fhirHumanName{Use: "official", Family: p.FamilyName}
	if p.GivenName != "" {
		name.Given = append(name.Given, p.GivenName)
	}
	if p.MiddleName != nil && *p.MiddleName != "" {
		name.Given = append(name.Given, *p.MiddleName)
	}
	res.Name = []fhirHumanName{name}

	if p.Gender != nil {
		res.Gender = *p.Gender
	}
	if p.BirthDate != nil {
		res.BirthDate = p.BirthDate.Format("2006-01-02")
	}

	phone, email := strOr(extra, matching.ExtraPhone, p.Phone), strOr(extra, matching.ExtraEmail, p.Email)
	if phone != "" {
		res.Telecom = append(res.Telecom, fhirContact{System: "phone", Value: phone})
	}
	if email != "" {
		res.Telecom = append(res.Telecom, fhirContact{System: "email", Value: email})
	}

	line := strOr(extra, matching.ExtraAddress, p.AddressLine1)
	postal := strOr(extra, matching.ExtraPostalCode, p.PostalCode)
	if line != "" || postal != "" || p.City != nil {
		addr := fhirAddress{PostalCode: postal}
		if line != "" {
			addr.Line = []string{line}
		}
		if p.City != nil {
			addr.City = *p.City
		}
		if p.State != nil {
			addr.State = *p.State
		}
		if p.Country != nil {
			addr.Country = *p.Country
		}
		res.Address = []fhirAddress{addr}
	}

	for _, ident := range p.Identifiers {
		if ident == nil || ident.Value == "" {
			continue
		}
		system := ""
		if ident.Type != nil {
			system = ident.Type.Name
		}
		res.Identifier = append(res.Identifier, fhirIdentifier{System: system, Value: ident.Value})
	}
	return res
}

func strOr(extra map[string]interface{}, key string, fallback *string) string {
	if v, ok := extra[key].(string); ok && v != "" {
		return v
	}
	if fallback != nil {
		return *fallback
	}
	return ""
}

// fromFHIR maps a remote resource onto a patient. Remote identifiers are not
// carried over: their systems have no local identifier type.
func fromFHIR(res *fhirPatient) *patient.Patient {
	p := &patient.Patient{FHIRID: res.ID}
	if len(res.Name) > 0 {
		n := official(res.Name)
		p.FamilyName = n.Family
		if len(n.Given) > 0 {
			p.GivenName = n.Given[0]
		}
		if len(n.Given) > 1 {
			middle := n.Given[1]
			p.MiddleName = &middle
		}
	}
	if res.Gender != "" {
		g := res.Gender
		p.Gender = &g
	}
	if res.BirthDate != "" {
		if t, err := time.Parse("2006-01-02", res.BirthDate); err == nil {
			p.BirthDate = &t
		}
	}
	for _, tc := range res.Telecom {
		v := tc.Value
		switch tc.System {
		case "phone":
			if p.Phone == nil {
				p.Phone = &v
			}
		case "email":
			if p.Email == nil {
				p.Email = &v
			}
		}
	}
	if len(res.Address) > 0 {
		a := res.Address[0]
		if len(a.Line) > 0 {
			p.AddressLine1 = &a.Line[0]
		}
		p.City = nonEmpty(a.City)
		p.State = nonEmpty(a.State)
		p.PostalCode = nonEmpty(a.PostalCode)
		p.Country = nonEmpty(a.Country)
	}
	return p
}

func official(names []fhirHumanName) fhirHumanName {
	for _, n := range names {
		if n.Use == "official" {
			return n
		}
	}
	return names[0]
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
