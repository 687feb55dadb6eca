package registration

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/registrationcore/internal/domain/biometrics"
	"github.com/ehr/registrationcore/internal/domain/matching"
	"github.com/ehr/registrationcore/internal/domain/patient"
	"github.com/ehr/registrationcore/internal/platform/apperr"
	"github.com/ehr/registrationcore/internal/platform/auth"
	"github.com/ehr/registrationcore/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Duplicate search and name lookup – anyone at the front desk
	read := api.Group("", auth.RequireRole("admin", "registrar", "physician", "nurse"))
	read.POST("/registration/match/fast", h.MatchFast)
	read.POST("/registration/match/precise", h.MatchPrecise)
	read.GET("/registration/names/given", h.GivenNames)
	read.GET("/registration/names/family", h.FamilyNames)

	// Writes – admin, registrar
	write := api.Group("", auth.RequireRole("admin", "registrar"))
	write.POST("/registration", h.Register)
	write.POST("/registration/mpi/import", h.ImportMPIPatient)
	write.POST("/patients/:id/biometrics", h.SaveBiometrics)
}

type relationshipBody struct {
	PersonA *uuid.UUID `json:"person_a"`
	PersonB *uuid.UUID `json:"person_b"`
	Type    string     `json:"relationship_type"`
}

type biometricBody struct {
	Subject *biometrics.Subject `json:"subject"`
}

type registerBody struct {
	Patient       *patient.Patient   `json:"patient"`
	Relationships []relationshipBody `json:"relationships"`
	Identifier    string             `json:"identifier"`
	LocationID    *uuid.UUID         `json:"location_id"`
	Biometrics    []biometricBody    `json:"biometrics"`
}

type matchBody struct {
	Patient    *patient.Patient       `json:"patient"`
	Extra      map[string]interface{} `json:"extra"`
	Cutoff     float64                `json:"cutoff"`
	MaxResults int                    `json:"max_results"`
}

type importBody struct {
	RemoteID string `json:"remote_id"`
}

func httpError(err error) error {
	return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
}

func (h *Handler) Register(c echo.Context) error {
	var body registerBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	req := Request{
		Patient:      body.Patient,
		Identifier:   body.Identifier,
		RegistererID: auth.UserIDFromContext(ctx),
	}
	if body.Patient != nil && body.Patient.CreatorID == nil {
		if uid, err := uuid.Parse(req.RegistererID); err == nil {
			body.Patient.CreatorID = &uid
		}
	}
	if body.LocationID != nil {
		loc, err := h.svc.Location(ctx, *body.LocationID)
		if err != nil {
			return httpError(err)
		}
		if loc == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown location_id")
		}
		req.Location = loc
	}
	for _, r := range body.Relationships {
		req.Relationships = append(req.Relationships, &patient.Relationship{PersonA: r.PersonA, PersonB: r.PersonB, Type: r.Type})
	}
	for _, b := range body.Biometrics {
		req.Biometrics = append(req.Biometrics, &biometrics.Sample{Subject: b.Subject})
	}

	p, err := h.svc.RegisterPatient(ctx, req)
	if err != nil {
		if p != nil && errors.Is(err, apperr.ErrBiometric) {
			return c.JSON(apperr.HTTPStatus(err), map[string]interface{}{
				"message": err.Error(),
				"patient": p,
			})
		}
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) MatchFast(c echo.Context) error {
	return h.match(c, h.svc.FindFastSimilarPatients)
}

func (h *Handler) MatchPrecise(c echo.Context) error {
	return h.match(c, h.svc.FindPreciseSimilarPatients)
}

type searchFunc func(ctx context.Context, p *patient.Patient, extra map[string]interface{}, cutoff float64, maxResults int) ([]matching.Candidate, error)

func (h *Handler) match(c echo.Context, search searchFunc) error {
	var body matchBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Patient == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient is required")
	}
	if body.Cutoff < 0 || body.Cutoff > 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "cutoff must be between 0 and 1")
	}
	limit := body.MaxResults
	if limit <= 0 {
		limit = pagination.Limit(c, pagination.DefaultLimit)
	}
	cands, err := search(c.Request().Context(), body.Patient, body.Extra, body.Cutoff, limit)
	if err != nil {
		return httpError(err)
	}
	if cands == nil {
		cands = []matching.Candidate{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(cands, len(cands), limit))
}

func (h *Handler) GivenNames(c echo.Context) error {
	return h.names(c, h.svc.FindSimilarGivenNames)
}

func (h *Handler) FamilyNames(c echo.Context) error {
	return h.names(c, h.svc.FindSimilarFamilyNames)
}

func (h *Handler) names(c echo.Context, find func(ctx context.Context, phrase string) ([]string, error)) error {
	phrase := strings.TrimSpace(c.QueryParam("q"))
	limit := pagination.Limit(c, matching.DefaultNameLimit)
	names, err := find(c.Request().Context(), phrase)
	if err != nil {
		return httpError(err)
	}
	if len(names) > limit {
		names = names[:limit]
	}
	if names == nil {
		names = []string{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(names, len(names), limit))
}

func (h *Handler) ImportMPIPatient(c echo.Context) error {
	var body importBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.svc.ImportMPIPatient(c.Request().Context(), strings.TrimSpace(body.RemoteID))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"patient_id": id.String()})
}

func (h *Handler) SaveBiometrics(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body biometricBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	p, err := h.svc.Patient(ctx, id)
	if err != nil {
		return httpError(err)
	}
	sample, err := h.svc.SaveBiometricsForPatient(ctx, p, &biometrics.Sample{Subject: body.Subject})
	if err != nil {
		return httpError(err)
	}
	var subjectID string
	if sample != nil && sample.Subject != nil {
		subjectID = sample.Subject.SubjectID
	}
	return c.JSON(http.StatusOK, map[string]string{"patient_id": p.ID.String(), "subject_id": subjectID})
}
