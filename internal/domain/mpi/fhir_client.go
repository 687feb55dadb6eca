package mpi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/registrationcore/internal/domain/matching"
	"github.com/ehr/registrationcore/internal/domain/patient"
)

// FHIRClient talks to a remote index that speaks FHIR R4: Patient/$match for
// searches and Patient/{id} reads for imports.
type FHIRClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// ClientOption configures a FHIRClient.
type ClientOption func(*FHIRClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(f *FHIRClient) { f.httpClient = c }
}

// WithBearerToken sends token on every request.
func WithBearerToken(token string) ClientOption {
	return func(f *FHIRClient) { f.token = token }
}

func NewFHIRClient(baseURL string, timeout time.Duration, logger zerolog.Logger, opts ...ClientOption) *FHIRClient {
	c := &FHIRClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "mpi_fhir").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *FHIRClient) FindSimilarMatches(ctx context.Context, p *patient.Patient, extra map[string]interface{}, cutoff float64, maxResults int) ([]matching.Candidate, error) {
	return c.match(ctx, p, extra, maxResults, false)
}

func (c *FHIRClient) FindExactMatches(ctx context.Context, p *patient.Patient, extra map[string]interface{}, cutoff float64, maxResults int) ([]matching.Candidate, error) {
	return c.match(ctx, p, extra, maxResults, true)
}

func (c *FHIRClient) match(ctx context.Context, p *patient.Patient, extra map[string]interface{}, maxResults int, onlyCertain bool) ([]matching.Candidate, error) {
	resource := toFHIR(p, extra)
	params := fhirParameters{
		ResourceType: "Parameters",
		Parameter: []fhirParameter{
			{Name: "resource", Resource: &resource},
			{Name: "onlyCertainMatches", ValueBoolean: &onlyCertain},
		},
	}
	if maxResults > 0 {
		params.Parameter = append(params.Parameter, fhirParameter{Name: "count", ValueInteger: &maxResults})
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, NewError(ErrorInternal, "encode match parameters", err)
	}

	var bundle fhirBundle
	if err := c.do(ctx, http.MethodPost, "/Patient/$match", body, &bundle); err != nil {
		return nil, err
	}

	cands := make([]matching.Candidate, 0, len(bundle.Entry))
	for _, e := range bundle.Entry {
		if e.Resource == nil || e.Resource.ID == "" {
			continue
		}
		score := 0.0
		if e.Search != nil {
			score = e.Search.Score
		}
		cands = append(cands, matching.Candidate{
			Patient:  fromFHIR(e.Resource),
			Score:    score,
			Origin:   matching.OriginRemote,
			RemoteID: e.Resource.ID,
		})
	}
	return cands, nil
}

func (c *FHIRClient) FetchRemotePatient(ctx context.Context, remoteID string) (*patient.Patient, error) {
	var res fhirPatient
	if err := c.do(ctx, http.MethodGet, "/Patient/"+url.PathEscape(remoteID), nil, &res); err != nil {
		return nil, err
	}
	if res.ResourceType != "" && res.ResourceType != "Patient" {
		return nil, NewError(ErrorBadData, fmt.Sprintf("expected Patient, got %s", res.ResourceType), nil)
	}
	return fromFHIR(&res), nil
}

func (c *FHIRClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return NewError(ErrorInternal, "build request", err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("remote index call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return NewError(categoryForStatus(resp.StatusCode),
			fmt.Sprintf("%s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet))), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(ErrorBadData, "decode response", err)
	}
	return nil
}

func categoryForStatus(status int) ErrorCategory {
	switch {
	case status == http.StatusNotFound:
		return ErrorNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuthentication
	case status == http.StatusTooManyRequests:
		return ErrorRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorTimeout
	case status >= 500:
		return ErrorOutage
	default:
		return ErrorBadData
	}
}

func classifyTransportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(ErrorTimeout, "request timed out", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewError(ErrorTimeout, "request timed out", err)
	}
	return NewError(ErrorOutage, "remote index unreachable", err)
}
