// Package fhir assembles a patient bundle from a FHIR R4/R5 REST server.
package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/medigraph/clinagent/record"
	"github.com/medigraph/clinagent/types"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("fhir base url is required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ record.Service = (*Client)(nil)

// Fetch assembles the five record sections. Demographics are mandatory: an
// unknown patient is record.ErrNotFound. The other sections degrade to a
// "none on file" note so one missing resource type does not sink the fetch.
func (c *Client) Fetch(ctx context.Context, patientID string) (types.PatientBundle, error) {
	if patientID == "" {
		return types.PatientBundle{}, fmt.Errorf("patient id is required")
	}

	demographics, err := c.demographics(ctx, patientID)
	if err != nil {
		return types.PatientBundle{}, err
	}

	bundle := types.PatientBundle{
		PatientID:    patientID,
		Demographics: demographics,
		Labs:         c.labs(ctx, patientID),
		Medications:  c.medications(ctx, patientID),
		Conditions:   c.conditions(ctx, patientID),
		Allergies:    c.allergies(ctx, patientID),
		FetchedAt:    c.now(),
	}
	return bundle, nil
}

func (c *Client) demographics(ctx context.Context, patientID string) (string, error) {
	var resource struct {
		Name []struct {
			Given  []string `json:"given"`
			Family string   `json:"family"`
		} `json:"name"`
		Gender    string `json:"gender"`
		BirthDate string `json:"birthDate"`
	}
	status, err := c.getJSON(ctx, "/Patient/"+url.PathEscape(patientID), &resource)
	if err != nil {
		return "", fmt.Errorf("fetch patient %s: %w", patientID, err)
	}
	if status == http.StatusNotFound || status == http.StatusGone {
		return "", fmt.Errorf("%w: %s", record.ErrNotFound, patientID)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("fetch patient %s: unexpected status %d", patientID, status)
	}

	name := ""
	if len(resource.Name) > 0 {
		given := ""
		if len(resource.Name[0].Given) > 0 {
			given = resource.Name[0].Given[0]
		}
		name = strings.TrimSpace(given + " " + resource.Name[0].Family)
	}
	return fmt.Sprintf("Patient Name: %s\nGender: %s\nDOB: %s", name, resource.Gender, resource.BirthDate), nil
}

func (c *Client) labs(ctx context.Context, patientID string) string {
	bundle, err := c.searchBundle(ctx, "/Observation?subject=Patient/"+url.QueryEscape(patientID))
	if err != nil || len(bundle.Entry) == 0 {
		return "No recent lab results."
	}

	lines := make([]string, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		res := entry.Resource
		name := firstCodingDisplay(res.Code, "Unknown Test")
		value := "Check Report"
		switch {
		case res.ValueQuantity != nil:
			value = fmt.Sprintf("%g %s", res.ValueQuantity.Value, res.ValueQuantity.Unit)
		case len(res.Component) > 0:
			parts := make([]string, 0, len(res.Component))
			for _, comp := range res.Component {
				label := firstCodingDisplay(comp.Code, "")
				if comp.ValueQuantity != nil {
					parts = append(parts, fmt.Sprintf("%s: %g %s", label, comp.ValueQuantity.Value, comp.ValueQuantity.Unit))
				}
			}
			if len(parts) > 0 {
				value = strings.Join(parts, ", ")
			}
		}
		date := res.EffectiveDateTime
		if date == "" {
			date = "Unknown Date"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s = %s", date, name, value))
	}
	return strings.Join(lines, "\n")
}

// medications merges active MedicationStatement (reported) and
// MedicationRequest (prescribed) entries, deduplicated.
func (c *Client) medications(ctx context.Context, patientID string) string {
	seen := map[string]bool{}
	for _, resourceType := range []string{"MedicationStatement", "MedicationRequest"} {
		bundle, err := c.searchBundle(ctx, "/"+resourceType+"?subject=Patient/"+url.QueryEscape(patientID)+"&status=active")
		if err != nil {
			continue
		}
		for _, entry := range bundle.Entry {
			res := entry.Resource
			name := "Unknown Medication"
			concept := res.MedicationCodeableConcept
			if concept == nil && res.Medication != nil {
				concept = res.Medication.Concept
			}
			switch {
			case concept != nil:
				name = firstCodingDisplay(concept, "Unknown")
			case res.MedicationReference != nil && res.MedicationReference.Display != "":
				name = res.MedicationReference.Display
			}
			seen[fmt.Sprintf("[%s] %s", resourceType, name)] = true
		}
	}
	if len(seen) == 0 {
		return "No active medications found on file."
	}
	meds := make([]string, 0, len(seen))
	for med := range seen {
		meds = append(meds, med)
	}
	sort.Strings(meds)
	return "Current Medications:\n" + strings.Join(meds, "\n")
}

func (c *Client) conditions(ctx context.Context, patientID string) string {
	bundle, err := c.searchBundle(ctx, "/Condition?subject=Patient/"+url.QueryEscape(patientID))
	if err != nil || len(bundle.Entry) == 0 {
		return "No active conditions."
	}
	lines := make([]string, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		res := entry.Resource
		name := firstCodingDisplay(res.Code, "Unknown Condition")
		status := firstCodingCode(res.ClinicalStatus, "unknown")
		lines = append(lines, fmt.Sprintf("- %s (%s)", name, status))
	}
	return strings.Join(lines, "\n")
}

func (c *Client) allergies(ctx context.Context, patientID string) string {
	bundle, err := c.searchBundle(ctx, "/AllergyIntolerance?patient=Patient/"+url.QueryEscape(patientID))
	if err != nil || len(bundle.Entry) == 0 {
		return "No known allergies."
	}
	lines := make([]string, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		res := entry.Resource
		substance := firstCodingDisplay(res.Code, "Unknown Substance")
		reaction := "Unknown reaction"
		if len(res.Reaction) > 0 && len(res.Reaction[0].Manifestation) > 0 {
			if display := firstCodingDisplay(&res.Reaction[0].Manifestation[0], ""); display != "" {
				reaction = display
			}
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", substance, reaction))
	}
	return strings.Join(lines, "\n")
}

type codeableConcept struct {
	Coding []struct {
		Code    string `json:"code"`
		Display string `json:"display"`
	} `json:"coding"`
}

type fhirResource struct {
	Code              *codeableConcept `json:"code"`
	ClinicalStatus    *codeableConcept `json:"clinicalStatus"`
	EffectiveDateTime string           `json:"effectiveDateTime"`
	ValueQuantity     *quantity        `json:"valueQuantity"`
	Component         []struct {
		Code          *codeableConcept `json:"code"`
		ValueQuantity *quantity        `json:"valueQuantity"`
	} `json:"component"`
	MedicationCodeableConcept *codeableConcept `json:"medicationCodeableConcept"`
	Medication                *struct {
		Concept *codeableConcept `json:"concept"`
	} `json:"medication"`
	MedicationReference *struct {
		Display string `json:"display"`
	} `json:"medicationReference"`
	Reaction []struct {
		Manifestation []codeableConcept `json:"manifestation"`
	} `json:"reaction"`
}

type quantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

type searchBundle struct {
	Entry []struct {
		Resource fhirResource `json:"resource"`
	} `json:"entry"`
}

func (c *Client) searchBundle(ctx context.Context, path string) (searchBundle, error) {
	var bundle searchBundle
	status, err := c.getJSON(ctx, path, &bundle)
	if err != nil {
		return searchBundle{}, err
	}
	if status != http.StatusOK {
		return searchBundle{}, fmt.Errorf("fhir search %s: unexpected status %d", path, status)
	}
	return bundle, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create fhir request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fhir request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read fhir response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode fhir response: %w", err)
	}
	return resp.StatusCode, nil
}

func firstCodingDisplay(concept *codeableConcept, fallback string) string {
	if concept != nil && len(concept.Coding) > 0 && concept.Coding[0].Display != "" {
		return concept.Coding[0].Display
	}
	return fallback
}

func firstCodingCode(concept *codeableConcept, fallback string) string {
	if concept != nil && len(concept.Coding) > 0 && concept.Coding[0].Code != "" {
		return concept.Coding[0].Code
	}
	return fallback
}
