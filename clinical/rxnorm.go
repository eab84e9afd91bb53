package clinical

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/medigraph/clinagent/capability"
)

const defaultRxNormBaseURL = "https://rxnav.nlm.nih.gov"

// RxNormClient resolves drug names to RxCUIs and checks pairwise
// interactions against the NIH RxNorm API.
type RxNormClient struct {
	baseURL    string
	httpClient *http.Client
}

type RxNormOption func(*RxNormClient)

func WithRxNormHTTPClient(h *http.Client) RxNormOption {
	return func(c *RxNormClient) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func NewRxNormClient(baseURL string, opts ...RxNormOption) *RxNormClient {
	if baseURL == "" {
		baseURL = defaultRxNormBaseURL
	}
	c := &RxNormClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InteractionReport lists the high-severity interactions found for a
// medication list.
type InteractionReport struct {
	Checked      []string `json:"checked"`
	Unresolved   []string `json:"unresolved,omitempty"`
	Interactions []string `json:"interactions,omitempty"`
	Summary      string   `json:"summary"`
}

// CheckInteractions resolves each drug to an RxCUI, then asks for the
// pairwise interaction list and keeps the high-severity hits.
func (c *RxNormClient) CheckInteractions(ctx context.Context, medications []string) (InteractionReport, error) {
	report := InteractionReport{Checked: medications}
	if len(medications) < 2 {
		report.Summary = "No interaction check needed (less than 2 drugs)."
		return report, nil
	}

	rxcuis := make([]string, 0, len(medications))
	for _, med := range medications {
		rxcui, err := c.resolveRxCUI(ctx, med)
		if err != nil {
			return InteractionReport{}, err
		}
		if rxcui == "" {
			report.Unresolved = append(report.Unresolved, med)
			continue
		}
		rxcuis = append(rxcuis, rxcui)
	}
	if len(rxcuis) < 2 {
		report.Summary = "Could not identify enough medications in RxNorm to check interactions."
		return report, nil
	}

	interactions, err := c.interactionList(ctx, rxcuis)
	if err != nil {
		return InteractionReport{}, err
	}
	report.Interactions = interactions
	if len(interactions) == 0 {
		report.Summary = "No high-severity drug interactions found."
	} else {
		report.Summary = fmt.Sprintf("%d high-severity interaction(s) found.", len(interactions))
	}
	return report, nil
}

func (c *RxNormClient) resolveRxCUI(ctx context.Context, name string) (string, error) {
	endpoint := c.baseURL + "/REST/rxcui.json?name=" + url.QueryEscape(name)
	var out struct {
		IDGroup struct {
			RxNormID []string `json:"rxnormId"`
		} `json:"idGroup"`
	}
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return "", fmt.Errorf("resolve rxcui for %q: %w", name, err)
	}
	if len(out.IDGroup.RxNormID) == 0 {
		return "", nil
	}
	return out.IDGroup.RxNormID[0], nil
}

func (c *RxNormClient) interactionList(ctx context.Context, rxcuis []string) ([]string, error) {
	endpoint := c.baseURL + "/REST/interaction/list.json?rxcuis=" + url.QueryEscape(strings.Join(rxcuis, "+"))
	var out struct {
		FullInteractionTypeGroup []struct {
			FullInteractionType []struct {
				InteractionPair []struct {
					Description string `json:"description"`
					Severity    string `json:"severity"`
				} `json:"interactionPair"`
			} `json:"fullInteractionType"`
		} `json:"fullInteractionTypeGroup"`
	}
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return nil, fmt.Errorf("interaction list: %w", err)
	}

	interactions := []string{}
	for _, group := range out.FullInteractionTypeGroup {
		for _, interactionType := range group.FullInteractionType {
			for _, pair := range interactionType.InteractionPair {
				if strings.EqualFold(pair.Severity, "high") {
					description := pair.Description
					if description == "" {
						description = "Interaction detected"
					}
					interactions = append(interactions, "HIGH SEVERITY: "+description)
				}
			}
		}
	}
	return interactions, nil
}

func (c *RxNormClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return capability.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return capability.Transient(err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return capability.Transient(fmt.Errorf("rxnorm API error (%d)", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rxnorm API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode rxnorm response: %w", err)
	}
	return nil
}

type interactionArgs struct {
	Medications []string `json:"medications"`
}

// NewInteractionCapability wraps the RxNorm checker for the tool invoker.
func NewInteractionCapability(client *RxNormClient) *capability.Func {
	return capability.NewFunc(capability.Definition{
		Name:        "drug_interactions",
		Description: "Checks a medication list for high-severity drug-drug interactions via the NIH RxNorm API.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"medications"},
			"properties": map[string]any{
				"medications": map[string]any{
					"type":     "array",
					"items":    map[string]any{"type": "string"},
					"minItems": 1,
				},
			},
		},
		ReadOnly:   true,
		Idempotent: true,
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var in interactionArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("invalid interaction arguments: %w", err)
		}
		return client.CheckInteractions(ctx, in.Medications)
	})
}
