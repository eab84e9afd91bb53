package clinical

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/medigraph/clinagent/capability"
	"github.com/medigraph/clinagent/reasoning"
)

// RiskResult is the output of the cardiovascular risk capability.
type RiskResult struct {
	RiskPercent float64 `json:"riskPercent"`
	Category    string  `json:"category"`
	Summary     string  `json:"summary"`
}

type riskArgs struct {
	Age        int  `json:"age"`
	SystolicBP int  `json:"systolicBp"`
	Smoker     bool `json:"smoker"`
	Diabetic   bool `json:"diabetic"`
}

// ComputeCardiovascularRisk estimates the 10-year ASCVD risk. Simplified
// additive model, capped at 100 percent.
func ComputeCardiovascularRisk(age, systolicBP int, smoker, diabetic bool) RiskResult {
	risk := 1.0
	if age > 40 {
		risk += float64(age-40) * 0.2
	}
	if systolicBP > 120 {
		risk += float64(systolicBP-120) * 0.1
	}
	if smoker {
		risk *= 1.5
	}
	if diabetic {
		risk *= 1.8
	}
	if risk > 100.0 {
		risk = 100.0
	}

	category := "Low Risk"
	if risk >= 7.5 {
		category = "Elevated Risk (Consider Statin)"
	}
	if risk >= 20.0 {
		category = "High Risk"
	}
	return RiskResult{
		RiskPercent: risk,
		Category:    category,
		Summary:     fmt.Sprintf("10-Year ASCVD Risk Estimate: %.1f%% (%s)", risk, category),
	}
}

// NewRiskCapability exposes the risk estimate through the tool invoker.
// Deterministic and read-only, so it is always safe to retry.
func NewRiskCapability() *capability.Func {
	return capability.NewFunc(capability.Definition{
		Name:        "risk_calculator",
		Description: "Estimates the 10-year ASCVD cardiovascular risk from age, systolic BP, smoking, and diabetes status.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"age", "systolicBp"},
			"properties": map[string]any{
				"age":        map[string]any{"type": "integer", "minimum": 0},
				"systolicBp": map[string]any{"type": "integer", "minimum": 0},
				"smoker":     map[string]any{"type": "boolean"},
				"diabetic":   map[string]any{"type": "boolean"},
			},
		},
		ReadOnly:   true,
		Idempotent: true,
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		_ = ctx
		var in riskArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("invalid risk arguments: %w", err)
		}
		return ComputeCardiovascularRisk(in.Age, in.SystolicBP, in.Smoker, in.Diabetic), nil
	})
}

type historyArgs struct {
	Notes []string `json:"notes"`
}

const historyNoteLimit = 5

const historySystem = `Summarize the clinical history into a three-bullet History of Present Illness. Focus on chronic conditions, recent hospitalizations, and major procedures.`

// NewHistoryCapability summarizes encounter notes through the reasoning
// engine. Read-only; retrying costs another inference but nothing else.
func NewHistoryCapability(engine reasoning.Engine) *capability.Func {
	return capability.NewFunc(capability.Definition{
		Name:        "summarize_history",
		Description: "Summarizes clinical encounter notes into a concise history of present illness.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"notes"},
			"properties": map[string]any{
				"notes": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
		},
		ReadOnly: true,
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var in historyArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("invalid history arguments: %w", err)
		}
		if len(in.Notes) == 0 {
			return "No notes available to summarize.", nil
		}
		notes := in.Notes
		if len(notes) > historyNoteLimit {
			notes = notes[:historyNoteLimit]
		}
		prompt := "NOTES:\n"
		for _, note := range notes {
			prompt += note + "\n---\n"
		}
		raw, err := engine.Infer(ctx, reasoning.Request{
			System: historySystem,
			Prompt: prompt,
		})
		if err != nil {
			return nil, capability.Transient(err)
		}
		return string(raw), nil
	})
}

// RegisterBuiltins registers the stock clinical capabilities. The interaction
// checker and the history summarizer are skipped when their backing
// collaborator is absent.
func RegisterBuiltins(registry *capability.Registry, rx *RxNormClient, engine reasoning.Engine) error {
	if registry == nil {
		return fmt.Errorf("registry is required")
	}
	if err := registry.Register(NewRiskCapability()); err != nil {
		return err
	}
	if rx != nil {
		if err := registry.Register(NewInteractionCapability(rx)); err != nil {
			return err
		}
	}
	if engine != nil {
		if err := registry.Register(NewHistoryCapability(engine)); err != nil {
			return err
		}
	}
	return nil
}
