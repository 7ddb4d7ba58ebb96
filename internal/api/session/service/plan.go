package sessionService

import (
	"RepairLens/internal/entity"
	"RepairLens/pkg/gemini"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// diagnosis is the one-time derivation from the user's free-text problem
// description. Everything in it is immutable after session start except
// the step list, which plan regeneration may rewrite from the current
// step onward.
type diagnosis struct {
	Summary      string              `json:"summary"`
	LikelyCause  string              `json:"likely_cause"`
	ExpectedItem string              `json:"expected_item"`
	Steps        []entity.RepairStep `json:"steps"`
}

type regenerateRequest struct {
	Category           string
	DiagnosisSummary   string
	LikelyCause        string
	CurrentInstruction string
	BannedItems        []string
	Substitutes        map[string]string
	Toolkit            []string
	Hints              []entity.SubstituteHint
}

type planGenerator interface {
	Diagnose(ctx context.Context, category, description string, toolkit []string) (*diagnosis, error)
	Regenerate(ctx context.Context, req regenerateRequest) ([]entity.RepairStep, error)
}

type geminiPlanner struct {
	client gemini.IGemini
}

func newGeminiPlanner(client gemini.IGemini) planGenerator {
	return &geminiPlanner{client: client}
}

func (p *geminiPlanner) Diagnose(ctx context.Context, category, description string, toolkit []string) (*diagnosis, error) {
	var b strings.Builder

	fmt.Fprintf(&b, `You are a repair-walkthrough planner for household and electronics repair.
Category: %q.
The user describes the problem: %q.

Produce a diagnosis and an ordered repair plan.`, category, description)

	if len(toolkit) > 0 {
		fmt.Fprintf(&b, "\nTools commonly available for this category: %s.", strings.Join(toolkit, ", "))
	}

	b.WriteString(`

Respond with ONLY a JSON object, no extra text:
{
	"summary": "one-sentence diagnosis",
	"likely_cause": "most probable cause",
	"expected_item": "the single object the camera should see, e.g. 'toaster'",
	"steps": [
		{
			"instruction": "imperative instruction for the user",
			"tools_needed": ["screwdriver"],
			"materials_needed": ["electrical tape"]
		}
	]
}
Between 3 and 10 steps. Keep instructions short and concrete.`)

	raw, err := p.client.GenerateText(ctx, b.String())
	if err != nil {
		return nil, err
	}

	return parseDiagnosisResponse(raw)
}

func (p *geminiPlanner) Regenerate(ctx context.Context, req regenerateRequest) ([]entity.RepairStep, error) {
	var b strings.Builder

	fmt.Fprintf(&b, `You are a repair-walkthrough planner for household and electronics repair.
Category: %q. Diagnosis: %q. Likely cause: %q.
The user is currently on this step: %q.
Replan ONLY the remaining work, starting from (and including a reworked version of) the current step. Do not repeat already-completed steps.`,
		req.Category, req.DiagnosisSummary, req.LikelyCause, req.CurrentInstruction)

	if len(req.BannedItems) > 0 {
		fmt.Fprintf(&b, "\nThe user does NOT have these items; no step may require them: %s.", strings.Join(req.BannedItems, ", "))
	}
	if len(req.Substitutes) > 0 {
		pairs := make([]string, 0, len(req.Substitutes))
		for original, substitute := range req.Substitutes {
			pairs = append(pairs, fmt.Sprintf("%s -> %s", original, substitute))
		}
		sort.Strings(pairs)
		fmt.Fprintf(&b, "\nConfirmed substitutions to use: %s.", strings.Join(pairs, "; "))
	}
	if len(req.Toolkit) > 0 {
		fmt.Fprintf(&b, "\nTools commonly available: %s.", strings.Join(req.Toolkit, ", "))
	}
	for _, hint := range req.Hints {
		fmt.Fprintf(&b, "\nKnown workable substitute for %s: %s (%s).", hint.Item, hint.Substitute, hint.Note)
	}

	b.WriteString(`

Respond with ONLY a JSON array, no extra text:
[
	{
		"instruction": "imperative instruction",
		"tools_needed": ["tool"],
		"materials_needed": ["material"]
	}
]`)

	raw, err := p.client.GenerateText(ctx, b.String())
	if err != nil {
		return nil, err
	}

	return parseStepsResponse(raw)
}

func parseDiagnosisResponse(response string) (*diagnosis, error) {
	jsonStart := strings.Index(response, "{")
	jsonEnd := strings.LastIndex(response, "}")

	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return nil, errors.New("cannot find valid JSON in diagnosis response")
	}

	var d diagnosis
	if err := json.Unmarshal([]byte(response[jsonStart:jsonEnd+1]), &d); err != nil {
		return nil, fmt.Errorf("failed to parse diagnosis response: %w", err)
	}

	if d.ExpectedItem == "" || len(d.Steps) == 0 {
		return nil, errors.New("diagnosis response missing expected item or steps")
	}

	return &d, nil
}

func parseStepsResponse(response string) ([]entity.RepairStep, error) {
	jsonStart := strings.Index(response, "[")
	jsonEnd := strings.LastIndex(response, "]")

	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return nil, errors.New("cannot find valid JSON array in plan response")
	}

	var steps []entity.RepairStep
	if err := json.Unmarshal([]byte(response[jsonStart:jsonEnd+1]), &steps); err != nil {
		return nil, fmt.Errorf("failed to parse plan response: %w", err)
	}

	if len(steps) == 0 {
		return nil, errors.New("plan response contained no steps")
	}

	return steps, nil
}

// splicePlan keeps the completed prefix [0, atIndex) verbatim and replaces
// everything from atIndex with the regenerated tail. Regeneration never
// regresses to step 1.
func splicePlan(steps []entity.RepairStep, atIndex int, tail []entity.RepairStep) []entity.RepairStep {
	if atIndex < 0 {
		atIndex = 0
	}
	if atIndex > len(steps) {
		atIndex = len(steps)
	}

	spliced := make([]entity.RepairStep, 0, atIndex+len(tail))
	spliced = append(spliced, steps[:atIndex]...)
	spliced = append(spliced, tail...)
	return spliced
}

// sortedBannedItems returns the union set as a stable slice for prompts
// and loop requests.
func sortedBannedItems(banned map[string]struct{}) []string {
	items := make([]string, 0, len(banned))
	for item := range banned {
		items = append(items, item)
	}
	sort.Strings(items)
	return items
}
