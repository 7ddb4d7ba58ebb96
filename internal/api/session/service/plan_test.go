package sessionService

import (
	"RepairLens/internal/entity"
	"reflect"
	"testing"
)

func TestSplicePlanPreservesPrefix(t *testing.T) {
	steps := []entity.RepairStep{
		{Instruction: "one"},
		{Instruction: "two"},
		{Instruction: "three"},
	}
	tail := []entity.RepairStep{
		{Instruction: "two rewritten"},
		{Instruction: "extra"},
	}

	spliced := splicePlan(steps, 1, tail)

	want := []string{"one", "two rewritten", "extra"}
	if len(spliced) != len(want) {
		t.Fatalf("spliced length = %d, want %d", len(spliced), len(want))
	}
	for i, instruction := range want {
		if spliced[i].Instruction != instruction {
			t.Errorf("step %d = %q, want %q", i, spliced[i].Instruction, instruction)
		}
	}
}

func TestSplicePlanBounds(t *testing.T) {
	steps := []entity.RepairStep{{Instruction: "one"}}
	tail := []entity.RepairStep{{Instruction: "new"}}

	if got := splicePlan(steps, -5, tail); len(got) != 1 || got[0].Instruction != "new" {
		t.Errorf("negative index: %+v, want full replacement", got)
	}
	if got := splicePlan(steps, 10, tail); len(got) != 2 {
		t.Errorf("oversized index: length %d, want append", len(got))
	}
}

func TestSplicePlanRepeatedRegenerationKeepsPrefixStable(t *testing.T) {
	steps := []entity.RepairStep{
		{Instruction: "one"},
		{Instruction: "two"},
		{Instruction: "three"},
	}

	first := splicePlan(steps, 1, []entity.RepairStep{{Instruction: "alt two"}, {Instruction: "alt three"}})
	second := splicePlan(first, 1, []entity.RepairStep{{Instruction: "final two"}})

	if second[0].Instruction != "one" {
		t.Errorf("prefix changed across regenerations: %q", second[0].Instruction)
	}
	if len(second) != 2 || second[1].Instruction != "final two" {
		t.Errorf("second regeneration = %+v", second)
	}
}

func TestSortedBannedItemsIsStable(t *testing.T) {
	banned := map[string]struct{}{
		"screwdriver":     {},
		"butter knife":    {},
		"electrical tape": {},
	}

	want := []string{"butter knife", "electrical tape", "screwdriver"}
	for i := 0; i < 5; i++ {
		if got := sortedBannedItems(banned); !reflect.DeepEqual(got, want) {
			t.Fatalf("sortedBannedItems = %v, want %v", got, want)
		}
	}
}

func TestParseDiagnosisResponse(t *testing.T) {
	raw := "```json\n" + `{
		"summary": "The heating element is loose.",
		"likely_cause": "vibration over time",
		"expected_item": "toaster",
		"steps": [
			{"instruction": "Unplug the toaster", "tools_needed": [], "materials_needed": []},
			{"instruction": "Open the base plate", "tools_needed": ["screwdriver"], "materials_needed": []}
		]
	}` + "\n```"

	d, err := parseDiagnosisResponse(raw)
	if err != nil {
		t.Fatalf("parseDiagnosisResponse: %v", err)
	}
	if d.ExpectedItem != "toaster" {
		t.Errorf("expected item = %q", d.ExpectedItem)
	}
	if len(d.Steps) != 2 {
		t.Errorf("steps = %d, want 2", len(d.Steps))
	}
}

func TestParseDiagnosisResponseRejectsIncomplete(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"no json", "I could not produce a diagnosis."},
		{"missing expected item", `{"summary": "s", "steps": [{"instruction": "x"}]}`},
		{"empty steps", `{"summary": "s", "expected_item": "toaster", "steps": []}`},
	}

	for _, tc := range cases {
		if _, err := parseDiagnosisResponse(tc.raw); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

func TestParseStepsResponse(t *testing.T) {
	raw := `Here is the revised plan:
	[
		{"instruction": "Pry the base plate open with a coin", "tools_needed": ["coin"], "materials_needed": []}
	]`

	steps, err := parseStepsResponse(raw)
	if err != nil {
		t.Fatalf("parseStepsResponse: %v", err)
	}
	if len(steps) != 1 || steps[0].Instruction != "Pry the base plate open with a coin" {
		t.Fatalf("steps = %+v", steps)
	}
}

func TestParseStepsResponseRejectsEmpty(t *testing.T) {
	if _, err := parseStepsResponse("[]"); err == nil {
		t.Error("empty plan must be rejected")
	}
	if _, err := parseStepsResponse("no plan here"); err == nil {
		t.Error("non-JSON response must be rejected")
	}
}
