package sessionService

import (
	"strings"
	"testing"
)

func TestParseVisionResponseClampsConfidence(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want float64
	}{
		{"in range", `{"matches": true, "confidence": 0.75}`, 0.75},
		{"above one", `{"matches": true, "confidence": 3.5}`, 1},
		{"below zero", `{"matches": false, "confidence": -0.2}`, 0},
	}

	for _, tc := range cases {
		result, err := parseVisionResponse(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if result.Confidence != tc.want {
			t.Errorf("%s: confidence = %v, want %v", tc.name, result.Confidence, tc.want)
		}
	}
}

func TestParseVisionResponseSurvivesChatter(t *testing.T) {
	raw := "Sure! Here is my analysis:\n```json\n" +
		`{"matches": false, "confidence": 0.9, "detected_item": "blender", "highlights": [{"x": 0.1, "y": 0.1, "width": 0.5, "height": 0.5, "label": "blender"}]}` +
		"\n```\nLet me know if you need anything else."

	result, err := parseVisionResponse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if result.DetectedItem != "blender" || len(result.Highlights) != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestParseVisionResponseRejectsGarbage(t *testing.T) {
	if _, err := parseVisionResponse("I cannot see anything useful."); err == nil {
		t.Error("expected an error for a JSON-free response")
	}
}

func TestParseSubstituteResponse(t *testing.T) {
	raw := `{"found": true, "substitute": "butter knife", "reason": "flat and rigid", "confidence": 0.8}`

	result, err := parseSubstituteResponse(raw, "screwdriver")
	if err != nil {
		t.Fatal(err)
	}
	if result.ForItem != "screwdriver" {
		t.Errorf("for item = %q, want the queried item", result.ForItem)
	}
	if !result.Found || result.Substitute != "butter knife" {
		t.Errorf("result = %+v", result)
	}
}

func TestParseSubstituteResponseRejectsFoundWithoutName(t *testing.T) {
	if _, err := parseSubstituteResponse(`{"found": true}`, "screwdriver"); err == nil {
		t.Error("found without a substitute name must be rejected")
	}
}

func TestVisionPromptCarriesBannedItemsAndHints(t *testing.T) {
	query := visionQuery{
		Mode:        visionSubstitute,
		MissingItem: "screwdriver",
		BannedItems: []string{"butter knife"},
	}

	prompt := buildVisionPrompt(query)
	if !strings.Contains(prompt, "screwdriver") {
		t.Error("prompt missing the missing item")
	}
	if !strings.Contains(prompt, "butter knife") {
		t.Error("prompt missing the banned items")
	}
}

func TestVisionPromptModes(t *testing.T) {
	identity := buildVisionPrompt(visionQuery{Mode: visionIdentity, ExpectedItem: "toaster"})
	if !strings.Contains(identity, "toaster") {
		t.Error("identity prompt missing expected item")
	}

	completion := buildVisionPrompt(visionQuery{
		Mode:            visionCompletion,
		ExpectedItem:    "toaster",
		StepInstruction: "Remove the base plate",
	})
	if !strings.Contains(completion, "Remove the base plate") {
		t.Error("completion prompt missing the step instruction")
	}
}
