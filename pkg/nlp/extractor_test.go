package nlp

import "testing"

func TestExtractConstraint(t *testing.T) {
	extractor := NewConstraintExtractor()

	cases := []struct {
		name       string
		text       string
		action     ConstraintAction
		item       string
		substitute string
	}{
		{
			name:       "use instead of",
			text:       "Can I use a butter knife instead of the screwdriver?",
			action:     ActionSubstitute,
			item:       "screwdriver",
			substitute: "butter knife",
		},
		{
			name:       "replace with",
			text:       "replace the electrical tape with duct tape",
			action:     ActionSubstitute,
			item:       "electrical tape",
			substitute: "duct tape",
		},
		{
			name:   "dont have",
			text:   "I don't have a screwdriver",
			action: ActionMissingItem,
			item:   "screwdriver",
		},
		{
			name:   "do not have",
			text:   "I do not have any electrical tape",
			action: ActionMissingItem,
			item:   "electrical tape",
		},
		{
			name:   "out of",
			text:   "I'm all out of glue",
			action: ActionMissingItem,
			item:   "glue",
		},
		{
			name:   "missing",
			text:   "I am missing the base plate screws",
			action: ActionMissingItem,
			item:   "base plate screws",
		},
		{
			name:   "cant find",
			text:   "I can't find my pliers",
			action: ActionMissingItem,
			item:   "pliers",
		},
		{
			name:   "trailing clause is cut",
			text:   "I don't have a screwdriver for this step",
			action: ActionMissingItem,
			item:   "screwdriver",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intent := extractor.ExtractConstraint(tc.text)
			if intent == nil {
				t.Fatal("no constraint extracted")
			}
			if intent.Action != tc.action {
				t.Errorf("action = %s, want %s", intent.Action, tc.action)
			}
			if intent.Item != tc.item {
				t.Errorf("item = %q, want %q", intent.Item, tc.item)
			}
			if intent.Substitute != tc.substitute {
				t.Errorf("substitute = %q, want %q", intent.Substitute, tc.substitute)
			}
			if intent.Confidence <= 0 {
				t.Error("confidence must be positive")
			}
		})
	}
}

func TestExtractConstraintIgnoresOrdinaryQuestions(t *testing.T) {
	extractor := NewConstraintExtractor()

	for _, text := range []string{
		"",
		"which way do the screws turn",
		"how long should the glue dry",
		"is this the right panel",
	} {
		if intent := extractor.ExtractConstraint(text); intent != nil {
			t.Errorf("%q: unexpected constraint %+v", text, intent)
		}
	}
}

func TestIsConfirmation(t *testing.T) {
	extractor := NewConstraintExtractor()

	for _, text := range []string{"yes", "Yeah, done", "okay let's go", "finished"} {
		if !extractor.IsConfirmation(text) {
			t.Errorf("%q should confirm", text)
		}
	}
	for _, text := range []string{"no", "not yet", "hold on"} {
		if extractor.IsConfirmation(text) {
			t.Errorf("%q should not confirm", text)
		}
	}
}

func TestIsRejection(t *testing.T) {
	extractor := NewConstraintExtractor()

	for _, text := range []string{"no", "Nope", "never mind", "cancel that"} {
		if !extractor.IsRejection(text) {
			t.Errorf("%q should reject", text)
		}
	}
	if extractor.IsRejection("yes please") {
		t.Error("a confirmation must not read as rejection")
	}
}
