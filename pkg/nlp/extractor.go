package nlp

import (
	"regexp"
	"strings"
)

type constraintRule struct {
	name       string
	pattern    *regexp.Regexp
	action     ConstraintAction
	confidence float64
	// index of the capture group holding the item, and for substitute
	// rules the group holding the replacement.
	itemGroup       int
	substituteGroup int
}

type constraintExtractor struct {
	rules []constraintRule
}

func NewConstraintExtractor() IConstraintExtractor {
	return &constraintExtractor{
		rules: []constraintRule{
			{
				name:            "use_instead_of",
				pattern:         regexp.MustCompile(`(?i)can i use (?:a |an |the |my )?(.+?) instead of (?:a |an |the |my )?(.+)`),
				action:          ActionSubstitute,
				confidence:      0.9,
				itemGroup:       2,
				substituteGroup: 1,
			},
			{
				name:            "replace_with",
				pattern:         regexp.MustCompile(`(?i)(?:replace|substitute) (?:a |an |the |my )?(.+?) with (?:a |an |the |my )?(.+)`),
				action:          ActionSubstitute,
				confidence:      0.85,
				itemGroup:       1,
				substituteGroup: 2,
			},
			{
				name:       "dont_have",
				pattern:    regexp.MustCompile(`(?i)i (?:don'?t|do not) have (?:a |an |the |any )?(.+)`),
				action:     ActionMissingItem,
				confidence: 0.9,
				itemGroup:  1,
			},
			{
				name:       "out_of",
				pattern:    regexp.MustCompile(`(?i)i(?:'m| am) (?:all )?out of (?:the )?(.+)`),
				action:     ActionMissingItem,
				confidence: 0.8,
				itemGroup:  1,
			},
			{
				name:       "missing",
				pattern:    regexp.MustCompile(`(?i)(?:i'?m|i am) missing (?:a |an |the |my )?(.+)`),
				action:     ActionMissingItem,
				confidence: 0.8,
				itemGroup:  1,
			},
			{
				name:       "cant_find",
				pattern:    regexp.MustCompile(`(?i)i can'?t find (?:a |an |the |my )?(.+)`),
				action:     ActionMissingItem,
				confidence: 0.7,
				itemGroup:  1,
			},
		},
	}
}

func (e *constraintExtractor) ExtractConstraint(text string) *ConstraintIntent {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	for _, rule := range e.rules {
		matches := rule.pattern.FindStringSubmatch(text)
		if matches == nil {
			continue
		}

		intent := &ConstraintIntent{
			Action:     rule.action,
			Pattern:    rule.name,
			Confidence: rule.confidence,
			Item:       cleanItem(matches[rule.itemGroup]),
		}

		if rule.substituteGroup > 0 {
			intent.Substitute = cleanItem(matches[rule.substituteGroup])
		}

		if intent.Item == "" {
			continue
		}

		return intent
	}

	return nil
}

func cleanItem(item string) string {
	item = strings.ToLower(strings.TrimSpace(item))
	item = strings.Trim(item, ".,!?")

	// Cut off trailing clauses ("... for this step", "... right now").
	cutMarkers := []string{" for ", " right now", " at the moment", " anymore", " any more", " with me", " here"}
	for _, marker := range cutMarkers {
		if idx := strings.Index(item, marker); idx > 0 {
			item = item[:idx]
		}
	}

	return strings.TrimSpace(item)
}

func (e *constraintExtractor) IsConfirmation(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))

	confirmations := []string{
		"yes", "yeah", "yep", "sure", "ok", "okay", "correct",
		"that's right", "go ahead", "confirm", "done", "finished",
	}

	for _, word := range confirmations {
		if text == word || strings.HasPrefix(text, word+" ") || strings.HasPrefix(text, word+",") {
			return true
		}
	}

	return false
}

func (e *constraintExtractor) IsRejection(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))

	rejections := []string{
		"no", "nope", "not yet", "wrong", "cancel", "never mind", "nevermind",
	}

	for _, word := range rejections {
		if text == word || strings.HasPrefix(text, word+" ") || strings.HasPrefix(text, word+",") {
			return true
		}
	}

	return false
}
