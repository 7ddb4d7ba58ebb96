package nlp

type ConstraintAction string

const (
	ActionNone        ConstraintAction = ""
	ActionMissingItem ConstraintAction = "missing_item"
	ActionSubstitute  ConstraintAction = "substitute"
)

// ConstraintIntent is the structured result of matching a free transcript
// against the rule table. The session engine only ever consumes this; the
// matching itself is best-effort and stays outside the engine.
type ConstraintIntent struct {
	Action     ConstraintAction `json:"action"`
	Item       string           `json:"item"`
	Substitute string           `json:"substitute,omitempty"`
	Pattern    string           `json:"pattern"`
	Confidence float64          `json:"confidence"`
}

type IConstraintExtractor interface {
	ExtractConstraint(text string) *ConstraintIntent
	IsConfirmation(text string) bool
	IsRejection(text string) bool
}
