package entity

// BoundingBox is a normalized (0..1) rectangle over the camera frame.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Label  string  `json:"label,omitempty"`
}

// VisionResult is the structured answer of one frame analysis, whichever
// backend produced it (edge detector socket or Gemini).
type VisionResult struct {
	Matches            bool          `json:"matches"`
	Confidence         float64       `json:"confidence"`
	DetectedItem       string        `json:"detected_item,omitempty"`
	Highlights         []BoundingBox `json:"highlights"`
	CompletionEvidence string        `json:"completion_evidence,omitempty"`
	Hint               string        `json:"hint,omitempty"`
}

// SubstituteResult is the answer of one substitute-finder attempt.
type SubstituteResult struct {
	Found      bool    `json:"found"`
	ForItem    string  `json:"for_item"`
	Substitute string  `json:"substitute,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// SubstituteHint is curated knowledge-base advice fed into substitute and
// plan prompts.
type SubstituteHint struct {
	Item       string `json:"item" db:"item"`
	Substitute string `json:"substitute" db:"substitute"`
	Note       string `json:"note" db:"note"`
}
