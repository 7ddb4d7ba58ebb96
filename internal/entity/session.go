package entity

import "time"

type SessionState string

const (
	StateIdle                      SessionState = "IDLE"
	StateRequestingPermissions     SessionState = "REQUESTING_PERMISSIONS"
	StateVerifyingIdentity         SessionState = "VERIFYING_IDENTITY"
	StateIdentityMismatchModal     SessionState = "IDENTITY_MISMATCH_MODAL"
	StateStepActive                SessionState = "STEP_ACTIVE"
	StateCompletionSuggestedModal  SessionState = "COMPLETION_SUGGESTED_MODAL"
	StateOverrideConfirmationModal SessionState = "OVERRIDE_CONFIRMATION_MODAL"
	StatePaused                    SessionState = "PAUSED"
	StateRegeneratingPlan          SessionState = "REGENERATING_PLAN"
	StateNewPlanModal              SessionState = "NEW_PLAN_MODAL"
	StateSubstituteScanReady       SessionState = "SUBSTITUTE_SCAN_READY"
	StateSearchingSubstitute       SessionState = "SEARCHING_SUBSTITUTE"
	StateSubstituteFoundModal      SessionState = "SUBSTITUTE_FOUND_MODAL"
	StateSubstituteNotFound        SessionState = "SUBSTITUTE_NOT_FOUND"
	StateListening                 SessionState = "LISTENING"
	StateProcessingQuestion        SessionState = "PROCESSING_QUESTION"
	StateShowingAnswer             SessionState = "SHOWING_ANSWER"
	StateConversation              SessionState = "CONVERSATION"
	StateError                     SessionState = "ERROR"
	StateSessionComplete           SessionState = "SESSION_COMPLETE"
	StateSessionEnded              SessionState = "SESSION_ENDED"
)

type IdentityStatus string

const (
	IdentityNotStarted IdentityStatus = "NOT_STARTED"
	IdentityVerifying  IdentityStatus = "VERIFYING"
	IdentityConfirmed  IdentityStatus = "CONFIRMED"
	IdentityMismatched IdentityStatus = "MISMATCHED"
)

type PauseReason string

const (
	PauseManual        PauseReason = "manual"
	PauseGetItem       PauseReason = "get_item"
	PauseWorkingOnStep PauseReason = "working_on_step"
	PauseDoTask        PauseReason = "do_task"
)

type RepairStep struct {
	Instruction     string   `json:"instruction"`
	ToolsNeeded     []string `json:"tools_needed"`
	MaterialsNeeded []string `json:"materials_needed"`
}

type ConversationTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Error codes carried by ErrorInfo.
const (
	ErrCodePermissionDenied        = "PERMISSION_DENIED"
	ErrCodeCollaboratorUnavailable = "COLLABORATOR_UNAVAILABLE"
	ErrCodeRateLimited             = "RATE_LIMITED"
	ErrCodeMalformedResponse       = "MALFORMED_RESPONSE"
	ErrCodeMaxAttemptsExceeded     = "MAX_ATTEMPTS_EXCEEDED"
	ErrCodeUserCancelled           = "USER_CANCELLED"
)

// SessionContext is the single source of truth for one walkthrough run.
// It is owned by the session engine; every mutation happens inside the
// engine's reducer. Loops and handlers only read snapshots of it.
type SessionContext struct {
	ID               string    `json:"id"`
	Category         string    `json:"category"`
	DiagnosisSummary string    `json:"diagnosis_summary"`
	LikelyCause      string    `json:"likely_cause"`
	ExpectedItem     string    `json:"expected_item"`
	CreatedAt        time.Time `json:"created_at"`

	RepairSteps      []RepairStep `json:"repair_steps"`
	CurrentStepIndex int          `json:"current_step_index"`
	PlanRevision     int          `json:"plan_revision"`

	// Lower-cased item names the user has confirmed they do not have.
	// Union-only for the lifetime of the session.
	PermanentlyUnavailableItems map[string]struct{} `json:"permanently_unavailable_items"`
	ConfirmedSubstitutes        map[string]string   `json:"confirmed_substitutes"`

	IdentityStatus      IdentityStatus     `json:"identity_status"`
	DetectedItem        string             `json:"detected_item,omitempty"`
	ConversationHistory []ConversationTurn `json:"conversation_history"`
	IsSpeaking          bool               `json:"is_speaking"`
	CurrentHighlights   []BoundingBox      `json:"current_highlights"`

	PauseReason        PauseReason         `json:"pause_reason,omitempty"`
	NeededItems        []string            `json:"needed_items,omitempty"`
	MissingMarked      map[string]struct{} `json:"missing_marked,omitempty"`
	SubstituteItem     string              `json:"substitute_item,omitempty"`
	FoundSubstitute    *SubstituteResult   `json:"found_substitute,omitempty"`
	CompletionEvidence string              `json:"completion_evidence,omitempty"`
	LastQuestion       string              `json:"last_question,omitempty"`
	LastAnswer         string              `json:"last_answer,omitempty"`
	GuidanceHint       string              `json:"guidance_hint,omitempty"`
	Error              *ErrorInfo          `json:"error,omitempty"`

	// State the voice sub-flow returns to on END_CONVERSATION.
	ReturnState SessionState `json:"-"`
}

// Snapshot is the read model pushed to stream subscribers and cached in
// Redis. The engine builds it; nobody else sees the live context.
type Snapshot struct {
	SessionID        string         `json:"session_id"`
	State            SessionState   `json:"state"`
	ScanStatus       ScanStatus     `json:"scan_status"`
	Context          SessionContext `json:"context"`
	PendingUtterance *Utterance     `json:"pending_utterance,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ScanStatus lets the presentation layer distinguish "analyzing" from
// "rate limited" from idle.
type ScanStatus string

const (
	ScanIdle        ScanStatus = "idle"
	ScanAnalyzing   ScanStatus = "analyzing"
	ScanRateLimited ScanStatus = "rate_limited"
)

// Utterance is one synthesized speech item delivered to the client.
type Utterance struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	AudioURL string `json:"audio_url,omitempty"`
}
