package entity

// EventType enumerates everything the session engine can react to: direct
// user actions, loop observations and collaborator results. The engine
// processes events strictly in dispatch order.
type EventType string

const (
	// Lifecycle
	EventStartSession     EventType = "START_SESSION"
	EventPermissionResult EventType = "PERMISSION_RESULT"
	EventEndSession       EventType = "END_SESSION"

	// Frame loop observations
	EventFrameObserved       EventType = "FRAME_OBSERVED"
	EventIdentityConfirmed   EventType = "IDENTITY_CONFIRMED"
	EventIdentityMismatch    EventType = "IDENTITY_MISMATCH"
	EventCompletionSuggested EventType = "COMPLETION_SUGGESTED"
	EventGuidanceEscalation  EventType = "GUIDANCE_ESCALATION"

	// Identity mismatch modal
	EventContinueWithOriginal EventType = "CONTINUE_WITH_ORIGINAL"
	EventStartNewDiagnosis    EventType = "START_NEW_DIAGNOSIS"

	// Step advancement
	EventConfirmStepComplete EventType = "CONFIRM_STEP_COMPLETE"
	EventRejectCompletion    EventType = "REJECT_COMPLETION"
	EventUserOverride        EventType = "USER_OVERRIDE"
	EventConfirmOverride     EventType = "CONFIRM_OVERRIDE"
	EventCancelOverride      EventType = "CANCEL_OVERRIDE"

	// Pause / plan
	EventPauseSession       EventType = "PAUSE_SESSION"
	EventResumeSession      EventType = "RESUME_SESSION"
	EventMarkItemMissing    EventType = "MARK_ITEM_MISSING"
	EventRegeneratePlan     EventType = "REGENERATE_PLAN"
	EventPlanReady          EventType = "PLAN_READY"
	EventAcknowledgeNewPlan EventType = "ACKNOWLEDGE_NEW_PLAN"

	// Substitute sub-flow
	EventStartSubstituteScan   EventType = "START_SUBSTITUTE_SCAN"
	EventBeginSubstituteSearch EventType = "BEGIN_SUBSTITUTE_SEARCH"
	EventSubstituteResult      EventType = "SUBSTITUTE_RESULT"
	EventSubstituteExhausted   EventType = "SUBSTITUTE_EXHAUSTED"
	EventConfirmSubstitute     EventType = "CONFIRM_SUBSTITUTE"
	EventRejectSubstitute      EventType = "REJECT_SUBSTITUTE"
	EventCancelSubstituteScan  EventType = "CANCEL_SUBSTITUTE_SCAN"

	// Voice sub-flow
	EventVoiceCaptureStarted EventType = "VOICE_CAPTURE_STARTED"
	EventTranscriptReady     EventType = "TRANSCRIPT_READY"
	EventAnswerReady         EventType = "ANSWER_READY"
	EventDismissAnswer       EventType = "DISMISS_ANSWER"
	EventEndConversation     EventType = "END_CONVERSATION"

	// Speech queue
	EventSpeechStarted    EventType = "SPEECH_STARTED"
	EventSpeechFinished   EventType = "SPEECH_FINISHED"
	EventPlaybackFinished EventType = "PLAYBACK_FINISHED"

	// Failure / recovery
	EventErrorOccurred  EventType = "ERROR_OCCURRED"
	EventRetryFromError EventType = "RETRY_FROM_ERROR"
)

// Event is the single message type flowing into the engine. Payload fields
// are sparse; only the ones relevant to the Type are set.
type Event struct {
	Type EventType `json:"type"`

	// Generation tag of the loop that produced a result event. The engine
	// drops results from a generation it is no longer interested in.
	Generation uint64 `json:"-"`

	Granted      bool              `json:"granted,omitempty"`
	Vision       *VisionResult     `json:"vision,omitempty"`
	ScanStatus   ScanStatus        `json:"scan_status,omitempty"`
	Highlights   []BoundingBox     `json:"highlights,omitempty"`
	DetectedItem string            `json:"detected_item,omitempty"`
	Hint         string            `json:"hint,omitempty"`
	Severity     int               `json:"severity,omitempty"`
	Substitute   *SubstituteResult `json:"substitute,omitempty"`
	Plan         []RepairStep      `json:"plan,omitempty"`
	Reason       PauseReason       `json:"reason,omitempty"`
	Items        []string          `json:"items,omitempty"`
	Item         string            `json:"item,omitempty"`
	Text         string            `json:"text,omitempty"`
	UtteranceID  string            `json:"utterance_id,omitempty"`
	AudioURL     string            `json:"audio_url,omitempty"`
	Error        *ErrorInfo        `json:"error,omitempty"`
}
