package sessionService

import (
	"RepairLens/internal/entity"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testEngine() *engine {
	return &engine{
		id:     "01TESTSESSION",
		log:    testLogger(),
		tuning: DefaultTuning(),
		frames: newFrameMailbox(),
		state:  entity.StateIdle,
		sctx: &entity.SessionContext{
			ID:           "01TESTSESSION",
			Category:     "appliance",
			ExpectedItem: "toaster",
			RepairSteps: []entity.RepairStep{
				{Instruction: "Unplug the toaster", ToolsNeeded: []string{"screwdriver"}, MaterialsNeeded: []string{"electrical tape"}},
				{Instruction: "Remove the base plate", ToolsNeeded: []string{"screwdriver"}},
				{Instruction: "Reseat the heating element"},
			},
			PermanentlyUnavailableItems: map[string]struct{}{},
			ConfirmedSubstitutes:        map[string]string{},
			IdentityStatus:              entity.IdentityNotStarted,
		},
	}
}

// drive applies events through the reducer in order and returns the
// effects of the last one.
func drive(e *engine, evs ...entity.Event) sideEffects {
	var fx sideEffects
	for _, ev := range evs {
		e.state, fx = e.reduce(e.state, ev)
	}
	return fx
}

func startActiveSession(e *engine) {
	drive(e,
		entity.Event{Type: entity.EventStartSession},
		entity.Event{Type: entity.EventPermissionResult, Granted: true},
		entity.Event{Type: entity.EventIdentityConfirmed},
	)
}

func TestPermissionGrantedStartsIdentityVerification(t *testing.T) {
	e := testEngine()

	fx := drive(e,
		entity.Event{Type: entity.EventStartSession},
		entity.Event{Type: entity.EventPermissionResult, Granted: true},
	)

	if e.state != entity.StateVerifyingIdentity {
		t.Fatalf("state = %s, want %s", e.state, entity.StateVerifyingIdentity)
	}
	if !fx.StartFrameLoop {
		t.Error("expected the frame loop to start")
	}
	if e.sctx.IdentityStatus != entity.IdentityVerifying {
		t.Errorf("identity status = %s, want %s", e.sctx.IdentityStatus, entity.IdentityVerifying)
	}
	if len(fx.Speak) == 0 {
		t.Error("expected a spoken prompt to aim the camera")
	}
}

func TestPermissionDeniedIsUnrecoverable(t *testing.T) {
	e := testEngine()

	drive(e,
		entity.Event{Type: entity.EventStartSession},
		entity.Event{Type: entity.EventPermissionResult, Granted: false},
	)

	if e.state != entity.StateError {
		t.Fatalf("state = %s, want %s", e.state, entity.StateError)
	}
	if e.sctx.Error == nil || e.sctx.Error.Recoverable {
		t.Fatal("expected an unrecoverable error")
	}

	// Retry must not leave the error state.
	drive(e, entity.Event{Type: entity.EventRetryFromError})
	if e.state != entity.StateError {
		t.Errorf("retry from unrecoverable error moved to %s", e.state)
	}
}

func TestIdentityMismatchOpensModal(t *testing.T) {
	e := testEngine()
	drive(e,
		entity.Event{Type: entity.EventStartSession},
		entity.Event{Type: entity.EventPermissionResult, Granted: true},
	)

	fx := drive(e, entity.Event{Type: entity.EventIdentityMismatch, DetectedItem: "blender"})

	if e.state != entity.StateIdentityMismatchModal {
		t.Fatalf("state = %s, want %s", e.state, entity.StateIdentityMismatchModal)
	}
	if !fx.StopFrameLoop {
		t.Error("expected the frame loop to stop while the modal is up")
	}
	if e.sctx.DetectedItem != "blender" {
		t.Errorf("detected item = %q, want %q", e.sctx.DetectedItem, "blender")
	}

	fx = drive(e, entity.Event{Type: entity.EventContinueWithOriginal})
	if e.state != entity.StateStepActive {
		t.Fatalf("continue anyway: state = %s, want %s", e.state, entity.StateStepActive)
	}
	if !fx.StartFrameLoop {
		t.Error("expected the frame loop to restart after continuing")
	}
	if e.sctx.IdentityStatus != entity.IdentityConfirmed {
		t.Errorf("identity status = %s, want confirmed", e.sctx.IdentityStatus)
	}
}

func TestCompletionConfirmAdvancesToNextStep(t *testing.T) {
	e := testEngine()
	startActiveSession(e)

	drive(e, entity.Event{
		Type:   entity.EventCompletionSuggested,
		Vision: &entity.VisionResult{CompletionEvidence: "plug is out of the socket"},
	})
	if e.state != entity.StateCompletionSuggestedModal {
		t.Fatalf("state = %s, want %s", e.state, entity.StateCompletionSuggestedModal)
	}
	if e.sctx.CompletionEvidence == "" {
		t.Error("expected completion evidence to be recorded")
	}

	fx := drive(e, entity.Event{Type: entity.EventConfirmStepComplete})
	if e.state != entity.StateStepActive {
		t.Fatalf("state = %s, want %s", e.state, entity.StateStepActive)
	}
	if e.sctx.CurrentStepIndex != 1 {
		t.Errorf("step index = %d, want 1", e.sctx.CurrentStepIndex)
	}
	if !fx.StartFrameLoop {
		t.Error("expected the frame loop to restart on the next step")
	}
}

func TestRejectCompletionStaysOnStep(t *testing.T) {
	e := testEngine()
	startActiveSession(e)

	drive(e, entity.Event{Type: entity.EventCompletionSuggested})
	drive(e, entity.Event{Type: entity.EventRejectCompletion})

	if e.state != entity.StateStepActive {
		t.Fatalf("state = %s, want %s", e.state, entity.StateStepActive)
	}
	if e.sctx.CurrentStepIndex != 0 {
		t.Errorf("step index = %d, want 0", e.sctx.CurrentStepIndex)
	}
}

func TestLastStepCompletesSession(t *testing.T) {
	e := testEngine()
	startActiveSession(e)
	e.sctx.CurrentStepIndex = 2

	fx := drive(e,
		entity.Event{Type: entity.EventCompletionSuggested},
		entity.Event{Type: entity.EventConfirmStepComplete},
	)

	if e.state != entity.StateSessionComplete {
		t.Fatalf("state = %s, want %s", e.state, entity.StateSessionComplete)
	}
	if !fx.StopFrameLoop {
		t.Error("expected the frame loop to stop on completion")
	}
}

func TestOverrideRequiresConfirmation(t *testing.T) {
	e := testEngine()
	startActiveSession(e)

	drive(e, entity.Event{Type: entity.EventUserOverride})
	if e.state != entity.StateOverrideConfirmationModal {
		t.Fatalf("state = %s, want %s", e.state, entity.StateOverrideConfirmationModal)
	}

	drive(e, entity.Event{Type: entity.EventCancelOverride})
	if e.state != entity.StateStepActive || e.sctx.CurrentStepIndex != 0 {
		t.Fatalf("cancel override: state=%s index=%d, want STEP_ACTIVE/0", e.state, e.sctx.CurrentStepIndex)
	}

	drive(e,
		entity.Event{Type: entity.EventUserOverride},
		entity.Event{Type: entity.EventConfirmOverride},
	)
	if e.sctx.CurrentStepIndex != 1 {
		t.Errorf("confirm override: step index = %d, want 1", e.sctx.CurrentStepIndex)
	}
}

func TestGetItemPauseTracksMissingItems(t *testing.T) {
	e := testEngine()
	startActiveSession(e)

	fx := drive(e, entity.Event{Type: entity.EventPauseSession, Reason: entity.PauseGetItem})

	if e.state != entity.StatePaused {
		t.Fatalf("state = %s, want %s", e.state, entity.StatePaused)
	}
	if !fx.StopFrameLoop {
		t.Error("expected the frame loop to stop while paused")
	}
	// Defaults to the current step's tools and materials.
	if len(e.sctx.NeededItems) != 2 {
		t.Fatalf("needed items = %v, want screwdriver and electrical tape", e.sctx.NeededItems)
	}

	drive(e,
		entity.Event{Type: entity.EventMarkItemMissing, Item: "Screwdriver"},
		entity.Event{Type: entity.EventMarkItemMissing, Item: "electrical tape"},
	)

	for _, item := range []string{"screwdriver", "electrical tape"} {
		if _, ok := e.sctx.PermanentlyUnavailableItems[item]; !ok {
			t.Errorf("banned set missing %q", item)
		}
		if _, ok := e.sctx.MissingMarked[item]; !ok {
			t.Errorf("pause-screen marks missing %q", item)
		}
	}
}

func TestRegenerationPreservesCompletedPrefix(t *testing.T) {
	e := testEngine()
	startActiveSession(e)
	e.sctx.CurrentStepIndex = 1
	original := e.sctx.RepairSteps[0].Instruction

	drive(e,
		entity.Event{Type: entity.EventPauseSession, Reason: entity.PauseGetItem},
		entity.Event{Type: entity.EventMarkItemMissing, Item: "screwdriver"},
	)
	fx := drive(e, entity.Event{Type: entity.EventRegeneratePlan})

	if e.state != entity.StateRegeneratingPlan {
		t.Fatalf("state = %s, want %s", e.state, entity.StateRegeneratingPlan)
	}
	if !fx.RegeneratePlan {
		t.Fatal("expected a plan regeneration effect")
	}

	tail := []entity.RepairStep{
		{Instruction: "Pry the base plate open with a coin"},
		{Instruction: "Reseat the heating element"},
	}
	drive(e, entity.Event{Type: entity.EventPlanReady, Plan: tail})

	if e.state != entity.StateNewPlanModal {
		t.Fatalf("state = %s, want %s", e.state, entity.StateNewPlanModal)
	}
	if e.sctx.RepairSteps[0].Instruction != original {
		t.Errorf("completed prefix was rewritten: %q", e.sctx.RepairSteps[0].Instruction)
	}
	if e.sctx.CurrentStepIndex != 1 {
		t.Errorf("step index = %d, want preserved 1", e.sctx.CurrentStepIndex)
	}
	if e.sctx.PlanRevision != 1 {
		t.Errorf("plan revision = %d, want 1", e.sctx.PlanRevision)
	}
	if len(e.sctx.RepairSteps) != 3 {
		t.Errorf("plan length = %d, want 3", len(e.sctx.RepairSteps))
	}

	fx = drive(e, entity.Event{Type: entity.EventAcknowledgeNewPlan})
	if e.state != entity.StateStepActive || !fx.StartFrameLoop {
		t.Errorf("acknowledge: state=%s startLoop=%v, want STEP_ACTIVE with loop", e.state, fx.StartFrameLoop)
	}
}

func TestRegenerationFailureIsRetryable(t *testing.T) {
	e := testEngine()
	startActiveSession(e)
	drive(e,
		entity.Event{Type: entity.EventPauseSession, Reason: entity.PauseGetItem},
		entity.Event{Type: entity.EventRegeneratePlan},
	)

	drive(e, entity.Event{
		Type:  entity.EventErrorOccurred,
		Error: &entity.ErrorInfo{Code: entity.ErrCodeCollaboratorUnavailable, Recoverable: true},
	})
	if e.state != entity.StateError {
		t.Fatalf("state = %s, want %s", e.state, entity.StateError)
	}
	if e.sctx.CurrentStepIndex != 0 || len(e.sctx.RepairSteps) != 3 {
		t.Error("error must keep the session context intact")
	}

	fx := drive(e, entity.Event{Type: entity.EventRetryFromError})
	if e.state != entity.StateRegeneratingPlan {
		t.Fatalf("retry: state = %s, want %s", e.state, entity.StateRegeneratingPlan)
	}
	if !fx.RegeneratePlan {
		t.Error("retry must restart the regeneration")
	}
}

func TestSubstituteFlow(t *testing.T) {
	e := testEngine()
	startActiveSession(e)
	drive(e, entity.Event{Type: entity.EventPauseSession, Reason: entity.PauseGetItem})

	drive(e, entity.Event{Type: entity.EventStartSubstituteScan, Item: "Screwdriver"})
	if e.state != entity.StateSubstituteScanReady {
		t.Fatalf("state = %s, want %s", e.state, entity.StateSubstituteScanReady)
	}
	if e.sctx.SubstituteItem != "screwdriver" {
		t.Errorf("substitute item = %q, want screwdriver", e.sctx.SubstituteItem)
	}
	if _, ok := e.sctx.PermanentlyUnavailableItems["screwdriver"]; !ok {
		t.Error("scanned-for item must join the banned set")
	}

	fx := drive(e, entity.Event{Type: entity.EventBeginSubstituteSearch})
	if e.state != entity.StateSearchingSubstitute || !fx.StartSubstitute {
		t.Fatalf("begin search: state=%s start=%v", e.state, fx.StartSubstitute)
	}

	drive(e, entity.Event{
		Type:       entity.EventSubstituteResult,
		Substitute: &entity.SubstituteResult{Found: true, ForItem: "screwdriver", Substitute: "butter knife"},
	})
	if e.state != entity.StateSubstituteFoundModal {
		t.Fatalf("state = %s, want %s", e.state, entity.StateSubstituteFoundModal)
	}

	// Rejecting bans the suggestion and resumes the search.
	fx = drive(e, entity.Event{Type: entity.EventRejectSubstitute})
	if e.state != entity.StateSearchingSubstitute || !fx.StartSubstitute {
		t.Fatalf("reject: state=%s start=%v", e.state, fx.StartSubstitute)
	}
	if _, ok := e.sctx.PermanentlyUnavailableItems["butter knife"]; !ok {
		t.Error("rejected suggestion must join the banned set")
	}

	drive(e, entity.Event{
		Type:       entity.EventSubstituteResult,
		Substitute: &entity.SubstituteResult{Found: true, ForItem: "screwdriver", Substitute: "coin"},
	})
	drive(e, entity.Event{Type: entity.EventConfirmSubstitute})

	if e.state != entity.StatePaused {
		t.Fatalf("confirm: state = %s, want %s", e.state, entity.StatePaused)
	}
	if got := e.sctx.ConfirmedSubstitutes["screwdriver"]; got != "coin" {
		t.Errorf("confirmed substitute = %q, want coin", got)
	}
	// The banned set never shrinks, confirmation included.
	if _, ok := e.sctx.PermanentlyUnavailableItems["screwdriver"]; !ok {
		t.Error("banned set must stay monotone after confirmation")
	}
}

func TestSubstituteExhaustedOffersFallbacks(t *testing.T) {
	e := testEngine()
	startActiveSession(e)
	drive(e,
		entity.Event{Type: entity.EventPauseSession, Reason: entity.PauseGetItem},
		entity.Event{Type: entity.EventStartSubstituteScan, Item: "screwdriver"},
		entity.Event{Type: entity.EventBeginSubstituteSearch},
	)

	drive(e, entity.Event{Type: entity.EventSubstituteExhausted, Item: "screwdriver"})
	if e.state != entity.StateSubstituteNotFound {
		t.Fatalf("state = %s, want %s", e.state, entity.StateSubstituteNotFound)
	}

	fx := drive(e, entity.Event{Type: entity.EventRegeneratePlan})
	if e.state != entity.StateRegeneratingPlan || !fx.RegeneratePlan {
		t.Fatalf("regenerate after not-found: state=%s fx=%v", e.state, fx.RegeneratePlan)
	}
}

func TestVoiceQuestionRoundTrip(t *testing.T) {
	e := testEngine()
	startActiveSession(e)

	fx := drive(e, entity.Event{Type: entity.EventVoiceCaptureStarted})
	if e.state != entity.StateListening || !fx.StopFrameLoop {
		t.Fatalf("listening: state=%s stop=%v", e.state, fx.StopFrameLoop)
	}

	drive(e, entity.Event{Type: entity.EventTranscriptReady, Text: "which way do the screws turn"})
	if e.state != entity.StateProcessingQuestion {
		t.Fatalf("state = %s, want %s", e.state, entity.StateProcessingQuestion)
	}

	fx = drive(e, entity.Event{Type: entity.EventAnswerReady, Text: "Counter-clockwise to loosen."})
	if e.state != entity.StateShowingAnswer {
		t.Fatalf("state = %s, want %s", e.state, entity.StateShowingAnswer)
	}
	if len(fx.Speak) != 1 || !fx.Speak[0].Force {
		t.Error("the answer must be spoken, forced past the dedupe window")
	}
	if len(e.sctx.ConversationHistory) != 2 {
		t.Fatalf("history length = %d, want question and answer", len(e.sctx.ConversationHistory))
	}

	drive(e, entity.Event{Type: entity.EventDismissAnswer})
	if e.state != entity.StateConversation {
		t.Fatalf("state = %s, want %s", e.state, entity.StateConversation)
	}

	fx = drive(e, entity.Event{Type: entity.EventEndConversation})
	if e.state != entity.StateStepActive || !fx.StartFrameLoop {
		t.Errorf("end conversation: state=%s start=%v, want STEP_ACTIVE with loop", e.state, fx.StartFrameLoop)
	}
}

func TestVoiceReturnsToPause(t *testing.T) {
	e := testEngine()
	startActiveSession(e)
	drive(e,
		entity.Event{Type: entity.EventPauseSession, Reason: entity.PauseManual},
		entity.Event{Type: entity.EventVoiceCaptureStarted},
		entity.Event{Type: entity.EventTranscriptReady, Text: "how long does glue need to dry"},
		entity.Event{Type: entity.EventAnswerReady, Text: "About an hour."},
	)

	fx := drive(e, entity.Event{Type: entity.EventEndConversation})
	if e.state != entity.StatePaused {
		t.Fatalf("state = %s, want %s", e.state, entity.StatePaused)
	}
	if fx.StartFrameLoop {
		t.Error("the frame loop must stay stopped while paused")
	}
}

func TestStaleLoopResultsAreDropped(t *testing.T) {
	e := testEngine()
	e.frameGen = 3
	e.subGen = 2

	cases := []struct {
		name  string
		ev    entity.Event
		stale bool
	}{
		{"current frame result", entity.Event{Type: entity.EventIdentityConfirmed, Generation: 3}, false},
		{"old frame result", entity.Event{Type: entity.EventIdentityConfirmed, Generation: 2}, true},
		{"old observation", entity.Event{Type: entity.EventFrameObserved, Generation: 1}, true},
		{"old substitute result", entity.Event{Type: entity.EventSubstituteResult, Generation: 1}, true},
		{"current substitute result", entity.Event{Type: entity.EventSubstituteExhausted, Generation: 2}, false},
		{"user event", entity.Event{Type: entity.EventConfirmStepComplete}, false},
	}

	for _, tc := range cases {
		if got := e.isStale(tc.ev); got != tc.stale {
			t.Errorf("%s: isStale = %v, want %v", tc.name, got, tc.stale)
		}
	}
}

func TestFrameObservationUpdatesHighlights(t *testing.T) {
	e := testEngine()
	startActiveSession(e)

	boxes := []entity.BoundingBox{{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4, Label: "base plate"}}
	drive(e, entity.Event{
		Type:       entity.EventFrameObserved,
		Generation: e.frameGen,
		ScanStatus: entity.ScanAnalyzing,
		Highlights: boxes,
	})

	if e.state != entity.StateStepActive {
		t.Fatalf("observation must not change state, got %s", e.state)
	}
	if len(e.sctx.CurrentHighlights) != 1 {
		t.Fatalf("highlights = %v, want the dispatched box", e.sctx.CurrentHighlights)
	}
	if e.scanStatus != entity.ScanAnalyzing {
		t.Errorf("scan status = %s, want analyzing", e.scanStatus)
	}
}

func TestEndSessionFromAnyState(t *testing.T) {
	states := []func(e *engine){
		func(e *engine) {},
		func(e *engine) { startActiveSession(e) },
		func(e *engine) {
			startActiveSession(e)
			drive(e, entity.Event{Type: entity.EventPauseSession, Reason: entity.PauseManual})
		},
		func(e *engine) {
			startActiveSession(e)
			drive(e, entity.Event{Type: entity.EventVoiceCaptureStarted})
		},
	}

	for i, setup := range states {
		e := testEngine()
		setup(e)
		fx := drive(e, entity.Event{Type: entity.EventEndSession})
		if e.state != entity.StateSessionEnded {
			t.Errorf("case %d: state = %s, want %s", i, e.state, entity.StateSessionEnded)
		}
		if !fx.EndSession {
			t.Errorf("case %d: expected the end-session effect", i)
		}
	}
}

func TestSpeechLifecycleTracksUtterance(t *testing.T) {
	e := testEngine()
	startActiveSession(e)

	drive(e, entity.Event{
		Type:        entity.EventSpeechStarted,
		UtteranceID: "u1",
		Text:        "Unplug the toaster",
		AudioURL:    "https://cdn.example.com/u1.mp3",
	})
	if !e.sctx.IsSpeaking || e.pendingUtterance == nil {
		t.Fatal("speech start must mark the session speaking")
	}

	drive(e, entity.Event{Type: entity.EventSpeechFinished, UtteranceID: "u1"})
	if e.sctx.IsSpeaking || e.pendingUtterance != nil {
		t.Fatal("speech finish must clear the pending utterance")
	}
}

func TestGuidanceEscalationSpeaksHint(t *testing.T) {
	e := testEngine()
	startActiveSession(e)

	fx := drive(e, entity.Event{
		Type:       entity.EventGuidanceEscalation,
		Generation: e.frameGen,
		Severity:   1,
		Hint:       "Move the camera closer to the base plate.",
	})
	if e.state != entity.StateStepActive {
		t.Fatalf("escalation must not change state, got %s", e.state)
	}
	if len(fx.Speak) != 1 || fx.Speak[0].Text != "Move the camera closer to the base plate." {
		t.Fatalf("speak = %+v, want the vision hint", fx.Speak)
	}
	if e.sctx.GuidanceHint == "" {
		t.Error("the hint must land in the context for the UI")
	}

	fx = drive(e, entity.Event{Type: entity.EventGuidanceEscalation, Generation: e.frameGen, Severity: 2})
	if len(fx.Speak) != 1 {
		t.Fatal("strong escalation must speak the manual-confirm suggestion")
	}
}

func TestSnapshotCopiesDoNotAliasContext(t *testing.T) {
	e := testEngine()
	startActiveSession(e)
	drive(e, entity.Event{Type: entity.EventMarkItemMissing, Item: "screwdriver"})

	snap := e.Snapshot()
	snap.Context.RepairSteps[0].Instruction = "tampered"
	snap.Context.PermanentlyUnavailableItems["tape"] = struct{}{}

	if e.sctx.RepairSteps[0].Instruction == "tampered" {
		t.Error("snapshot steps alias the live plan")
	}
	if _, ok := e.sctx.PermanentlyUnavailableItems["tape"]; ok {
		t.Error("snapshot banned set aliases the live set")
	}
}

func TestConversationHistoryIsBoundedAndOrdered(t *testing.T) {
	e := testEngine()
	e.tuning.HistoryLimit = 4
	startActiveSession(e)

	for i := 1; i <= 4; i++ {
		drive(e,
			entity.Event{Type: entity.EventVoiceCaptureStarted},
			entity.Event{Type: entity.EventTranscriptReady, Text: fmt.Sprintf("question %d", i)},
			entity.Event{Type: entity.EventAnswerReady, Text: fmt.Sprintf("answer %d", i)},
			entity.Event{Type: entity.EventEndConversation},
		)
	}

	history := e.sctx.ConversationHistory
	if len(history) != 4 {
		t.Fatalf("history length = %d, want the most recent 4 turns", len(history))
	}

	want := []struct {
		role    string
		content string
	}{
		{"user", "question 3"},
		{"assistant", "answer 3"},
		{"user", "question 4"},
		{"assistant", "answer 4"},
	}
	for i, w := range want {
		if history[i].Role != w.role || history[i].Content != w.content {
			t.Errorf("history[%d] = %s %q, want %s %q", i, history[i].Role, history[i].Content, w.role, w.content)
		}
		if history[i].Timestamp.IsZero() {
			t.Errorf("history[%d] has no timestamp", i)
		}
	}
}
