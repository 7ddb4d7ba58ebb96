package sessionService

import (
	"RepairLens/internal/entity"
	"RepairLens/pkg/utils"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// sideEffects is what one reduction asks the engine to do after the state
// change is committed. The reducer only describes effects; the actor
// executes them, so reductions stay synchronous and testable.
type sideEffects struct {
	StartFrameLoop   bool
	StopFrameLoop    bool
	StartSubstitute  bool
	CancelSubstitute bool
	RegeneratePlan   bool
	AckPlayback      string
	Speak            []spokenLine
	EndSession       bool
}

type spokenLine struct {
	Text  string
	Force bool
}

func say(text string) spokenLine       { return spokenLine{Text: text} }
func sayForced(text string) spokenLine { return spokenLine{Text: text, Force: true} }
func sayf(format string, a ...any) spokenLine {
	return spokenLine{Text: fmt.Sprintf(format, a...)}
}
func sayForcedf(format string, a ...any) spokenLine {
	return spokenLine{Text: fmt.Sprintf(format, a...), Force: true}
}

// engine runs one session: a single goroutine consumes events from one
// channel, applies the reducer, executes effects and publishes a
// snapshot. Nothing else mutates the session context, so there is exactly
// one authoritative state at any instant and no transition races another.
type engine struct {
	id     string
	log    *logrus.Logger
	tuning Tuning

	analyzer visionAnalyzer
	finder   substituteFinder
	planner  planGenerator
	frames   *frameMailbox
	speech   *speechQueue

	// Static knowledge loaded at session start, read-only afterwards.
	toolkit []string
	hints   []entity.SubstituteHint

	publish func(entity.Snapshot)

	events    chan entity.Event
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Guards state, sctx, scanStatus and pendingUtterance for snapshot
	// readers and loop view accessors. The run goroutine is the only
	// writer.
	mu               sync.RWMutex
	state            entity.SessionState
	sctx             *entity.SessionContext
	scanStatus       entity.ScanStatus
	pendingUtterance *entity.Utterance

	// Loop handles and generation counters, touched only by the run
	// goroutine. A result event whose generation does not match the
	// current counter belongs to a loop that was already stopped and is
	// dropped unprocessed.
	frameLoop *frameLoop
	subLoop   *substituteLoop
	frameGen  uint64
	subGen    uint64
}

func newEngine(
	log *logrus.Logger,
	tuning Tuning,
	sctx *entity.SessionContext,
	analyzer visionAnalyzer,
	finder substituteFinder,
	planner planGenerator,
	synth speechSynthesizer,
	ids utils.IUtils,
	toolkit []string,
	hints []entity.SubstituteHint,
	publish func(entity.Snapshot),
) *engine {
	e := &engine{
		id:         sctx.ID,
		log:        log,
		tuning:     tuning,
		analyzer:   analyzer,
		finder:     finder,
		planner:    planner,
		frames:     newFrameMailbox(),
		toolkit:    toolkit,
		hints:      hints,
		publish:    publish,
		events:     make(chan entity.Event, 64),
		closed:     make(chan struct{}),
		state:      entity.StateIdle,
		sctx:       sctx,
		scanStatus: entity.ScanIdle,
	}
	e.speech = newSpeechQueue(log, tuning, synth, ids, e.Dispatch)
	return e
}

func (e *engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Dispatch queues one event for the engine. It blocks rather than drops
// so the dispatch order of a caller is preserved, and returns immediately
// once the engine has shut down.
func (e *engine) Dispatch(ev entity.Event) {
	select {
	case <-e.closed:
	case e.events <- ev:
	}
}

// PushFrame feeds the latest camera frame into the mailbox. Frames are
// overwritten, never queued; the loops read whatever is newest.
func (e *engine) PushFrame(frame []byte) {
	e.frames.Publish(frame)
}

func (e *engine) PlaybackFinished(utteranceID string) {
	e.Dispatch(entity.Event{Type: entity.EventPlaybackFinished, UtteranceID: utteranceID})
}

// Snapshot builds the read model under the lock with copied slices and
// maps, so subscribers never alias live engine state.
func (e *engine) Snapshot() entity.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

func (e *engine) snapshotLocked() entity.Snapshot {
	ctxCopy := *e.sctx
	ctxCopy.RepairSteps = append([]entity.RepairStep(nil), e.sctx.RepairSteps...)
	ctxCopy.CurrentHighlights = append([]entity.BoundingBox(nil), e.sctx.CurrentHighlights...)
	ctxCopy.NeededItems = append([]string(nil), e.sctx.NeededItems...)
	ctxCopy.ConversationHistory = append([]entity.ConversationTurn(nil), e.sctx.ConversationHistory...)

	ctxCopy.PermanentlyUnavailableItems = make(map[string]struct{}, len(e.sctx.PermanentlyUnavailableItems))
	for k := range e.sctx.PermanentlyUnavailableItems {
		ctxCopy.PermanentlyUnavailableItems[k] = struct{}{}
	}
	ctxCopy.ConfirmedSubstitutes = make(map[string]string, len(e.sctx.ConfirmedSubstitutes))
	for k, v := range e.sctx.ConfirmedSubstitutes {
		ctxCopy.ConfirmedSubstitutes[k] = v
	}
	if e.sctx.MissingMarked != nil {
		ctxCopy.MissingMarked = make(map[string]struct{}, len(e.sctx.MissingMarked))
		for k := range e.sctx.MissingMarked {
			ctxCopy.MissingMarked[k] = struct{}{}
		}
	}

	var utterance *entity.Utterance
	if e.pendingUtterance != nil {
		u := *e.pendingUtterance
		utterance = &u
	}

	return entity.Snapshot{
		SessionID:        e.id,
		State:            e.state,
		ScanStatus:       e.scanStatus,
		Context:          ctxCopy,
		PendingUtterance: utterance,
		UpdatedAt:        time.Now(),
	}
}

func (e *engine) State() entity.SessionState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Close shuts the engine down without going through the reducer. Used by
// the service on teardown; normal ends go through END_SESSION.
func (e *engine) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
	e.wg.Wait()
}

func (e *engine) run() {
	defer e.wg.Done()
	defer func() {
		e.stopFrameLoop()
		e.cancelSubstituteLoop()
		e.speech.Close()
	}()

	for {
		select {
		case <-e.closed:
			return
		case ev := <-e.events:
			e.apply(ev)
			e.mu.RLock()
			done := e.state == entity.StateSessionEnded
			e.mu.RUnlock()
			if done {
				e.closeOnce.Do(func() { close(e.closed) })
				return
			}
		}
	}
}

func (e *engine) apply(ev entity.Event) {
	if e.isStale(ev) {
		e.log.WithFields(logrus.Fields{
			"session_id": e.id,
			"event":      string(ev.Type),
			"generation": ev.Generation,
		}).Debug("Dropping result from stopped loop generation")
		return
	}

	e.mu.Lock()
	before := e.state
	next, fx := e.reduce(e.state, ev)
	e.state = next
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	if next != before {
		e.log.WithFields(logrus.Fields{
			"session_id": e.id,
			"event":      string(ev.Type),
			"from":       string(before),
			"to":         string(next),
		}).Info("Session state transition")
	}

	e.execute(fx)

	if e.publish != nil {
		e.publish(snapshot)
	}
}

// isStale drops loop-produced results tagged with a generation the engine
// has moved past. User events carry no generation and always pass.
func (e *engine) isStale(ev entity.Event) bool {
	switch ev.Type {
	case entity.EventFrameObserved, entity.EventIdentityConfirmed,
		entity.EventIdentityMismatch, entity.EventCompletionSuggested,
		entity.EventGuidanceEscalation:
		return ev.Generation != e.frameGen
	case entity.EventSubstituteResult, entity.EventSubstituteExhausted:
		return ev.Generation != e.subGen
	}
	return false
}

func (e *engine) execute(fx sideEffects) {
	if fx.StopFrameLoop {
		e.stopFrameLoop()
	}
	if fx.CancelSubstitute {
		e.cancelSubstituteLoop()
	}
	if fx.StartFrameLoop {
		e.startFrameLoop()
	}
	if fx.StartSubstitute {
		e.startSubstituteLoop()
	}
	for _, line := range fx.Speak {
		e.speech.Enqueue(line.Text, line.Force)
	}
	if fx.AckPlayback != "" {
		e.speech.PlaybackFinished(fx.AckPlayback)
	}
	if fx.RegeneratePlan {
		go e.runRegeneration()
	}
	if fx.EndSession {
		// run loop notices StateSessionEnded after this apply and exits.
		e.cancelSubstituteLoop()
		e.stopFrameLoop()
	}
}

func (e *engine) startFrameLoop() {
	e.stopFrameLoop()
	e.frameGen++
	e.frameLoop = newFrameLoop(e.log, e.tuning, e.analyzer, e.frames, e.frameView, e.Dispatch, e.frameGen)
	e.frameLoop.Start()
}

func (e *engine) stopFrameLoop() {
	if e.frameLoop != nil {
		e.frameLoop.Stop()
		e.frameLoop = nil
		e.frameGen++
	}
}

func (e *engine) startSubstituteLoop() {
	e.cancelSubstituteLoop()
	e.subGen++
	e.subLoop = newSubstituteLoop(e.log, e.tuning, e.finder, e.frames, e.substituteView, e.Dispatch, e.subGen)
	e.subLoop.Start()
}

func (e *engine) cancelSubstituteLoop() {
	if e.subLoop != nil {
		e.subLoop.Cancel()
		e.subLoop = nil
		e.subGen++
	}
}

// frameView tells the frame loop what to look for right now. Fetched at
// tick time so a pause or step advance takes effect on the very next
// capture.
func (e *engine) frameView() frameView {
	e.mu.RLock()
	defer e.mu.RUnlock()

	switch e.state {
	case entity.StateVerifyingIdentity:
		return frameView{
			State:  e.state,
			Active: true,
			Query: visionQuery{
				Mode:         visionIdentity,
				ExpectedItem: e.sctx.ExpectedItem,
			},
		}
	case entity.StateStepActive:
		instruction := ""
		if e.sctx.CurrentStepIndex < len(e.sctx.RepairSteps) {
			instruction = e.sctx.RepairSteps[e.sctx.CurrentStepIndex].Instruction
		}
		return frameView{
			State:  e.state,
			Active: true,
			Query: visionQuery{
				Mode:            visionCompletion,
				ExpectedItem:    e.sctx.ExpectedItem,
				StepInstruction: instruction,
			},
		}
	default:
		return frameView{State: e.state}
	}
}

func (e *engine) substituteView() substituteView {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return substituteView{
		Active:      e.state == entity.StateSearchingSubstitute,
		Item:        e.sctx.SubstituteItem,
		BannedItems: sortedBannedItems(e.sctx.PermanentlyUnavailableItems),
		Hints:       e.hints,
	}
}

func (e *engine) runRegeneration() {
	e.mu.RLock()
	req := regenerateRequest{
		Category:         e.sctx.Category,
		DiagnosisSummary: e.sctx.DiagnosisSummary,
		LikelyCause:      e.sctx.LikelyCause,
		BannedItems:      sortedBannedItems(e.sctx.PermanentlyUnavailableItems),
		Substitutes:      make(map[string]string, len(e.sctx.ConfirmedSubstitutes)),
		Toolkit:          e.toolkit,
		Hints:            e.hints,
	}
	for k, v := range e.sctx.ConfirmedSubstitutes {
		req.Substitutes[k] = v
	}
	if e.sctx.CurrentStepIndex < len(e.sctx.RepairSteps) {
		req.CurrentInstruction = e.sctx.RepairSteps[e.sctx.CurrentStepIndex].Instruction
	}
	e.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	steps, err := e.planner.Regenerate(ctx, req)
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"session_id": e.id,
			"error":      err.Error(),
		}).Error("Plan regeneration failed")
		e.Dispatch(entity.Event{
			Type: entity.EventErrorOccurred,
			Error: &entity.ErrorInfo{
				Code:        entity.ErrCodeCollaboratorUnavailable,
				Message:     "could not rewrite the repair plan",
				Recoverable: true,
			},
		})
		return
	}

	e.Dispatch(entity.Event{Type: entity.EventPlanReady, Plan: steps})
}

// reduce is the transition function: one event in, the next state and the
// effects out. It may mutate e.sctx because the caller holds the write
// lock and the run goroutine is the only caller outside tests.
func (e *engine) reduce(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	sctx := e.sctx

	// Context upkeep that is valid in any state.
	switch ev.Type {
	case entity.EventFrameObserved:
		sctx.CurrentHighlights = ev.Highlights
		e.scanStatus = ev.ScanStatus
		return state, sideEffects{}

	case entity.EventSpeechStarted:
		sctx.IsSpeaking = true
		e.pendingUtterance = &entity.Utterance{
			ID:       ev.UtteranceID,
			Text:     ev.Text,
			AudioURL: ev.AudioURL,
		}
		return state, sideEffects{}

	case entity.EventSpeechFinished:
		sctx.IsSpeaking = false
		if e.pendingUtterance != nil && e.pendingUtterance.ID == ev.UtteranceID {
			e.pendingUtterance = nil
		}
		return state, sideEffects{}

	case entity.EventPlaybackFinished:
		return state, sideEffects{AckPlayback: ev.UtteranceID}

	case entity.EventMarkItemMissing:
		// Union-only set; marking is legal whenever the user can talk to
		// us, including mid-question from the constraint extractor.
		e.markMissing(ev.Item)
		return state, sideEffects{}

	case entity.EventEndSession:
		sctx.PauseReason = ""
		return entity.StateSessionEnded, sideEffects{EndSession: true}

	case entity.EventErrorOccurred:
		return e.reduceError(state, ev)
	}

	switch state {
	case entity.StateIdle:
		return e.reduceIdle(state, ev)
	case entity.StateRequestingPermissions:
		return e.reduceRequestingPermissions(state, ev)
	case entity.StateVerifyingIdentity:
		return e.reduceVerifyingIdentity(state, ev)
	case entity.StateIdentityMismatchModal:
		return e.reduceIdentityMismatchModal(state, ev)
	case entity.StateStepActive:
		return e.reduceStepActive(state, ev)
	case entity.StateCompletionSuggestedModal:
		return e.reduceCompletionModal(state, ev)
	case entity.StateOverrideConfirmationModal:
		return e.reduceOverrideModal(state, ev)
	case entity.StatePaused:
		return e.reducePaused(state, ev)
	case entity.StateRegeneratingPlan:
		return e.reduceRegenerating(state, ev)
	case entity.StateNewPlanModal:
		return e.reduceNewPlanModal(state, ev)
	case entity.StateSubstituteScanReady:
		return e.reduceSubstituteScanReady(state, ev)
	case entity.StateSearchingSubstitute:
		return e.reduceSearchingSubstitute(state, ev)
	case entity.StateSubstituteFoundModal:
		return e.reduceSubstituteFoundModal(state, ev)
	case entity.StateSubstituteNotFound:
		return e.reduceSubstituteNotFound(state, ev)
	case entity.StateListening:
		return e.reduceListening(state, ev)
	case entity.StateProcessingQuestion:
		return e.reduceProcessingQuestion(state, ev)
	case entity.StateShowingAnswer:
		return e.reduceShowingAnswer(state, ev)
	case entity.StateConversation:
		return e.reduceConversation(state, ev)
	case entity.StateError:
		return e.reduceErrorState(state, ev)
	case entity.StateSessionComplete, entity.StateSessionEnded:
		return state, sideEffects{}
	}

	return state, sideEffects{}
}

func (e *engine) reduceIdle(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	if ev.Type == entity.EventStartSession {
		return entity.StateRequestingPermissions, sideEffects{}
	}
	return state, sideEffects{}
}

func (e *engine) reduceRequestingPermissions(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	if ev.Type != entity.EventPermissionResult {
		return state, sideEffects{}
	}

	if !ev.Granted {
		e.sctx.Error = &entity.ErrorInfo{
			Code:        entity.ErrCodePermissionDenied,
			Message:     "camera or microphone permission was denied",
			Recoverable: false,
		}
		return entity.StateError, sideEffects{}
	}

	e.sctx.IdentityStatus = entity.IdentityVerifying
	return entity.StateVerifyingIdentity, sideEffects{
		StartFrameLoop: true,
		Speak: []spokenLine{
			sayf("Point your camera at the %s so I can make sure we are looking at the right thing.", e.sctx.ExpectedItem),
		},
	}
}

func (e *engine) reduceVerifyingIdentity(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	switch ev.Type {
	case entity.EventIdentityConfirmed:
		e.sctx.IdentityStatus = entity.IdentityConfirmed
		e.sctx.DetectedItem = ""
		return entity.StateStepActive, sideEffects{
			StartFrameLoop: true,
			Speak: []spokenLine{
				sayForcedf("Great, that is the %s. Step 1: %s", e.sctx.ExpectedItem, e.currentInstruction()),
			},
		}

	case entity.EventIdentityMismatch:
		e.sctx.IdentityStatus = entity.IdentityMismatched
		e.sctx.DetectedItem = ev.DetectedItem
		line := sayf("I expected a %s but this looks different. You can continue anyway or start a new diagnosis.", e.sctx.ExpectedItem)
		if ev.DetectedItem != "" {
			line = sayf("That looks like a %s, but I expected a %s. You can continue anyway or start a new diagnosis.", ev.DetectedItem, e.sctx.ExpectedItem)
		}
		return entity.StateIdentityMismatchModal, sideEffects{
			StopFrameLoop: true,
			Speak:         []spokenLine{line},
		}

	case entity.EventGuidanceEscalation:
		return state, e.guidance(ev)

	case entity.EventVoiceCaptureStarted:
		return e.enterListening(state)

	case entity.EventPauseSession:
		return e.enterPaused(ev)
	}
	return state, sideEffects{}
}

func (e *engine) reduceIdentityMismatchModal(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	switch ev.Type {
	case entity.EventContinueWithOriginal:
		e.sctx.IdentityStatus = entity.IdentityConfirmed
		return entity.StateStepActive, sideEffects{
			StartFrameLoop: true,
			Speak: []spokenLine{
				sayForcedf("Okay, continuing with the original plan. Step 1: %s", e.currentInstruction()),
			},
		}

	case entity.EventStartNewDiagnosis:
		return entity.StateSessionEnded, sideEffects{
			EndSession: true,
			Speak:      []spokenLine{sayForced("Ending this session. Start a new one to diagnose the item you have.")},
		}
	}
	return state, sideEffects{}
}

func (e *engine) reduceStepActive(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	switch ev.Type {
	case entity.EventCompletionSuggested:
		if ev.Vision != nil {
			e.sctx.CompletionEvidence = ev.Vision.CompletionEvidence
		}
		return entity.StateCompletionSuggestedModal, sideEffects{
			StopFrameLoop: true,
			Speak:         []spokenLine{say("It looks like you finished this step. Confirm to move on, or keep working.")},
		}

	case entity.EventGuidanceEscalation:
		return state, e.guidance(ev)

	case entity.EventConfirmStepComplete:
		// Manual confirmation without the modal, e.g. after the strong
		// escalation hint.
		return e.advanceStep()

	case entity.EventUserOverride:
		return entity.StateOverrideConfirmationModal, sideEffects{
			StopFrameLoop: true,
			Speak:         []spokenLine{sayForced("Skip this step and move on to the next one?")},
		}

	case entity.EventPauseSession:
		return e.enterPaused(ev)

	case entity.EventVoiceCaptureStarted:
		return e.enterListening(state)
	}
	return state, sideEffects{}
}

func (e *engine) reduceCompletionModal(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	switch ev.Type {
	case entity.EventConfirmStepComplete:
		return e.advanceStep()

	case entity.EventRejectCompletion:
		e.sctx.CompletionEvidence = ""
		return entity.StateStepActive, sideEffects{StartFrameLoop: true}
	}
	return state, sideEffects{}
}

func (e *engine) reduceOverrideModal(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	switch ev.Type {
	case entity.EventConfirmOverride:
		return e.advanceStep()

	case entity.EventCancelOverride:
		return entity.StateStepActive, sideEffects{StartFrameLoop: true}
	}
	return state, sideEffects{}
}

func (e *engine) reducePaused(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	switch ev.Type {
	case entity.EventResumeSession:
		return e.resumeStepActive()

	case entity.EventRegeneratePlan:
		return entity.StateRegeneratingPlan, sideEffects{
			RegeneratePlan: true,
			Speak:          []spokenLine{sayForced("Rewriting the remaining steps around what you have on hand.")},
		}

	case entity.EventStartSubstituteScan:
		if e.sctx.PauseReason != entity.PauseGetItem || ev.Item == "" {
			return state, sideEffects{}
		}
		e.markMissing(ev.Item)
		e.sctx.SubstituteItem = strings.ToLower(strings.TrimSpace(ev.Item))
		e.sctx.FoundSubstitute = nil
		return entity.StateSubstituteScanReady, sideEffects{
			Speak: []spokenLine{sayForcedf("Point your camera around your workspace and I will look for something you can use instead of the %s.", e.sctx.SubstituteItem)},
		}

	case entity.EventVoiceCaptureStarted:
		return e.enterListening(state)
	}
	return state, sideEffects{}
}

func (e *engine) reduceRegenerating(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	if ev.Type != entity.EventPlanReady {
		return state, sideEffects{}
	}

	e.sctx.RepairSteps = splicePlan(e.sctx.RepairSteps, e.sctx.CurrentStepIndex, ev.Plan)
	e.sctx.PlanRevision++
	return entity.StateNewPlanModal, sideEffects{
		Speak: []spokenLine{sayForced("I rewrote the remaining steps. Take a look and continue when you are ready.")},
	}
}

func (e *engine) reduceNewPlanModal(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	if ev.Type != entity.EventAcknowledgeNewPlan {
		return state, sideEffects{}
	}

	e.clearPause()
	return entity.StateStepActive, sideEffects{
		StartFrameLoop: true,
		Speak:          []spokenLine{sayForcedf("Current step: %s", e.currentInstruction())},
	}
}

func (e *engine) reduceSubstituteScanReady(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	switch ev.Type {
	case entity.EventBeginSubstituteSearch:
		return entity.StateSearchingSubstitute, sideEffects{StartSubstitute: true}

	case entity.EventCancelSubstituteScan:
		e.sctx.SubstituteItem = ""
		return entity.StatePaused, sideEffects{}
	}
	return state, sideEffects{}
}

func (e *engine) reduceSearchingSubstitute(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	switch ev.Type {
	case entity.EventSubstituteResult:
		e.sctx.FoundSubstitute = ev.Substitute
		line := say("I found something you could use.")
		if ev.Substitute != nil {
			line = sayForcedf("You could use the %s instead of the %s. Want to go with that?", ev.Substitute.Substitute, e.sctx.SubstituteItem)
		}
		return entity.StateSubstituteFoundModal, sideEffects{Speak: []spokenLine{line}}

	case entity.EventSubstituteExhausted:
		return entity.StateSubstituteNotFound, sideEffects{
			Speak: []spokenLine{sayForcedf("I could not find a substitute for the %s. You can rewrite the plan without it, or resume once you have one.", e.sctx.SubstituteItem)},
		}

	case entity.EventCancelSubstituteScan:
		e.sctx.SubstituteItem = ""
		return entity.StatePaused, sideEffects{CancelSubstitute: true}
	}
	return state, sideEffects{}
}

func (e *engine) reduceSubstituteFoundModal(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	switch ev.Type {
	case entity.EventConfirmSubstitute:
		item := e.sctx.SubstituteItem
		substitute := ""
		if e.sctx.FoundSubstitute != nil {
			substitute = strings.ToLower(strings.TrimSpace(e.sctx.FoundSubstitute.Substitute))
		}
		// Explicit confirmations from the voice channel carry their own
		// pair and may arrive outside the camera flow.
		if ev.Item != "" && ev.Text != "" {
			item = strings.ToLower(strings.TrimSpace(ev.Item))
			substitute = strings.ToLower(strings.TrimSpace(ev.Text))
		}
		if item != "" && substitute != "" {
			e.sctx.ConfirmedSubstitutes[item] = substitute
		}
		e.sctx.FoundSubstitute = nil
		e.sctx.SubstituteItem = ""
		return entity.StatePaused, sideEffects{
			Speak: []spokenLine{sayForcedf("Noted, you will use the %s instead.", substitute)},
		}

	case entity.EventRejectSubstitute:
		// A rejected suggestion joins the banned set so it is never
		// offered again, then the search continues with a fresh budget.
		if e.sctx.FoundSubstitute != nil {
			e.markMissing(e.sctx.FoundSubstitute.Substitute)
		}
		e.sctx.FoundSubstitute = nil
		return entity.StateSearchingSubstitute, sideEffects{
			StartSubstitute: true,
			Speak:           []spokenLine{say("Okay, I will keep looking.")},
		}

	case entity.EventCancelSubstituteScan:
		e.sctx.FoundSubstitute = nil
		e.sctx.SubstituteItem = ""
		return entity.StatePaused, sideEffects{}
	}
	return state, sideEffects{}
}

func (e *engine) reduceSubstituteNotFound(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	switch ev.Type {
	case entity.EventResumeSession:
		e.sctx.SubstituteItem = ""
		return e.resumeStepActive()

	case entity.EventRegeneratePlan:
		e.sctx.SubstituteItem = ""
		return entity.StateRegeneratingPlan, sideEffects{
			RegeneratePlan: true,
			Speak:          []spokenLine{sayForced("Rewriting the remaining steps without it.")},
		}

	case entity.EventStartSubstituteScan:
		if ev.Item == "" {
			return state, sideEffects{}
		}
		e.markMissing(ev.Item)
		e.sctx.SubstituteItem = strings.ToLower(strings.TrimSpace(ev.Item))
		return entity.StateSubstituteScanReady, sideEffects{}
	}
	return state, sideEffects{}
}

func (e *engine) reduceListening(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	switch ev.Type {
	case entity.EventTranscriptReady:
		e.sctx.LastQuestion = ev.Text
		e.appendTurn("user", ev.Text)
		return entity.StateProcessingQuestion, sideEffects{}

	case entity.EventEndConversation:
		return e.returnFromVoice()
	}
	return state, sideEffects{}
}

func (e *engine) reduceProcessingQuestion(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	switch ev.Type {
	case entity.EventAnswerReady:
		e.sctx.LastAnswer = ev.Text
		e.appendTurn("assistant", ev.Text)
		return entity.StateShowingAnswer, sideEffects{
			Speak: []spokenLine{sayForced(ev.Text)},
		}

	case entity.EventConfirmSubstitute:
		// Constraint extracted from the question itself, e.g. "can I use
		// a butter knife instead of the screwdriver".
		item := strings.ToLower(strings.TrimSpace(ev.Item))
		substitute := strings.ToLower(strings.TrimSpace(ev.Text))
		if item != "" && substitute != "" {
			e.sctx.ConfirmedSubstitutes[item] = substitute
		}
		return state, sideEffects{}
	}
	return state, sideEffects{}
}

func (e *engine) reduceShowingAnswer(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	switch ev.Type {
	case entity.EventDismissAnswer:
		return entity.StateConversation, sideEffects{}

	case entity.EventVoiceCaptureStarted:
		return entity.StateListening, sideEffects{}

	case entity.EventEndConversation:
		return e.returnFromVoice()
	}
	return state, sideEffects{}
}

func (e *engine) reduceConversation(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	switch ev.Type {
	case entity.EventVoiceCaptureStarted:
		return entity.StateListening, sideEffects{}

	case entity.EventEndConversation:
		return e.returnFromVoice()
	}
	return state, sideEffects{}
}

func (e *engine) reduceError(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	e.sctx.Error = ev.Error
	if state != entity.StateError {
		// Remember where to retry into; the voice sub-flow already keeps
		// its own return state, keep it.
		switch state {
		case entity.StateListening, entity.StateProcessingQuestion, entity.StateShowingAnswer, entity.StateConversation:
		default:
			e.sctx.ReturnState = state
		}
	}
	return entity.StateError, sideEffects{StopFrameLoop: true, CancelSubstitute: true}
}

func (e *engine) reduceErrorState(state entity.SessionState, ev entity.Event) (entity.SessionState, sideEffects) {
	if ev.Type != entity.EventRetryFromError {
		return state, sideEffects{}
	}
	if e.sctx.Error != nil && !e.sctx.Error.Recoverable {
		return state, sideEffects{}
	}

	returnTo := e.sctx.ReturnState
	e.sctx.Error = nil
	e.sctx.ReturnState = ""

	switch returnTo {
	case entity.StateRegeneratingPlan:
		return entity.StateRegeneratingPlan, sideEffects{RegeneratePlan: true}
	case entity.StateVerifyingIdentity:
		e.sctx.IdentityStatus = entity.IdentityVerifying
		return entity.StateVerifyingIdentity, sideEffects{StartFrameLoop: true}
	case entity.StateSearchingSubstitute:
		return entity.StateSearchingSubstitute, sideEffects{StartSubstitute: true}
	case entity.StatePaused, entity.StateSubstituteNotFound:
		return returnTo, sideEffects{}
	default:
		// The failed question is gone; the user can ask again.
		return entity.StateStepActive, sideEffects{StartFrameLoop: true}
	}
}

func (e *engine) guidance(ev entity.Event) sideEffects {
	switch ev.Severity {
	case 1:
		hint := ev.Hint
		if hint == "" {
			hint = "Try moving the camera closer or improving the lighting."
		}
		e.sctx.GuidanceHint = hint
		return sideEffects{Speak: []spokenLine{say(hint)}}
	default:
		e.sctx.GuidanceHint = ""
		return sideEffects{Speak: []spokenLine{
			say("I am having trouble seeing your progress. You can pause the session, or confirm the step yourself when it is done."),
		}}
	}
}

// advanceStep moves to the next step, or completes the session when the
// confirmed step was the last one.
func (e *engine) advanceStep() (entity.SessionState, sideEffects) {
	e.sctx.CompletionEvidence = ""
	e.sctx.GuidanceHint = ""
	e.sctx.CurrentStepIndex++

	if e.sctx.CurrentStepIndex >= len(e.sctx.RepairSteps) {
		e.sctx.CurrentStepIndex = len(e.sctx.RepairSteps)
		return entity.StateSessionComplete, sideEffects{
			StopFrameLoop: true,
			Speak:         []spokenLine{sayForced("That was the last step. Nice work, the repair is done.")},
		}
	}

	return entity.StateStepActive, sideEffects{
		StartFrameLoop: true,
		Speak: []spokenLine{
			sayForcedf("Step %d: %s", e.sctx.CurrentStepIndex+1, e.currentInstruction()),
		},
	}
}

func (e *engine) enterPaused(ev entity.Event) (entity.SessionState, sideEffects) {
	reason := ev.Reason
	if reason == "" {
		reason = entity.PauseManual
	}
	e.sctx.PauseReason = reason

	fx := sideEffects{StopFrameLoop: true}

	if reason == entity.PauseGetItem {
		items := ev.Items
		if len(items) == 0 {
			items = e.currentStepItems()
		}
		e.sctx.NeededItems = items
		e.sctx.MissingMarked = make(map[string]struct{})
		fx.Speak = []spokenLine{sayForced("Paused. Tell me which of these you are missing, or resume when you have everything.")}
	} else {
		fx.Speak = []spokenLine{sayForced("Paused. Resume whenever you are ready.")}
	}

	return entity.StatePaused, fx
}

func (e *engine) resumeStepActive() (entity.SessionState, sideEffects) {
	e.clearPause()
	return entity.StateStepActive, sideEffects{
		StartFrameLoop: true,
		Speak:          []spokenLine{sayForcedf("Resuming. Current step: %s", e.currentInstruction())},
	}
}

func (e *engine) clearPause() {
	e.sctx.PauseReason = ""
	e.sctx.NeededItems = nil
	e.sctx.MissingMarked = nil
	e.sctx.SubstituteItem = ""
	e.sctx.FoundSubstitute = nil
}

func (e *engine) enterListening(from entity.SessionState) (entity.SessionState, sideEffects) {
	e.sctx.ReturnState = from
	return entity.StateListening, sideEffects{StopFrameLoop: true}
}

func (e *engine) returnFromVoice() (entity.SessionState, sideEffects) {
	returnTo := e.sctx.ReturnState
	e.sctx.ReturnState = ""
	e.sctx.LastQuestion = ""
	e.sctx.LastAnswer = ""

	switch returnTo {
	case entity.StateVerifyingIdentity:
		return returnTo, sideEffects{StartFrameLoop: true}
	case entity.StatePaused:
		return returnTo, sideEffects{}
	default:
		return entity.StateStepActive, sideEffects{StartFrameLoop: true}
	}
}

// appendTurn records one side of the conversation, keeping only the
// most recent HistoryLimit turns.
func (e *engine) appendTurn(role, content string) {
	e.sctx.ConversationHistory = append(e.sctx.ConversationHistory, entity.ConversationTurn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	if limit := e.tuning.HistoryLimit; limit > 0 && len(e.sctx.ConversationHistory) > limit {
		trimmed := make([]entity.ConversationTurn, limit)
		copy(trimmed, e.sctx.ConversationHistory[len(e.sctx.ConversationHistory)-limit:])
		e.sctx.ConversationHistory = trimmed
	}
}

func (e *engine) markMissing(item string) {
	item = strings.ToLower(strings.TrimSpace(item))
	if item == "" {
		return
	}
	e.sctx.PermanentlyUnavailableItems[item] = struct{}{}
	if e.sctx.MissingMarked != nil {
		e.sctx.MissingMarked[item] = struct{}{}
	}
}

func (e *engine) currentInstruction() string {
	if e.sctx.CurrentStepIndex < len(e.sctx.RepairSteps) {
		return e.sctx.RepairSteps[e.sctx.CurrentStepIndex].Instruction
	}
	return ""
}

func (e *engine) currentStepItems() []string {
	if e.sctx.CurrentStepIndex >= len(e.sctx.RepairSteps) {
		return nil
	}
	step := e.sctx.RepairSteps[e.sctx.CurrentStepIndex]
	items := make([]string, 0, len(step.ToolsNeeded)+len(step.MaterialsNeeded))
	items = append(items, step.ToolsNeeded...)
	items = append(items, step.MaterialsNeeded...)
	return items
}
