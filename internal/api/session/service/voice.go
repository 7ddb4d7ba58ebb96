package sessionService

import (
	"RepairLens/internal/entity"
	"RepairLens/pkg/audio"
	"RepairLens/pkg/gemini"
	"RepairLens/pkg/nlp"
	"RepairLens/pkg/utils"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	errQuestionInFlight = errors.New("a question is already being processed")
	errQuestionCooldown = errors.New("asked again too quickly")
	errVoiceUnavailable = errors.New("voice questions are not available in this state")
)

// questionRequest carries everything the answerer needs about the moment
// the question was asked in.
type questionRequest struct {
	Question        string
	Category        string
	Diagnosis       string
	LikelyCause     string
	StepInstruction string
	History         []entity.ConversationTurn
	Frame           []byte
}

type questionAnswerer interface {
	Answer(ctx context.Context, req questionRequest) (string, error)
}

type geminiAnswerer struct {
	client gemini.IGemini
	ids    utils.IUtils
}

func newGeminiAnswerer(client gemini.IGemini, ids utils.IUtils) questionAnswerer {
	return &geminiAnswerer{client: client, ids: ids}
}

func (g *geminiAnswerer) Answer(ctx context.Context, req questionRequest) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, `You are guiding a hands-on repair session.
Category: %q. Diagnosis: %q. Likely cause: %q.
The user is currently on this step: %q.`,
		req.Category, req.Diagnosis, req.LikelyCause, req.StepInstruction)

	if len(req.History) > 0 {
		b.WriteString("\nRecent conversation:")
		for _, turn := range req.History {
			fmt.Fprintf(&b, "\n%s: %s", turn.Role, turn.Content)
		}
	}

	fmt.Fprintf(&b, "\n\nThe user asks: %q\n", req.Question)
	b.WriteString(`Answer in at most three short sentences, plain spoken language, no markdown. If a camera image is attached, use what you see in it.`)

	if len(req.Frame) > 0 {
		return g.client.AnalyzeImage(ctx, g.ids.EncodeFrameBase64(req.Frame), b.String())
	}
	return g.client.GenerateText(ctx, b.String())
}

// voiceChannel runs the ask-a-question flow: transcribe, extract
// constraints, answer with the current camera frame as context. One
// question at a time per session, with a cooldown between questions. The
// channel never mutates the session itself; everything lands as events.
type voiceChannel struct {
	log         *logrus.Logger
	tuning      Tuning
	transcriber audio.ITranscriber
	extractor   nlp.IConstraintExtractor
	answerer    questionAnswerer

	mu          sync.Mutex
	inFlight    bool
	lastAskedAt time.Time
}

func newVoiceChannel(
	log *logrus.Logger,
	tuning Tuning,
	transcriber audio.ITranscriber,
	extractor nlp.IConstraintExtractor,
	answerer questionAnswerer,
) *voiceChannel {
	return &voiceChannel{
		log:         log,
		tuning:      tuning,
		transcriber: transcriber,
		extractor:   extractor,
		answerer:    answerer,
	}
}

// Ask runs the full question flow against one engine. It blocks until the
// answer event is dispatched or the flow fails, returning the transcript
// and answer for the HTTP response.
func (v *voiceChannel) Ask(ctx context.Context, e *engine, filename string, recording io.Reader) (transcript, answer string, err error) {
	if !voiceReachable(e.State()) {
		return "", "", errVoiceUnavailable
	}

	if err := v.acquire(); err != nil {
		return "", "", err
	}
	defer v.release()

	e.Dispatch(entity.Event{Type: entity.EventVoiceCaptureStarted})

	transcript, err = v.transcriber.TranscribeAudio(ctx, filename, recording)
	if err != nil {
		v.fail(e, entity.ErrCodeCollaboratorUnavailable, "could not transcribe the recording")
		return "", "", err
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		v.fail(e, entity.ErrCodeMalformedResponse, "the recording contained no speech")
		return "", "", errors.New("empty transcript")
	}

	// Bare confirmations and rejections are conversation control, not
	// questions. "Never mind" abandons the capture; "done" hands the user
	// to the skip-step confirmation.
	if v.extractor.IsRejection(transcript) {
		e.Dispatch(entity.Event{Type: entity.EventEndConversation})
		return transcript, "", nil
	}
	if v.extractor.IsConfirmation(transcript) {
		e.Dispatch(entity.Event{Type: entity.EventEndConversation})
		e.Dispatch(entity.Event{Type: entity.EventUserOverride})
		return transcript, "", nil
	}

	e.Dispatch(entity.Event{Type: entity.EventTranscriptReady, Text: transcript})

	v.applyConstraints(e, transcript)

	snapshot := e.Snapshot()
	req := questionRequest{
		Question:    transcript,
		Category:    snapshot.Context.Category,
		Diagnosis:   snapshot.Context.DiagnosisSummary,
		LikelyCause: snapshot.Context.LikelyCause,
		History:     tailTurns(snapshot.Context.ConversationHistory, v.tuning.HistoryLimit),
		Frame:       e.frames.Latest(),
	}
	if snapshot.Context.CurrentStepIndex < len(snapshot.Context.RepairSteps) {
		req.StepInstruction = snapshot.Context.RepairSteps[snapshot.Context.CurrentStepIndex].Instruction
	}

	answer, err = v.answerer.Answer(ctx, req)
	if err != nil {
		code := entity.ErrCodeCollaboratorUnavailable
		if errors.Is(err, gemini.ErrRateLimited) {
			code = entity.ErrCodeRateLimited
		}
		v.fail(e, code, "could not answer the question")
		return transcript, "", err
	}
	answer = strings.TrimSpace(answer)

	e.Dispatch(entity.Event{Type: entity.EventAnswerReady, Text: answer})
	return transcript, answer, nil
}

func (v *voiceChannel) acquire() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.inFlight {
		return errQuestionInFlight
	}
	if time.Since(v.lastAskedAt) < v.tuning.QuestionCooldown {
		return errQuestionCooldown
	}
	v.inFlight = true
	return nil
}

// release ends the in-flight question and starts the cooldown, so the
// window runs from completion rather than from when the ask began.
func (v *voiceChannel) release() {
	v.mu.Lock()
	v.inFlight = false
	v.lastAskedAt = time.Now()
	v.mu.Unlock()
}

// applyConstraints turns recognized stock phrases into context events
// before the answer is generated, so "I don't have a screwdriver" updates
// the banned-items set even when the answer itself fails.
func (v *voiceChannel) applyConstraints(e *engine, transcript string) {
	intent := v.extractor.ExtractConstraint(transcript)
	if intent == nil {
		return
	}

	v.log.WithFields(logrus.Fields{
		"action":  string(intent.Action),
		"item":    intent.Item,
		"pattern": intent.Pattern,
	}).Info("Constraint extracted from voice transcript")

	switch intent.Action {
	case nlp.ActionMissingItem:
		e.Dispatch(entity.Event{Type: entity.EventMarkItemMissing, Item: intent.Item})
	case nlp.ActionSubstitute:
		e.Dispatch(entity.Event{Type: entity.EventMarkItemMissing, Item: intent.Item})
		e.Dispatch(entity.Event{
			Type: entity.EventConfirmSubstitute,
			Item: intent.Item,
			Text: intent.Substitute,
		})
	}
}

func (v *voiceChannel) fail(e *engine, code, message string) {
	e.Dispatch(entity.Event{
		Type: entity.EventErrorOccurred,
		Error: &entity.ErrorInfo{
			Code:        code,
			Message:     message,
			Recoverable: true,
		},
	})
}

// voiceReachable reports whether a state can take a question. Modals and
// terminal states cannot.
func voiceReachable(state entity.SessionState) bool {
	switch state {
	case entity.StateVerifyingIdentity, entity.StateStepActive,
		entity.StatePaused, entity.StateShowingAnswer, entity.StateConversation:
		return true
	}
	return false
}

func tailTurns(turns []entity.ConversationTurn, limit int) []entity.ConversationTurn {
	if limit <= 0 || len(turns) <= limit {
		return turns
	}
	return turns[len(turns)-limit:]
}
