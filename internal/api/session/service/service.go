package sessionService

import (
	"RepairLens/internal/api/session"
	sessionRepository "RepairLens/internal/api/session/repository"
	"RepairLens/internal/entity"
	"RepairLens/pkg/audio"
	"RepairLens/pkg/gemini"
	"RepairLens/pkg/nlp"
	"RepairLens/pkg/redis"
	"RepairLens/pkg/s3"
	"RepairLens/pkg/utils"
	"RepairLens/pkg/visionws"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

type ISessionService interface {
	CreateSession(ctx context.Context, req session.CreateSessionRequest) (*session.CreateSessionResponse, error)
	PushEvent(ctx context.Context, sessionID string, req session.PushEventRequest) (*entity.Snapshot, error)
	GetSession(ctx context.Context, sessionID string) (*entity.Snapshot, error)
	PushFrame(sessionID string, frame []byte) error
	AskVoiceQuestion(ctx context.Context, sessionID, filename string, recording io.Reader) (*session.VoiceQuestionResponse, error)
	Subscribe(sessionID string) (<-chan entity.Snapshot, func(), error)
	Shutdown()
}

type sessionService struct {
	log         *logrus.Logger
	tuning      Tuning
	sessionRepo sessionRepository.Repository
	redisClient redis.IRedis
	utils       utils.IUtils

	analyzer visionAnalyzer
	finder   substituteFinder
	planner  planGenerator
	synth    speechSynthesizer
	voice    *voiceChannel

	mu          sync.RWMutex
	engines     map[string]*engine
	subscribers map[string]map[chan entity.Snapshot]struct{}
}

func NewSessionService(
	log *logrus.Logger,
	tuning Tuning,
	sessionRepo sessionRepository.Repository,
	redisClient redis.IRedis,
	utilsClient utils.IUtils,
	geminiClient gemini.IGemini,
	visionSocket visionws.IVisionSocket,
	transcriber audio.ITranscriber,
	tts audio.ITTS,
	s3Client s3.ItfS3,
	extractor nlp.IConstraintExtractor,
) ISessionService {
	s := &sessionService{
		log:         log,
		tuning:      tuning,
		sessionRepo: sessionRepo,
		redisClient: redisClient,
		utils:       utilsClient,
		planner:     newGeminiPlanner(geminiClient),
		finder:      newGeminiSubstituteFinder(geminiClient),
		synth:       newElevenLabsSynthesizer(tts, s3Client, log),
		engines:     make(map[string]*engine),
		subscribers: make(map[string]map[chan entity.Snapshot]struct{}),
	}

	// Frame analysis can run against the edge detector socket when one is
	// deployed next to us; Gemini is the default.
	if os.Getenv("EDGE_DETECTOR_URL") != "" && visionSocket != nil {
		s.analyzer = newEdgeVision(visionSocket)
	} else {
		s.analyzer = newGeminiVision(geminiClient)
	}

	s.voice = newVoiceChannel(log, tuning, transcriber, extractor, newGeminiAnswerer(geminiClient, utilsClient))
	return s
}

func (s *sessionService) CreateSession(ctx context.Context, req session.CreateSessionRequest) (*session.CreateSessionResponse, error) {
	sessionID, err := s.utils.NewULIDFromTimestamp(time.Now())
	if err != nil {
		s.log.WithField("error", err.Error()).Error("Failed to generate session id")
		return nil, session.ErrInternalServerError
	}

	repoClient, err := s.sessionRepo.NewClient(false)
	if err != nil {
		s.log.WithField("error", err.Error()).Error("Failed to create repository client")
		return nil, session.ErrInternalServerError
	}

	toolkit, err := repoClient.Knowledge.GetCategoryToolkit(ctx, req.Category)
	if err != nil {
		// The knowledge base enriches prompts; a miss never blocks a
		// session.
		s.log.WithFields(logrus.Fields{
			"category": req.Category,
			"error":    err.Error(),
		}).Warn("Category toolkit lookup failed")
		toolkit = nil
	}

	diag, err := s.planner.Diagnose(ctx, req.Category, req.Description, toolkit)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"error":      err.Error(),
		}).Error("Diagnosis failed")
		if errors.Is(err, gemini.ErrRateLimited) {
			return nil, session.ErrRateLimited
		}
		return nil, session.ErrPlanGenerationFailed
	}

	hints, err := repoClient.Knowledge.GetSubstituteHints(ctx, planItems(diag.Steps))
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"error":      err.Error(),
		}).Warn("Substitute hint lookup failed")
		hints = nil
	}

	sctx := &entity.SessionContext{
		ID:                          sessionID,
		Category:                    req.Category,
		DiagnosisSummary:            diag.Summary,
		LikelyCause:                 diag.LikelyCause,
		ExpectedItem:                diag.ExpectedItem,
		CreatedAt:                   time.Now(),
		RepairSteps:                 diag.Steps,
		PermanentlyUnavailableItems: make(map[string]struct{}),
		ConfirmedSubstitutes:        make(map[string]string),
		IdentityStatus:              entity.IdentityNotStarted,
	}

	e := newEngine(
		s.log, s.tuning, sctx,
		s.analyzer, s.finder, s.planner, s.synth, s.utils,
		toolkit, hints,
		func(snap entity.Snapshot) { s.publish(snap) },
	)

	s.mu.Lock()
	s.engines[sessionID] = e
	s.mu.Unlock()

	e.Start()
	e.Dispatch(entity.Event{Type: entity.EventStartSession})

	s.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"category":   req.Category,
		"steps":      len(diag.Steps),
	}).Info("Session created")

	return &session.CreateSessionResponse{
		SessionID:        sessionID,
		State:            entity.StateRequestingPermissions,
		Category:         req.Category,
		DiagnosisSummary: diag.Summary,
		LikelyCause:      diag.LikelyCause,
		ExpectedItem:     diag.ExpectedItem,
		RepairSteps:      diag.Steps,
	}, nil
}

func (s *sessionService) PushEvent(ctx context.Context, sessionID string, req session.PushEventRequest) (*entity.Snapshot, error) {
	e, err := s.engine(sessionID)
	if err != nil {
		return nil, err
	}

	ev, err := translateEvent(req)
	if err != nil {
		return nil, err
	}

	e.Dispatch(ev)

	// The engine applies events in order, so a snapshot taken after the
	// dispatch is accepted may still predate its application. Clients
	// read authoritative state from the stream; this response is a
	// convenience.
	snap := e.Snapshot()
	return &snap, nil
}

func (s *sessionService) GetSession(ctx context.Context, sessionID string) (*entity.Snapshot, error) {
	if e, err := s.engine(sessionID); err == nil {
		snap := e.Snapshot()
		return &snap, nil
	}

	// Ended sessions survive in Redis until their snapshot expires.
	payload, err := s.redisClient.GetSnapshot(ctx, sessionID)
	if err != nil {
		if errors.Is(err, redis.ErrSnapshotNotFound) {
			return nil, session.ErrSessionNotFound
		}
		s.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"error":      err.Error(),
		}).Error("Snapshot lookup failed")
		return nil, session.ErrInternalServerError
	}

	var snap entity.Snapshot
	if err := jsonCodec.Unmarshal(payload, &snap); err != nil {
		s.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"error":      err.Error(),
		}).Error("Stored snapshot is corrupt")
		return nil, session.ErrInternalServerError
	}
	return &snap, nil
}

func (s *sessionService) PushFrame(sessionID string, frame []byte) error {
	e, err := s.engine(sessionID)
	if err != nil {
		return err
	}

	if err := s.utils.ValidateFrame(frame); err != nil {
		return session.ErrBadRequest
	}

	e.PushFrame(frame)
	return nil
}

func (s *sessionService) AskVoiceQuestion(ctx context.Context, sessionID, filename string, recording io.Reader) (*session.VoiceQuestionResponse, error) {
	e, err := s.engine(sessionID)
	if err != nil {
		return nil, err
	}

	transcript, answer, err := s.voice.Ask(ctx, e, filename, recording)
	if err != nil {
		switch {
		case errors.Is(err, errQuestionCooldown):
			return nil, session.ErrQuestionCooldown
		case errors.Is(err, errQuestionInFlight):
			return nil, session.ErrQuestionInProgress
		case errors.Is(err, errVoiceUnavailable):
			return nil, session.ErrInvalidEvent
		}
		s.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"error":      err.Error(),
		}).Error("Voice question failed")
		if transcript == "" {
			return nil, session.ErrTranscriptionFailed
		}
		return nil, session.ErrAnswerFailed
	}

	return &session.VoiceQuestionResponse{
		Transcript: transcript,
		Answer:     answer,
	}, nil
}

// Subscribe attaches a state-stream consumer to a session. The returned
// cancel func must be called when the consumer goes away. Slow consumers
// lose intermediate snapshots, never the latest one.
func (s *sessionService) Subscribe(sessionID string) (<-chan entity.Snapshot, func(), error) {
	e, err := s.engine(sessionID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan entity.Snapshot, 8)
	snap := e.Snapshot()

	// Register and prime under one lock so retire cannot close the channel
	// between the two. The buffered send never blocks on a fresh channel.
	s.mu.Lock()
	if s.subscribers[sessionID] == nil {
		s.subscribers[sessionID] = make(map[chan entity.Snapshot]struct{})
	}
	s.subscribers[sessionID][ch] = struct{}{}
	ch <- snap
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if subs, ok := s.subscribers[sessionID]; ok {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(s.subscribers, sessionID)
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

func (s *sessionService) Shutdown() {
	s.mu.Lock()
	engines := make([]*engine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.engines = make(map[string]*engine)
	s.mu.Unlock()

	for _, e := range engines {
		e.Close()
	}
}

func (s *sessionService) engine(sessionID string) (*engine, error) {
	s.mu.RLock()
	e, ok := s.engines[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return e, nil
}

// publish is the engine's snapshot sink: cache in Redis, fan out to
// stream subscribers, retire the engine when the session ends.
func (s *sessionService) publish(snap entity.Snapshot) {
	payload, err := jsonCodec.Marshal(snap)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.redisClient.SetSnapshot(ctx, snap.SessionID, payload, s.tuning.SnapshotTTL); err != nil {
			s.log.WithFields(logrus.Fields{
				"session_id": snap.SessionID,
				"error":      err.Error(),
			}).Warn("Failed to cache session snapshot")
		}
		cancel()
	}

	s.mu.RLock()
	for ch := range s.subscribers[snap.SessionID] {
		select {
		case ch <- snap:
		default:
			// Drop the oldest buffered snapshot to make room for the
			// newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	s.mu.RUnlock()

	if snap.State == entity.StateSessionEnded {
		s.retire(snap.SessionID)
	}
}

func (s *sessionService) retire(sessionID string) {
	s.mu.Lock()
	delete(s.engines, sessionID)
	subs := s.subscribers[sessionID]
	delete(s.subscribers, sessionID)
	s.mu.Unlock()

	for ch := range subs {
		close(ch)
	}

	s.log.WithField("session_id", sessionID).Info("Session retired")
}

// translateEvent whitelists the event types a client may inject. Loop
// results and speech lifecycle events are engine-internal.
func translateEvent(req session.PushEventRequest) (entity.Event, error) {
	t := entity.EventType(req.Type)

	switch t {
	case entity.EventPermissionResult:
		if req.Granted == nil {
			return entity.Event{}, session.ErrBadRequest
		}
		return entity.Event{Type: t, Granted: *req.Granted}, nil

	case entity.EventPauseSession:
		return entity.Event{Type: t, Reason: entity.PauseReason(req.Reason), Items: req.Items}, nil

	case entity.EventMarkItemMissing, entity.EventStartSubstituteScan:
		if req.Item == "" {
			return entity.Event{}, session.ErrBadRequest
		}
		return entity.Event{Type: t, Item: req.Item}, nil

	case entity.EventPlaybackFinished:
		if req.UtteranceID == "" {
			return entity.Event{}, session.ErrBadRequest
		}
		return entity.Event{Type: t, UtteranceID: req.UtteranceID}, nil

	case entity.EventEndSession,
		entity.EventContinueWithOriginal, entity.EventStartNewDiagnosis,
		entity.EventConfirmStepComplete, entity.EventRejectCompletion,
		entity.EventUserOverride, entity.EventConfirmOverride, entity.EventCancelOverride,
		entity.EventResumeSession, entity.EventRegeneratePlan, entity.EventAcknowledgeNewPlan,
		entity.EventBeginSubstituteSearch, entity.EventConfirmSubstitute,
		entity.EventRejectSubstitute, entity.EventCancelSubstituteScan,
		entity.EventDismissAnswer, entity.EventEndConversation,
		entity.EventRetryFromError:
		return entity.Event{Type: t}, nil
	}

	return entity.Event{}, session.ErrUnknownEventType
}

// planItems collects every tool and material the plan mentions, for the
// substitute-hint prefetch.
func planItems(steps []entity.RepairStep) []string {
	seen := make(map[string]struct{})
	items := make([]string, 0)
	for _, step := range steps {
		for _, item := range append(append([]string{}, step.ToolsNeeded...), step.MaterialsNeeded...) {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			items = append(items, item)
		}
	}
	return items
}
