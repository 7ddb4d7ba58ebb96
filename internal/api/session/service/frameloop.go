package sessionService

import (
	"RepairLens/internal/entity"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// frameView is the engine state a tick needs, fetched through an accessor
// at tick time so the loop never acts on a stale capture of the context.
type frameView struct {
	State  entity.SessionState
	Active bool
	Query  visionQuery
}

// frameLoop polls the camera mailbox while the session is in an observing
// state. Analysis is synchronous inside the loop goroutine, so there is
// never more than one outstanding request; ticks that fire during an
// analysis are dropped, not queued.
type frameLoop struct {
	log      *logrus.Logger
	tuning   Tuning
	analyzer visionAnalyzer
	frames   *frameMailbox
	view     func() frameView
	dispatch func(entity.Event)
	gen      uint64

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	// Loop-local bookkeeping: debounce counters and highlight memory are
	// not session truth and never leave this struct except as events.
	lastHighlights []entity.BoundingBox
	emptyRun       int
	matchRun       int
	mismatchRun    int
	completionRun  int
	lowConfRun     int
	cooldownUntil  time.Time
}

func newFrameLoop(
	log *logrus.Logger,
	tuning Tuning,
	analyzer visionAnalyzer,
	frames *frameMailbox,
	view func() frameView,
	dispatch func(entity.Event),
	gen uint64,
) *frameLoop {
	ctx, cancel := context.WithCancel(context.Background())
	return &frameLoop{
		log:      log,
		tuning:   tuning,
		analyzer: analyzer,
		frames:   frames,
		view:     view,
		dispatch: dispatch,
		gen:      gen,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (l *frameLoop) Start() {
	go l.run()
}

// Stop cancels the in-flight analysis if any and ends the loop. The
// engine additionally drops any late event carrying an old generation.
func (l *frameLoop) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		close(l.done)
	})
}

func (l *frameLoop) run() {
	ticker := time.NewTicker(l.tuning.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.tick()
			// A slow analysis leaves at most one buffered tick; drop it
			// so the next capture happens a full interval later.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

func (l *frameLoop) tick() {
	v := l.view()
	if !v.Active {
		return
	}

	if time.Now().Before(l.cooldownUntil) {
		return
	}

	frame := l.frames.Latest()
	if frame == nil {
		return
	}
	// A camera that stopped sending leaves one frame behind forever;
	// analyzing it again tells us nothing new.
	if stale := l.tuning.FrameStaleAfter; stale > 0 && l.frames.Age() > stale {
		return
	}

	result, err := l.analyzer.AnalyzeFrame(l.ctx, frame, v.Query)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, errVisionRateLimited) {
			l.cooldownUntil = time.Now().Add(l.tuning.RateLimitCooldown)
			l.dispatch(entity.Event{
				Type:       entity.EventFrameObserved,
				Generation: l.gen,
				ScanStatus: entity.ScanRateLimited,
				Highlights: l.lastHighlights,
			})
			return
		}
		// Transient polling failure: no signal this frame, not a session
		// error.
		l.log.WithFields(logrus.Fields{
			"error": err.Error(),
			"state": string(v.State),
		}).Debug("Frame analysis failed, skipping frame")
		return
	}

	l.observe(v, result)
}

func (l *frameLoop) observe(v frameView, result *entity.VisionResult) {
	if len(result.Highlights) > 0 {
		l.lastHighlights = result.Highlights
		l.emptyRun = 0
	} else {
		l.emptyRun++
		if l.emptyRun >= l.tuning.HighlightGrace {
			l.lastHighlights = nil
		}
	}

	l.dispatch(entity.Event{
		Type:       entity.EventFrameObserved,
		Generation: l.gen,
		ScanStatus: entity.ScanAnalyzing,
		Highlights: l.lastHighlights,
		Vision:     result,
	})

	switch v.Query.Mode {
	case visionIdentity:
		l.observeIdentity(result)
	case visionCompletion:
		l.observeCompletion(result)
	}
}

func (l *frameLoop) observeIdentity(result *entity.VisionResult) {
	if result.Confidence < l.tuning.MatchConfidence {
		l.matchRun = 0
		l.mismatchRun = 0
		l.escalate(result)
		return
	}

	l.lowConfRun = 0

	if result.Matches {
		l.matchRun++
		l.mismatchRun = 0
		if l.matchRun >= l.tuning.MatchRun {
			l.matchRun = 0
			l.dispatch(entity.Event{
				Type:       entity.EventIdentityConfirmed,
				Generation: l.gen,
			})
		}
		return
	}

	l.mismatchRun++
	l.matchRun = 0
	if l.mismatchRun >= l.tuning.MismatchRun {
		l.mismatchRun = 0
		l.dispatch(entity.Event{
			Type:         entity.EventIdentityMismatch,
			Generation:   l.gen,
			DetectedItem: result.DetectedItem,
		})
	}
}

func (l *frameLoop) observeCompletion(result *entity.VisionResult) {
	if result.Matches && result.Confidence >= l.tuning.CompletionConfidence {
		l.lowConfRun = 0
		l.completionRun++
		if l.completionRun >= l.tuning.CompletionRun {
			l.completionRun = 0
			l.dispatch(entity.Event{
				Type:       entity.EventCompletionSuggested,
				Generation: l.gen,
				Vision:     result,
			})
		}
		return
	}

	l.completionRun = 0

	// A confident "not complete" means the user is still mid-step and the
	// camera can see fine. Only low-confidence frames feed the ladder.
	if result.Confidence >= l.tuning.CompletionConfidence {
		l.lowConfRun = 0
		return
	}
	l.escalate(result)
}

// escalate implements the guidance ladder: first the vision hint, then a
// stronger suggestion to pause and confirm manually.
func (l *frameLoop) escalate(result *entity.VisionResult) {
	l.lowConfRun++

	switch l.lowConfRun {
	case l.tuning.SoftHintAfter:
		l.dispatch(entity.Event{
			Type:       entity.EventGuidanceEscalation,
			Generation: l.gen,
			Severity:   1,
			Hint:       result.Hint,
		})
	case l.tuning.StrongHintAfter:
		l.lowConfRun = 0
		l.dispatch(entity.Event{
			Type:       entity.EventGuidanceEscalation,
			Generation: l.gen,
			Severity:   2,
			Hint:       result.Hint,
		})
	}
}
