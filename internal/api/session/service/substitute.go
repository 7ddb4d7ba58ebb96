package sessionService

import (
	"RepairLens/internal/entity"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// substituteView is fetched at attempt time so every request carries the
// banned-items set as it is NOW, not as it was when the scan started.
type substituteView struct {
	Active      bool
	Item        string
	BannedItems []string
	Hints       []entity.SubstituteHint
}

// substituteLoop runs the single-outstanding-request discipline of the
// frame loop at a longer interval, bounded: after the configured maximum
// of unsuccessful attempts it stops itself and reports not-found.
type substituteLoop struct {
	log      *logrus.Logger
	tuning   Tuning
	finder   substituteFinder
	frames   *frameMailbox
	view     func() substituteView
	dispatch func(entity.Event)
	gen      uint64

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	attempts int
}

func newSubstituteLoop(
	log *logrus.Logger,
	tuning Tuning,
	finder substituteFinder,
	frames *frameMailbox,
	view func() substituteView,
	dispatch func(entity.Event),
	gen uint64,
) *substituteLoop {
	ctx, cancel := context.WithCancel(context.Background())
	return &substituteLoop{
		log:      log,
		tuning:   tuning,
		finder:   finder,
		frames:   frames,
		view:     view,
		dispatch: dispatch,
		gen:      gen,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (l *substituteLoop) Start() {
	go l.run()
}

func (l *substituteLoop) Cancel() {
	l.stopOnce.Do(func() {
		l.cancel()
		close(l.done)
	})
}

func (l *substituteLoop) run() {
	ticker := time.NewTicker(l.tuning.SubstituteInterval)
	defer ticker.Stop()

	// First attempt fires immediately; the user is pointing the camera at
	// their workbench and waiting.
	if l.attempt() {
		return
	}

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if l.attempt() {
				return
			}
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// attempt returns true when the loop is finished, either because a
// substitute was found or because the attempt budget ran out.
func (l *substituteLoop) attempt() bool {
	v := l.view()
	if !v.Active {
		return true
	}

	if l.attempts >= l.tuning.SubstituteMaxAttempts {
		l.dispatch(entity.Event{
			Type:       entity.EventSubstituteExhausted,
			Generation: l.gen,
			Item:       v.Item,
		})
		l.Cancel()
		return true
	}
	l.attempts++

	frame := l.frames.Latest()
	if frame == nil {
		// No camera input counts as a failed attempt; the budget is the
		// bound on wall-clock scanning, not on API calls.
		return false
	}

	result, err := l.finder.FindSubstitute(l.ctx, frame, visionQuery{
		Mode:        visionSubstitute,
		MissingItem: v.Item,
		BannedItems: v.BannedItems,
		Hints:       v.Hints,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return true
		}
		l.log.WithFields(logrus.Fields{
			"error":   err.Error(),
			"item":    v.Item,
			"attempt": l.attempts,
		}).Debug("Substitute attempt failed")
		return false
	}

	if !result.Found {
		return false
	}

	l.dispatch(entity.Event{
		Type:       entity.EventSubstituteResult,
		Generation: l.gen,
		Substitute: result,
	})
	l.Cancel()
	return true
}
