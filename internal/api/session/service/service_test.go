package sessionService

import (
	"RepairLens/internal/api/session"
	"RepairLens/internal/entity"
	"errors"
	"sync"
	"testing"
)

func TestTranslateEventWhitelist(t *testing.T) {
	granted := true

	valid := []session.PushEventRequest{
		{Type: "PERMISSION_RESULT", Granted: &granted},
		{Type: "CONFIRM_STEP_COMPLETE"},
		{Type: "PAUSE_SESSION", Reason: "get_item", Items: []string{"screwdriver"}},
		{Type: "MARK_ITEM_MISSING", Item: "screwdriver"},
		{Type: "START_SUBSTITUTE_SCAN", Item: "screwdriver"},
		{Type: "BEGIN_SUBSTITUTE_SEARCH"},
		{Type: "PLAYBACK_FINISHED", UtteranceID: "u1"},
		{Type: "END_SESSION"},
		{Type: "RETRY_FROM_ERROR"},
	}
	for _, req := range valid {
		if _, err := translateEvent(req); err != nil {
			t.Errorf("%s: unexpected error %v", req.Type, err)
		}
	}

	// Loop results and speech lifecycle events must never come from the
	// outside.
	internal := []string{
		"FRAME_OBSERVED", "IDENTITY_CONFIRMED", "IDENTITY_MISMATCH",
		"COMPLETION_SUGGESTED", "SUBSTITUTE_RESULT", "SUBSTITUTE_EXHAUSTED",
		"SPEECH_STARTED", "SPEECH_FINISHED", "PLAN_READY",
		"TRANSCRIPT_READY", "ANSWER_READY", "ERROR_OCCURRED", "bogus",
	}
	for _, typ := range internal {
		if _, err := translateEvent(session.PushEventRequest{Type: typ}); !errors.Is(err, session.ErrUnknownEventType) {
			t.Errorf("%s: err = %v, want unknown event type", typ, err)
		}
	}
}

func TestTranslateEventRequiredPayloads(t *testing.T) {
	cases := []session.PushEventRequest{
		{Type: "PERMISSION_RESULT"},
		{Type: "MARK_ITEM_MISSING"},
		{Type: "START_SUBSTITUTE_SCAN"},
		{Type: "PLAYBACK_FINISHED"},
	}
	for _, req := range cases {
		if _, err := translateEvent(req); !errors.Is(err, session.ErrBadRequest) {
			t.Errorf("%s without payload: err = %v, want bad request", req.Type, err)
		}
	}
}

func TestPlanItemsDeduplicates(t *testing.T) {
	steps := []entity.RepairStep{
		{Instruction: "one", ToolsNeeded: []string{"screwdriver"}, MaterialsNeeded: []string{"electrical tape"}},
		{Instruction: "two", ToolsNeeded: []string{"screwdriver", "pliers"}},
	}

	items := planItems(steps)
	if len(items) != 3 {
		t.Fatalf("items = %v, want 3 unique entries", items)
	}
	if items[0] != "screwdriver" || items[1] != "electrical tape" || items[2] != "pliers" {
		t.Errorf("items = %v, want first-seen order", items)
	}
}

func TestSubscribeSurvivesConcurrentRetire(t *testing.T) {
	// Registration and the priming send share one critical section, so
	// retiring the session can never close a channel mid-prime.
	for i := 0; i < 200; i++ {
		e := testEngine()
		s := &sessionService{
			log:         testLogger(),
			engines:     map[string]*engine{e.id: e},
			subscribers: make(map[string]map[chan entity.Snapshot]struct{}),
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, cancel, err := s.Subscribe(e.id)
			if err != nil {
				return
			}
			<-ch
			cancel()
		}()
		go func() {
			defer wg.Done()
			s.retire(e.id)
		}()
		wg.Wait()
	}
}
