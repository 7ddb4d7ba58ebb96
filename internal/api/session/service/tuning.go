package sessionService

import (
	"os"
	"strconv"
	"time"
)

// Tuning collects the empirically tuned knobs of the engine: polling
// intervals, stability runs, attempt caps, cooldowns. Exact values are a
// product decision, not a correctness requirement; tests substitute their
// own.
type Tuning struct {
	// Frame capture loop
	FrameInterval        time.Duration
	FrameStaleAfter      time.Duration
	MatchConfidence      float64
	CompletionConfidence float64
	MatchRun             int
	MismatchRun          int
	CompletionRun        int
	HighlightGrace       int
	SoftHintAfter        int
	StrongHintAfter      int
	RateLimitCooldown    time.Duration

	// Substitute search loop
	SubstituteInterval    time.Duration
	SubstituteMaxAttempts int

	// Speech output queue
	SpeechDedupeWindow time.Duration
	PlaybackTimeout    time.Duration

	// Voice question channel
	QuestionCooldown time.Duration
	HistoryLimit     int

	// Presentation
	SnapshotTTL time.Duration
}

func DefaultTuning() Tuning {
	return Tuning{
		FrameInterval:        2500 * time.Millisecond,
		FrameStaleAfter:      15 * time.Second,
		MatchConfidence:      0.6,
		CompletionConfidence: 0.75,
		MatchRun:             2,
		MismatchRun:          3,
		CompletionRun:        2,
		HighlightGrace:       3,
		SoftHintAfter:        4,
		StrongHintAfter:      8,
		RateLimitCooldown:    30 * time.Second,

		SubstituteInterval:    4 * time.Second,
		SubstituteMaxAttempts: 5,

		SpeechDedupeWindow: 10 * time.Second,
		PlaybackTimeout:    30 * time.Second,

		QuestionCooldown: 5 * time.Second,
		HistoryLimit:     12,

		SnapshotTTL: 30 * time.Minute,
	}
}

// TuningFromEnv starts from defaults and applies env overrides for the
// knobs operators most often retune in the field.
func TuningFromEnv() Tuning {
	t := DefaultTuning()

	if v := os.Getenv("FRAME_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			t.FrameInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("SUBSTITUTE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			t.SubstituteMaxAttempts = n
		}
	}
	if v := os.Getenv("HIGHLIGHT_GRACE_FRAMES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			t.HighlightGrace = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_COOLDOWN_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			t.RateLimitCooldown = time.Duration(n) * time.Second
		}
	}

	return t
}
