package sessionHandler

import (
	"errors"
	"testing"

	"RepairLens/internal/api/session"
)

func TestFrameIngestFatal(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"missing session ends the stream", session.ErrSessionNotFound, true},
		{"bad frame is skipped", session.ErrBadRequest, false},
		{"unclassified error is skipped", errors.New("boom"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := frameIngestFatal(tc.err); got != tc.fatal {
				t.Errorf("frameIngestFatal(%v) = %v, want %v", tc.err, got, tc.fatal)
			}
		})
	}
}
