package sessionService

import (
	"bytes"
	"testing"
)

func TestMailboxKeepsOnlyTheNewestFrame(t *testing.T) {
	m := newFrameMailbox()

	if m.Latest() != nil {
		t.Fatal("empty mailbox must return nil")
	}

	m.Publish([]byte("one"))
	m.Publish([]byte("two"))
	m.Publish([]byte("three"))

	if got := m.Latest(); !bytes.Equal(got, []byte("three")) {
		t.Fatalf("latest = %q, want the newest frame", got)
	}

	published, dropped := m.Stats()
	if published != 3 {
		t.Errorf("published = %d, want 3", published)
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}

func TestMailboxLatestDoesNotConsume(t *testing.T) {
	m := newFrameMailbox()
	m.Publish([]byte("frame"))

	if m.Latest() == nil || m.Latest() == nil {
		t.Fatal("repeated reads must keep returning the frame")
	}
}
