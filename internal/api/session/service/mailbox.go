package sessionService

import (
	"sync"
	"time"
)

// frameMailbox is a single-slot buffer holding the most recent camera
// frame pushed by the device. Publishing overwrites the unconsumed frame:
// the loops always analyze the freshest view, never a backlog.
type frameMailbox struct {
	mu        sync.Mutex
	frame     []byte
	pushedAt  time.Time
	published uint64
	dropped   uint64
}

func newFrameMailbox() *frameMailbox {
	return &frameMailbox{}
}

func (m *frameMailbox) Publish(frame []byte) {
	if len(frame) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frame != nil {
		m.dropped++
	}
	m.frame = frame
	m.pushedAt = time.Now()
	m.published++
}

// Latest returns the most recent frame without consuming it; frames stay
// available for back-to-back analyses (identity check then completion
// check can reuse the same view).
func (m *frameMailbox) Latest() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frame
}

func (m *frameMailbox) Age() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pushedAt.IsZero() {
		return 0
	}
	return time.Since(m.pushedAt)
}

func (m *frameMailbox) Stats() (published, dropped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published, m.dropped
}
