package sessionService

import (
	"RepairLens/internal/entity"
	"RepairLens/pkg/audio"
	"RepairLens/pkg/s3"
	"RepairLens/pkg/utils"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// speechSynthesizer turns text into a hosted audio URL. The production
// implementation chains ElevenLabs synthesis and S3 upload.
type speechSynthesizer interface {
	Synthesize(text string) (string, error)
}

type elevenLabsSynthesizer struct {
	tts audio.ITTS
	s3  s3.ItfS3
	log *logrus.Logger
}

func newElevenLabsSynthesizer(tts audio.ITTS, s3Client s3.ItfS3, log *logrus.Logger) speechSynthesizer {
	return &elevenLabsSynthesizer{tts: tts, s3: s3Client, log: log}
}

func (s *elevenLabsSynthesizer) Synthesize(text string) (string, error) {
	data, err := s.tts.GenerateAudio(text)
	if err != nil {
		return "", err
	}

	url, err := s.s3.UploadBytes(data, ".mp3", "audio/mpeg")
	if err != nil {
		return "", err
	}

	return url, nil
}

type queuedUtterance struct {
	text  string
	force bool
}

// speechQueue serializes utterances so speech never overlaps. One
// utterance is in flight at a time; the next starts only after the client
// reports playback finished or the watchdog gives up waiting.
type speechQueue struct {
	log      *logrus.Logger
	tuning   Tuning
	synth    speechSynthesizer
	ids      utils.IUtils
	dispatch func(entity.Event)

	mu         sync.Mutex
	queue      []queuedUtterance
	inFlight   bool
	closed     bool
	lastSpoken map[string]time.Time

	playback chan string
}

func newSpeechQueue(log *logrus.Logger, tuning Tuning, synth speechSynthesizer, ids utils.IUtils, dispatch func(entity.Event)) *speechQueue {
	return &speechQueue{
		log:        log,
		tuning:     tuning,
		synth:      synth,
		ids:        ids,
		dispatch:   dispatch,
		lastSpoken: make(map[string]time.Time),
		playback:   make(chan string, 8),
	}
}

// Enqueue adds an utterance. Identical text spoken within the dedupe
// window is dropped unless force is set; user-triggered confirmations are
// always forced so they stay audible.
func (q *speechQueue) Enqueue(text string, force bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	if !force {
		if spokenAt, ok := q.lastSpoken[text]; ok && time.Since(spokenAt) < q.tuning.SpeechDedupeWindow {
			q.mu.Unlock()
			q.log.WithFields(logrus.Fields{
				"text": text,
			}).Debug("Dropping duplicate utterance inside cooldown window")
			return
		}
	}

	q.queue = append(q.queue, queuedUtterance{text: text, force: force})

	if q.inFlight {
		q.mu.Unlock()
		return
	}
	q.inFlight = true
	q.mu.Unlock()

	go q.drain()
}

// PlaybackFinished is called when the client reports it finished playing
// the given utterance.
func (q *speechQueue) PlaybackFinished(utteranceID string) {
	select {
	case q.playback <- utteranceID:
	default:
	}
}

func (q *speechQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.queue = nil
	q.mu.Unlock()
}

func (q *speechQueue) drain() {
	for {
		q.mu.Lock()
		if q.closed || len(q.queue) == 0 {
			q.inFlight = false
			q.mu.Unlock()
			return
		}
		next := q.queue[0]
		q.queue = q.queue[1:]
		q.lastSpoken[next.text] = time.Now()
		q.mu.Unlock()

		q.speak(next)
	}
}

func (q *speechQueue) speak(u queuedUtterance) {
	utteranceID, err := q.ids.NewULIDFromTimestamp(time.Now())
	if err != nil {
		utteranceID = "unknown"
	}

	audioURL, err := q.synth.Synthesize(u.text)
	if err != nil {
		q.log.WithFields(logrus.Fields{
			"error": err.Error(),
			"text":  u.text,
		}).Warn("Speech synthesis failed, delivering text-only utterance")
	}

	q.dispatch(entity.Event{
		Type:        entity.EventSpeechStarted,
		UtteranceID: utteranceID,
		Text:        u.text,
		AudioURL:    audioURL,
	})

	q.waitForPlayback(utteranceID)

	q.dispatch(entity.Event{
		Type:        entity.EventSpeechFinished,
		UtteranceID: utteranceID,
	})
}

func (q *speechQueue) waitForPlayback(utteranceID string) {
	timer := time.NewTimer(q.tuning.PlaybackTimeout)
	defer timer.Stop()

	for {
		select {
		case id := <-q.playback:
			// Acks for earlier utterances can race in after their
			// watchdog fired; skip them.
			if id == utteranceID {
				return
			}
		case <-timer.C:
			q.log.WithFields(logrus.Fields{
				"utterance_id": utteranceID,
			}).Debug("Playback ack timed out, advancing speech queue")
			return
		}
	}
}
