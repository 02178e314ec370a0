// Package transcribe provides the hook point where completed transcription
// segments from the room enter the feed.
package transcribe

import (
	"github.com/LastBotInc/coralie-feed-worker/internal/feed"
	"github.com/LastBotInc/coralie-feed-worker/internal/logging"
)

// Text stream topics used by LiveKit agents and clients.
const (
	TopicTranscription = "lk.transcription"
	TopicChat          = "lk.chat"
)

// Tap is the interface for receiving transcription segments.
type Tap interface {
	// OnSegment is called once per completed transcription text stream.
	OnSegment(unit feed.TranscriptionUnit)
}

// NoopTap is a no-op implementation that does nothing.
type NoopTap struct{}

// OnSegment implements Tap interface (no-op).
func (n *NoopTap) OnSegment(unit feed.TranscriptionUnit) {}

// NewNoopTap creates a new no-op tap.
func NewNoopTap() Tap {
	return &NoopTap{}
}

// LogTap stores segments in a transcript log that a feed reads from.
type LogTap struct {
	log *feed.TranscriptLog
}

// NewLogTap creates a tap writing into log.
func NewLogTap(log *feed.TranscriptLog) *LogTap {
	return &LogTap{log: log}
}

// OnSegment implements Tap.
func (t *LogTap) OnSegment(unit feed.TranscriptionUnit) {
	logging.Debug(logging.CategoryTranscribe, "segment streamID=%s speaker=%s size=%d", unit.StreamID, unit.SpeakerIdentity, len(unit.Text))
	t.log.Put(unit)
}

// Log returns the underlying transcript log.
func (t *LogTap) Log() *feed.TranscriptLog {
	return t.log
}

// Segment builds a transcription unit from a finished text stream.
func Segment(streamID string, timestampMs int64, text, speakerIdentity string) feed.TranscriptionUnit {
	return feed.TranscriptionUnit{
		StreamID:        streamID,
		Timestamp:       timestampMs,
		Text:            text,
		SpeakerIdentity: speakerIdentity,
	}
}
