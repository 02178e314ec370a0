package transcribe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LastBotInc/coralie-feed-worker/internal/feed"
)

func TestLogTap_StoresSegments(t *testing.T) {
	tap := NewLogTap(feed.NewTranscriptLog())
	tap.OnSegment(Segment("s1", 10, "hello there", "alice"))
	tap.OnSegment(Segment("s2", 20, "   ", "bob"))

	units := tap.Log().Units()
	require.Len(t, units, 2)
	assert.Equal(t, feed.TranscriptionUnit{StreamID: "s1", Timestamp: 10, Text: "hello there", SpeakerIdentity: "alice"}, units[0])
	assert.Equal(t, "   ", units[1].Text, "whitespace-only segments are kept")
}

func TestNoopTap(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNoopTap().OnSegment(Segment("s", 1, "x", "y"))
	})
}
