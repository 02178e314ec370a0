package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LastBotInc/coralie-feed-worker/internal/feed"
)

type stubSession struct {
	handler feed.DataHandler
}

func (s *stubSession) LocalParticipant() feed.Participant { return feed.ParticipantRef("agent-1") }
func (s *stubSession) RemoteParticipants() []feed.Participant {
	return []feed.Participant{feed.ParticipantRef("alice")}
}
func (s *stubSession) OnData(h feed.DataHandler) func() {
	s.handler = h
	return func() { s.handler = nil }
}

func TestPipeline_MergesAllSources(t *testing.T) {
	p := NewPipeline(0)
	s := &stubSession{}

	p.Transcripts.Put(feed.TranscriptionUnit{StreamID: "tr", Timestamp: 1, Text: "said", SpeakerIdentity: "alice"})
	require.Nil(t, p.Feed.Messages()[0].Sender, "no roster yet")

	p.Attach(s)
	assert.Equal(t, "alice", p.Feed.Messages()[0].SenderIdentity())

	p.Chat.Append(feed.Message{ID: "ch", Timestamp: 0, Text: "typed", Origin: feed.OriginChat})
	require.NotNil(t, s.handler)
	s.handler(feed.DataEvent{Payload: []byte(`{"message":"sent"}`), Kind: feed.KindReliable})

	msgs := p.Feed.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "typed", msgs[0].Text)
	assert.Equal(t, "said", msgs[1].Text)
	assert.Equal(t, "sent", msgs[2].Text)
	assert.Equal(t, "agent-1", msgs[2].SenderIdentity())

	p.Detach()
	assert.Nil(t, s.handler)
	assert.False(t, p.Data.Subscribed())
}
