package session

import (
	"testing"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LastBotInc/coralie-feed-worker/internal/feed"
	"github.com/LastBotInc/coralie-feed-worker/internal/transcribe"
)

func TestKindFromProto(t *testing.T) {
	assert.Equal(t, feed.KindReliable, KindFromProto(livekit.DataPacket_RELIABLE))
	assert.Equal(t, feed.KindLossy, KindFromProto(livekit.DataPacket_LOSSY))
	assert.Equal(t, feed.KindUnknown, KindFromProto(livekit.DataPacket_Kind(99)))
}

func TestRoom_DataPacketsReachHandlers(t *testing.T) {
	r := newRoom("demo", Options{LossyTopics: []string{"cursor"}})

	var got []feed.DataEvent
	cancel := r.OnData(func(ev feed.DataEvent) { got = append(got, ev) })

	r.handleDataPacket(&lksdk.UserDataPacket{Payload: []byte("hi"), Topic: "chat"}, lksdk.DataReceiveParams{})
	r.handleDataPacket(&lksdk.UserDataPacket{Payload: []byte("xy"), Topic: "cursor"}, lksdk.DataReceiveParams{})

	require.Len(t, got, 2)
	assert.Equal(t, feed.KindReliable, got[0].Kind)
	assert.Nil(t, got[0].Sender, "unattributed packets carry no sender")
	assert.Equal(t, feed.KindLossy, got[1].Kind)

	cancel()
	cancel()
	r.handleDataPacket(&lksdk.UserDataPacket{Payload: []byte("late")}, lksdk.DataReceiveParams{})
	assert.Len(t, got, 2)
}

func TestRoom_FeedsIngestor(t *testing.T) {
	r := newRoom("demo", Options{})
	in := feed.NewDataIngestor()
	in.Subscribe(r)

	r.handleDataPacket(&lksdk.UserDataPacket{Payload: []byte(`{"message":"hi"}`)}, lksdk.DataReceiveParams{})
	msgs := in.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)

	in.Unsubscribe()
	r.handleDataPacket(&lksdk.UserDataPacket{Payload: []byte("ignored")}, lksdk.DataReceiveParams{})
	assert.Len(t, in.Messages(), 1)
}

func TestRoom_SenderIdentityOutsideRoster(t *testing.T) {
	r := newRoom("demo", Options{})
	in := feed.NewDataIngestor()
	in.Subscribe(r)
	defer in.Unsubscribe()

	r.handleDataPacket(&lksdk.UserDataPacket{Payload: []byte("hello")}, lksdk.DataReceiveParams{SenderIdentity: "bob"})

	msgs := in.Messages()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Sender)
	assert.Equal(t, "bob", msgs[0].SenderIdentity())
}

func TestRoom_TextStreamsRouteByTopic(t *testing.T) {
	transcripts := feed.NewTranscriptLog()
	chat := feed.NewMessageLog()
	r := newRoom("demo", Options{
		Tap:  transcribe.NewLogTap(transcripts),
		Chat: chat,
	})

	r.handleText(transcribe.TopicTranscription, "TR_1", 100, "spoken words", "alice")
	r.handleText(transcribe.TopicChat, "CH_1", 200, "typed words", "bob")
	r.handleText("something.else", "X_1", 300, "ignored", "carol")

	units := transcripts.Units()
	require.Len(t, units, 1)
	assert.Equal(t, "TR_1", units[0].StreamID)
	assert.Equal(t, "alice", units[0].SpeakerIdentity)

	msgs := chat.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, feed.Message{ID: "CH_1", Timestamp: 200, Text: "typed words", Origin: feed.OriginChat}, msgs[0])
}

func TestRoom_RosterWithoutConnection(t *testing.T) {
	r := newRoom("demo", Options{})
	assert.Nil(t, r.LocalParticipant())
	assert.Empty(t, r.RemoteParticipants())
	assert.Equal(t, "demo", r.Name())
}
