package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LastBotInc/coralie-feed-worker/internal/feed"
)

func receive(t *testing.T, ch <-chan *message.Message) Entry {
	t.Helper()
	select {
	case msg := <-ch:
		var e Entry
		require.NoError(t, json.Unmarshal(msg.Payload, &e))
		msg.Ack()
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus message")
		return Entry{}
	}
}

func TestBridge_PublishesNewAndChangedEntries(t *testing.T) {
	bus := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	defer bus.Close()

	topic := Topic("feed", "demo")
	ch, err := bus.Subscribe(context.Background(), topic)
	require.NoError(t, err)

	chat := feed.NewMessageLog()
	transcripts := feed.NewTranscriptLog()
	chat.Append(feed.Message{ID: "c1", Timestamp: 1, Text: "hello", Sender: feed.ParticipantRef("alice"), Origin: feed.OriginChat})

	f := feed.NewFeed(nil, transcripts, chat, nil)
	defer f.Close()

	b := NewBridge(bus, topic, "demo")
	b.Start(f)

	first := receive(t, ch)
	assert.Equal(t, Entry{ID: "c1", Room: "demo", Timestamp: 1, Text: "hello", Sender: "alice", Origin: "chat"}, first)

	transcripts.Put(feed.TranscriptionUnit{StreamID: "t1", Timestamp: 2, Text: "par"})
	assert.Equal(t, "par", receive(t, ch).Text)

	// Unchanged entries are not republished; a refreshed segment is.
	transcripts.Put(feed.TranscriptionUnit{StreamID: "t1", Timestamp: 2, Text: "partial done"})
	got := receive(t, ch)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, "partial done", got.Text)
	assert.Equal(t, "transcription", got.Origin)

	b.Stop()
	chat.Append(feed.Message{ID: "c2", Timestamp: 3, Text: "after stop"})

	select {
	case msg := <-ch:
		t.Fatalf("unexpected message after stop: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "feed.room-1", Topic("feed", "room-1"))
	assert.Equal(t, "room-1", Topic("", "room-1"))
}

func TestNewPublisher_InProcess(t *testing.T) {
	pub, err := NewPublisher("")
	require.NoError(t, err)
	require.NotNil(t, pub)
	assert.NoError(t, pub.Publish("nobody-listens", message.NewMessage(watermill.NewUUID(), []byte("{}"))))
	assert.NoError(t, pub.Close())
}
