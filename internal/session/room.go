// Package session binds a LiveKit room to the feed's Session contract.
package session

import (
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pkg/errors"

	"github.com/LastBotInc/coralie-feed-worker/internal/feed"
	"github.com/LastBotInc/coralie-feed-worker/internal/logging"
	"github.com/LastBotInc/coralie-feed-worker/internal/transcribe"
)

// ChatSink receives canonical chat messages.
type ChatSink interface {
	Append(msgs ...feed.Message)
}

// Options configures a Room.
type Options struct {
	// LossyTopics lists data topics whose packets are published lossy.
	// The SDK does not report the delivery kind per packet, so the topic
	// decides it; everything else is reliable.
	LossyTopics []string

	Tap  transcribe.Tap
	Chat ChatSink

	// OnRosterChange runs after a remote participant joins or leaves.
	OnRosterChange func()
	// OnDisconnected runs when the room connection is lost.
	OnDisconnected func()
}

// Room is a connected LiveKit room exposed as a feed.Session.
type Room struct {
	room *lksdk.Room
	name string

	lossy map[string]bool
	tap   transcribe.Tap
	chat  ChatSink
	opts  Options

	mu       sync.Mutex
	handlers map[uint64]feed.DataHandler
	order    []uint64
	nextID   uint64
}

func newRoom(name string, opts Options) *Room {
	r := &Room{
		name:     name,
		lossy:    make(map[string]bool, len(opts.LossyTopics)),
		tap:      opts.Tap,
		chat:     opts.Chat,
		opts:     opts,
		handlers: make(map[uint64]feed.DataHandler),
	}
	for _, t := range opts.LossyTopics {
		r.lossy[t] = true
	}
	if r.tap == nil {
		r.tap = transcribe.NewNoopTap()
	}
	return r
}

// Connect joins the room with an access token and wires data packets and
// text streams into the feed.
func Connect(url, token, roomName string, opts Options) (*Room, error) {
	r := newRoom(roomName, opts)

	callbacks := &lksdk.RoomCallback{
		OnDisconnected: func() {
			logging.Info(logging.CategorySession, "disconnected from room room=%s", r.name)
			if r.opts.OnDisconnected != nil {
				r.opts.OnDisconnected()
			}
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			logging.Info(logging.CategorySession, "participant connected identity=%s", rp.Identity())
			r.rosterChanged()
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			logging.Info(logging.CategorySession, "participant disconnected identity=%s", rp.Identity())
			r.rosterChanged()
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnDataPacket: r.handleDataPacket,
		},
	}

	// Media is not consumed; only data packets and text streams matter.
	room, err := lksdk.ConnectToRoomWithToken(url, token, callbacks, lksdk.WithAutoSubscribe(false))
	if err != nil {
		return nil, errors.Wrap(err, "connect to room")
	}
	r.room = room

	if err := room.RegisterTextStreamHandler(transcribe.TopicTranscription, r.handleTextStream); err != nil {
		room.Disconnect()
		return nil, errors.Wrap(err, "register transcription handler")
	}
	if err := room.RegisterTextStreamHandler(transcribe.TopicChat, r.handleTextStream); err != nil {
		room.Disconnect()
		return nil, errors.Wrap(err, "register chat handler")
	}

	logging.Info(logging.CategorySession, "connected to room room=%s identity=%s", room.Name(), room.LocalParticipant.Identity())
	return r, nil
}

// Name returns the room name.
func (r *Room) Name() string {
	return r.name
}

// Disconnect leaves the room and drops every data handler.
func (r *Room) Disconnect() {
	r.mu.Lock()
	r.handlers = make(map[uint64]feed.DataHandler)
	r.order = nil
	r.mu.Unlock()

	if r.room != nil {
		r.room.Disconnect()
	}
}

// LocalParticipant implements feed.Roster.
func (r *Room) LocalParticipant() feed.Participant {
	if r.room == nil || r.room.LocalParticipant == nil {
		return nil
	}
	return r.room.LocalParticipant
}

// RemoteParticipants implements feed.Roster.
func (r *Room) RemoteParticipants() []feed.Participant {
	if r.room == nil {
		return nil
	}
	remotes := r.room.GetRemoteParticipants()
	out := make([]feed.Participant, 0, len(remotes))
	for _, rp := range remotes {
		out = append(out, rp)
	}
	return out
}

// OnData implements feed.Session.
func (r *Room) OnData(handler feed.DataHandler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers[id] = handler
	r.order = append(r.order, id)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.handlers, id)
			for i, v := range r.order {
				if v == id {
					r.order = append(r.order[:i], r.order[i+1:]...)
					break
				}
			}
			r.mu.Unlock()
		})
	}
}

func (r *Room) handleDataPacket(packet lksdk.DataPacket, params lksdk.DataReceiveParams) {
	user, ok := packet.(*lksdk.UserDataPacket)
	if !ok {
		return
	}

	ev := feed.DataEvent{
		Payload: user.Payload,
		Kind:    KindFromProto(r.packetKind(user.Topic)),
	}
	// A typed nil would make the sender look attributed.
	if params.Sender != nil {
		ev.Sender = params.Sender
	} else if id := params.SenderIdentity; id != "" {
		// Senders not yet in the roster keep their identity.
		if p := feed.ResolveSender(r, id); p != nil {
			ev.Sender = p
		} else {
			ev.Sender = feed.ParticipantRef(id)
		}
	}
	r.dispatch(ev)
}

func (r *Room) packetKind(topic string) livekit.DataPacket_Kind {
	if r.lossy[topic] {
		return livekit.DataPacket_LOSSY
	}
	return livekit.DataPacket_RELIABLE
}

func (r *Room) dispatch(ev feed.DataEvent) {
	r.mu.Lock()
	handlers := make([]feed.DataHandler, 0, len(r.order))
	for _, id := range r.order {
		handlers = append(handlers, r.handlers[id])
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (r *Room) handleTextStream(reader *lksdk.TextStreamReader, participantIdentity string) {
	info := reader.Info
	text := reader.ReadAll()
	r.handleText(info.Topic, info.ID, info.Timestamp, text, participantIdentity)
}

func (r *Room) handleText(topic, streamID string, timestamp int64, text, identity string) {
	switch topic {
	case transcribe.TopicTranscription:
		r.tap.OnSegment(transcribe.Segment(streamID, timestamp, text, identity))
	case transcribe.TopicChat:
		if r.chat == nil {
			return
		}
		r.chat.Append(feed.Message{
			ID:        streamID,
			Timestamp: timestamp,
			Text:      text,
			Sender:    feed.ResolveSender(r, identity),
			Origin:    feed.OriginChat,
		})
	default:
		logging.Debug(logging.CategorySession, "ignoring text stream topic=%s streamID=%s", topic, streamID)
	}
}

func (r *Room) rosterChanged() {
	if r.opts.OnRosterChange != nil {
		r.opts.OnRosterChange()
	}
}

// KindFromProto maps the LiveKit packet kind to the feed's delivery kind.
func KindFromProto(kind livekit.DataPacket_Kind) feed.DataKind {
	switch kind {
	case livekit.DataPacket_RELIABLE:
		return feed.KindReliable
	case livekit.DataPacket_LOSSY:
		return feed.KindLossy
	default:
		return feed.KindUnknown
	}
}
