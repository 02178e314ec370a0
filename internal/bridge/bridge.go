// Package bridge exports a room's merged feed to a message bus.
package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/LastBotInc/coralie-feed-worker/internal/feed"
	"github.com/LastBotInc/coralie-feed-worker/internal/logging"
	"github.com/LastBotInc/coralie-feed-worker/internal/metrics"
)

const queueSize = 256

// Entry is the bus payload for one feed message.
type Entry struct {
	ID        string `json:"id"`
	Room      string `json:"room"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
	Sender    string `json:"sender,omitempty"`
	Origin    string `json:"origin"`
}

// Bridge forwards new and changed feed messages of one room to a topic.
// Each message id is published once per distinct text.
type Bridge struct {
	pub   message.Publisher
	topic string
	room  string

	mu        sync.Mutex
	published map[string]string // message id -> last published text
	detach    func()

	queue  chan Entry
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBridge creates a bridge publishing to topic.
func NewBridge(pub message.Publisher, topic, room string) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		pub:       pub,
		topic:     topic,
		room:      room,
		published: make(map[string]string),
		queue:     make(chan Entry, queueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the publishing loop and attaches to the feed. The current
// snapshot is forwarded immediately.
func (b *Bridge) Start(f *feed.Feed) {
	b.wg.Add(1)
	go b.publishLoop()

	b.Forward(f.Messages())
	detach := f.Subscribe(b.Forward)

	b.mu.Lock()
	b.detach = detach
	b.mu.Unlock()
	logging.Info(logging.CategoryBridge, "feed bridge started room=%s topic=%s", b.room, b.topic)
}

// Stop detaches from the feed, publishes what is already queued and stops
// the loop.
func (b *Bridge) Stop() {
	b.mu.Lock()
	detach := b.detach
	b.detach = nil
	b.mu.Unlock()
	if detach != nil {
		detach()
	}

	b.cancel()
	b.wg.Wait()
	logging.Info(logging.CategoryBridge, "feed bridge stopped room=%s", b.room)
}

// Forward queues every message of the snapshot that has not been published
// with its current text. It never blocks; a full queue drops the entry.
func (b *Bridge) Forward(msgs []feed.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, m := range msgs {
		if text, ok := b.published[m.ID]; ok && text == m.Text {
			continue
		}
		entry := Entry{
			ID:        m.ID,
			Room:      b.room,
			Timestamp: m.Timestamp,
			Text:      m.Text,
			Sender:    m.SenderIdentity(),
			Origin:    string(m.Origin),
		}
		select {
		case b.queue <- entry:
			b.published[m.ID] = m.Text
		default:
			metrics.BridgePublished.WithLabelValues("dropped").Inc()
			logging.Warning(logging.CategoryBridge, "bridge queue full, dropping entry room=%s id=%s", b.room, m.ID)
		}
	}
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			b.drain()
			return
		case entry := <-b.queue:
			b.publish(entry)
		}
	}
}

func (b *Bridge) drain() {
	for {
		select {
		case entry := <-b.queue:
			b.publish(entry)
		default:
			return
		}
	}
}

func (b *Bridge) publish(entry Entry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		metrics.BridgePublished.WithLabelValues("error").Inc()
		logging.Error(logging.CategoryBridge, "failed to encode entry id=%s: %v", entry.ID, err)
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("room", entry.Room)
	msg.Metadata.Set("origin", entry.Origin)

	if err := b.pub.Publish(b.topic, msg); err != nil {
		metrics.BridgePublished.WithLabelValues("error").Inc()
		logging.Error(logging.CategoryBridge, "failed to publish entry id=%s topic=%s: %v", entry.ID, b.topic, errors.Wrap(err, "publish"))
		return
	}
	metrics.BridgePublished.WithLabelValues("ok").Inc()
}
