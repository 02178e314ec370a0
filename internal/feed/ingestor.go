package feed

import (
	"crypto/rand"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/LastBotInc/coralie-feed-worker/internal/logging"
	"github.com/LastBotInc/coralie-feed-worker/internal/metrics"
)

// DataIngestor turns reliable data-channel packets of one session into
// canonical messages and accumulates them in arrival order.
//
// The zero retention keeps every message for the lifetime of the ingestor.
type DataIngestor struct {
	mu         sync.Mutex
	session    Session
	cancel     func()
	generation uint64
	messages   []Message
	retention  int

	now     func() time.Time
	newID   func(time.Time) string
	obs     observers
	entropy *ulid.MonotonicEntropy
}

// IngestorOption configures a DataIngestor.
type IngestorOption func(*DataIngestor)

// WithRetention keeps only the newest n messages. n <= 0 means unbounded.
func WithRetention(n int) IngestorOption {
	return func(d *DataIngestor) {
		if n > 0 {
			d.retention = n
		}
	}
}

// WithClock overrides the wall clock used for receipt timestamps and ids.
func WithClock(now func() time.Time) IngestorOption {
	return func(d *DataIngestor) {
		d.now = now
	}
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(gen func(time.Time) string) IngestorOption {
	return func(d *DataIngestor) {
		d.newID = gen
	}
}

// NewDataIngestor creates an unsubscribed ingestor.
func NewDataIngestor(opts ...IngestorOption) *DataIngestor {
	d := &DataIngestor{
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	d.newID = d.ulidID
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ulidID is called with d.mu held; the monotonic entropy is not safe for
// concurrent use.
func (d *DataIngestor) ulidID(at time.Time) string {
	id, err := ulid.New(ulid.Timestamp(at), d.entropy)
	if err != nil {
		// Entropy overflow within one millisecond; fall back to a fresh reader.
		id = ulid.MustNew(ulid.Timestamp(at), rand.Reader)
	}
	return "data-" + id.String()
}

// Subscribe starts listening on session. Subscribing again to the same
// session is a no-op; a different session replaces the current one.
func (d *DataIngestor) Subscribe(session Session) {
	if session == nil {
		d.Unsubscribe()
		return
	}

	d.mu.Lock()
	if d.session == session && d.cancel != nil {
		d.mu.Unlock()
		return
	}
	prev := d.detachLocked()
	d.generation++
	gen := d.generation
	d.session = session
	d.mu.Unlock()

	if prev != nil {
		prev()
	}

	cancel := session.OnData(func(ev DataEvent) {
		d.handleData(gen, ev)
	})

	d.mu.Lock()
	if d.generation != gen {
		// Unsubscribed or replaced while registering.
		d.mu.Unlock()
		cancel()
		return
	}
	d.cancel = cancel
	d.mu.Unlock()

	logging.Debug(logging.CategoryFeed, "data ingestor subscribed")
}

// Unsubscribe removes the data handler. It is safe to call repeatedly.
func (d *DataIngestor) Unsubscribe() {
	d.mu.Lock()
	cancel := d.detachLocked()
	d.generation++
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		logging.Debug(logging.CategoryFeed, "data ingestor unsubscribed")
	}
}

func (d *DataIngestor) detachLocked() func() {
	cancel := d.cancel
	d.cancel = nil
	d.session = nil
	return cancel
}

// Subscribed reports whether a handler is registered.
func (d *DataIngestor) Subscribed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

// handleData processes one event delivered under subscription gen. Events
// from a torn-down subscription are discarded.
func (d *DataIngestor) handleData(gen uint64, ev DataEvent) {
	if ev.Kind != KindReliable || !d.current(gen) {
		return
	}

	if !utf8.Valid(ev.Payload) {
		metrics.DataMessages.WithLabelValues(metrics.ResultDecodeFailed).Inc()
		logging.Warning(logging.CategoryFeed, "failed to decode data message size=%d sender=%s: invalid utf-8", len(ev.Payload), identityOf(ev.Sender))
		return
	}
	text := string(ev.Payload)
	payload := ParsePayload(text)

	d.mu.Lock()
	if d.generation != gen || d.session == nil {
		d.mu.Unlock()
		return
	}
	sender := ev.Sender
	if sender == nil {
		sender = d.session.LocalParticipant()
	}
	at := d.now()
	msg := Message{
		ID:        d.newID(at),
		Timestamp: at.UnixMilli(),
		Text:      payload.Body(),
		Sender:    sender,
		Origin:    OriginData,
	}
	d.messages = append(d.messages, msg)
	if d.retention > 0 && len(d.messages) > d.retention {
		drop := len(d.messages) - d.retention
		d.messages = append(d.messages[:0:0], d.messages[drop:]...)
	}
	d.mu.Unlock()

	metrics.DataMessages.WithLabelValues(metrics.ResultAccepted).Inc()
	metrics.DataPayloads.WithLabelValues(variantOf(payload)).Inc()
	d.obs.notify()
}

func (d *DataIngestor) current(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation == gen && d.session != nil
}

// Messages returns a copy of the accumulated messages in arrival order.
func (d *DataIngestor) Messages() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Message, len(d.messages))
	copy(out, d.messages)
	return out
}

// OnChange registers fn to run after every accepted message or Clear.
func (d *DataIngestor) OnChange(fn func()) func() {
	return d.obs.add(fn)
}

// Clear drops all accumulated messages. The subscription is untouched.
func (d *DataIngestor) Clear() {
	d.mu.Lock()
	d.messages = nil
	d.mu.Unlock()
	d.obs.notify()
}

func variantOf(p Payload) string {
	if _, ok := p.(Structured); ok {
		return "structured"
	}
	return "raw"
}

func identityOf(p Participant) string {
	if p == nil {
		return "-"
	}
	return p.Identity()
}
