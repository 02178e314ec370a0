package feed

import (
	"slices"
	"sync"

	"github.com/LastBotInc/coralie-feed-worker/internal/logging"
	"github.com/LastBotInc/coralie-feed-worker/internal/metrics"
)

// Merge concatenates the given sequences in argument order and returns a new
// slice stably sorted by ascending timestamp. Messages with equal timestamps
// keep their concatenation order.
func Merge(sets ...[]Message) []Message {
	n := 0
	for _, s := range sets {
		n += len(s)
	}
	merged := make([]Message, 0, n)
	for _, s := range sets {
		merged = append(merged, s...)
	}
	slices.SortStableFunc(merged, func(a, b Message) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		default:
			return 0
		}
	})
	return merged
}

// Feed keeps the merged view of a room's transcription, chat and data
// sources. It recomputes whenever a source changes or the roster is replaced
// and hands every new snapshot to its subscribers.
type Feed struct {
	transcripts TranscriptSource
	chat        MessageSource
	data        MessageSource

	rebuildMu sync.Mutex

	mu      sync.Mutex
	roster  Roster
	current []Message
	detach  []func()
	closed  bool

	subsMu  sync.Mutex
	subsID  uint64
	subs    map[uint64]func([]Message)
	subsOrd []uint64
}

// NewFeed attaches to the three sources and computes the initial snapshot.
// Any source may be nil.
func NewFeed(roster Roster, transcripts TranscriptSource, chat MessageSource, data MessageSource) *Feed {
	f := &Feed{
		transcripts: transcripts,
		chat:        chat,
		data:        data,
		roster:      roster,
		subs:        make(map[uint64]func([]Message)),
	}
	if transcripts != nil {
		f.detach = append(f.detach, transcripts.OnChange(f.Rebuild))
	}
	if chat != nil {
		f.detach = append(f.detach, chat.OnChange(f.Rebuild))
	}
	if data != nil {
		f.detach = append(f.detach, data.OnChange(f.Rebuild))
	}
	f.Rebuild()
	return f
}

// SetRoster replaces the roster used to resolve transcription speakers and
// rebuilds the feed.
func (f *Feed) SetRoster(roster Roster) {
	f.mu.Lock()
	f.roster = roster
	f.mu.Unlock()
	f.Rebuild()
}

// Rebuild recomputes the merged snapshot and notifies subscribers.
func (f *Feed) Rebuild() {
	f.rebuildMu.Lock()
	defer f.rebuildMu.Unlock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	roster := f.roster
	f.mu.Unlock()

	var transcribed, chat, data []Message
	if f.transcripts != nil {
		transcribed = f.convertTranscripts(f.transcripts.Units(), roster)
	}
	if f.chat != nil {
		chat = f.chat.Messages()
	}
	if f.data != nil {
		data = f.data.Messages()
	}
	merged := Merge(transcribed, chat, data)

	f.mu.Lock()
	f.current = merged
	f.mu.Unlock()

	metrics.FeedRebuilds.Inc()
	metrics.FeedLength.Observe(float64(len(merged)))

	for _, fn := range f.subscribers() {
		fn(merged)
	}
}

func (f *Feed) convertTranscripts(units []TranscriptionUnit, roster Roster) []Message {
	out := make([]Message, 0, len(units))
	for _, u := range units {
		msg, err := FromTranscription(u, roster)
		if err != nil {
			metrics.TranscriptionsSkipped.Inc()
			logging.Warning(logging.CategoryFeed, "skipping transcription unit speaker=%s: %v", u.SpeakerIdentity, err)
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Messages returns the current snapshot. Callers must not modify it.
func (f *Feed) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Subscribe registers onUpdate for every future snapshot and returns the
// func that removes it. onUpdate runs synchronously inside Rebuild and must
// not call Rebuild or SetRoster.
func (f *Feed) Subscribe(onUpdate func([]Message)) (cancel func()) {
	f.subsMu.Lock()
	id := f.subsID
	f.subsID++
	f.subs[id] = onUpdate
	f.subsOrd = append(f.subsOrd, id)
	f.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.subsMu.Lock()
			delete(f.subs, id)
			f.subsOrd = slices.DeleteFunc(f.subsOrd, func(v uint64) bool { return v == id })
			f.subsMu.Unlock()
		})
	}
}

func (f *Feed) subscribers() []func([]Message) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	fns := make([]func([]Message), 0, len(f.subsOrd))
	for _, id := range f.subsOrd {
		fns = append(fns, f.subs[id])
	}
	return fns
}

// Close detaches the feed from its sources. Later source changes no longer
// rebuild the feed.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	detach := f.detach
	f.detach = nil
	f.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
}
