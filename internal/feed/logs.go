package feed

import (
	"sync"
)

// MessageSource is an ordered sequence of canonical messages that announces
// when it changes.
type MessageSource interface {
	Messages() []Message
	OnChange(fn func()) (cancel func())
}

// TranscriptSource is a sequence of raw transcription units that announces
// when it changes.
type TranscriptSource interface {
	Units() []TranscriptionUnit
	OnChange(fn func()) (cancel func())
}

// MessageLog is an append-only in-memory MessageSource. The chat binding
// writes canonical chat messages into it.
type MessageLog struct {
	mu       sync.RWMutex
	messages []Message
	obs      observers
}

// NewMessageLog creates an empty log.
func NewMessageLog() *MessageLog {
	return &MessageLog{}
}

// Append adds messages and notifies observers.
func (l *MessageLog) Append(msgs ...Message) {
	if len(msgs) == 0 {
		return
	}
	l.mu.Lock()
	l.messages = append(l.messages, msgs...)
	l.mu.Unlock()
	l.obs.notify()
}

// Messages returns a copy of the log.
func (l *MessageLog) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

func (l *MessageLog) OnChange(fn func()) func() {
	return l.obs.add(fn)
}

// TranscriptLog holds transcription units in arrival order. A unit whose
// stream id is already present replaces the earlier version in place.
type TranscriptLog struct {
	mu    sync.RWMutex
	units []TranscriptionUnit
	index map[string]int
	obs   observers
}

// NewTranscriptLog creates an empty log.
func NewTranscriptLog() *TranscriptLog {
	return &TranscriptLog{index: make(map[string]int)}
}

// Put inserts or replaces a unit and notifies observers.
func (l *TranscriptLog) Put(unit TranscriptionUnit) {
	l.mu.Lock()
	if i, ok := l.index[unit.StreamID]; ok && unit.StreamID != "" {
		l.units[i] = unit
	} else {
		if unit.StreamID != "" {
			l.index[unit.StreamID] = len(l.units)
		}
		l.units = append(l.units, unit)
	}
	l.mu.Unlock()
	l.obs.notify()
}

// Units returns a copy of the log.
func (l *TranscriptLog) Units() []TranscriptionUnit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]TranscriptionUnit, len(l.units))
	copy(out, l.units)
	return out
}

func (l *TranscriptLog) OnChange(fn func()) func() {
	return l.obs.add(fn)
}
