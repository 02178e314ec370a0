// Package feed merges transcriptions, chat and data-channel packets of a
// room into one timestamp-ordered message feed.
package feed

// Origin tells which room source produced a message.
type Origin string

const (
	OriginTranscription Origin = "transcription"
	OriginChat          Origin = "chat"
	OriginData          Origin = "data"
)

// Participant is a room member as seen from the feed. Messages keep the
// participant that was in the roster when they were normalized and never
// track later roster changes.
type Participant interface {
	Identity() string
}

// Message is the canonical feed record. Sender is nil when no participant
// matched at normalization time.
type Message struct {
	ID        string
	Timestamp int64 // milliseconds
	Text      string
	Sender    Participant
	Origin    Origin
}

// SenderIdentity returns the identity of the sender, or "" when unresolved.
func (m Message) SenderIdentity() string {
	if m.Sender == nil {
		return ""
	}
	return m.Sender.Identity()
}

// ParticipantRef is a Participant known only by its identity. It is used by
// sources that receive an identity string without a roster object.
type ParticipantRef string

// Identity implements Participant.
func (p ParticipantRef) Identity() string {
	return string(p)
}
