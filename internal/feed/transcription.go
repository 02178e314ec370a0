package feed

import (
	"github.com/pkg/errors"
)

// ErrMalformedTranscription is returned for a transcription unit that
// cannot be turned into a message.
var ErrMalformedTranscription = errors.New("malformed transcription unit")

// TranscriptionUnit is one completed transcription segment.
type TranscriptionUnit struct {
	StreamID        string
	Timestamp       int64 // milliseconds, stamped by the transcription stream
	Text            string
	SpeakerIdentity string
}

// FromTranscription converts a transcription unit into a message, resolving
// the speaker against the roster snapshot.
func FromTranscription(unit TranscriptionUnit, roster Roster) (Message, error) {
	if unit.StreamID == "" {
		return Message{}, errors.Wrap(ErrMalformedTranscription, "empty stream id")
	}
	return Message{
		ID:        unit.StreamID,
		Timestamp: unit.Timestamp,
		Text:      unit.Text,
		Sender:    ResolveSender(roster, unit.SpeakerIdentity),
		Origin:    OriginTranscription,
	}, nil
}

// ResolveSender returns the local participant when identity matches it,
// otherwise the first remote participant with that identity, otherwise nil.
func ResolveSender(roster Roster, identity string) Participant {
	if roster == nil || identity == "" {
		return nil
	}
	if local := roster.LocalParticipant(); local != nil && local.Identity() == identity {
		return local
	}
	for _, p := range roster.RemoteParticipants() {
		if p != nil && p.Identity() == identity {
			return p
		}
	}
	return nil
}
