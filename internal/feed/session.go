package feed

// DataKind is the delivery classification of a data-channel packet.
type DataKind int

const (
	KindUnknown DataKind = iota
	KindReliable
	KindLossy
)

func (k DataKind) String() string {
	switch k {
	case KindReliable:
		return "reliable"
	case KindLossy:
		return "lossy"
	default:
		return "unknown"
	}
}

// DataEvent is one inbound data-channel packet. Sender is nil when the
// transport could not attribute the packet.
type DataEvent struct {
	Payload []byte
	Sender  Participant
	Kind    DataKind
}

// DataHandler receives data events from a session.
type DataHandler func(DataEvent)

// Roster is a snapshot view of the session members.
type Roster interface {
	LocalParticipant() Participant
	RemoteParticipants() []Participant
}

// Session is the room handle the feed reads from. OnData registers a handler
// and returns the func that removes it.
type Session interface {
	Roster
	OnData(handler DataHandler) (cancel func())
}
