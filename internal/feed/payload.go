package feed

import (
	"github.com/tidwall/gjson"
)

// Payload is the parsed body of a data-channel packet: either a structured
// object carrying a message field, or raw text.
type Payload interface {
	// Body is the text that becomes the message body.
	Body() string
}

// Structured is a JSON object with a non-empty string "message" field.
type Structured struct {
	Message string
}

func (s Structured) Body() string { return s.Message }

// Raw is decoded text used verbatim.
type Raw struct {
	Text string
}

func (r Raw) Body() string { return r.Text }

// ParsePayload classifies decoded packet text. JSON that is not an object, or
// an object whose "message" is missing, empty or not a string, falls back to
// the raw text.
func ParsePayload(text string) Payload {
	if !gjson.Valid(text) {
		return Raw{Text: text}
	}
	root := gjson.Parse(text)
	if !root.IsObject() {
		return Raw{Text: text}
	}
	msg := root.Get("message")
	if msg.Type != gjson.String || msg.Str == "" {
		return Raw{Text: text}
	}
	return Structured{Message: msg.Str}
}
