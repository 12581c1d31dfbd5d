package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout renders UTC instants with microsecond precision; a literal
// "Z" is appended by FormatTimestamp.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Message is a single conversation turn. It is immutable once created.
type Message struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	IsAI      bool   `json:"is_ai"`
}

// NewMessage stamps text with a fresh id and the supplied instant. CRLF
// line breaks are stored as LF so the text reads back unchanged from the
// CSV log.
func NewMessage(text string, isAI bool, at time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Text:      NormalizeText(text),
		Timestamp: FormatTimestamp(at),
		IsAI:      isAI,
	}
}

// FormatTimestamp returns at as an ISO-8601 UTC string with a trailing "Z".
func FormatTimestamp(at time.Time) string {
	return at.UTC().Format(TimestampLayout) + "Z"
}

// NormalizeText rewrites CRLF line breaks as LF.
func NormalizeText(text string) string {
	return strings.ReplaceAll(text, "\r\n", "\n")
}
