package csvlog

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
)

func encode(rec chat.Record) []string {
	return []string{rec.ChatID, rec.Timestamp, formatBool(rec.IsAI), rec.Text}
}

func decode(fields []string) (chat.Record, error) {
	if len(fields) != len(Header) {
		return chat.Record{}, fmt.Errorf("%w: got %d, want %d", errFieldCount, len(fields), len(Header))
	}
	if strings.TrimSpace(fields[0]) == "" {
		return chat.Record{}, errEmptyChatID
	}

	isAI, err := parseBool(fields[2])
	if err != nil {
		return chat.Record{}, err
	}
	return chat.Record{
		ChatID:    fields[0],
		Timestamp: fields[1],
		IsAI:      isAI,
		Text:      fields[3],
	}, nil
}

func decodeLegacy(chatID string, fields []string) (chat.Record, error) {
	if len(fields) != len(LegacyHeader) {
		return chat.Record{}, fmt.Errorf("%w: got %d, want %d", errFieldCount, len(fields), len(LegacyHeader))
	}
	return decode(append([]string{chatID}, fields...))
}

// messageOf rebuilds a Message from a row. Rows carry no id, so a fresh
// one is assigned.
func messageOf(rec chat.Record) chat.Message {
	return chat.Message{
		ID:        uuid.NewString(),
		Text:      rec.Text,
		Timestamp: rec.Timestamp,
		IsAI:      rec.IsAI,
	}
}

func formatBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid is_ai value %q", raw)
	}
}
