package chat

// Record is the durable projection of a Message plus its owning chat.
type Record struct {
	ChatID    string
	Timestamp string
	IsAI      bool
	Text      string
}

// RecordOf projects msg into a Record owned by chatID.
func RecordOf(chatID string, msg Message) Record {
	return Record{
		ChatID:    chatID,
		Timestamp: msg.Timestamp,
		IsAI:      msg.IsAI,
		Text:      msg.Text,
	}
}
