package chat

// Chat is an ordered conversation. Slice order is the conversation order;
// timestamps are informational only.
type Chat struct {
	ID       string    `json:"chat_id"`
	Messages []Message `json:"messages"`
}

// Clone returns a copy whose message slice does not alias c.
func (c Chat) Clone() Chat {
	messages := make([]Message, len(c.Messages))
	copy(messages, c.Messages)
	return Chat{ID: c.ID, Messages: messages}
}
