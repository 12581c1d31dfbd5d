package csvlog

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
)

// migrate converts legacy single-chat rows into one new chat and rewrites
// the log under the current header. Once rewritten the header matches, so
// later loads never migrate again. Rows are validated before the file is
// touched.
func (s *Store) migrate(rows []row) ([]chat.Chat, error) {
	chatID := uuid.NewString()

	records := make([]chat.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := decodeLegacy(chatID, r.fields)
		if err != nil {
			return nil, s.fail("migrate", r.line, err)
		}
		records = append(records, rec)
	}

	if err := s.writeAll(records); err != nil {
		return nil, s.fail("migrate", 0, err)
	}

	s.logger.Info("migrated legacy chat log",
		zap.String("path", s.path),
		zap.String("chat_id", chatID),
		zap.Int("messages", len(records)),
	)

	if len(records) == 0 {
		return nil, nil
	}

	migrated := chat.Chat{ID: chatID, Messages: make([]chat.Message, 0, len(records))}
	for _, rec := range records {
		migrated.Messages = append(migrated.Messages, messageOf(rec))
	}
	return []chat.Chat{migrated}, nil
}
