// Package csvlog persists every chat message in a single CSV file.
//
// The file starts with the header chat_id,timestamp,is_ai,text and holds one
// row per message. Files written before multi-chat support use the header
// timestamp,is_ai,text; Load migrates them in place exactly once.
package csvlog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
)

var (
	// Header is the current schema.
	Header = []string{"chat_id", "timestamp", "is_ai", "text"}
	// LegacyHeader is the single-chat schema.
	LegacyHeader = []string{"timestamp", "is_ai", "text"}
)

// Store reads and writes the chat log. It is safe for concurrent use.
type Store struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// New returns a Store for path. Nothing is touched until Load.
func New(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger.Named("csvlog")}
}

// Path returns the log file location.
func (s *Store) Path() string { return s.path }

type row struct {
	line   int
	fields []string
}

// Load reads every chat from the log. Chats are returned in order of first
// appearance; messages keep file order. A missing or empty file is
// initialised with the header. A legacy file is migrated into one freshly
// generated chat and rewritten under the current header.
func (s *Store) Load(ctx context.Context) ([]chat.Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.readRows()
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(rows) == 0) {
		s.logger.Info("initialising empty chat log", zap.String("path", s.path))
		if err := s.writeAll(nil); err != nil {
			return nil, s.fail("initialise", 0, err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	header := normaliseHeader(rows[0].fields)
	switch {
	case slices.Equal(header, Header):
		return s.parse(rows[1:])
	case slices.Equal(header, LegacyHeader):
		return s.migrate(rows[1:])
	default:
		return nil, s.fail("load", rows[0].line, fmt.Errorf("%w: %q", errUnknownHeader, strings.Join(rows[0].fields, ",")))
	}
}

// Save overwrites the log with every message of chats, in chat order and
// then message order. The file is replaced atomically.
func (s *Store) Save(ctx context.Context, chats []chat.Chat) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	records := make([]chat.Record, 0, countMessages(chats))
	for _, c := range chats {
		for _, msg := range c.Messages {
			records = append(records, chat.RecordOf(c.ID, msg))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeAll(records); err != nil {
		return s.fail("save", 0, err)
	}
	s.logger.Info("chat log saved",
		zap.String("path", s.path),
		zap.Int("chats", len(chats)),
		zap.Int("messages", len(records)),
	)
	return nil
}

// Append adds a single message row to the end of the log, writing the
// header first when the file does not exist yet.
func (s *Store) Append(ctx context.Context, chatID string, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return s.fail("append", 0, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return s.fail("append", 0, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			return s.fail("append", 0, err)
		}
	}
	if err := w.Write(encode(chat.RecordOf(chatID, msg))); err != nil {
		return s.fail("append", 0, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return s.fail("append", 0, err)
	}
	return nil
}

func (s *Store) readRows() ([]row, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, s.fail("open", 0, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var rows []row
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return nil, s.fail("load", parseErr.StartLine, parseErr.Err)
			}
			return nil, s.fail("load", 0, err)
		}
		line, _ := r.FieldPos(0)
		rows = append(rows, row{line: line, fields: fields})
	}
}

func (s *Store) parse(rows []row) ([]chat.Chat, error) {
	var (
		chats []chat.Chat
		index = make(map[string]int)
	)
	for _, r := range rows {
		rec, err := decode(r.fields)
		if err != nil {
			return nil, s.fail("load", r.line, err)
		}

		i, ok := index[rec.ChatID]
		if !ok {
			i = len(chats)
			index[rec.ChatID] = i
			chats = append(chats, chat.Chat{ID: rec.ChatID})
		}
		chats[i].Messages = append(chats[i].Messages, messageOf(rec))
	}

	s.logger.Info("chat log loaded",
		zap.String("path", s.path),
		zap.Int("chats", len(chats)),
		zap.Int("messages", len(rows)),
	)
	return chats, nil
}

func countMessages(chats []chat.Chat) int {
	n := 0
	for _, c := range chats {
		n += len(c.Messages)
	}
	return n
}

// writeAll replaces the log with header plus records via a temp file.
func (s *Store) writeAll(records []chat.Record) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := csv.NewWriter(tmp)
	if err := w.Write(Header); err != nil {
		tmp.Close()
		return err
	}
	for _, rec := range records {
		if err := w.Write(encode(rec)); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

func (s *Store) fail(op string, line int, err error) error {
	return &PersistenceError{Op: op, Path: s.path, Line: line, Err: err}
}

func normaliseHeader(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		if i == 0 {
			f = strings.TrimPrefix(f, "\ufeff")
		}
		out[i] = strings.ToLower(strings.TrimSpace(f))
	}
	return out
}
