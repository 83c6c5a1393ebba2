package repositories

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"chat-hub/domain"
)

// MaxPageSize caps a single catch-up page.
const MaxPageSize = 100

type IMessageRepository interface {
	Append(message domain.Message) (uuid.UUID, error)
	List(roomID string, kind domain.RoomKind, after *time.Time, limit int) ([]domain.Message, error)
	MarkRead(roomID, readerID string) error
	CountUnread(roomID, readerID string) (int, error)
}

// MessageRepository is the durable, time-ordered message log.
//
// The key is formatted as "msg:{roomID}:{timestamp_padded}:{uuid}" to:
//  1. Ensure chronological sorting using 19-digit zero padding
//     (lexicographical order equals creation order).
//  2. Prevent data loss by using the UUID as a collision disconnector if
//     two messages land on the same nanosecond.
type MessageRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewMessageRepository(db *badger.DB, log *slog.Logger) MessageRepository {
	return MessageRepository{db: db, log: log}
}

// diskMessage is the stored record. Private messages persist only the
// envelope; the plaintext fields stay empty.
type diskMessage struct {
	ID         string             `json:"id"`
	RoomID     string             `json:"roomId"`
	Kind       domain.RoomKind    `json:"kind"`
	Username   string             `json:"username"`
	SenderID   string             `json:"senderId,omitempty"`
	Guest      bool               `json:"guest,omitempty"`
	Content    string             `json:"content,omitempty"`
	Attachment *domain.Attachment `json:"attachment,omitempty"`
	Encrypted  *domain.Envelope   `json:"encrypted,omitempty"`
	ReadBy     []string           `json:"readBy,omitempty"`
	At         int64              `json:"at"`
}

func messageKey(roomID string, at time.Time, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", roomID, at.UnixNano(), id))
}

func roomPrefix(roomID string) []byte {
	return []byte(fmt.Sprintf("msg:%s:", roomID))
}

// Append persists the message and returns its assigned id. The commit is
// durable before Append returns; broadcast must happen strictly after.
func (m MessageRepository) Append(message domain.Message) (uuid.UUID, error) {
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(fromMessage(message))
	if err != nil {
		return uuid.Nil, err
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(message.RoomID, message.CreatedAt, message.ID), data)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return message.ID, nil
}

// List returns up to limit messages of the given kind in ascending
// creation order. after is an exclusive lower bound for catch-up polling.
func (m MessageRepository) List(roomID string, kind domain.RoomKind, after *time.Time, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	var records []diskMessage
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := roomPrefix(roomID)
		seekKey := prefix
		if after != nil {
			// Seek just past the last nanosecond of the cursor.
			seekKey = []byte(fmt.Sprintf("msg:%s:%019d", roomID, after.UnixNano()+1))
		}

		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if len(records) == limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var record diskMessage
				if err := json.Unmarshal(val, &record); err != nil {
					return err
				}
				if record.Kind == kind {
					records = append(records, record)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(records))
	for _, record := range records {
		message, err := toMessage(record)
		if err != nil {
			m.log.Warn("Skipping undecodable message record", "roomId", roomID, "err", err)
			continue
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// MarkRead adds readerID to the readBy set of every private message in
// the room. Re-adding an existing reader is a no-op, so repeated read
// events are harmless.
func (m MessageRepository) MarkRead(roomID, readerID string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := roomPrefix(roomID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var record diskMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				return err
			}
			if record.Kind != domain.RoomPrivate || lo.Contains(record.ReadBy, readerID) {
				continue
			}
			record.ReadBy = append(record.ReadBy, readerID)
			data, err := json.Marshal(record)
			if err != nil {
				return err
			}
			if err = txn.Set(item.KeyCopy(nil), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountUnread counts private messages sent by someone else that readerID
// has not read yet.
func (m MessageRepository) CountUnread(roomID, readerID string) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := roomPrefix(roomID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var record diskMessage
				if err := json.Unmarshal(val, &record); err != nil {
					return err
				}
				if record.Kind == domain.RoomPrivate &&
					record.SenderID != readerID &&
					!lo.Contains(record.ReadBy, readerID) {
					count++
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return count, err
}

func fromMessage(message domain.Message) diskMessage {
	return diskMessage{
		ID:         message.ID.String(),
		RoomID:     message.RoomID,
		Kind:       message.Kind,
		Username:   message.Sender,
		SenderID:   message.SenderID,
		Guest:      message.Guest,
		Content:    message.Content,
		Attachment: message.Attachment,
		Encrypted:  message.Encrypted,
		ReadBy:     message.ReadBy,
		At:         message.CreatedAt.UnixNano(),
	}
}

func toMessage(record diskMessage) (domain.Message, error) {
	parsedID, err := uuid.Parse(record.ID)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:         parsedID,
		RoomID:     record.RoomID,
		Kind:       record.Kind,
		Sender:     record.Username,
		SenderID:   record.SenderID,
		Guest:      record.Guest,
		Content:    record.Content,
		Attachment: record.Attachment,
		Encrypted:  record.Encrypted,
		ReadBy:     record.ReadBy,
		CreatedAt:  time.Unix(0, record.At).UTC(),
	}, nil
}
