package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/MegaGrindStone/prompt-lab/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the chat history store using a BoltDB backend. Chats live in a single bucket,
// and every chat owns a bucket of messages keyed by an increasing sequence number, so messages are
// always read back in the order they were appended.
type BoltDB struct {
	db *bolt.DB
}

var chatsBucket = []byte("chats")

// ErrChatNotFound is returned when a chat looked up or appended to doesn't exist.
var ErrChatNotFound = models.ErrChatNotFound

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

type storedChat struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Key   uint64 `json:"key"`
}

// Chats retrieves all stored chats, the most recently created first.
func (b BoltDB) Chats(context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var sc storedChat
			if err := json.Unmarshal(v, &sc); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			chats = append(chats, models.Chat{ID: sc.ID, Title: sc.Title})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(chats)
	return chats, nil
}

// Chat retrieves the chat with the given ID, or ErrChatNotFound.
func (b BoltDB) Chat(_ context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(chatsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sc storedChat
			if err := json.Unmarshal(v, &sc); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			if sc.ID == chatID {
				chat = models.Chat{ID: sc.ID, Title: sc.Title}
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	})
	if err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// AddChat stores a new chat and creates its message bucket. The chat ID is kept as given.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (string, error) {
	if chat.ID == "" {
		return "", fmt.Errorf("chat id is required")
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)

		seq, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(storedChat{ID: chat.ID, Title: chat.Title, Key: seq})
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return bk.Put(sequenceKey(seq), v)
	})

	return chat.ID, err
}

// UpdateChat modifies the title of an existing chat. If the chat doesn't exist, the operation is
// silently ignored.
func (b BoltDB) UpdateChat(_ context.Context, chat models.Chat) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)

		c := bk.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sc storedChat
			if err := json.Unmarshal(v, &sc); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			if sc.ID != chat.ID {
				continue
			}

			sc.Title = chat.Title
			nv, err := json.Marshal(sc)
			if err != nil {
				return fmt.Errorf("failed to marshal chat: %w", err)
			}
			return bk.Put(k, nv)
		}
		return nil
	})
}

// Messages retrieves all messages associated with the specified chat ID, in the order they were added.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessages appends messages to the chat in a single transaction: either all of them are stored or
// none is.
func (b BoltDB) AddMessages(_ context.Context, chatID string, messages ...models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
		}

		for _, message := range messages {
			seq, err := bk.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}

			v, err := json.Marshal(message)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}

			if err := bk.Put(sequenceKey(seq), v); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
		}
		return nil
	})
}
