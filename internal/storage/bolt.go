package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"streamchat/internal/chat"
)

var (
	bucketChats     = []byte("chats")
	bucketByCreated = []byte("by-created")
)

// BoltStore is a single-file embedded backend. The by-created bucket is keyed
// by big-endian createdAt followed by the chat id, so a cursor walk yields
// creation order with id as the tiebreak.
type BoltStore struct {
	db     *bolt.DB
	opts   Options
	closed atomic.Bool
}

var _ chat.Store = (*BoltStore)(nil)

func OpenBolt(path string, opts Options) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt path is empty")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketChats); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketByCreated)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &BoltStore{db: db, opts: opts.withDefaults()}, nil
}

func indexKey(createdAt int64, id string) []byte {
	k := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(createdAt))
	copy(k[8:], id)
	return k
}

func (s *BoltStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil || s.closed.Load() {
		return chat.ErrStorageUnavailable
	}
	return ctx.Err()
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) Create(ctx context.Context, id, title string) (chat.Chat, error) {
	if err := s.ready(ctx); err != nil {
		return chat.Chat{}, err
	}
	if err := validateID(id); err != nil {
		return chat.Chat{}, err
	}
	c := chat.Chat{ID: id, Title: title, CreatedAt: s.opts.nowMillis(), Messages: []chat.Message{}}
	b, err := marshalRecord(c, s.opts.Cipher)
	if err != nil {
		return chat.Chat{}, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		chats := tx.Bucket(bucketChats)
		if chats.Get([]byte(id)) != nil {
			return chat.ErrDuplicateID
		}
		if err := chats.Put([]byte(id), b); err != nil {
			return err
		}
		return tx.Bucket(bucketByCreated).Put(indexKey(c.CreatedAt, id), []byte(id))
	})
	if err != nil {
		return chat.Chat{}, err
	}
	return c, nil
}

func (s *BoltStore) Get(ctx context.Context, id string) (chat.Chat, bool, error) {
	if err := s.ready(ctx); err != nil {
		return chat.Chat{}, false, err
	}
	var c chat.Chat
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChats).Get([]byte(id))
		if b == nil {
			return nil
		}
		var err error
		c, err = unmarshalRecord(b, s.opts.Cipher)
		found = err == nil
		return err
	})
	if err != nil {
		return chat.Chat{}, false, fmt.Errorf("get chat: %w", err)
	}
	return c, found, nil
}

func (s *BoltStore) mutate(id string, fn func(c *chat.Chat) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		chats := tx.Bucket(bucketChats)
		b := chats.Get([]byte(id))
		if b == nil {
			return chat.ErrNotFound
		}
		c, err := unmarshalRecord(b, s.opts.Cipher)
		if err != nil {
			return err
		}
		if err := fn(&c); err != nil {
			return err
		}
		out, err := marshalRecord(c, s.opts.Cipher)
		if err != nil {
			return err
		}
		return chats.Put([]byte(id), out)
	})
}

func (s *BoltStore) Update(ctx context.Context, req chat.UpdateRequest) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	return s.mutate(req.ID, func(c *chat.Chat) error {
		req.Apply(c)
		return nil
	})
}

func (s *BoltStore) Delete(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		chats := tx.Bucket(bucketChats)
		b := chats.Get([]byte(id))
		if b == nil {
			return nil
		}
		var r record
		if err := json.Unmarshal(b, &r); err != nil {
			return fmt.Errorf("unmarshal chat record: %w", err)
		}
		if err := tx.Bucket(bucketByCreated).Delete(indexKey(r.CreatedAt, id)); err != nil {
			return err
		}
		return chats.Delete([]byte(id))
	})
}

func (s *BoltStore) List(ctx context.Context) ([]chat.Chat, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	out := make([]chat.Chat, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		chats := tx.Bucket(bucketChats)
		cur := tx.Bucket(bucketByCreated).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			b := chats.Get(v)
			if b == nil {
				continue
			}
			c, err := unmarshalRecord(b, s.opts.Cipher)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return out, nil
}

func (s *BoltStore) AppendMessage(ctx context.Context, chatID string, msg chat.Message) (chat.Message, error) {
	if err := s.ready(ctx); err != nil {
		return chat.Message{}, err
	}
	var stored chat.Message
	err := s.mutate(chatID, func(c *chat.Chat) error {
		stored = appendWithID(c, msg, s.opts.NewID)
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	return stored, nil
}
