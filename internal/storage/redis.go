package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"streamchat/internal/chat"
)

const (
	defaultKeyPrefix = "streamchat:"
	maxTxAttempts    = 8
)

// RedisStore keeps one JSON record per chat and a sorted set ordering chats by
// creation time. Members sharing a score sort by id.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	opts   Options
	owned  bool
	closed atomic.Bool
}

var _ chat.Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, prefix string, opts Options) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{redis: rdb, prefix: prefix, opts: opts.withDefaults()}
}

// OpenRedis dials the redis URL and owns the resulting client.
func OpenRedis(ctx context.Context, url, prefix string, opts Options) (*RedisStore, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	s := NewRedisStore(rdb, prefix, opts)
	s.owned = true
	return s, nil
}

func (s *RedisStore) chatKey(id string) string { return s.prefix + "chat:" + id }
func (s *RedisStore) indexKey() string         { return s.prefix + "chats:by-created" }

func (s *RedisStore) ready() error {
	if s == nil || s.redis == nil || s.closed.Load() {
		return chat.ErrStorageUnavailable
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.owned {
		return s.redis.Close()
	}
	return nil
}

func (s *RedisStore) Create(ctx context.Context, id, title string) (chat.Chat, error) {
	if err := s.ready(); err != nil {
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
	ok, err := s.redis.SetNX(ctx, s.chatKey(id), b, 0).Result()
	if err != nil {
		return chat.Chat{}, fmt.Errorf("create chat setnx: %w", err)
	}
	if !ok {
		return chat.Chat{}, chat.ErrDuplicateID
	}
	if err := s.redis.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(c.CreatedAt), Member: id}).Err(); err != nil {
		_ = s.redis.Del(ctx, s.chatKey(id)).Err()
		return chat.Chat{}, fmt.Errorf("index chat: %w", err)
	}
	return c, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (chat.Chat, bool, error) {
	if err := s.ready(); err != nil {
		return chat.Chat{}, false, err
	}
	b, err := s.redis.Get(ctx, s.chatKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return chat.Chat{}, false, nil
		}
		return chat.Chat{}, false, fmt.Errorf("get chat: %w", err)
	}
	c, err := unmarshalRecord(b, s.opts.Cipher)
	if err != nil {
		return chat.Chat{}, false, err
	}
	return c, true, nil
}

// mutate runs fn against the current record inside an optimistic WATCH
// transaction, retrying when another writer touched the key.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(c *chat.Chat) error) error {
	key := s.chatKey(id)
	txf := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return chat.ErrNotFound
			}
			return fmt.Errorf("load chat: %w", err)
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
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxAttempts; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update chat %q: too many concurrent writers", id)
}

func (s *RedisStore) Update(ctx context.Context, req chat.UpdateRequest) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	return s.mutate(ctx, req.ID, func(c *chat.Chat) error {
		req.Apply(c)
		return nil
	})
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.chatKey(id))
		p.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]chat.Chat, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ids, err := s.redis.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list chat ids: %w", err)
	}
	out := make([]chat.Chat, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.chatKey(id)
	}
	vals, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load chats: %w", err)
	}
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// deleted between ZRANGE and MGET
			continue
		}
		c, err := unmarshalRecord([]byte(raw), s.opts.Cipher)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, chatID string, msg chat.Message) (chat.Message, error) {
	if err := s.ready(); err != nil {
		return chat.Message{}, err
	}
	var stored chat.Message
	err := s.mutate(ctx, chatID, func(c *chat.Chat) error {
		stored = appendWithID(c, msg, s.opts.NewID)
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	return stored, nil
}
