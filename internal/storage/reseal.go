package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"streamchat/internal/chat"
	"streamchat/internal/crypto"
)

// rawLister exposes the stored messages document of every chat so stale
// encryption can be detected without decrypting.
type rawLister interface {
	rawMessages(ctx context.Context) (map[string]string, error)
}

func needsReseal(raw string, cipher *crypto.Manager) bool {
	if cipher == nil {
		return false
	}
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return true
	}
	return cipher.NeedsReseal(raw)
}

// Reseal rewrites every chat whose messages are plaintext or sealed with a
// retired key so they are encrypted under the current key of cipher. The
// store must have been opened with the same cipher.
func Reseal(ctx context.Context, store chat.Store, cipher *crypto.Manager) (int, error) {
	if cipher == nil {
		return 0, errors.New("reseal: no encryption key configured")
	}
	rl, ok := store.(rawLister)
	if !ok {
		return 0, fmt.Errorf("reseal: store %T does not expose raw records", store)
	}
	raw, err := rl.rawMessages(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for id, doc := range raw {
		if !needsReseal(doc, cipher) {
			continue
		}
		c, found, err := store.Get(ctx, id)
		if err != nil {
			return n, fmt.Errorf("reseal chat %s: %w", id, err)
		}
		if !found {
			continue
		}
		err = store.Update(ctx, chat.UpdateRequest{ID: id, Messages: c.Messages, UpdateMask: []string{chat.FieldMessages}})
		if err != nil && !errors.Is(err, chat.ErrNotFound) {
			return n, fmt.Errorf("reseal chat %s: %w", id, err)
		}
		n++
	}
	return n, nil
}

func (s *SQLStore) rawMessages(ctx context.Context) (map[string]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	sqlStr, args, err := s.sql.Select("id", "messages").From("chats").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build raw messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list raw messages: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan raw messages: %w", err)
		}
		out[id] = doc
	}
	return out, rows.Err()
}

func (s *RedisStore) rawMessages(ctx context.Context) (map[string]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ids, err := s.redis.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list chat ids: %w", err)
	}
	out := map[string]string{}
	for _, id := range ids {
		b, err := s.redis.Get(ctx, s.chatKey(id)).Bytes()
		if err != nil {
			continue
		}
		var r record
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("unmarshal chat record: %w", err)
		}
		out[r.ID] = string(r.Messages)
	}
	return out, nil
}

func (s *BoltStore) rawMessages(ctx context.Context) (map[string]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	out := map[string]string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChats).ForEach(func(_, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal chat record: %w", err)
			}
			out[r.ID] = string(r.Messages)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
