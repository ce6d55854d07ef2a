package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"streamchat/internal/chat"
)

var chatColumns = []string{"id", "title", "created_at", "messages"}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanChat(row rowScanner) (chat.Chat, error) {
	var c chat.Chat
	var raw string
	if err := row.Scan(&c.ID, &c.Title, &c.CreatedAt, &raw); err != nil {
		return chat.Chat{}, err
	}
	msgs, err := decodeMessages(raw, s.opts.Cipher, c.ID)
	if err != nil {
		return chat.Chat{}, fmt.Errorf("chat %q: %w", c.ID, err)
	}
	c.Messages = msgs
	return c, nil
}

func (s *SQLStore) Create(ctx context.Context, id, title string) (chat.Chat, error) {
	if err := s.ready(); err != nil {
		return chat.Chat{}, err
	}
	if err := validateID(id); err != nil {
		return chat.Chat{}, err
	}
	c := chat.Chat{ID: id, Title: title, CreatedAt: s.opts.nowMillis(), Messages: []chat.Message{}}
	msgs, err := encodeMessages(c.Messages, s.opts.Cipher, c.ID)
	if err != nil {
		return chat.Chat{}, err
	}

	q := s.sql.Insert("chats").
		Columns(chatColumns...).
		Values(c.ID, c.Title, c.CreatedAt, msgs).
		Suffix("ON CONFLICT(id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return chat.Chat{}, fmt.Errorf("build create chat query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return chat.Chat{}, fmt.Errorf("create chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return chat.Chat{}, fmt.Errorf("create chat rows affected: %w", err)
	}
	if n == 0 {
		return chat.Chat{}, chat.ErrDuplicateID
	}
	return c, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (chat.Chat, bool, error) {
	if err := s.ready(); err != nil {
		return chat.Chat{}, false, err
	}
	q := s.sql.Select(chatColumns...).From("chats").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return chat.Chat{}, false, fmt.Errorf("build get chat query: %w", err)
	}
	c, err := s.scanChat(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Chat{}, false, nil
		}
		return chat.Chat{}, false, fmt.Errorf("get chat: %w", err)
	}
	return c, true, nil
}

func (s *SQLStore) Update(ctx context.Context, req chat.UpdateRequest) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	set := map[string]any{}
	if req.Has(chat.FieldTitle) {
		set["title"] = req.Title
	}
	if req.Has(chat.FieldMessages) {
		msgs, err := encodeMessages(req.Messages, s.opts.Cipher, req.ID)
		if err != nil {
			return err
		}
		set["messages"] = msgs
	}
	if len(set) == 0 {
		_, found, err := s.Get(ctx, req.ID)
		if err != nil {
			return err
		}
		if !found {
			return chat.ErrNotFound
		}
		return nil
	}

	q := s.sql.Update("chats").SetMap(set).Where(sq.Eq{"id": req.ID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update chat query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update chat rows affected: %w", err)
	}
	if n == 0 {
		return chat.ErrNotFound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	sqlStr, args, err := s.sql.Delete("chats").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete chat query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]chat.Chat, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := s.sql.Select(chatColumns...).From("chats").OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chats query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Chat, 0)
	for rows.Next() {
		c, err := s.scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return out, nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, chatID string, msg chat.Message) (chat.Message, error) {
	if err := s.ready(); err != nil {
		return chat.Message{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := s.sql.Select(chatColumns...).From("chats").Where(sq.Eq{"id": chatID})
	if s.driver == DriverPostgres {
		q = q.Suffix("FOR UPDATE")
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return chat.Message{}, fmt.Errorf("build append select query: %w", err)
	}
	c, err := s.scanChat(tx.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Message{}, chat.ErrNotFound
		}
		return chat.Message{}, fmt.Errorf("load chat for append: %w", err)
	}

	stored := appendWithID(&c, msg, s.opts.NewID)
	raw, err := encodeMessages(c.Messages, s.opts.Cipher, chatID)
	if err != nil {
		return chat.Message{}, err
	}
	upd, uargs, err := s.sql.Update("chats").Set("messages", raw).Where(sq.Eq{"id": chatID}).ToSql()
	if err != nil {
		return chat.Message{}, fmt.Errorf("build append update query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upd, uargs...); err != nil {
		return chat.Message{}, fmt.Errorf("append message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("commit append tx: %w", err)
	}
	return stored, nil
}
