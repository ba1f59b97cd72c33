// Package store is the durable relational layer: users, messages, and
// reference edges, kept in SQLite. It records every message the bot
// sees regardless of whether a reply is sent.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// relevantMessageLimit caps how many recent messages the reference
// decision may consider.
const relevantMessageLimit = 50

type Store struct {
	db *gorm.DB
}

// Open creates or opens the SQLite database at path and migrates the
// schema. A single shared connection avoids writer lock contention
// under concurrent chat workers.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create db dir: %w", err)
	}

	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite db: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("store: sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := gdb.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("store: enable wal: %w", err)
	}
	if err := gdb.Exec("PRAGMA busy_timeout=5000").Error; err != nil {
		return nil, fmt.Errorf("store: busy timeout: %w", err)
	}

	if err := gdb.AutoMigrate(&User{}, &Message{}, &MessageReference{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: gdb}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertUser creates the user keyed by Telegram id, or refreshes the
// mutable profile fields of an existing row.
func (s *Store) UpsertUser(ctx context.Context, u User) (*User, error) {
	var existing User
	err := s.db.WithContext(ctx).Where("telegram_id = ?", u.TelegramID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		u.IsActive = true
		if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
			return nil, fmt.Errorf("store: create user: %w", err)
		}
		return &u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user: %w", err)
	}

	updates := map[string]any{
		"username":   u.Username,
		"first_name": u.FirstName,
		"last_name":  u.LastName,
	}
	if err := s.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("store: update user: %w", err)
	}
	existing.Username = u.Username
	existing.FirstName = u.FirstName
	existing.LastName = u.LastName
	return &existing, nil
}

// IncrementBotCounter bumps the throttle counter for a peer-bot author
// and returns the new value.
func (s *Store) IncrementBotCounter(ctx context.Context, telegramID int64) (int64, error) {
	res := s.db.WithContext(ctx).Model(&User{}).
		Where("telegram_id = ?", telegramID).
		UpdateColumn("bot_message_count", gorm.Expr("bot_message_count + 1"))
	if res.Error != nil {
		return 0, fmt.Errorf("store: increment bot counter: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("store: increment bot counter: unknown user %d", telegramID)
	}
	var u User
	if err := s.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&u).Error; err != nil {
		return 0, fmt.Errorf("store: reload bot counter: %w", err)
	}
	return u.BotMessageCount, nil
}

// RecordMessage stores a message row and returns it with its id set.
func (s *Store) RecordMessage(ctx context.Context, m Message) (*Message, error) {
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, fmt.Errorf("store: record message: %w", err)
	}
	return &m, nil
}

// AddReference links fromMessageID (a store id) to the stored message
// with the given Telegram message id in the same chat. Unknown targets
// are not an error; the edge is simply not recorded.
func (s *Store) AddReference(ctx context.Context, fromMessageID uint, chatID, toTelegramMessageID int64, refType string) error {
	var target Message
	err := s.db.WithContext(ctx).
		Where("telegram_message_id = ? AND chat_id = ?", toTelegramMessageID, chatID).
		Order("id DESC").
		First(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: find reference target: %w", err)
	}
	ref := MessageReference{
		FromMessageID: fromMessageID,
		ToMessageID:   target.ID,
		ReferenceType: refType,
	}
	if err := s.db.WithContext(ctx).Create(&ref).Error; err != nil {
		return fmt.Errorf("store: create reference: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit (max 50) non-deleted messages for
// a chat, newest first.
func (s *Store) RecentMessages(ctx context.Context, chatID int64, limit int) ([]RelevantMessage, error) {
	if limit <= 0 || limit > relevantMessageLimit {
		limit = relevantMessageLimit
	}
	var rows []Message
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND is_deleted = ?", chatID, false).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	out := make([]RelevantMessage, 0, len(rows))
	for _, m := range rows {
		out = append(out, RelevantMessage{
			ID:         m.ID,
			TelegramID: m.TelegramMessageID,
			Text:       m.Text,
			UserID:     m.UserID,
			CreatedAt:  m.CreatedAt,
			IsReply:    m.IsReply,
			ReplyToID:  m.ReplyToMessageID,
		})
	}
	return out, nil
}

// MarkDeleted soft-deletes the stored message with the given Telegram
// message id so later reference candidates skip it.
func (s *Store) MarkDeleted(ctx context.Context, chatID, telegramMessageID int64) error {
	err := s.db.WithContext(ctx).Model(&Message{}).
		Where("telegram_message_id = ? AND chat_id = ?", telegramMessageID, chatID).
		UpdateColumn("is_deleted", true).Error
	if err != nil {
		return fmt.Errorf("store: mark deleted: %w", err)
	}
	return nil
}

// MessageCount reports how many messages a user has sent.
func (s *Store) MessageCount(ctx context.Context, userTelegramID int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Message{}).
		Where("user_id = ?", userTelegramID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: message count: %w", err)
	}
	return n, nil
}

// ActiveGroupChats lists group chat ids (negative Telegram ids) with
// activity since the given time.
func (s *Store) ActiveGroupChats(ctx context.Context, since time.Time) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&Message{}).
		Distinct("chat_id").
		Where("chat_id < 0 AND created_at > ?", since).
		Pluck("chat_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("store: active chats: %w", err)
	}
	return ids, nil
}

// ActiveUsers lists non-bot users with more than minMessages messages
// in the chat since the given time.
func (s *Store) ActiveUsers(ctx context.Context, chatID int64, since time.Time, minMessages int64) ([]User, error) {
	var users []User
	err := s.db.WithContext(ctx).Model(&User{}).
		Joins("JOIN messages ON messages.user_id = users.telegram_id").
		Where("messages.chat_id = ? AND messages.created_at > ? AND users.is_bot = ?", chatID, since, false).
		Group("users.telegram_id").
		Having("COUNT(messages.id) > ?", minMessages).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("store: active users: %w", err)
	}
	return users, nil
}

// RecentUserMessages returns a user's latest messages in a chat since
// the given time, newest first.
func (s *Store) RecentUserMessages(ctx context.Context, chatID, userTelegramID int64, since time.Time, limit int) ([]Message, error) {
	var rows []Message
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ? AND created_at > ?", chatID, userTelegramID, since).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: recent user messages: %w", err)
	}
	return rows, nil
}
