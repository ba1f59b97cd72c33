package store

import "time"

// User is a Telegram account the bot has seen at least once.
type User struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	TelegramID   int64  `gorm:"uniqueIndex;not null"`
	Username     string `gorm:"size:255"`
	FirstName    string `gorm:"size:255"`
	LastName     string `gorm:"size:255"`
	IsBot        bool   `gorm:"default:false"`
	LanguageCode string `gorm:"size:10"`
	IsActive     bool   `gorm:"default:true"`
	// BotMessageCount throttles replies to peer bots: it counts
	// consecutive unaddressed messages from a bot account and is only
	// ever incremented, wrapping by modulus at decision time.
	BotMessageCount int64 `gorm:"default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Message is the canonical durable record of one chat message,
// inbound or outbound.
type Message struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	TelegramMessageID int64  `gorm:"index;not null"`
	ChatID            int64  `gorm:"index;not null"`
	UserID            int64  `gorm:"not null"` // author's Telegram id
	Text              string `gorm:"type:text"`
	IsReply           bool   `gorm:"default:false"`
	ReplyToMessageID  int64
	IsBotMentioned    bool `gorm:"default:false"`
	IsDeleted         bool `gorm:"default:false"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// MessageReference is an edge tying one stored message to another
// (reply, forward, quote).
type MessageReference struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	FromMessageID uint   `gorm:"not null"`
	ToMessageID   uint   `gorm:"not null"`
	ReferenceType string `gorm:"size:50;not null"`
	CreatedAt     time.Time
}

// RelevantMessage is a transient projection of a stored message used
// by the reference decision. Recomputed per request, never persisted.
type RelevantMessage struct {
	ID         uint
	TelegramID int64
	Text       string
	UserID     int64
	CreatedAt  time.Time
	IsReply    bool
	ReplyToID  int64
}
