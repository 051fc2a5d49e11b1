package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Username     string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type BookModel struct {
	ID             string `gorm:"primaryKey"`
	Title          string `gorm:"size:200;not null"`
	Author         string `gorm:"size:100;not null"`
	Genre          string `gorm:"size:50;not null"`
	Condition      string `gorm:"size:50;not null"`
	Thumbnail      string `gorm:"not null"`
	ThumbnailKey   string
	OwnerID        string    `gorm:"not null;index"`
	HolderID       string    `gorm:"not null;index"`
	PossessedSince time.Time `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

type RequestModel struct {
	ID          string    `gorm:"primaryKey"`
	RequesterID string    `gorm:"not null;uniqueIndex:idx_request_requester_book"`
	BookID      string    `gorm:"not null;index;uniqueIndex:idx_request_requester_book"`
	RequestedTo string    `gorm:"not null"`
	Status      string    `gorm:"not null;default:open"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
	CompletedAt *time.Time
}

type ChatMessageModel struct {
	ID        string    `gorm:"primaryKey"`
	RequestID string    `gorm:"not null;index"`
	SenderID  string    `gorm:"not null"`
	SentToID  string    `gorm:"not null"`
	Message   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

type RequestEventModel struct {
	ID         string `gorm:"primaryKey"`
	RequestID  string `gorm:"not null;index"`
	ActorID    string `gorm:"not null"`
	Action     string `gorm:"not null"`
	FromStatus string
	ToStatus   string `gorm:"not null"`
	Details    datatypes.JSON
	CreatedAt  time.Time `gorm:"not null;index"`
}
