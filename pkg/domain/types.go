package domain

import "time"

type RequestStatus string

const (
	StatusOpen            RequestStatus = "open"
	StatusAccepted        RequestStatus = "accepted"
	StatusRejected        RequestStatus = "rejected"
	StatusReturnInitiated RequestStatus = "return_initiated"
	StatusCompleted       RequestStatus = "completed"
)

// Valid reports whether s is one of the known request statuses.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusAccepted, StatusRejected, StatusReturnInitiated, StatusCompleted:
		return true
	}
	return false
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Book is a catalog entry. OwnerID holds the rights, HolderID has the copy.
type Book struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Author         string    `json:"author"`
	Genre          string    `json:"genre"`
	Condition      string    `json:"condition"`
	Thumbnail      string    `json:"thumbnail"`
	ThumbnailKey   string    `json:"-"`
	OwnerID        string    `json:"ownerId"`
	HolderID       string    `json:"holderId"`
	PossessedSince time.Time `json:"possessedSince"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Request is a borrow proposal. RequestedTo is frozen at creation time.
type Request struct {
	ID          string        `json:"id"`
	RequesterID string        `json:"requesterId"`
	BookID      string        `json:"bookId"`
	RequestedTo string        `json:"requestedTo"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	RequestID string    `json:"requestId"`
	SenderID  string    `json:"senderId"`
	SentToID  string    `json:"sentToId"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// RequestEvent records one applied transition of a request.
type RequestEvent struct {
	ID         string            `json:"id"`
	RequestID  string            `json:"requestId"`
	ActorID    string            `json:"actorId"`
	Action     string            `json:"action"`
	FromStatus RequestStatus     `json:"fromStatus,omitempty"`
	ToStatus   RequestStatus     `json:"toStatus"`
	Details    map[string]string `json:"details,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}
