package store

import (
	"context"
	"errors"

	"bookbank/pkg/domain"
)

var (
	// ErrUsernameTaken is returned by CreateUser on a unique violation.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrDuplicateRequest is returned by SaveRequest when the requester
	// already has a request for the same book.
	ErrDuplicateRequest = errors.New("request already exists")
)

// Queries is the data access surface shared by a store and its transactions.
type Queries interface {
	// users
	CreateUser(ctx context.Context, u domain.User) error
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error)

	// books
	SaveBook(ctx context.Context, b domain.Book) error
	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	ListBooks(ctx context.Context) ([]domain.Book, error)
	ListBooksByOwner(ctx context.Context, ownerID string) ([]domain.Book, error)
	// DeleteBook removes the book with its requests, messages and events.
	DeleteBook(ctx context.Context, id string) error

	// requests
	SaveRequest(ctx context.Context, r domain.Request) error
	GetRequest(ctx context.Context, id string) (domain.Request, bool, error)
	FindRequest(ctx context.Context, requesterID, bookID string) (domain.Request, bool, error)
	ListRequestsByRequester(ctx context.Context, requesterID string) ([]domain.Request, error)
	ListRequestsByBook(ctx context.Context, bookID string) ([]domain.Request, error)
	// DeleteRequest removes the request with its messages and events.
	DeleteRequest(ctx context.Context, id string) error

	// chat
	AppendMessage(ctx context.Context, msg domain.ChatMessage) error
	ListMessages(ctx context.Context, requestID string) ([]domain.ChatMessage, error)
	CountMessages(ctx context.Context, requestID string) (int, error)

	// request history
	AppendEvent(ctx context.Context, ev domain.RequestEvent) error
	ListEvents(ctx context.Context, requestID string) ([]domain.RequestEvent, error)
}

// Store is a Queries implementation that can run a unit of work atomically.
// Reads of requests and books inside WithTx are serialized per row.
type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(tx Queries) error) error
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(ctx context.Context, userID string) (string, error)
	GetUserIDByToken(ctx context.Context, token string) (string, bool, error)
	DeleteSession(ctx context.Context, token string) error
}
