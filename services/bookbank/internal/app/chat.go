package app

import (
	"context"
	"fmt"
	"unicode/utf8"

	"bookbank/internal/util"
	"bookbank/pkg/domain"
	"bookbank/pkg/store"
	"bookbank/pkg/textutil"
)

const maxMessageRunes = 2000

// SendMessage appends a chat message from callerID to the other party of
// the request. Markup is stripped before the empty check.
func (a *App) SendMessage(ctx context.Context, callerID, requestID, text string) (MessageView, error) {
	var msg domain.ChatMessage
	err := a.store.WithTx(ctx, func(tx store.Queries) error {
		req, book, err := loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		r := roleOf(callerID, req, book)
		if !r.has(rolesParty) {
			return forbidden("Not allowed")
		}
		body := textutil.PlainText(text)
		if body == "" {
			return invalid("Message required")
		}
		if utf8.RuneCountInString(body) > maxMessageRunes {
			return invalid(fmt.Sprintf("Message must be at most %d characters", maxMessageRunes))
		}
		msg = domain.ChatMessage{
			ID:        util.NewID(),
			RequestID: req.ID,
			SenderID:  callerID,
			SentToID:  receiver(callerID, req, book),
			Message:   body,
			CreatedAt: a.now(),
		}
		return tx.AppendMessage(ctx, msg)
	})
	if err != nil {
		return MessageView{}, wrapInternal("send message", err)
	}
	a.metrics.ChatMessage()
	view, err := a.serializer(a.store).message(ctx, msg)
	return view, wrapInternal("send message", err)
}

// ListMessages returns the request's thread oldest first.
func (a *App) ListMessages(ctx context.Context, callerID, requestID string) ([]MessageView, error) {
	req, book, err := loadRequest(ctx, a.store, requestID)
	if err != nil {
		return nil, wrapInternal("list messages", err)
	}
	if !roleOf(callerID, req, book).has(rolesParty) {
		return nil, forbidden("Not allowed")
	}
	msgs, err := a.store.ListMessages(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	s := a.serializer(a.store)
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		v, err := s.message(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		views = append(views, v)
	}
	return views, nil
}

// receiver is the book's current owner when the requester speaks and the
// requester otherwise.
func receiver(senderID string, req domain.Request, book *domain.Book) string {
	if senderID == req.RequesterID {
		if book == nil {
			return ""
		}
		return book.OwnerID
	}
	return req.RequesterID
}
