package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"bookbank/internal/util"
	"bookbank/pkg/domain"
	"bookbank/pkg/store"
)

// Action names a state changing operation on a request.
type Action string

const (
	ActionCreate            Action = "create"
	ActionAccept            Action = "accept"
	ActionReject            Action = "reject"
	ActionInitiateReturn    Action = "initiate_return"
	ActionComplete          Action = "complete"
	ActionTransferOwnership Action = "transfer_ownership"
	ActionDelete            Action = "delete"
)

type transition struct {
	roles  role
	denied string
	// from lists the legal source statuses in strict mode.
	from    []domain.RequestStatus
	to      domain.RequestStatus
	message string
	// effect mutates the book, which is nil when it no longer exists, and
	// returns event details. It reports whether the book changed.
	effect func(now time.Time, req *domain.Request, book *domain.Book) (map[string]string, bool)
}

var transitions = map[Action]transition{
	ActionAccept: {
		roles:   roleOwner,
		denied:  "Only owner can accept",
		from:    []domain.RequestStatus{domain.StatusOpen},
		to:      domain.StatusAccepted,
		message: "Request accepted",
		effect: func(now time.Time, req *domain.Request, book *domain.Book) (map[string]string, bool) {
			book.HolderID = req.RequesterID
			return map[string]string{"holderId": book.HolderID}, true
		},
	},
	ActionReject: {
		roles:   roleOwner,
		denied:  "Only owner can reject",
		from:    []domain.RequestStatus{domain.StatusOpen},
		to:      domain.StatusRejected,
		message: "Request rejected",
	},
	ActionInitiateReturn: {
		roles:   rolesParty,
		denied:  "Not allowed",
		from:    []domain.RequestStatus{domain.StatusAccepted},
		to:      domain.StatusReturnInitiated,
		message: "Return initiated",
	},
	ActionComplete: {
		roles:   rolesParty,
		denied:  "Not allowed",
		from:    []domain.RequestStatus{domain.StatusAccepted, domain.StatusReturnInitiated},
		to:      domain.StatusCompleted,
		message: "Request completed",
		effect: func(now time.Time, req *domain.Request, book *domain.Book) (map[string]string, bool) {
			req.CompletedAt = &now
			if book == nil {
				return nil, false
			}
			book.HolderID = book.OwnerID
			return map[string]string{"holderId": book.HolderID}, true
		},
	},
	ActionTransferOwnership: {
		roles:   roleOwner,
		denied:  "Only owner can transfer",
		from:    []domain.RequestStatus{domain.StatusOpen, domain.StatusAccepted, domain.StatusReturnInitiated},
		to:      domain.StatusCompleted,
		message: "Ownership transferred",
		effect: func(now time.Time, req *domain.Request, book *domain.Book) (map[string]string, bool) {
			previous := book.OwnerID
			book.OwnerID = req.RequesterID
			book.HolderID = req.RequesterID
			book.PossessedSince = now
			req.CompletedAt = &now
			return map[string]string{"previousOwnerId": previous, "ownerId": book.OwnerID}, true
		},
	},
}

// ParseAction maps a URL segment to a transition action.
func ParseAction(s string) (Action, bool) {
	a := Action(s)
	_, ok := transitions[a]
	return a, ok
}

// CreateRequest opens a borrow request from callerID for bookID. An existing
// request for the same pair, in any status, is returned with created=false.
func (a *App) CreateRequest(ctx context.Context, callerID, bookID string) (domain.Request, bool, error) {
	var (
		req     domain.Request
		created bool
	)
	err := a.store.WithTx(ctx, func(tx store.Queries) error {
		book, ok, err := tx.GetBook(ctx, bookID)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("Book not found")
		}
		if book.OwnerID == callerID {
			return invalid("You can't request your own book")
		}
		existing, ok, err := tx.FindRequest(ctx, callerID, bookID)
		if err != nil {
			return err
		}
		if ok {
			req = existing
			return nil
		}
		now := a.now()
		req = domain.Request{
			ID:          util.NewID(),
			RequesterID: callerID,
			BookID:      bookID,
			RequestedTo: book.OwnerID,
			Status:      domain.StatusOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}
		created = true
		return tx.AppendEvent(ctx, domain.RequestEvent{
			ID:        util.NewID(),
			RequestID: req.ID,
			ActorID:   callerID,
			Action:    string(ActionCreate),
			ToStatus:  domain.StatusOpen,
			Details:   map[string]string{"requestedTo": book.OwnerID},
			CreatedAt: now,
		})
	})
	if errors.Is(err, store.ErrDuplicateRequest) {
		existing, ok, findErr := a.store.FindRequest(ctx, callerID, bookID)
		if findErr != nil {
			return domain.Request{}, false, findErr
		}
		if ok {
			a.metrics.Transition(string(ActionCreate), "duplicate")
			return existing, false, nil
		}
	}
	if err != nil {
		a.metrics.Transition(string(ActionCreate), outcome(err))
		return domain.Request{}, false, wrapInternal("create request", err)
	}
	if created {
		a.metrics.Transition(string(ActionCreate), outcome(nil))
	} else {
		a.metrics.Transition(string(ActionCreate), "duplicate")
	}
	return req, created, nil
}

// Transition applies action to a request on behalf of callerID and returns
// the updated request with a confirmation message. Status, book changes and
// the history event commit together.
func (a *App) Transition(ctx context.Context, callerID, requestID string, action Action) (domain.Request, string, error) {
	t, ok := transitions[action]
	if !ok {
		return domain.Request{}, "", notFound("Unknown action")
	}
	var out domain.Request
	err := a.store.WithTx(ctx, func(tx store.Queries) error {
		req, ok, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("Request not found")
		}
		book, hasBook, err := tx.GetBook(ctx, req.BookID)
		if err != nil {
			return err
		}
		var bookRef *domain.Book
		if hasBook {
			bookRef = &book
		}
		if !roleOf(callerID, req, bookRef).has(t.roles) {
			return forbidden(t.denied)
		}
		if a.strict && !slices.Contains(t.from, req.Status) {
			return conflict(fmt.Sprintf("Cannot %s a request that is %s", humanAction(action), req.Status))
		}

		now := a.now()
		from := req.Status
		var details map[string]string
		bookChanged := false
		if t.effect != nil {
			details, bookChanged = t.effect(now, &req, bookRef)
		}
		req.Status = t.to
		req.UpdatedAt = now
		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}
		if bookChanged {
			book.UpdatedAt = now
			if err := tx.SaveBook(ctx, book); err != nil {
				return err
			}
		}
		out = req
		return tx.AppendEvent(ctx, domain.RequestEvent{
			ID:         util.NewID(),
			RequestID:  req.ID,
			ActorID:    callerID,
			Action:     string(action),
			FromStatus: from,
			ToStatus:   t.to,
			Details:    details,
			CreatedAt:  now,
		})
	})
	a.metrics.Transition(string(action), outcome(err))
	if err != nil {
		return domain.Request{}, "", wrapInternal(string(action), err)
	}
	return out, t.message, nil
}

// DeleteRequest removes a request with its chat thread and history. The
// book's current owner may delete in any status; the requester only while
// the request is open, rejected or completed.
func (a *App) DeleteRequest(ctx context.Context, callerID, requestID string) error {
	err := a.store.WithTx(ctx, func(tx store.Queries) error {
		req, book, err := loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if err := guardDelete(roleOf(callerID, req, book), req.Status); err != nil {
			return err
		}
		return tx.DeleteRequest(ctx, req.ID)
	})
	a.metrics.Transition(string(ActionDelete), outcome(err))
	return wrapInternal("delete request", err)
}

// GetRequest returns one request visible to either party.
func (a *App) GetRequest(ctx context.Context, callerID, requestID string) (RequestView, error) {
	req, book, err := loadRequest(ctx, a.store, requestID)
	if err != nil {
		return RequestView{}, wrapInternal("get request", err)
	}
	if !roleOf(callerID, req, book).has(rolesParty) {
		return RequestView{}, forbidden("Not allowed")
	}
	view, err := a.serializer(a.store).request(ctx, req, true)
	return view, wrapInternal("get request", err)
}

// ListMyRequests returns the requests callerID has made, oldest first.
func (a *App) ListMyRequests(ctx context.Context, callerID string) ([]RequestView, error) {
	reqs, err := a.store.ListRequestsByRequester(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	s := a.serializer(a.store)
	views := make([]RequestView, 0, len(reqs))
	for _, r := range reqs {
		v, err := s.request(ctx, r, true)
		if err != nil {
			return nil, fmt.Errorf("list requests: %w", err)
		}
		views = append(views, v)
	}
	return views, nil
}

// History returns the applied transitions of a request, oldest first.
func (a *App) History(ctx context.Context, callerID, requestID string) ([]EventView, error) {
	req, book, err := loadRequest(ctx, a.store, requestID)
	if err != nil {
		return nil, wrapInternal("history", err)
	}
	if !roleOf(callerID, req, book).has(rolesParty) {
		return nil, forbidden("Not allowed")
	}
	events, err := a.store.ListEvents(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	s := a.serializer(a.store)
	views := make([]EventView, 0, len(events))
	for _, ev := range events {
		v, err := s.event(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		views = append(views, v)
	}
	return views, nil
}

// loadRequest fetches a request and, when it still exists, its book.
func loadRequest(ctx context.Context, q store.Queries, requestID string) (domain.Request, *domain.Book, error) {
	req, ok, err := q.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, nil, err
	}
	if !ok {
		return domain.Request{}, nil, notFound("Request not found")
	}
	book, ok, err := q.GetBook(ctx, req.BookID)
	if err != nil {
		return domain.Request{}, nil, err
	}
	if !ok {
		return req, nil, nil
	}
	return req, &book, nil
}

func humanAction(a Action) string {
	switch a {
	case ActionInitiateReturn:
		return "initiate return on"
	case ActionTransferOwnership:
		return "transfer ownership on"
	default:
		return string(a)
	}
}

// wrapInternal annotates store failures and passes kind errors through.
func wrapInternal(op string, err error) error {
	if err == nil {
		return nil
	}
	var kind *Error
	if errors.As(err, &kind) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
