package app

import (
	"context"
	"time"

	"bookbank/internal/util"
	"bookbank/pkg/domain"
	"bookbank/pkg/storage"
	"bookbank/pkg/store"
)

// BookView is the read projection of a book.
type BookView struct {
	domain.Book
	Owner  string `json:"owner"`
	Holder string `json:"holder"`
	// Requests is only populated in the single-book view.
	Requests []RequestView `json:"requests,omitempty"`
}

// RequestView is the read projection of a request.
type RequestView struct {
	domain.Request
	Requester           string `json:"requester"`
	RequestedToUsername string `json:"requestedToUsername"`
	BookTitle           string `json:"bookTitle,omitempty"`
}

// MessageView is a chat message resolved to its sender's username.
type MessageView struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	SenderID  string    `json:"senderId"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventView is a history entry resolved to its actor's username.
type EventView struct {
	domain.RequestEvent
	Actor string `json:"actor"`
}

// serializer assembles projections from a data access interface. Usernames
// are cached for the lifetime of one serializer.
type serializer struct {
	q       store.Queries
	objects storage.ObjectStore
	urlTTL  time.Duration
	names   map[string]string
}

func (a *App) serializer(q store.Queries) *serializer {
	return &serializer{
		q:       q,
		objects: a.objects,
		urlTTL:  a.urlTTL,
		names:   make(map[string]string),
	}
}

// username resolves a user ID; unknown IDs resolve to "".
func (s *serializer) username(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	if name, ok := s.names[id]; ok {
		return name, nil
	}
	u, ok, err := s.q.GetUserByID(ctx, id)
	if err != nil {
		return "", err
	}
	name := ""
	if ok {
		name = u.Username
	}
	s.names[id] = name
	return name, nil
}

func (s *serializer) book(ctx context.Context, b domain.Book, withRequests bool) (BookView, error) {
	view := BookView{Book: b}
	var err error
	if view.Owner, err = s.username(ctx, b.OwnerID); err != nil {
		return BookView{}, err
	}
	if view.Holder, err = s.username(ctx, b.HolderID); err != nil {
		return BookView{}, err
	}
	if b.ThumbnailKey != "" && s.objects != nil {
		u, err := s.objects.PresignGet(ctx, b.ThumbnailKey, s.urlTTL)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("thumbnail presign failed", "book_id", b.ID, "err", err)
		} else {
			view.Thumbnail = u
		}
	}
	if !withRequests {
		return view, nil
	}
	reqs, err := s.q.ListRequestsByBook(ctx, b.ID)
	if err != nil {
		return BookView{}, err
	}
	view.Requests = make([]RequestView, 0, len(reqs))
	for _, r := range reqs {
		rv, err := s.request(ctx, r, false)
		if err != nil {
			return BookView{}, err
		}
		view.Requests = append(view.Requests, rv)
	}
	return view, nil
}

func (s *serializer) books(ctx context.Context, books []domain.Book) ([]BookView, error) {
	views := make([]BookView, 0, len(books))
	for _, b := range books {
		v, err := s.book(ctx, b, false)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *serializer) request(ctx context.Context, r domain.Request, withBook bool) (RequestView, error) {
	view := RequestView{Request: r}
	var err error
	if view.Requester, err = s.username(ctx, r.RequesterID); err != nil {
		return RequestView{}, err
	}
	if view.RequestedToUsername, err = s.username(ctx, r.RequestedTo); err != nil {
		return RequestView{}, err
	}
	if withBook {
		b, ok, err := s.q.GetBook(ctx, r.BookID)
		if err != nil {
			return RequestView{}, err
		}
		if ok {
			view.BookTitle = b.Title
		}
	}
	return view, nil
}

func (s *serializer) message(ctx context.Context, m domain.ChatMessage) (MessageView, error) {
	sender, err := s.username(ctx, m.SenderID)
	if err != nil {
		return MessageView{}, err
	}
	return MessageView{
		ID:        m.ID,
		Sender:    sender,
		SenderID:  m.SenderID,
		Message:   m.Message,
		CreatedAt: m.CreatedAt,
	}, nil
}

func (s *serializer) event(ctx context.Context, ev domain.RequestEvent) (EventView, error) {
	actor, err := s.username(ctx, ev.ActorID)
	if err != nil {
		return EventView{}, err
	}
	return EventView{RequestEvent: ev, Actor: actor}, nil
}
