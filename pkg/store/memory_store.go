package store

import (
	"context"
	"maps"
	"slices"
	"sync"

	"bookbank/pkg/domain"
)

// MemoryStore keeps all records in-process. Transactions work on a copy of
// the state which replaces the live state on commit.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// WithTx runs fn with exclusive access to a snapshot and commits it when fn
// returns nil.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	if err := fn(snapshot); err != nil {
		return err
	}
	m.state = snapshot
	return nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateUser(ctx, u)
}

func (m *MemoryStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetUserByID(ctx, id)
}

func (m *MemoryStore) GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetUserByUsername(ctx, username)
}

func (m *MemoryStore) SaveBook(ctx context.Context, b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveBook(ctx, b)
}

func (m *MemoryStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetBook(ctx, id)
}

func (m *MemoryStore) ListBooks(ctx context.Context) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListBooks(ctx)
}

func (m *MemoryStore) ListBooksByOwner(ctx context.Context, ownerID string) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListBooksByOwner(ctx, ownerID)
}

func (m *MemoryStore) DeleteBook(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteBook(ctx, id)
}

func (m *MemoryStore) SaveRequest(ctx context.Context, r domain.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveRequest(ctx, r)
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (domain.Request, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetRequest(ctx, id)
}

func (m *MemoryStore) FindRequest(ctx context.Context, requesterID, bookID string) (domain.Request, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FindRequest(ctx, requesterID, bookID)
}

func (m *MemoryStore) ListRequestsByRequester(ctx context.Context, requesterID string) ([]domain.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListRequestsByRequester(ctx, requesterID)
}

func (m *MemoryStore) ListRequestsByBook(ctx context.Context, bookID string) ([]domain.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListRequestsByBook(ctx, bookID)
}

func (m *MemoryStore) DeleteRequest(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteRequest(ctx, id)
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendMessage(ctx, msg)
}

func (m *MemoryStore) ListMessages(ctx context.Context, requestID string) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListMessages(ctx, requestID)
}

func (m *MemoryStore) CountMessages(ctx context.Context, requestID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.CountMessages(ctx, requestID)
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev domain.RequestEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendEvent(ctx, ev)
}

func (m *MemoryStore) ListEvents(ctx context.Context, requestID string) ([]domain.RequestEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListEvents(ctx, requestID)
}

// memState is the unguarded record set. Callers hold MemoryStore.mu.
type memState struct {
	users     map[string]domain.User
	usernames map[string]string // username -> user ID
	books     map[string]domain.Book
	bookOrder []string
	requests  map[string]domain.Request
	reqOrder  []string
	pairs     map[string]string // requester|book -> request ID
	messages  map[string][]domain.ChatMessage
	events    map[string][]domain.RequestEvent
}

func newMemState() *memState {
	return &memState{
		users:     make(map[string]domain.User),
		usernames: make(map[string]string),
		books:     make(map[string]domain.Book),
		requests:  make(map[string]domain.Request),
		pairs:     make(map[string]string),
		messages:  make(map[string][]domain.ChatMessage),
		events:    make(map[string][]domain.RequestEvent),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:     maps.Clone(s.users),
		usernames: maps.Clone(s.usernames),
		books:     maps.Clone(s.books),
		bookOrder: slices.Clone(s.bookOrder),
		requests:  maps.Clone(s.requests),
		reqOrder:  slices.Clone(s.reqOrder),
		pairs:     maps.Clone(s.pairs),
		messages:  make(map[string][]domain.ChatMessage, len(s.messages)),
		events:    make(map[string][]domain.RequestEvent, len(s.events)),
	}
	for k, v := range s.messages {
		c.messages[k] = slices.Clone(v)
	}
	for k, v := range s.events {
		c.events[k] = slices.Clone(v)
	}
	return c
}

func pairKey(requesterID, bookID string) string {
	return requesterID + "|" + bookID
}

func (s *memState) CreateUser(_ context.Context, u domain.User) error {
	if _, taken := s.usernames[u.Username]; taken {
		return ErrUsernameTaken
	}
	s.users[u.ID] = u
	s.usernames[u.Username] = u.ID
	return nil
}

func (s *memState) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *memState) GetUserByUsername(_ context.Context, username string) (domain.User, bool, error) {
	id, ok := s.usernames[username]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *memState) SaveBook(_ context.Context, b domain.Book) error {
	if _, exists := s.books[b.ID]; !exists {
		s.bookOrder = append(s.bookOrder, b.ID)
	}
	s.books[b.ID] = b
	return nil
}

func (s *memState) GetBook(_ context.Context, id string) (domain.Book, bool, error) {
	b, ok := s.books[id]
	return b, ok, nil
}

func (s *memState) ListBooks(_ context.Context) ([]domain.Book, error) {
	res := make([]domain.Book, 0, len(s.bookOrder))
	for _, id := range s.bookOrder {
		res = append(res, s.books[id])
	}
	return res, nil
}

func (s *memState) ListBooksByOwner(_ context.Context, ownerID string) ([]domain.Book, error) {
	res := make([]domain.Book, 0)
	for _, id := range s.bookOrder {
		if b := s.books[id]; b.OwnerID == ownerID {
			res = append(res, b)
		}
	}
	return res, nil
}

func (s *memState) DeleteBook(ctx context.Context, id string) error {
	for _, reqID := range slices.Clone(s.reqOrder) {
		if s.requests[reqID].BookID == id {
			if err := s.DeleteRequest(ctx, reqID); err != nil {
				return err
			}
		}
	}
	delete(s.books, id)
	s.bookOrder = slices.DeleteFunc(s.bookOrder, func(v string) bool { return v == id })
	return nil
}

func (s *memState) SaveRequest(_ context.Context, r domain.Request) error {
	key := pairKey(r.RequesterID, r.BookID)
	if existing, ok := s.pairs[key]; ok && existing != r.ID {
		return ErrDuplicateRequest
	}
	if _, exists := s.requests[r.ID]; !exists {
		s.reqOrder = append(s.reqOrder, r.ID)
	}
	s.requests[r.ID] = r
	s.pairs[key] = r.ID
	return nil
}

func (s *memState) GetRequest(_ context.Context, id string) (domain.Request, bool, error) {
	r, ok := s.requests[id]
	return r, ok, nil
}

func (s *memState) FindRequest(_ context.Context, requesterID, bookID string) (domain.Request, bool, error) {
	id, ok := s.pairs[pairKey(requesterID, bookID)]
	if !ok {
		return domain.Request{}, false, nil
	}
	r, ok := s.requests[id]
	return r, ok, nil
}

func (s *memState) ListRequestsByRequester(_ context.Context, requesterID string) ([]domain.Request, error) {
	return s.filterRequests(func(r domain.Request) bool { return r.RequesterID == requesterID }), nil
}

func (s *memState) ListRequestsByBook(_ context.Context, bookID string) ([]domain.Request, error) {
	return s.filterRequests(func(r domain.Request) bool { return r.BookID == bookID }), nil
}

func (s *memState) filterRequests(keep func(domain.Request) bool) []domain.Request {
	res := make([]domain.Request, 0)
	for _, id := range s.reqOrder {
		if r := s.requests[id]; keep(r) {
			res = append(res, r)
		}
	}
	return res
}

func (s *memState) DeleteRequest(_ context.Context, id string) error {
	r, ok := s.requests[id]
	if !ok {
		return nil
	}
	delete(s.requests, id)
	delete(s.pairs, pairKey(r.RequesterID, r.BookID))
	delete(s.messages, id)
	delete(s.events, id)
	s.reqOrder = slices.DeleteFunc(s.reqOrder, func(v string) bool { return v == id })
	return nil
}

func (s *memState) AppendMessage(_ context.Context, msg domain.ChatMessage) error {
	s.messages[msg.RequestID] = append(s.messages[msg.RequestID], msg)
	return nil
}

func (s *memState) ListMessages(_ context.Context, requestID string) ([]domain.ChatMessage, error) {
	return slices.Clone(s.messages[requestID]), nil
}

func (s *memState) CountMessages(_ context.Context, requestID string) (int, error) {
	return len(s.messages[requestID]), nil
}

func (s *memState) AppendEvent(_ context.Context, ev domain.RequestEvent) error {
	s.events[ev.RequestID] = append(s.events[ev.RequestID], ev)
	return nil
}

func (s *memState) ListEvents(_ context.Context, requestID string) ([]domain.RequestEvent, error) {
	return slices.Clone(s.events[requestID]), nil
}
