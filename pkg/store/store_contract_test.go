package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"bookbank/pkg/domain"
)

type storeFactory func(t *testing.T) Store

func runStoreTests(t *testing.T, newStore storeFactory) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("books", func(t *testing.T) { testBooks(t, newStore(t)) })
	t.Run("requests", func(t *testing.T) { testRequests(t, newStore(t)) })
	t.Run("delete book cascades", func(t *testing.T) { testDeleteBookCascade(t, newStore(t)) })
	t.Run("delete request cascades", func(t *testing.T) { testDeleteRequestCascade(t, newStore(t)) })
	t.Run("tx rollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("tx commit", func(t *testing.T) { testTxCommit(t, newStore(t)) })
}

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func seedUser(t *testing.T, s Store, id, username string) domain.User {
	t.Helper()
	u := domain.User{ID: id, Username: username, PasswordHash: "hash", CreatedAt: base}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}

func seedBook(t *testing.T, s Store, id, ownerID string, offset time.Duration) domain.Book {
	t.Helper()
	b := domain.Book{
		ID:             id,
		Title:          "Title " + id,
		Author:         "Author",
		Genre:          "Fiction",
		Condition:      "Good",
		Thumbnail:      "http://img/" + id,
		OwnerID:        ownerID,
		HolderID:       ownerID,
		PossessedSince: base.Add(offset),
		CreatedAt:      base.Add(offset),
		UpdatedAt:      base.Add(offset),
	}
	if err := s.SaveBook(context.Background(), b); err != nil {
		t.Fatalf("save book %s: %v", id, err)
	}
	return b
}

func seedRequest(t *testing.T, s Store, id, requesterID string, book domain.Book, offset time.Duration) domain.Request {
	t.Helper()
	r := domain.Request{
		ID:          id,
		RequesterID: requesterID,
		BookID:      book.ID,
		RequestedTo: book.OwnerID,
		Status:      domain.StatusOpen,
		CreatedAt:   base.Add(offset),
		UpdatedAt:   base.Add(offset),
	}
	if err := s.SaveRequest(context.Background(), r); err != nil {
		t.Fatalf("save request %s: %v", id, err)
	}
	return r
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, "u1", "alice")
	err := s.CreateUser(ctx, domain.User{ID: "u2", Username: "alice", PasswordHash: "x", CreatedAt: base})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	u, ok, err := s.GetUserByUsername(ctx, "alice")
	if err != nil || !ok || u.ID != "u1" {
		t.Fatalf("get by username: %+v ok=%v err=%v", u, ok, err)
	}
	if _, ok, err := s.GetUserByID(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing user, ok=%v err=%v", ok, err)
	}
}

func testBooks(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, "u1", "alice")
	seedUser(t, s, "u2", "bob")
	seedBook(t, s, "b2", "u2", 2*time.Second)
	seedBook(t, s, "b1", "u1", time.Second)
	b3 := seedBook(t, s, "b3", "u1", 3*time.Second)

	all, err := s.ListBooks(ctx)
	if err != nil {
		t.Fatalf("list books: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 books, got %d", len(all))
	}
	mine, err := s.ListBooksByOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("list by owner: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 books for u1, got %d", len(mine))
	}

	b3.HolderID = "u2"
	b3.UpdatedAt = base.Add(time.Minute)
	if err := s.SaveBook(ctx, b3); err != nil {
		t.Fatalf("update book: %v", err)
	}
	got, ok, err := s.GetBook(ctx, "b3")
	if err != nil || !ok {
		t.Fatalf("get book: ok=%v err=%v", ok, err)
	}
	if got.HolderID != "u2" || got.OwnerID != "u1" {
		t.Fatalf("unexpected book after update: %+v", got)
	}
}

func testRequests(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, "u1", "alice")
	seedUser(t, s, "u2", "bob")
	book := seedBook(t, s, "b1", "u1", 0)
	req := seedRequest(t, s, "r1", "u2", book, time.Second)

	dup := req
	dup.ID = "r2"
	if err := s.SaveRequest(ctx, dup); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}

	found, ok, err := s.FindRequest(ctx, "u2", "b1")
	if err != nil || !ok || found.ID != "r1" {
		t.Fatalf("find request: %+v ok=%v err=%v", found, ok, err)
	}

	completed := base.Add(time.Hour)
	req.Status = domain.StatusCompleted
	req.CompletedAt = &completed
	req.UpdatedAt = completed
	if err := s.SaveRequest(ctx, req); err != nil {
		t.Fatalf("update request: %v", err)
	}
	got, _, err := s.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != domain.StatusCompleted || got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Fatalf("unexpected request after update: %+v", got)
	}
	if got.RequestedTo != "u1" {
		t.Fatalf("expected requestedTo to be kept, got %q", got.RequestedTo)
	}

	byRequester, err := s.ListRequestsByRequester(ctx, "u2")
	if err != nil || len(byRequester) != 1 {
		t.Fatalf("list by requester: %d err=%v", len(byRequester), err)
	}
	byBook, err := s.ListRequestsByBook(ctx, "b1")
	if err != nil || len(byBook) != 1 {
		t.Fatalf("list by book: %d err=%v", len(byBook), err)
	}

	for i, text := range []string{"first", "second", "third"} {
		msg := domain.ChatMessage{
			ID:        "m" + text,
			RequestID: "r1",
			SenderID:  "u2",
			SentToID:  "u1",
			Message:   text,
			CreatedAt: base.Add(time.Duration(i+1) * time.Minute),
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}
	msgs, err := s.ListMessages(ctx, "r1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Message != "first" || msgs[2].Message != "third" {
		t.Fatalf("unexpected message order: %+v", msgs)
	}
	if n, err := s.CountMessages(ctx, "r1"); err != nil || n != 3 {
		t.Fatalf("count messages: %d err=%v", n, err)
	}

	ev := domain.RequestEvent{
		ID:         "e1",
		RequestID:  "r1",
		ActorID:    "u1",
		Action:     "accept",
		FromStatus: domain.StatusOpen,
		ToStatus:   domain.StatusAccepted,
		Details:    map[string]string{"holderId": "u2"},
		CreatedAt:  base.Add(time.Minute),
	}
	if err := s.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := s.ListEvents(ctx, "r1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Details["holderId"] != "u2" || events[0].ToStatus != domain.StatusAccepted {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func testDeleteBookCascade(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, "u1", "alice")
	seedUser(t, s, "u2", "bob")
	book := seedBook(t, s, "b1", "u1", 0)
	other := seedBook(t, s, "b2", "u1", time.Second)
	seedRequest(t, s, "r1", "u2", book, time.Second)
	seedRequest(t, s, "r2", "u2", other, 2*time.Second)
	if err := s.AppendMessage(ctx, domain.ChatMessage{ID: "m1", RequestID: "r1", SenderID: "u2", SentToID: "u1", Message: "hi", CreatedAt: base}); err != nil {
		t.Fatalf("append message: %v", err)
	}

	if err := s.DeleteBook(ctx, "b1"); err != nil {
		t.Fatalf("delete book: %v", err)
	}
	if _, ok, _ := s.GetBook(ctx, "b1"); ok {
		t.Fatalf("expected book deleted")
	}
	if _, ok, _ := s.GetRequest(ctx, "r1"); ok {
		t.Fatalf("expected request of deleted book removed")
	}
	if n, _ := s.CountMessages(ctx, "r1"); n != 0 {
		t.Fatalf("expected messages removed, got %d", n)
	}
	if _, ok, _ := s.GetRequest(ctx, "r2"); !ok {
		t.Fatalf("expected request of other book kept")
	}
}

func testDeleteRequestCascade(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, "u1", "alice")
	seedUser(t, s, "u2", "bob")
	book := seedBook(t, s, "b1", "u1", 0)
	seedRequest(t, s, "r1", "u2", book, time.Second)
	if err := s.AppendMessage(ctx, domain.ChatMessage{ID: "m1", RequestID: "r1", SenderID: "u2", SentToID: "u1", Message: "hi", CreatedAt: base}); err != nil {
		t.Fatalf("append message: %v", err)
	}
	if err := s.AppendEvent(ctx, domain.RequestEvent{ID: "e1", RequestID: "r1", ActorID: "u2", Action: "create", ToStatus: domain.StatusOpen, CreatedAt: base}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	if err := s.DeleteRequest(ctx, "r1"); err != nil {
		t.Fatalf("delete request: %v", err)
	}
	if _, ok, _ := s.FindRequest(ctx, "u2", "b1"); ok {
		t.Fatalf("expected request removed")
	}
	if n, _ := s.CountMessages(ctx, "r1"); n != 0 {
		t.Fatalf("expected messages removed, got %d", n)
	}
	if events, _ := s.ListEvents(ctx, "r1"); len(events) != 0 {
		t.Fatalf("expected events removed, got %d", len(events))
	}
	seedRequest(t, s, "r3", "u2", book, time.Minute)
}

func testTxRollback(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, "u1", "alice")
	book := seedBook(t, s, "b1", "u1", 0)
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Queries) error {
		book.HolderID = "someone-else"
		if err := tx.SaveBook(ctx, book); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _, _ := s.GetBook(ctx, "b1")
	if got.HolderID != "u1" {
		t.Fatalf("expected rollback, holder=%q", got.HolderID)
	}
}

func testTxCommit(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, "u1", "alice")
	seedUser(t, s, "u2", "bob")
	book := seedBook(t, s, "b1", "u1", 0)
	req := seedRequest(t, s, "r1", "u2", book, time.Second)
	err := s.WithTx(ctx, func(tx Queries) error {
		r, ok, err := tx.GetRequest(ctx, req.ID)
		if err != nil || !ok {
			return errors.New("request not visible in tx")
		}
		b, ok, err := tx.GetBook(ctx, r.BookID)
		if err != nil || !ok {
			return errors.New("book not visible in tx")
		}
		r.Status = domain.StatusAccepted
		b.HolderID = r.RequesterID
		if err := tx.SaveRequest(ctx, r); err != nil {
			return err
		}
		if err := tx.SaveBook(ctx, b); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, domain.RequestEvent{ID: "e1", RequestID: r.ID, ActorID: "u1", Action: "accept", FromStatus: domain.StatusOpen, ToStatus: domain.StatusAccepted, CreatedAt: base})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	got, _, _ := s.GetBook(ctx, "b1")
	if got.HolderID != "u2" {
		t.Fatalf("expected holder u2, got %q", got.HolderID)
	}
	r, _, _ := s.GetRequest(ctx, "r1")
	if r.Status != domain.StatusAccepted {
		t.Fatalf("expected accepted, got %q", r.Status)
	}
	if events, _ := s.ListEvents(ctx, "r1"); len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
}
