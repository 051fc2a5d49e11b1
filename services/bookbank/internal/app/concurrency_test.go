package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bookbank/pkg/domain"
	"bookbank/pkg/store"
)

func newSQLiteApp(t *testing.T) (*App, *store.GormStore) {
	t.Helper()
	dialector, err := store.Dialector("sqlite", filepath.Join(t.TempDir(), "bookbank.db"))
	if err != nil {
		t.Fatalf("dialector: %v", err)
	}
	s, err := store.NewGormStore(dialector)
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	a, err := New(Config{Store: s, Sessions: store.NewMemorySessionStore(time.Hour)})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, s
}

func TestConcurrentCreateAndTransitionsOnSQLite(t *testing.T) {
	a, s := newSQLiteApp(t)
	ctx := context.Background()
	alice, err := a.Register(ctx, "alice", "password-alice")
	if err != nil {
		t.Fatalf("register alice: %v", err)
	}
	carol, err := a.Register(ctx, "carol", "password-carol")
	if err != nil {
		t.Fatalf("register carol: %v", err)
	}
	book, err := a.CreateBook(ctx, alice.ID, BookInput{
		Title: "Dune", Author: "Frank Herbert", Genre: "Science Fiction", Condition: "Good", Thumbnail: "http://img/dune.jpg",
	}, nil)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}

	const workers = 8
	type created struct {
		req     domain.Request
		created bool
		err     error
	}
	results := make([]created, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			r, ok, err := a.CreateRequest(ctx, carol.ID, book.ID)
			results[i] = created{req: r, created: ok, err: err}
		}()
	}
	close(start)
	wg.Wait()

	var reqID string
	newRows := 0
	for i, res := range results {
		if res.err != nil {
			t.Fatalf("create %d: %v", i, res.err)
		}
		if res.created {
			newRows++
		}
		if reqID == "" {
			reqID = res.req.ID
		}
		if res.req.ID != reqID {
			t.Fatalf("create %d returned request %s, want %s", i, res.req.ID, reqID)
		}
	}
	if newRows != 1 {
		t.Fatalf("expected exactly one created request, got %d", newRows)
	}
	rows, err := s.ListRequestsByBook(ctx, book.ID)
	if err != nil || len(rows) != 1 {
		t.Fatalf("request rows = %d, err=%v", len(rows), err)
	}

	// accept and complete race on the same request. Each call either moves
	// the copy to carol or back to alice, so status and holder must agree.
	type call struct {
		caller string
		action Action
	}
	calls := make([]call, 0, 2*workers)
	for range workers {
		calls = append(calls, call{alice.ID, ActionAccept}, call{carol.ID, ActionComplete})
	}
	errs := make([]error, len(calls))
	start = make(chan struct{})
	for i, c := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, errs[i] = a.Transition(ctx, c.caller, reqID, c.action)
		}()
	}
	close(start)
	wg.Wait()

	applied := map[Action]int{}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("%s %d: %v", calls[i].action, i, err)
		}
		applied[calls[i].action]++
	}

	req, ok, err := s.GetRequest(ctx, reqID)
	if err != nil || !ok {
		t.Fatalf("load request: ok=%v err=%v", ok, err)
	}
	b, ok, err := s.GetBook(ctx, book.ID)
	if err != nil || !ok {
		t.Fatalf("load book: ok=%v err=%v", ok, err)
	}
	switch req.Status {
	case domain.StatusAccepted:
		if b.HolderID != carol.ID {
			t.Fatalf("accepted request but holder is %s", b.HolderID)
		}
	case domain.StatusCompleted:
		if b.HolderID != alice.ID || req.CompletedAt == nil {
			t.Fatalf("completed request but holder is %s, completedAt %v", b.HolderID, req.CompletedAt)
		}
	default:
		t.Fatalf("unexpected final status %s", req.Status)
	}

	events, err := s.ListEvents(ctx, reqID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	counted := map[string]int{}
	for _, ev := range events {
		counted[ev.Action]++
	}
	if counted[string(ActionCreate)] != 1 {
		t.Fatalf("create events = %d, want 1", counted[string(ActionCreate)])
	}
	for action, n := range applied {
		if counted[string(action)] != n {
			t.Fatalf("%s events = %d, want %d", action, counted[string(action)], n)
		}
	}
	if len(events) != 1+len(calls) {
		t.Fatalf("events = %d, want %d", len(events), 1+len(calls))
	}
}
