package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"bookbank/internal/metrics"
	"bookbank/pkg/storage"
	"bookbank/pkg/store"
	"bookbank/services/bookbank/internal/app"
)

type testServer struct {
	*httptest.Server
	objects *storage.MemoryStore
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	objects := storage.NewMemoryStore("http://objects.test")
	application, err := app.New(app.Config{
		Store:    store.NewMemoryStore(),
		Sessions: store.NewMemorySessionStore(time.Hour),
		Objects:  objects,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg.App = application
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, objects: objects}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return ts.send(t, req)
}

func (ts *testServer) send(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s: %v", req.URL.Path, err)
		}
	}
	return resp, out
}

func (ts *testServer) login(t *testing.T, username string) string {
	t.Helper()
	creds := map[string]string{"username": username, "password": "password-" + username}
	if resp, body := ts.do(t, http.MethodPost, "/api/auth/register", "", creds); resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: %d %v", username, resp.StatusCode, body)
	}
	resp, body := ts.do(t, http.MethodPost, "/api/auth/login", "", creds)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: %d %v", username, resp.StatusCode, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("login %s: missing token", username)
	}
	return token
}

func (ts *testServer) createBook(t *testing.T, token string) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/books", token, map[string]string{
		"title":     "Dune",
		"author":    "Frank Herbert",
		"genre":     "Science Fiction",
		"condition": "Good",
		"thumbnail": "http://img/dune.jpg",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create book: %d %v", resp.StatusCode, body)
	}
	book, _ := body["book"].(map[string]any)
	id, _ := book["id"].(string)
	if id == "" {
		t.Fatalf("create book: missing id in %v", body)
	}
	return id
}

func nested(t *testing.T, body map[string]any, key string) map[string]any {
	t.Helper()
	v, ok := body[key].(map[string]any)
	if !ok {
		t.Fatalf("missing %q in %v", key, body)
	}
	return v
}

func TestLoanLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, Config{Metrics: metrics.New()})
	alice := ts.login(t, "alice")
	bob := ts.login(t, "bob")
	bookID := ts.createBook(t, alice)

	resp, body := ts.do(t, http.MethodPost, "/request_book/"+bookID, bob, nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("request book: %d %v", resp.StatusCode, body)
	}
	reqID, _ := nested(t, body, "request")["id"].(string)

	resp, body = ts.do(t, http.MethodPost, "/request_book/"+bookID, bob, nil)
	if resp.StatusCode != http.StatusOK || body["message"] != "Already requested" {
		t.Fatalf("duplicate request: %d %v", resp.StatusCode, body)
	}

	resp, body = ts.do(t, http.MethodPost, "/request/"+reqID+"/accept", bob, nil)
	if resp.StatusCode != http.StatusForbidden || body["error"] != "Only owner can accept" {
		t.Fatalf("requester accept: %d %v", resp.StatusCode, body)
	}
	if body["code"] != "forbidden" || body["requestId"] == "" {
		t.Fatalf("error envelope: %v", body)
	}

	resp, body = ts.do(t, http.MethodPost, "/request/"+reqID+"/accept", alice, nil)
	if resp.StatusCode != http.StatusOK || body["message"] != "Request accepted" {
		t.Fatalf("accept: %d %v", resp.StatusCode, body)
	}
	if got := nested(t, body, "request")["status"]; got != "accepted" {
		t.Fatalf("status = %v", got)
	}

	_, body = ts.do(t, http.MethodGet, "/api/book/"+bookID, alice, nil)
	if body["holder"] != "bob" || body["owner"] != "alice" {
		t.Fatalf("book after accept: %v", body)
	}

	resp, body = ts.do(t, http.MethodPost, "/request/"+reqID+"/transfer_ownership", alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transfer: %d %v", resp.StatusCode, body)
	}
	_, body = ts.do(t, http.MethodGet, "/api/book/"+bookID, alice, nil)
	if body["owner"] != "bob" || body["holder"] != "bob" {
		t.Fatalf("book after transfer: %v", body)
	}

	resp, body = ts.do(t, http.MethodGet, "/request/"+reqID+"/history", bob, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %v", resp.StatusCode, body)
	}
	if events, _ := body["events"].([]any); len(events) != 3 {
		t.Fatalf("history events = %v", body["events"])
	}

	_, body = ts.do(t, http.MethodGet, "/api/requests", bob, nil)
	if requests, _ := body["requests"].([]any); len(requests) != 1 {
		t.Fatalf("my requests = %v", body["requests"])
	}
}

func TestRequestOwnBookIsRejected(t *testing.T) {
	ts := newTestServer(t, Config{})
	alice := ts.login(t, "alice")
	bookID := ts.createBook(t, alice)

	resp, body := ts.do(t, http.MethodPost, "/request_book/"+bookID, alice, nil)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "You can't request your own book" {
		t.Fatalf("self request: %d %v", resp.StatusCode, body)
	}
	resp, _ = ts.do(t, http.MethodPost, "/request_book/missing", alice, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing book status = %d", resp.StatusCode)
	}
}

func TestChatOverHTTP(t *testing.T) {
	ts := newTestServer(t, Config{})
	alice := ts.login(t, "alice")
	bob := ts.login(t, "bob")
	carol := ts.login(t, "carol")
	bookID := ts.createBook(t, alice)
	_, body := ts.do(t, http.MethodPost, "/request_book/"+bookID, bob, nil)
	reqID, _ := nested(t, body, "request")["id"].(string)

	resp, body := ts.do(t, http.MethodPost, "/request/"+reqID+"/chat", bob, map[string]string{"message": "<b>hi</b> there"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send: %d %v", resp.StatusCode, body)
	}
	if got := nested(t, body, "chat")["message"]; got != "hi there" {
		t.Fatalf("stored message = %v", got)
	}

	resp, body = ts.do(t, http.MethodPost, "/request/"+reqID+"/chat", bob, map[string]string{"message": "  "})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "Message required" {
		t.Fatalf("empty message: %d %v", resp.StatusCode, body)
	}

	resp, _ = ts.do(t, http.MethodGet, "/request/"+reqID+"/chat", carol, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider read status = %d", resp.StatusCode)
	}

	form := url.Values{"message": {"see you"}}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/request/"+reqID+"/chat", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: alice})
	if resp, body := ts.send(t, req); resp.StatusCode != http.StatusOK {
		t.Fatalf("form send: %d %v", resp.StatusCode, body)
	}

	_, body = ts.do(t, http.MethodGet, "/request/"+reqID+"/chat", alice, nil)
	messages, _ := body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("messages = %v", body["messages"])
	}
	first, _ := messages[0].(map[string]any)
	if first["sender"] != "bob" {
		t.Fatalf("first sender = %v", first["sender"])
	}
}

func TestDeleteRequestRules(t *testing.T) {
	ts := newTestServer(t, Config{})
	alice := ts.login(t, "alice")
	bob := ts.login(t, "bob")
	bookID := ts.createBook(t, alice)
	_, body := ts.do(t, http.MethodPost, "/request_book/"+bookID, bob, nil)
	reqID, _ := nested(t, body, "request")["id"].(string)

	ts.do(t, http.MethodPost, "/request/"+reqID+"/accept", alice, nil)
	resp, body := ts.do(t, http.MethodDelete, "/request/"+reqID, bob, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("requester delete accepted: %d %v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodDelete, "/request/"+reqID, alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner delete: %d %v", resp.StatusCode, body)
	}
	resp, _ = ts.do(t, http.MethodGet, "/request/"+reqID, alice, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted request status = %d", resp.StatusCode)
	}
}

func TestBookDeleteRequiresOwner(t *testing.T) {
	ts := newTestServer(t, Config{})
	alice := ts.login(t, "alice")
	bob := ts.login(t, "bob")
	bookID := ts.createBook(t, alice)

	resp, body := ts.do(t, http.MethodDelete, "/api/book/"+bookID, bob, nil)
	if resp.StatusCode != http.StatusForbidden || body["error"] != "Unauthorized" {
		t.Fatalf("non-owner delete: %d %v", resp.StatusCode, body)
	}
	if resp, body := ts.do(t, http.MethodDelete, "/api/book/"+bookID, alice, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("owner delete: %d %v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodGet, "/api/book/"+bookID, alice, nil)
	if resp.StatusCode != http.StatusNotFound || body["error"] != "Book not found" {
		t.Fatalf("deleted book: %d %v", resp.StatusCode, body)
	}
}

func TestCreateBookMultipartThumbnail(t *testing.T) {
	ts := newTestServer(t, Config{})
	alice := ts.login(t, "alice")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range map[string]string{"title": "Emma", "author": "Jane Austen", "genre": "Classic", "condition": "Fair"} {
		_ = mw.WriteField(k, v)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="thumbnailFile"; filename="emma.png"`)
	h.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write([]byte("\x89PNG fake image"))
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/books", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+alice)
	resp, body := ts.send(t, req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("multipart create: %d %v", resp.StatusCode, body)
	}
	book := nested(t, body, "book")
	id, _ := book["id"].(string)
	if !ts.objects.Has("thumbnails/" + id + ".png") {
		t.Fatalf("thumbnail not stored for %s", id)
	}
	if thumb, _ := book["thumbnail"].(string); !strings.HasPrefix(thumb, "http://objects.test/") {
		t.Fatalf("thumbnail url = %q", thumb)
	}
}

func TestCreateBookMissingFields(t *testing.T) {
	ts := newTestServer(t, Config{})
	alice := ts.login(t, "alice")
	resp, body := ts.do(t, http.MethodPost, "/api/books", alice, map[string]string{"title": "Dune"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing fields: %d %v", resp.StatusCode, body)
	}
	if msg, _ := body["error"].(string); !strings.HasPrefix(msg, "Missing required fields") {
		t.Fatalf("error = %q", msg)
	}
}

func TestUnauthenticatedAccess(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, body := ts.do(t, http.MethodGet, "/api/books", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != "Please log in" {
		t.Fatalf("api without token: %d %v", resp.StatusCode, body)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/books/mine", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, _ = ts.send(t, req)
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != loginPath {
		t.Fatalf("browser without session: %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, _ = ts.do(t, http.MethodPost, "/request_book/any", "bogus", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token status = %d", resp.StatusCode)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	ts := newTestServer(t, Config{})
	alice := ts.login(t, "alice")

	resp, body := ts.do(t, http.MethodGet, "/api/users/me", alice, nil)
	if resp.StatusCode != http.StatusOK || body["username"] != "alice" {
		t.Fatalf("me: %d %v", resp.StatusCode, body)
	}
	if _, ok := body["passwordHash"]; ok {
		t.Fatalf("password hash leaked: %v", body)
	}
	if resp, _ := ts.do(t, http.MethodPost, "/api/auth/logout", alice, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/api/users/me", alice, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("me after logout status = %d", resp.StatusCode)
	}
}

func TestLoginSetsSessionCookie(t *testing.T) {
	ts := newTestServer(t, Config{SessionTTL: time.Hour})
	ts.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"username": "alice", "password": "password-alice"})

	resp, _ := ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice", "password": "password-alice"})
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			session = c
		}
	}
	if session == nil || !session.HttpOnly || session.MaxAge != 3600 {
		t.Fatalf("session cookie = %+v", session)
	}

	resp, body := ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice", "password": "wrong-password"})
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != "Invalid credentials" {
		t.Fatalf("bad login: %d %v", resp.StatusCode, body)
	}
}

func TestDuplicateUsernameConflict(t *testing.T) {
	ts := newTestServer(t, Config{})
	creds := map[string]string{"username": "alice", "password": "password-alice"}
	ts.do(t, http.MethodPost, "/api/auth/register", "", creds)
	resp, body := ts.do(t, http.MethodPost, "/api/auth/register", "", creds)
	if resp.StatusCode != http.StatusConflict || body["error"] != "Username already exists" {
		t.Fatalf("duplicate register: %d %v", resp.StatusCode, body)
	}
}

func TestUnknownActionAndMethod(t *testing.T) {
	ts := newTestServer(t, Config{})
	alice := ts.login(t, "alice")
	if resp, _ := ts.do(t, http.MethodPost, "/request/x/explode", alice, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown action status = %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/request/x/accept", alice, nil); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET action status = %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodPut, "/api/books", alice, nil); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("PUT books status = %d", resp.StatusCode)
	}
}

func TestLoginRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ts := newTestServer(t, Config{Redis: client, LoginRateLimitPerMinute: 2})
	creds := map[string]string{"username": "nobody", "password": "password-nobody"}
	for i := 0; i < 2; i++ {
		if resp, _ := ts.do(t, http.MethodPost, "/api/auth/login", "", creds); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i+1, resp.StatusCode)
		}
	}
	resp, body := ts.do(t, http.MethodPost, "/api/auth/login", "", creds)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third attempt: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, Config{Metrics: metrics.New()})
	resp, body := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}

	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(raw), "bookbank_chat_messages_total") {
		t.Fatalf("metrics output missing chat counter")
	}
}
