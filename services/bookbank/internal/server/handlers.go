package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"bookbank/internal/util"
	"bookbank/pkg/domain"
	"bookbank/pkg/storage"
	"bookbank/services/bookbank/internal/app"
)

const (
	maxJSONBytes      = 1 << 20
	maxMultipartBytes = storage.MaxThumbnailBytes + 1<<20
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type bookRequest struct {
	Title     string `json:"title"`
	Author    string `json:"author"`
	Genre     string `json:"genre"`
	Condition string `json:"condition"`
	Thumbnail string `json:"thumbnail"`
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "too many signup attempts") {
		s.audit(r, "auth.register", "rate_limited")
		return
	}
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.app.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r, "auth.register", "fail", "reason", errorCode(err))
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "user": user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token, user, err := s.app.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "reason", errorCode(err))
		s.writeAppError(w, r, err)
		return
	}
	s.setSessionCookie(w, token)
	s.audit(r, "auth.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "token": token, "user": user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if err := s.app.Logout(r.Context(), sessionToken(r)); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.clearSessionCookie(w)
	s.audit(r, "auth.logout", "success")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		books, err := s.app.ListBooks(r.Context())
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"books": books})
	case http.MethodPost:
		in, upload, ok := decodeBookInput(w, r)
		if !ok {
			return
		}
		if upload != nil {
			defer upload.close()
		}
		var thumb *app.ThumbnailUpload
		if upload != nil {
			thumb = &upload.ThumbnailUpload
		}
		book, err := s.app.CreateBook(r.Context(), user.ID, in, thumb)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "message": "Book added", "book": book})
	default:
		methodNotAllowed(w, r)
	}
}

func (s *Server) handleMyBooks(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	books, err := s.app.ListMine(r.Context(), user.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": books})
}

func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/book/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		book, err := s.app.GetBook(r.Context(), id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodDelete:
		if err := s.app.DeleteBook(r.Context(), user.ID, id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Book deleted"})
	default:
		methodNotAllowed(w, r)
	}
}

func (s *Server) handleRequestBook(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	bookID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/request_book/"), "/")
	if bookID == "" || strings.Contains(bookID, "/") {
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}
	req, created, err := s.app.CreateRequest(r.Context(), user.ID, bookID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, map[string]any{"message": "Already requested"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Request sent", "request": req})
}

func (s *Server) handleMyRequests(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	requests, err := s.app.ListMyRequests(r.Context(), user.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

// handleRequest dispatches /request/{id} and /request/{id}/{sub}.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request, user domain.User) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/request/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			view, err := s.app.GetRequest(r.Context(), user.ID, id)
			if err != nil {
				s.writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		case http.MethodDelete:
			if err := s.app.DeleteRequest(r.Context(), user.ID, id); err != nil {
				s.writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Request deleted"})
		default:
			methodNotAllowed(w, r)
		}
		return
	}
	switch sub := parts[1]; sub {
	case "chat":
		s.handleChat(w, r, user, id)
	case "history":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r)
			return
		}
		events, err := s.app.History(r.Context(), user.ID, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	default:
		action, ok := app.ParseAction(sub)
		if !ok || action == app.ActionCreate || action == app.ActionDelete {
			writeError(w, r, http.StatusNotFound, "not_found", "not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r)
			return
		}
		req, msg, err := s.app.Transition(r.Context(), user.ID, id, action)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": msg, "request": req})
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User, requestID string) {
	switch r.Method {
	case http.MethodGet:
		messages, err := s.app.ListMessages(r.Context(), user.ID, requestID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
	case http.MethodPost:
		var req messageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		msg, err := s.app.SendMessage(r.Context(), user.ID, requestID, req.Message)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Message sent", "chat": msg})
	default:
		methodNotAllowed(w, r)
	}
}

// decodeBody fills dst from a JSON body or, for form posts, from form values
// matching dst's json tags.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	switch mediaType(r) {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxJSONBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid form body")
			return false
		}
		fillFromForm(r, dst)
		return true
	default:
		if r.ContentLength == 0 {
			return true
		}
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return false
		}
		return true
	}
}

func fillFromForm(r *http.Request, dst any) {
	switch v := dst.(type) {
	case *credentialsRequest:
		v.Username = r.FormValue("username")
		v.Password = r.FormValue("password")
	case *messageRequest:
		v.Message = r.FormValue("message")
	case *bookRequest:
		v.Title = r.FormValue("title")
		v.Author = r.FormValue("author")
		v.Genre = r.FormValue("genre")
		v.Condition = r.FormValue("condition")
		v.Thumbnail = r.FormValue("thumbnail")
	}
}

type thumbnailFile struct {
	app.ThumbnailUpload
	close func() error
}

// decodeBookInput accepts JSON, urlencoded or multipart bodies. A multipart
// body may carry the image under the thumbnailFile field.
func decodeBookInput(w http.ResponseWriter, r *http.Request) (app.BookInput, *thumbnailFile, bool) {
	var req bookRequest
	if mediaType(r) != "multipart/form-data" {
		if !decodeBody(w, r, &req) {
			return app.BookInput{}, nil, false
		}
		return app.BookInput(req), nil, true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxMultipartBytes)
	if err := r.ParseMultipartForm(maxJSONBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return app.BookInput{}, nil, false
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid form body")
		return app.BookInput{}, nil, false
	}
	fillFromForm(r, &req)
	file, header, err := r.FormFile("thumbnailFile")
	if errors.Is(err, http.ErrMissingFile) {
		return app.BookInput(req), nil, true
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid thumbnail file")
		return app.BookInput{}, nil, false
	}
	upload := &thumbnailFile{
		ThumbnailUpload: app.ThumbnailUpload{
			Body:        file,
			Size:        header.Size,
			ContentType: header.Header.Get("Content-Type"),
		},
		close: file.Close,
	}
	return app.BookInput(req), upload, true
}

func mediaType(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, r, status, errorCode(err), msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch statusFor(err) {
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusConflict:
		return "conflict"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code, RequestID: util.RequestIDFromContext(r.Context())})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
