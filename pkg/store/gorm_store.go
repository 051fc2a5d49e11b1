package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookbank/pkg/domain"
)

const migrateLockID int64 = 26041402

// Dialector returns the GORM dialector for a configured driver name.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(SQLiteDSN(dsn)), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// SQLiteDSN makes transactions take the write lock at BEGIN and wait for a
// busy database, so concurrent WithTx calls queue instead of failing with
// "database is locked". Options already present in dsn are kept.
func SQLiteDSN(dsn string) string {
	params := []string{}
	if !strings.Contains(dsn, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if !strings.Contains(dsn, "_busy_timeout=") && !strings.Contains(dsn, "_timeout=") {
		params = append(params, "_busy_timeout=5000")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	gormQueries
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	isPostgres := db.Dialector.Name() == "postgres"
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &BookModel{}, &RequestModel{}, &ChatMessageModel{}, &RequestEventModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if isPostgres {
			return ensureForeignKeys(tx)
		}
		return nil
	}
	if isPostgres {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{
		gormQueries: gormQueries{db: db},
		db:          db,
	}, nil
}

// ensureForeignKeys drops orphans left by older deployments and installs the
// cascading foreign keys that back DeleteBook and DeleteRequest.
func ensureForeignKeys(tx *gorm.DB) error {
	if err := tx.Exec(`
		DO $$
		BEGIN
			DELETE FROM request_models r
			WHERE NOT EXISTS (SELECT 1 FROM book_models b WHERE b.id = r.book_id);
			DELETE FROM chat_message_models m
			WHERE NOT EXISTS (SELECT 1 FROM request_models r WHERE r.id = m.request_id);
			DELETE FROM request_event_models e
			WHERE NOT EXISTS (SELECT 1 FROM request_models r WHERE r.id = e.request_id);
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'request_models'
				AND constraint_name = 'request_models_book_id_fkey'
			) THEN
				ALTER TABLE request_models
				ADD CONSTRAINT request_models_book_id_fkey
				FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'chat_message_models'
				AND constraint_name = 'chat_message_models_request_id_fkey'
			) THEN
				ALTER TABLE chat_message_models
				ADD CONSTRAINT chat_message_models_request_id_fkey
				FOREIGN KEY (request_id) REFERENCES request_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'request_event_models'
				AND constraint_name = 'request_event_models_request_id_fkey'
			) THEN
				ALTER TABLE request_event_models
				ADD CONSTRAINT request_event_models_request_id_fkey
				FOREIGN KEY (request_id) REFERENCES request_models(id) ON DELETE CASCADE;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure foreign keys: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// WithTx runs fn in a database transaction. On Postgres, request and book
// reads inside fn take row locks until commit.
func (s *GormStore) WithTx(ctx context.Context, fn func(tx Queries) error) error {
	locking := s.db.Dialector.Name() == "postgres"
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormQueries{db: tx, inTx: true, locking: locking})
	})
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormQueries struct {
	db      *gorm.DB
	inTx    bool
	locking bool
}

func (q gormQueries) read(ctx context.Context) *gorm.DB {
	db := q.db.WithContext(ctx)
	if q.locking {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func (q gormQueries) atomically(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if q.inTx {
		return fn(q.db.WithContext(ctx))
	}
	return q.db.WithContext(ctx).Transaction(fn)
}

// CreateUser inserts a new user.
func (q gormQueries) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	err := q.db.WithContext(ctx).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrUsernameTaken
	}
	return err
}

// GetUserByID returns a user by ID.
func (q gormQueries) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := q.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByUsername looks up a user by username.
func (q gormQueries) GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error) {
	var model UserModel
	if err := q.db.WithContext(ctx).Where("username = ?", username).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveBook stores or updates a book.
func (q gormQueries) SaveBook(ctx context.Context, b domain.Book) error {
	model := bookToModel(b)
	return q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "author", "genre", "condition", "thumbnail", "thumbnail_key",
			"owner_id", "holder_id", "possessed_since", "updated_at",
		}),
	}).Create(&model).Error
}

// GetBook retrieves a book.
func (q gormQueries) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	var model BookModel
	if err := q.read(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooks returns all books ordered by created_at.
func (q gormQueries) ListBooks(ctx context.Context) ([]domain.Book, error) {
	return q.listBooks(ctx)
}

// ListBooksByOwner returns books filtered by owner.
func (q gormQueries) ListBooksByOwner(ctx context.Context, ownerID string) ([]domain.Book, error) {
	return q.listBooks(ctx, "owner_id = ?", ownerID)
}

func (q gormQueries) listBooks(ctx context.Context, conds ...any) ([]domain.Book, error) {
	var models []BookModel
	tx := q.db.WithContext(ctx).Order("created_at ASC")
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// DeleteBook removes a book together with its requests and their children.
func (q gormQueries) DeleteBook(ctx context.Context, id string) error {
	return q.atomically(ctx, func(tx *gorm.DB) error {
		requestIDs := tx.Model(&RequestModel{}).Select("id").Where("book_id = ?", id)
		if err := tx.Where("request_id IN (?)", requestIDs).Delete(&ChatMessageModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("request_id IN (?)", requestIDs).Delete(&RequestEventModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("book_id = ?", id).Delete(&RequestModel{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&BookModel{}).Error
	})
}

// SaveRequest stores or updates a request.
func (q gormQueries) SaveRequest(ctx context.Context, r domain.Request) error {
	model := requestToModel(r)
	err := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at", "completed_at"}),
	}).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateRequest
	}
	return err
}

// GetRequest retrieves a request.
func (q gormQueries) GetRequest(ctx context.Context, id string) (domain.Request, bool, error) {
	var model RequestModel
	if err := q.read(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Request{}, false, nil
		}
		return domain.Request{}, false, err
	}
	return requestFromModel(model), true, nil
}

// FindRequest returns the request of requesterID for bookID in any status.
func (q gormQueries) FindRequest(ctx context.Context, requesterID, bookID string) (domain.Request, bool, error) {
	var model RequestModel
	err := q.db.WithContext(ctx).
		Where("requester_id = ? AND book_id = ?", requesterID, bookID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Request{}, false, nil
		}
		return domain.Request{}, false, err
	}
	return requestFromModel(model), true, nil
}

// ListRequestsByRequester returns requests made by a user.
func (q gormQueries) ListRequestsByRequester(ctx context.Context, requesterID string) ([]domain.Request, error) {
	return q.listRequests(ctx, "requester_id = ?", requesterID)
}

// ListRequestsByBook returns requests targeting a book.
func (q gormQueries) ListRequestsByBook(ctx context.Context, bookID string) ([]domain.Request, error) {
	return q.listRequests(ctx, "book_id = ?", bookID)
}

func (q gormQueries) listRequests(ctx context.Context, cond string, arg any) ([]domain.Request, error) {
	var models []RequestModel
	if err := q.db.WithContext(ctx).Where(cond, arg).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Request, 0, len(models))
	for _, m := range models {
		res = append(res, requestFromModel(m))
	}
	return res, nil
}

// DeleteRequest removes a request and its chat history and events.
func (q gormQueries) DeleteRequest(ctx context.Context, id string) error {
	return q.atomically(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("request_id = ?", id).Delete(&ChatMessageModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("request_id = ?", id).Delete(&RequestEventModel{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&RequestModel{}).Error
	})
}

// AppendMessage records a chat message.
func (q gormQueries) AppendMessage(ctx context.Context, msg domain.ChatMessage) error {
	model := messageToModel(msg)
	return q.db.WithContext(ctx).Create(&model).Error
}

// ListMessages returns a request's messages oldest first.
func (q gormQueries) ListMessages(ctx context.Context, requestID string) ([]domain.ChatMessage, error) {
	var models []ChatMessageModel
	if err := q.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.ChatMessage, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// CountMessages returns the number of messages attached to a request.
func (q gormQueries) CountMessages(ctx context.Context, requestID string) (int, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&ChatMessageModel{}).Where("request_id = ?", requestID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// AppendEvent records a request transition.
func (q gormQueries) AppendEvent(ctx context.Context, ev domain.RequestEvent) error {
	model, err := eventToModel(ev)
	if err != nil {
		return err
	}
	return q.db.WithContext(ctx).Create(&model).Error
}

// ListEvents returns a request's transition history oldest first.
func (q gormQueries) ListEvents(ctx context.Context, requestID string) ([]domain.RequestEvent, error) {
	var models []RequestEventModel
	if err := q.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	events := make([]domain.RequestEvent, 0, len(models))
	for _, m := range models {
		ev, err := eventFromModel(m)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:             b.ID,
		Title:          b.Title,
		Author:         b.Author,
		Genre:          b.Genre,
		Condition:      b.Condition,
		Thumbnail:      b.Thumbnail,
		ThumbnailKey:   b.ThumbnailKey,
		OwnerID:        b.OwnerID,
		HolderID:       b.HolderID,
		PossessedSince: b.PossessedSince,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:             m.ID,
		Title:          m.Title,
		Author:         m.Author,
		Genre:          m.Genre,
		Condition:      m.Condition,
		Thumbnail:      m.Thumbnail,
		ThumbnailKey:   m.ThumbnailKey,
		OwnerID:        m.OwnerID,
		HolderID:       m.HolderID,
		PossessedSince: m.PossessedSince,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func requestToModel(r domain.Request) RequestModel {
	return RequestModel{
		ID:          r.ID,
		RequesterID: r.RequesterID,
		BookID:      r.BookID,
		RequestedTo: r.RequestedTo,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}
}

func requestFromModel(m RequestModel) domain.Request {
	status := domain.RequestStatus(m.Status)
	if status == "" {
		status = domain.StatusOpen
	}
	return domain.Request{
		ID:          m.ID,
		RequesterID: m.RequesterID,
		BookID:      m.BookID,
		RequestedTo: m.RequestedTo,
		Status:      status,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		CompletedAt: m.CompletedAt,
	}
}

func messageToModel(msg domain.ChatMessage) ChatMessageModel {
	return ChatMessageModel{
		ID:        msg.ID,
		RequestID: msg.RequestID,
		SenderID:  msg.SenderID,
		SentToID:  msg.SentToID,
		Message:   msg.Message,
		CreatedAt: msg.CreatedAt,
	}
}

func messageFromModel(m ChatMessageModel) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        m.ID,
		RequestID: m.RequestID,
		SenderID:  m.SenderID,
		SentToID:  m.SentToID,
		Message:   m.Message,
		CreatedAt: m.CreatedAt,
	}
}

func eventToModel(ev domain.RequestEvent) (RequestEventModel, error) {
	var details []byte
	if len(ev.Details) > 0 {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			return RequestEventModel{}, fmt.Errorf("encode event details: %w", err)
		}
		details = raw
	}
	return RequestEventModel{
		ID:         ev.ID,
		RequestID:  ev.RequestID,
		ActorID:    ev.ActorID,
		Action:     ev.Action,
		FromStatus: string(ev.FromStatus),
		ToStatus:   string(ev.ToStatus),
		Details:    details,
		CreatedAt:  ev.CreatedAt,
	}, nil
}

func eventFromModel(m RequestEventModel) (domain.RequestEvent, error) {
	var details map[string]string
	if len(m.Details) > 0 {
		if err := json.Unmarshal(m.Details, &details); err != nil {
			return domain.RequestEvent{}, fmt.Errorf("decode details of event %s: %w", m.ID, err)
		}
	}
	return domain.RequestEvent{
		ID:         m.ID,
		RequestID:  m.RequestID,
		ActorID:    m.ActorID,
		Action:     m.Action,
		FromStatus: domain.RequestStatus(m.FromStatus),
		ToStatus:   domain.RequestStatus(m.ToStatus),
		Details:    details,
		CreatedAt:  m.CreatedAt,
	}, nil
}
