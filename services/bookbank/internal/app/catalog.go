package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"bookbank/internal/util"
	"bookbank/pkg/domain"
	"bookbank/pkg/storage"
	"bookbank/pkg/store"
)

// BookInput carries the user supplied attributes of a new book.
type BookInput struct {
	Title     string
	Author    string
	Genre     string
	Condition string
	Thumbnail string
}

// ThumbnailUpload is an optional image stored in place of a thumbnail URL.
type ThumbnailUpload struct {
	Body        io.Reader
	Size        int64
	ContentType string
}

func (in BookInput) normalized() BookInput {
	return BookInput{
		Title:     strings.TrimSpace(in.Title),
		Author:    strings.TrimSpace(in.Author),
		Genre:     strings.TrimSpace(in.Genre),
		Condition: strings.TrimSpace(in.Condition),
		Thumbnail: strings.TrimSpace(in.Thumbnail),
	}
}

func (in BookInput) missing(hasUpload bool) []string {
	var out []string
	for _, f := range []struct{ name, value string }{
		{"title", in.Title},
		{"author", in.Author},
		{"genre", in.Genre},
		{"condition", in.Condition},
	} {
		if f.value == "" {
			out = append(out, f.name)
		}
	}
	if in.Thumbnail == "" && !hasUpload {
		out = append(out, "thumbnail")
	}
	return out
}

// CreateBook adds a book owned and held by ownerID.
func (a *App) CreateBook(ctx context.Context, ownerID string, in BookInput, upload *ThumbnailUpload) (BookView, error) {
	in = in.normalized()
	if missing := in.missing(upload != nil); len(missing) > 0 {
		return BookView{}, invalid("Missing required fields: " + strings.Join(missing, ", "))
	}
	now := a.now()
	book := domain.Book{
		ID:             util.NewID(),
		Title:          in.Title,
		Author:         in.Author,
		Genre:          in.Genre,
		Condition:      in.Condition,
		Thumbnail:      in.Thumbnail,
		OwnerID:        ownerID,
		HolderID:       ownerID,
		PossessedSince: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if upload != nil {
		key, err := a.storeThumbnail(ctx, book.ID, upload)
		if err != nil {
			return BookView{}, err
		}
		book.ThumbnailKey = key
	}
	if err := a.store.SaveBook(ctx, book); err != nil {
		if book.ThumbnailKey != "" {
			_ = a.objects.Delete(ctx, book.ThumbnailKey)
		}
		return BookView{}, fmt.Errorf("save book: %w", err)
	}
	view, err := a.serializer(a.store).book(ctx, book, false)
	return view, wrapInternal("create book", err)
}

func (a *App) storeThumbnail(ctx context.Context, bookID string, upload *ThumbnailUpload) (string, error) {
	if a.objects == nil {
		return "", invalid("Thumbnail uploads are not enabled")
	}
	key, err := storage.ThumbnailKey(bookID, upload.ContentType, upload.Size)
	switch {
	case errors.Is(err, storage.ErrUnsupportedType):
		return "", invalid("Thumbnail must be a JPEG, PNG, GIF or WebP image")
	case errors.Is(err, storage.ErrTooLarge):
		return "", invalid("Thumbnail too large")
	case err != nil:
		return "", err
	}
	if err := a.objects.Put(ctx, key, upload.Body, upload.Size, upload.ContentType); err != nil {
		return "", fmt.Errorf("store thumbnail: %w", err)
	}
	return key, nil
}

// DeleteBook removes a book owned by callerID together with its requests.
func (a *App) DeleteBook(ctx context.Context, callerID, bookID string) error {
	var thumbnailKey string
	err := a.store.WithTx(ctx, func(tx store.Queries) error {
		book, ok, err := tx.GetBook(ctx, bookID)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("Book not found")
		}
		if book.OwnerID != callerID {
			return forbidden("Unauthorized")
		}
		thumbnailKey = book.ThumbnailKey
		return tx.DeleteBook(ctx, book.ID)
	})
	if err != nil {
		return wrapInternal("delete book", err)
	}
	if thumbnailKey != "" && a.objects != nil {
		if err := a.objects.Delete(ctx, thumbnailKey); err != nil {
			util.LoggerFromContext(ctx).Warn("thumbnail delete failed", "book_id", bookID, "key", thumbnailKey, "err", err)
		}
	}
	return nil
}

// ListMine returns the books owned by callerID.
func (a *App) ListMine(ctx context.Context, callerID string) ([]BookView, error) {
	books, err := a.store.ListBooksByOwner(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	views, err := a.serializer(a.store).books(ctx, books)
	return views, wrapInternal("list books", err)
}

// ListBooks returns every book in the catalog.
func (a *App) ListBooks(ctx context.Context) ([]BookView, error) {
	books, err := a.store.ListBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	views, err := a.serializer(a.store).books(ctx, books)
	return views, wrapInternal("list books", err)
}

// GetBook returns the single-book view including requests against it.
func (a *App) GetBook(ctx context.Context, bookID string) (BookView, error) {
	book, ok, err := a.store.GetBook(ctx, bookID)
	if err != nil {
		return BookView{}, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return BookView{}, notFound("Book not found")
	}
	view, err := a.serializer(a.store).book(ctx, book, true)
	return view, wrapInternal("get book", err)
}
