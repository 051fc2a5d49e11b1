package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"bookbank/internal/util"
	"bookbank/pkg/auth"
	"bookbank/pkg/domain"
	"bookbank/pkg/store"
)

const maxUsernameRunes = 64

// Register creates a user with a bcrypt hashed password.
func (a *App) Register(ctx context.Context, username, password string) (domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return domain.User{}, invalid("Username required")
	}
	if utf8.RuneCountInString(username) > maxUsernameRunes {
		return domain.User{}, invalid(fmt.Sprintf("Username must be at most %d characters", maxUsernameRunes))
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, invalid(passwordReason(err))
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	user := domain.User{
		ID:           util.NewID(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    a.now(),
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			return domain.User{}, conflict("Username already exists")
		}
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and opens a session.
func (a *App) Login(ctx context.Context, username, password string) (string, domain.User, error) {
	user, ok, err := a.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return "", domain.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return "", domain.User{}, unauthenticated("Invalid credentials")
	}
	token, err := a.sessions.NewSession(ctx, user.ID)
	if err != nil {
		return "", domain.User{}, fmt.Errorf("create session: %w", err)
	}
	return token, user, nil
}

// Logout ends the session bound to token.
func (a *App) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := a.sessions.DeleteSession(ctx, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// UserFromToken resolves a session token to its user.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, bool, error) {
	if token == "" {
		return domain.User{}, false, nil
	}
	uid, ok, err := a.sessions.GetUserIDByToken(ctx, token)
	if err != nil || !ok {
		return domain.User{}, false, err
	}
	return a.store.GetUserByID(ctx, uid)
}

func passwordReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrPasswordBlank):
		return "Password required"
	default:
		msg := err.Error()
		return strings.ToUpper(msg[:1]) + msg[1:]
	}
}
