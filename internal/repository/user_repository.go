package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/NeuroMeter/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, telegram_id, COALESCE(username, ''), COALESCE(first_name, ''), COALESCE(last_name, ''), is_banned, created_at, updated_at`

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.IsBanned, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by telegram id: %w", err)
	}
	return u, nil
}

// EnsureUser returns the user with u.TelegramID, refreshing the profile fields, or creates it.
// The boolean reports whether the user was created.
func (r *UserRepository) EnsureUser(ctx context.Context, u *models.User) (*models.User, bool, error) {
	const insert = `
INSERT INTO users (telegram_id, username, first_name, last_name)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''))
ON DUPLICATE KEY UPDATE username = VALUES(username), first_name = VALUES(first_name), last_name = VALUES(last_name)`
	res, err := r.db.ExecContext(ctx, insert, u.TelegramID, u.Username, u.FirstName, u.LastName)
	if err != nil {
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}
	// MySQL reports 1 for an insert and 2 (or 0 when nothing changed) for an update.
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("ensure user rows affected: %w", err)
	}
	user, err := r.GetUserByTelegramID(ctx, u.TelegramID)
	if err != nil {
		return nil, false, err
	}
	if user == nil {
		return nil, false, fmt.Errorf("ensure user: telegram id %d vanished", u.TelegramID)
	}
	return user, n == 1, nil
}
