package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/digkill/NeuroMeter/internal/quota"
)

// SettingsRepository keeps runtime flags in the settings table.
type SettingsRepository struct {
	db *sql.DB
}

var _ quota.Flags = (*SettingsRepository)(nil)

func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Bool returns def when the key is missing or does not parse as a boolean.
func (r *SettingsRepository) Bool(ctx context.Context, key string, def bool) (bool, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE `key` = ?", key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return def, nil
		}
		return def, fmt.Errorf("get setting %s: %w", key, err)
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return def, nil
	}
	return b, nil
}

func (r *SettingsRepository) SetBool(ctx context.Context, key string, value bool) error {
	const query = "INSERT INTO settings (`key`, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)"
	if _, err := r.db.ExecContext(ctx, query, key, strconv.FormatBool(value)); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
