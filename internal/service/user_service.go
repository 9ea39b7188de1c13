package service

import (
	"context"
	"fmt"

	"github.com/digkill/NeuroMeter/internal/models"
)

type UserService struct {
	users UserStore
}

func NewUserService(users UserStore) *UserService {
	return &UserService{users: users}
}

// Ensure returns the user with telegramID, creating it on first sight. Profile fields are refreshed.
func (s *UserService) Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error) {
	user, created, err := s.users.EnsureUser(ctx, &models.User{
		TelegramID: telegramID,
		Username:   username,
		FirstName:  firstName,
		LastName:   lastName,
	})
	if err != nil {
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}
	return user, created, nil
}

func (s *UserService) ByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	user, err := s.users.GetUserByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}
