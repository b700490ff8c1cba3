package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tmarek/taskboard-api/internal/domain"
	"github.com/tmarek/taskboard-api/internal/service/auth"
	"github.com/tmarek/taskboard-api/internal/store"
)

// UserService handles registration and login.
type UserService struct {
	users  store.UserStore
	hasher auth.PasswordHasher
	tokens auth.JWTService
	logger *slog.Logger
}

// NewUserService creates a new UserService.
func NewUserService(
	users store.UserStore,
	hasher auth.PasswordHasher,
	tokens auth.JWTService,
	log *slog.Logger,
) *UserService {
	if log == nil {
		log = slog.Default()
	}

	return &UserService{
		users:  users,
		hasher: hasher,
		tokens: tokens,
		logger: log.With("component", "user_service"),
	}
}

// Register creates a new user with a hashed password and returns the
// user together with a signed access token.
func (s *UserService) Register(ctx context.Context, email, password string) (*domain.User, string, error) {
	user, err := domain.NewUser(email, password)
	if err != nil {
		return nil, "", err
	}

	hashed, err := s.hasher.Hash(user.Password)
	if err != nil {
		s.logger.Error("failed to hash password", "error", err)
		return nil, "", err
	}
	user.HashedPassword = hashed
	user.Password = ""

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailExists) {
			return nil, "", ErrEmailTaken
		}
		s.logger.Error("failed to create user", "error", err)
		return nil, "", err
	}

	token, err := s.tokens.GenerateToken(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("user registered", "user_id", user.ID)
	return user, token, nil
}

// Login verifies credentials and returns the user with a signed access
// token. It reports auth.ErrInvalidCredentials for both unknown email and
// wrong password so callers cannot probe for registered addresses.
func (s *UserService) Login(ctx context.Context, email, password string) (*domain.User, string, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, "", auth.ErrInvalidCredentials
		}
		s.logger.Error("failed to look up user", "error", err)
		return nil, "", err
	}

	if err := s.hasher.Compare(user.HashedPassword, password); err != nil {
		return nil, "", auth.ErrInvalidCredentials
	}

	token, err := s.tokens.GenerateToken(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// GetUser retrieves a user by ID.
func (s *UserService) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}
