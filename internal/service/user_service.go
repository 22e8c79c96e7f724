package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/castqueue/internal/domain"
	"github.com/phrazzld/castqueue/internal/service/auth"
	"github.com/phrazzld/castqueue/internal/store"
)

// UserRepository is the user store contract the service needs.
// *store.UserStore satisfies it.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Update(ctx context.Context, email string, fn func(user *domain.User) error) (*domain.User, error)
	Delete(ctx context.Context, email string) error
	List(ctx context.Context) ([]*domain.User, error)
}

var _ UserRepository = (*store.UserStore)(nil)

// UserService handles registration, authentication and account administration.
type UserService struct {
	users   UserRepository
	hasher  auth.PasswordHasher
	tokens  auth.JWTService
	invited map[string]struct{}
	logger  *slog.Logger
	now     func() time.Time
}

// NewUserService creates a UserService. A non-empty invitations list
// restricts registration to those emails. tokens may be nil for callers that
// never log users in, such as the user management CLI.
func NewUserService(
	users UserRepository,
	hasher auth.PasswordHasher,
	tokens auth.JWTService,
	invitations []string,
	logger *slog.Logger,
) (*UserService, error) {
	if users == nil {
		return nil, fmt.Errorf("user repository cannot be nil")
	}
	if hasher == nil {
		return nil, fmt.Errorf("password hasher cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	invited := make(map[string]struct{}, len(invitations))
	for _, email := range invitations {
		if email = domain.NormalizeEmail(email); email != "" {
			invited[email] = struct{}{}
		}
	}

	return &UserService{
		users:   users,
		hasher:  hasher,
		tokens:  tokens,
		invited: invited,
		logger:  logger.With("component", "user_service"),
		now:     time.Now,
	}, nil
}

// Register creates an active, non-admin account.
func (s *UserService) Register(ctx context.Context, email, password string) (*domain.User, error) {
	const op = "register"
	email = domain.NormalizeEmail(email)

	if len(s.invited) > 0 {
		if _, ok := s.invited[email]; !ok {
			s.logger.Info("registration rejected for uninvited email", "email", email)
			return nil, NewServiceError(op, "email is not invited", ErrRegistrationClosed)
		}
	}

	user, err := s.newUser(op, email, password)
	if err != nil {
		return nil, err
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailExists) {
			s.logger.Debug("attempted to register existing email", "email", email)
		} else {
			s.logger.Error("failed to save user", "error", err, "email", email)
		}
		return nil, NewServiceError(op, "failed to create user", err)
	}

	s.logger.Info("user registered", "email", email)
	return user, nil
}

// CreateAdmin creates an active admin account. It fails if the email is taken.
func (s *UserService) CreateAdmin(ctx context.Context, email, password string) (*domain.User, error) {
	const op = "create_admin"

	user, err := s.newUser(op, email, password)
	if err != nil {
		return nil, err
	}
	user.IsAdmin = true
	if err := s.users.Create(ctx, user); err != nil {
		return nil, NewServiceError(op, "failed to create user", err)
	}

	s.logger.Info("admin user created", "email", user.Email)
	return user, nil
}

func (s *UserService) newUser(op, email, password string) (*domain.User, error) {
	if err := domain.ValidatePassword(password); err != nil {
		return nil, NewServiceError(op, err.Error(), fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}
	hashed, err := s.hasher.Hash(password)
	if err != nil {
		return nil, NewServiceError(op, "failed to hash password", err)
	}
	user, err := domain.NewUser(email, hashed, s.now())
	if err != nil {
		return nil, NewServiceError(op, err.Error(), fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}
	return user, nil
}

// Authenticate checks the credentials and returns the active account.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*domain.User, error) {
	const op = "authenticate"

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, NewServiceError(op, "unknown email", ErrInvalidCredentials)
		}
		return nil, NewServiceError(op, "failed to load user", err)
	}
	if err := s.hasher.Compare(user.HashedPassword, password); err != nil {
		s.logger.Debug("password mismatch", "email", user.Email)
		return nil, NewServiceError(op, "wrong password", ErrInvalidCredentials)
	}
	if !user.IsActive {
		return nil, NewServiceError(op, "account disabled", ErrInactiveUser)
	}
	return user, nil
}

// Login authenticates the user and issues an access token whose subject is
// the user's email.
func (s *UserService) Login(ctx context.Context, email, password string) (string, *domain.User, error) {
	if s.tokens == nil {
		return "", nil, NewServiceError("login", "token issuing is not configured", nil)
	}
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return "", nil, err
	}
	token, err := s.tokens.GenerateToken(ctx, user.Email)
	if err != nil {
		return "", nil, NewServiceError("login", "failed to issue token", err)
	}

	s.logger.Info("user logged in", "email", user.Email)
	return token, user, nil
}

// CurrentUser returns the active account for an authenticated email.
func (s *UserService) CurrentUser(ctx context.Context, email string) (*domain.User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, NewServiceError("current_user", "failed to load user", err)
	}
	if !user.IsActive {
		return nil, NewServiceError("current_user", "account disabled", ErrInactiveUser)
	}
	return user, nil
}

// ChangePassword replaces the password after verifying the current one.
func (s *UserService) ChangePassword(ctx context.Context, email, current, next string) error {
	if _, err := s.Authenticate(ctx, email, current); err != nil {
		return err
	}
	return s.setPassword(ctx, "change_password", email, next)
}

// ResetPassword replaces the password without verifying the current one.
func (s *UserService) ResetPassword(ctx context.Context, email, next string) error {
	return s.setPassword(ctx, "reset_password", email, next)
}

func (s *UserService) setPassword(ctx context.Context, op, email, next string) error {
	if err := domain.ValidatePassword(next); err != nil {
		return NewServiceError(op, err.Error(), fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}
	hashed, err := s.hasher.Hash(next)
	if err != nil {
		return NewServiceError(op, "failed to hash password", err)
	}
	if _, err := s.users.Update(ctx, email, func(u *domain.User) error {
		u.HashedPassword = hashed
		return nil
	}); err != nil {
		return NewServiceError(op, "failed to update password", err)
	}

	s.logger.Info("password updated", "email", domain.NormalizeEmail(email), "operation", op)
	return nil
}

// ListUsers returns every account ordered by email.
func (s *UserService) ListUsers(ctx context.Context) ([]*domain.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, NewServiceError("list_users", "failed to list users", err)
	}
	return users, nil
}

// SetAdmin grants or revokes the admin flag.
func (s *UserService) SetAdmin(ctx context.Context, email string, admin bool) (*domain.User, error) {
	user, err := s.users.Update(ctx, email, func(u *domain.User) error {
		u.IsAdmin = admin
		return nil
	})
	if err != nil {
		return nil, NewServiceError("set_admin", "failed to update user", err)
	}

	s.logger.Info("admin flag changed", "email", user.Email, "is_admin", admin)
	return user, nil
}

// DeleteUser removes one account. The user's jobs are left in place.
func (s *UserService) DeleteUser(ctx context.Context, email string) error {
	if err := s.users.Delete(ctx, email); err != nil {
		return NewServiceError("delete_user", "failed to delete user", err)
	}
	s.logger.Info("user deleted", "email", domain.NormalizeEmail(email))
	return nil
}

// DeleteAllUsers removes every account and returns how many were deleted.
func (s *UserService) DeleteAllUsers(ctx context.Context) (int, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return 0, NewServiceError("delete_all_users", "failed to list users", err)
	}

	deleted := 0
	for _, u := range users {
		if err := s.users.Delete(ctx, u.Email); err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				continue
			}
			return deleted, NewServiceError("delete_all_users", "failed to delete user", err)
		}
		deleted++
	}

	s.logger.Warn("all users deleted", "count", deleted)
	return deleted, nil
}
