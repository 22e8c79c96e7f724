package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/phrazzld/castqueue/internal/domain"
)

// UserStore persists user accounts on top of a KV. User records never expire.
type UserStore struct {
	kv     KV
	prefix string
	locks  *KeyedMutex
}

// NewUserStore creates a UserStore that keeps users under prefix.
func NewUserStore(kv KV, prefix string) *UserStore {
	return &UserStore{kv: kv, prefix: prefix, locks: NewKeyedMutex()}
}

func (s *UserStore) key(email string) string {
	return s.prefix + domain.NormalizeEmail(email)
}

func (s *UserStore) put(ctx context.Context, user *domain.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return NewStoreError("user", "encode", "failed to encode user", err)
	}
	if err := s.kv.Put(ctx, s.key(user.Email), data, 0); err != nil {
		return NewStoreError("user", "put", "failed to write user", err)
	}
	return nil
}

// Create saves a new user.
// Returns ErrEmailExists if the email is already taken.
func (s *UserStore) Create(ctx context.Context, user *domain.User) error {
	if err := user.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	unlock := s.locks.Lock(s.key(user.Email))
	defer unlock()

	if _, err := s.GetByEmail(ctx, user.Email); err == nil {
		return ErrEmailExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}
	return s.put(ctx, user)
}

// GetByEmail retrieves a user by their email address.
// Returns ErrUserNotFound if the user does not exist.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	data, err := s.kv.Get(ctx, s.key(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, NewStoreError("user", "get", "failed to read user", err)
	}

	var user domain.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, NewStoreError("user", "decode", "failed to decode user", fmt.Errorf("%w: %v", ErrCorruptRecord, err))
	}
	return &user, nil
}

// Update applies fn to the stored user and writes it back.
// Returns ErrUserNotFound if the user does not exist.
func (s *UserStore) Update(ctx context.Context, email string, fn func(user *domain.User) error) (*domain.User, error) {
	unlock := s.locks.Lock(s.key(email))
	defer unlock()

	user, err := s.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if err := fn(user); err != nil {
		return nil, err
	}
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	if err := s.put(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Delete removes a user.
// Returns ErrUserNotFound if the user does not exist.
func (s *UserStore) Delete(ctx context.Context, email string) error {
	unlock := s.locks.Lock(s.key(email))
	defer unlock()

	if _, err := s.GetByEmail(ctx, email); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, s.key(email)); err != nil {
		return NewStoreError("user", "delete", "failed to delete user", err)
	}
	return nil
}

// List returns every user ordered by email.
func (s *UserStore) List(ctx context.Context) ([]*domain.User, error) {
	keys, err := s.kv.Scan(ctx, s.prefix)
	if err != nil {
		return nil, NewStoreError("user", "scan", "failed to scan users", err)
	}

	users := make([]*domain.User, 0, len(keys))
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, NewStoreError("user", "get", "failed to read user", err)
		}
		var user domain.User
		if err := json.Unmarshal(data, &user); err != nil {
			continue
		}
		users = append(users, &user)
	}

	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	return users, nil
}
