package domain

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

// Common validation errors
var (
	ErrEmptyEmail          = errors.New("email cannot be empty")
	ErrPasswordTooShort    = errors.New("password must be at least 8 characters long")
	ErrPasswordTooLong     = errors.New("password must be at most 72 characters long")
	ErrPasswordTooWeak     = errors.New("password must contain upper and lower case letters, a digit and a special character")
	ErrEmptyHashedPassword = errors.New("hashed password cannot be empty")
)

// passwordSpecials are the characters accepted as the special-character class.
const passwordSpecials = `!@#$%^&*(),.?":{}|<>_`

// User is an account allowed to submit jobs. The email doubles as the owner id
// recorded on every job the user submits.
type User struct {
	Email          string    `json:"email"`
	HashedPassword string    `json:"password_hash"`
	IsActive       bool      `json:"is_active"`
	IsAdmin        bool      `json:"is_admin"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewUser creates an active, non-admin user. The password must already be hashed.
func NewUser(email, hashedPassword string, now time.Time) (*User, error) {
	user := &User{
		Email:          NormalizeEmail(email),
		HashedPassword: hashedPassword,
		IsActive:       true,
		CreatedAt:      now.UTC(),
	}

	if err := user.Validate(); err != nil {
		return nil, err
	}
	return user, nil
}

// Validate checks if the User has valid data.
func (u *User) Validate() error {
	if u.Email == "" {
		return ErrEmptyEmail
	}
	if !validateEmailFormat(u.Email) {
		return ErrInvalidEmail
	}
	if u.HashedPassword == "" {
		return ErrEmptyHashedPassword
	}
	return nil
}

// NormalizeEmail lowercases and trims an address so lookups are stable.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidatePassword enforces the password complexity rule: 8 to 72 characters,
// with at least one upper case letter, one lower case letter, one digit and
// one special character.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	// bcrypt ignores anything past 72 bytes
	if len(password) > 72 {
		return ErrPasswordTooLong
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		return ErrPasswordTooWeak
	}
	return nil
}

// validateEmailFormat performs basic validation of email format.
func validateEmailFormat(email string) bool {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || strings.Count(email, "@") != 1 {
		return false
	}

	domainPart := email[at+1:]
	if len(domainPart) < 3 { // minimum would be "a.b"
		return false
	}

	dot := strings.IndexByte(domainPart, '.')
	return dot > 0 && dot < len(domainPart)-1
}
