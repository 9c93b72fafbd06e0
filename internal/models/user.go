package models

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrInvalidInput marks request validation failures.
var ErrInvalidInput = errors.New("invalid input")

const (
	minPasswordLen = 8
	maxUsernameLen = 50
)

// User represents a row in the PostgreSQL users table.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Password  string    `json:"-"` // never serialize
	CreatedAt time.Time `json:"created_at"`
}

// RegisterRequest is the JSON body for POST /api/auth/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Normalize trims the fields and lowercases the email, then validates them.
func (r *RegisterRequest) Normalize() error {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))

	switch {
	case r.Username == "" || r.Email == "" || r.Password == "":
		return fmt.Errorf("%w: username, email, and password are required", ErrInvalidInput)
	case utf8.RuneCountInString(r.Username) > maxUsernameLen:
		return fmt.Errorf("%w: username is too long", ErrInvalidInput)
	case !validEmail(r.Email):
		return fmt.Errorf("%w: email is invalid", ErrInvalidInput)
	case len(r.Password) < minPasswordLen:
		return fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	return nil
}

// LoginRequest is the JSON body for POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Normalize trims and lowercases the email.
func (r *LoginRequest) Normalize() {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
}

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}
