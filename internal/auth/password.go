package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned for a wrong username or password
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrOperatorNotConfigured is returned when no operator password hash is set
	ErrOperatorNotConfigured = errors.New("operator password is not configured")
)

// HashPassword hashes a plain text password using bcrypt
func HashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	return string(hash), nil
}

// VerifyPassword compares a plain text password with a hashed password
func VerifyPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Operator holds the single operator account from configuration
type Operator struct {
	Username     string
	PasswordHash string
}

// Authenticate checks username and password against the operator account
func (o Operator) Authenticate(username, password string) error {
	if o.PasswordHash == "" {
		return ErrOperatorNotConfigured
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(o.Username)) == 1
	if err := VerifyPassword(password, o.PasswordHash); err != nil || !userOK {
		return ErrInvalidCredentials
	}
	return nil
}
