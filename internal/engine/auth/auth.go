package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"bitacora/internal/domain"
)

// ForbiddenError indicates a missing capability.
type ForbiddenError struct {
	Capability string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s required", e.Capability)
}

func (e ForbiddenError) Is(target error) bool { return target == domain.ErrForbidden }

// Forbidden builds a ForbiddenError for the named capability.
func Forbidden(capability string) error {
	return ForbiddenError{Capability: capability}
}

// Service verifies user credentials against the password hashes stored in SQL.
type Service struct {
	DB *sql.DB
}

// HashPassword returns a bcrypt hash suitable for the users table.
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", fmt.Errorf("%w: password required", domain.ErrValidation)
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyCredential reports whether secret matches the user's stored password.
// Unknown users and users without a password never verify.
func (s Service) VerifyCredential(ctx context.Context, userID, secret string) (bool, error) {
	if userID == "" || secret == "" {
		return false, nil
	}
	var hash sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE id=?`, userID).Scan(&hash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !hash.Valid || hash.String == "" {
		return false, nil
	}
	err = bcrypt.CompareHashAndPassword([]byte(hash.String), []byte(secret))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return err == nil, err
}
