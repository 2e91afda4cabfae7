package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrForbidden         = errors.New("forbidden")
	ErrAlreadySigned     = errors.New("already signed")
	ErrAlreadyReviewed   = errors.New("already reviewed")
	ErrReviewIncomplete  = errors.New("review incomplete")
	ErrInvalidConsent    = errors.New("invalid consent")
	ErrConflict          = errors.New("conflict")
	ErrValidation        = errors.New("validation failed")
)

// TransitionError reports an action attempted from a status that does not allow it.
type TransitionError struct {
	Action string
	From   EntryStatus
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s entry in status %s", e.Action, e.From)
}

func (e TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
