package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bitacora/internal/domain"
	"bitacora/internal/engine/auth"
)

// CredentialVerifier checks a signer's secret. auth.Service implements it.
type CredentialVerifier interface {
	VerifyCredential(ctx context.Context, userID, secret string) (bool, error)
}

// Consent is the signer's explicit affirmation plus credential.
type Consent struct {
	Consent bool
	Secret  string
}

// Ledger owns signature tasks and signatures of an entry.
type Ledger struct {
	Verifier          CredentialVerifier
	RequireCredential bool
	Now               func() time.Time
	NewID             func() string
}

func (l Ledger) now() string {
	if l.Now != nil {
		return l.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (l Ledger) newID() string {
	if l.NewID != nil {
		return l.NewID()
	}
	return uuid.NewString()
}

// Summary recomputes the aggregate from the task list. Declined and
// cancelled tasks do not count.
func Summary(tasks []domain.SignatureTask) domain.SignatureSummary {
	var s domain.SignatureSummary
	for _, t := range tasks {
		switch t.Status {
		case domain.SignatureSigned:
			s.Signed++
		case domain.SignaturePending:
			s.Pending++
		}
	}
	s.Total = s.Signed + s.Pending
	s.Completed = s.Pending == 0 && s.Total > 0
	return s
}

// Open creates one pending task per required signatory that does not have one yet.
func (l Ledger) Open(e *domain.LogEntry) domain.SignatureSummary {
	now := l.now()
	for _, signer := range e.RequiredSignatories {
		if e.SignatureTaskFor(signer) >= 0 {
			continue
		}
		e.SignatureTasks = append(e.SignatureTasks, domain.SignatureTask{
			ID:         l.newID(),
			Status:     domain.SignaturePending,
			SignerID:   signer,
			AssignedAt: now,
		})
	}
	return Summary(e.SignatureTasks)
}

// AddSignatory adds a signatory after the fact and opens their task.
func (l Ledger) AddSignatory(e *domain.LogEntry, userID string) (domain.SignatureSummary, error) {
	if userID == "" {
		return domain.SignatureSummary{}, fmt.Errorf("%w: signatory id required", domain.ErrValidation)
	}
	if e.IsSignatory(userID) {
		return domain.SignatureSummary{}, fmt.Errorf("%w: %s is already a signatory", domain.ErrValidation, userID)
	}
	e.RequiredSignatories = append(e.RequiredSignatories, userID)
	return l.Open(e), nil
}

// Clear drops every outstanding task. Signatures are append-only and are
// never removed.
func (l Ledger) Clear(e *domain.LogEntry) {
	e.SignatureTasks = nil
}

// Sign records the signer's signature on taskID, or on the signer's own
// task when taskID is empty.
func (l Ledger) Sign(ctx context.Context, e *domain.LogEntry, taskID string, signer domain.User, consent Consent) (domain.SignatureSummary, error) {
	idx := -1
	if taskID == "" {
		idx = e.SignatureTaskFor(signer.ID)
	} else {
		for i, t := range e.SignatureTasks {
			if t.ID == taskID {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return Summary(e.SignatureTasks), auth.Forbidden("signatory")
	}
	task := e.SignatureTasks[idx]
	if task.SignerID != signer.ID {
		return Summary(e.SignatureTasks), auth.Forbidden("task signer")
	}
	if !consent.Consent {
		return Summary(e.SignatureTasks), fmt.Errorf("%w: consent not given", domain.ErrInvalidConsent)
	}
	if l.RequireCredential {
		if l.Verifier == nil {
			return Summary(e.SignatureTasks), fmt.Errorf("%w: no credential verifier", domain.ErrInvalidConsent)
		}
		ok, err := l.Verifier.VerifyCredential(ctx, signer.ID, consent.Secret)
		if err != nil {
			return Summary(e.SignatureTasks), fmt.Errorf("verify credential: %w", err)
		}
		if !ok {
			return Summary(e.SignatureTasks), fmt.Errorf("%w: credential rejected", domain.ErrInvalidConsent)
		}
	}
	if task.Status != domain.SignaturePending {
		return Summary(e.SignatureTasks), domain.ErrAlreadySigned
	}
	now := l.now()
	task.Status = domain.SignatureSigned
	task.SignedAt = &now
	e.SignatureTasks[idx] = task
	e.Signatures = append(e.Signatures, domain.Signature{
		ID:                  l.newID(),
		SignerID:            signer.ID,
		SignedAt:            now,
		SignatureTaskStatus: task.Status,
		SignatureTaskID:     task.ID,
	})
	return Summary(e.SignatureTasks), nil
}
