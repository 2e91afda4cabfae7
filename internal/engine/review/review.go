package review

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bitacora/internal/domain"
	"bitacora/internal/engine/auth"
)

type VerdictKind string

const (
	// VerdictComment completes the reviewer's parallel task with a comment.
	VerdictComment VerdictKind = "comment"
	// VerdictApprove completes a parallel task without comment, or settles
	// the hand-off when issued by the addressed party.
	VerdictApprove VerdictKind = "approve"
	// VerdictForward passes the hand-off to the other party.
	VerdictForward VerdictKind = "forward"
)

func ParseVerdict(s string) (VerdictKind, error) {
	switch v := VerdictKind(strings.ToLower(strings.TrimSpace(s))); v {
	case VerdictComment, VerdictApprove, VerdictForward:
		return v, nil
	}
	return "", fmt.Errorf("%w: unknown review verdict %q", domain.ErrValidation, s)
}

type Verdict struct {
	Kind    VerdictKind
	Comment string
	// Target optionally names the party a forward is addressed to; it must
	// be the other party.
	Target *domain.Party
}

// Request selects and parameterizes the policy on submission.
type Request struct {
	Policy domain.PolicyKind
	// Reviewers restricts parallel review to a subset of the signatories.
	Reviewers []string
	// ExcludeAuthor drops the author's own task when the author is also a
	// selected reviewer.
	ExcludeAuthor bool
	Target        domain.Party
}

// Outcome describes what an action changed.
type Outcome struct {
	Satisfied bool
	// Informational is set for comments that did not complete a task.
	Informational bool
	PendingBy     *domain.Party
}

// Resolver exposes one surface over both review policies.
type Resolver struct {
	Now   func() time.Time
	NewID func() string
}

func (r Resolver) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (r Resolver) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

// CreateReviewObligations attaches the requested policy to the entry and
// materializes its tasks. The policy kind chosen at first submission is
// fixed for the lifetime of the entry.
func (r Resolver) CreateReviewObligations(e *domain.LogEntry, actor domain.User, caps auth.Capabilities, req Request) error {
	kind := req.Policy
	if e.Review != nil {
		if kind == domain.PolicyNone {
			kind = e.Review.Kind()
		}
		if kind != e.Review.Kind() {
			return fmt.Errorf("%w: entry uses %s review; cannot switch to %s", domain.ErrValidation, e.Review.Kind(), kind)
		}
	}
	switch kind {
	case domain.PolicyParallel:
		return r.createParallel(e, req)
	case domain.PolicyHandoff:
		return r.createHandoff(e, caps, req)
	default:
		return fmt.Errorf("%w: review policy required", domain.ErrValidation)
	}
}

func (r Resolver) createParallel(e *domain.LogEntry, req Request) error {
	selected := req.Reviewers
	if len(selected) == 0 {
		selected = e.RequiredSignatories
	}
	seen := map[string]bool{}
	var reviewers []string
	for _, id := range selected {
		if seen[id] {
			continue
		}
		seen[id] = true
		if !e.IsSignatory(id) {
			return fmt.Errorf("%w: reviewer %s is not a signatory", domain.ErrValidation, id)
		}
		if id == e.AuthorID && req.ExcludeAuthor {
			continue
		}
		reviewers = append(reviewers, id)
	}
	if len(reviewers) == 0 {
		return fmt.Errorf("%w: parallel review needs at least one reviewer", domain.ErrValidation)
	}
	var comments []domain.ReviewComment
	if p, ok := e.Review.(*domain.ParallelReview); ok {
		comments = p.Comments
	}
	now := r.now()
	tasks := make([]domain.ReviewTask, 0, len(reviewers))
	for _, id := range reviewers {
		tasks = append(tasks, domain.ReviewTask{
			ID:         r.newID(),
			Status:     domain.ReviewPending,
			ReviewerID: id,
			AssignedAt: now,
		})
	}
	e.Review = &domain.ParallelReview{Tasks: tasks, Comments: comments}
	return nil
}

func (r Resolver) createHandoff(e *domain.LogEntry, caps auth.Capabilities, req Request) error {
	if req.Target != domain.PartyContractor && req.Target != domain.PartyInterventoria {
		return fmt.Errorf("%w: hand-off target party required", domain.ErrValidation)
	}
	if caps.IsContractorUser && req.Target == domain.PartyContractor {
		return auth.Forbidden("forward to interventoria")
	}
	target := req.Target
	e.Review = &domain.SequentialHandoff{PendingBy: &target}
	return nil
}

// RecordAction applies a reviewer's verdict under the active policy.
func (r Resolver) RecordAction(e *domain.LogEntry, actor domain.User, v Verdict) (Outcome, error) {
	switch p := e.Review.(type) {
	case *domain.ParallelReview:
		return r.recordParallel(e, p, actor, v)
	case *domain.SequentialHandoff:
		return r.recordHandoff(e, p, actor, v)
	default:
		return Outcome{}, fmt.Errorf("%w: entry has no review policy", domain.ErrInvalidTransition)
	}
}

func (r Resolver) recordParallel(e *domain.LogEntry, p *domain.ParallelReview, actor domain.User, v Verdict) (Outcome, error) {
	idx := -1
	for i, t := range p.Tasks {
		if t.ReviewerID == actor.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Outcome{}, auth.Forbidden("reviewer")
	}
	task := p.Tasks[idx]
	now := r.now()
	switch v.Kind {
	case VerdictComment:
		body := strings.TrimSpace(v.Comment)
		if body == "" {
			return Outcome{}, fmt.Errorf("%w: comment body required", domain.ErrValidation)
		}
		p.Comments = append(p.Comments, domain.ReviewComment{
			ID:        r.newID(),
			AuthorID:  actor.ID,
			Body:      body,
			CreatedAt: now,
		})
		if task.Status == domain.ReviewCompleted {
			return Outcome{Satisfied: r.IsReviewSatisfied(*e), Informational: true}, nil
		}
	case VerdictApprove:
		if task.Status == domain.ReviewCompleted {
			return Outcome{Satisfied: r.IsReviewSatisfied(*e)}, domain.ErrAlreadyReviewed
		}
	default:
		return Outcome{}, fmt.Errorf("%w: %s is not a parallel review verdict", domain.ErrValidation, v.Kind)
	}
	task.Status = domain.ReviewCompleted
	task.CompletedAt = &now
	p.Tasks[idx] = task
	return Outcome{Satisfied: r.IsReviewSatisfied(*e)}, nil
}

func (r Resolver) recordHandoff(e *domain.LogEntry, p *domain.SequentialHandoff, actor domain.User, v Verdict) (Outcome, error) {
	if p.PendingBy == nil {
		if v.Kind == VerdictApprove {
			return Outcome{Satisfied: true}, domain.ErrAlreadyReviewed
		}
		return Outcome{Satisfied: true}, fmt.Errorf("%w: hand-off already settled", domain.ErrInvalidTransition)
	}
	pending := *p.PendingBy
	party, ok := domain.PartyOf(actor.Entity)
	if !ok || party != pending {
		return Outcome{PendingBy: p.PendingBy}, auth.Forbidden("member of " + string(pending))
	}
	switch v.Kind {
	case VerdictApprove:
		p.PendingBy = nil
		return Outcome{Satisfied: true}, nil
	case VerdictForward:
		next := pending.Other()
		if v.Target != nil && *v.Target != next {
			return Outcome{PendingBy: p.PendingBy}, auth.Forbidden("forward to " + string(next))
		}
		p.PendingBy = &next
		return Outcome{PendingBy: &next}, nil
	default:
		return Outcome{PendingBy: p.PendingBy}, fmt.Errorf("%w: %s is not a hand-off verdict", domain.ErrValidation, v.Kind)
	}
}

// IsReviewSatisfied reports whether the active policy has no outstanding obligation.
func (r Resolver) IsReviewSatisfied(e domain.LogEntry) bool {
	switch p := e.Review.(type) {
	case *domain.ParallelReview:
		for _, t := range p.Tasks {
			if t.Status != domain.ReviewCompleted {
				return false
			}
		}
		return true
	case *domain.SequentialHandoff:
		return p.PendingBy == nil
	default:
		return false
	}
}

// Addressed reports whether actor currently has an obligation under the policy.
func (r Resolver) Addressed(e domain.LogEntry, actor domain.User) bool {
	switch p := e.Review.(type) {
	case *domain.ParallelReview:
		for _, t := range p.Tasks {
			if t.ReviewerID == actor.ID && t.Status == domain.ReviewPending {
				return true
			}
		}
	case *domain.SequentialHandoff:
		if p.PendingBy == nil {
			return false
		}
		party, ok := domain.PartyOf(actor.Entity)
		return ok && party == *p.PendingBy
	}
	return false
}

// Clear drops outstanding obligations while keeping the policy kind.
func (r Resolver) Clear(e *domain.LogEntry) {
	switch p := e.Review.(type) {
	case *domain.ParallelReview:
		p.Tasks = nil
	case *domain.SequentialHandoff:
		p.PendingBy = nil
	}
}
