package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitacora/internal/domain"
	"bitacora/internal/engine/auth"
	"bitacora/internal/engine/ledger"
	"bitacora/internal/engine/review"
)

// Controller is the entry state machine. Every operation works on a copy of
// the entry and returns the copy only on success, so a failed operation
// leaves the caller's value untouched.
type Controller struct {
	Permissions auth.Table
	Resolver    review.Resolver
	Ledger      ledger.Ledger
	Now         func() time.Time
}

// Change describes the effect of an operation.
type Change struct {
	Event    string
	From     domain.EntryStatus
	To       domain.EntryStatus
	Summary  domain.SignatureSummary
	Replayed bool
	Payload  map[string]any
}

// Draft holds the content fields of an entry.
type Draft struct {
	Title          string
	Body           string
	EntryDate      string
	Location       string
	Weather        string
	IsConfidential bool
	Assignees      []string
	Signatories    []string
}

// Patch updates content fields of a draft; nil fields are left as is.
type Patch struct {
	Title          *string
	Body           *string
	EntryDate      *string
	Location       *string
	Weather        *string
	IsConfidential *bool
	Assignees      *[]string
	Signatories    *[]string
}

func (c Controller) now() string {
	if c.Now != nil {
		return c.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (c Controller) table() auth.Table {
	if c.Permissions != nil {
		return c.Permissions
	}
	return auth.DefaultTable
}

// Capabilities returns the permission flags of u.
func (c Controller) Capabilities(u domain.User) auth.Capabilities {
	return c.table().For(u)
}

// Summary recomputes the signature summary of e.
func (c Controller) Summary(e domain.LogEntry) domain.SignatureSummary {
	return ledger.Summary(e.SignatureTasks)
}

// ValidateSignatories rejects users that may not sign, including every viewer.
func (c Controller) ValidateSignatories(users []domain.User) error {
	for _, u := range users {
		if !c.table().For(u).CanSign {
			return auth.ForbiddenError{Capability: "sign (signatory " + u.ID + ")"}
		}
	}
	return nil
}

func (c Controller) authorOrAdmin(e domain.LogEntry, actor domain.User) bool {
	return actor.ID == e.AuthorID || c.table().For(actor).IsAdmin
}

// Create builds a new draft entry authored by author.
func (c Controller) Create(id, projectID string, author domain.User, d Draft, signatories []domain.User) (domain.LogEntry, Change, error) {
	if !c.table().For(author).CanEditContent {
		return domain.LogEntry{}, Change{}, auth.Forbidden("edit content")
	}
	if err := c.ValidateSignatories(signatories); err != nil {
		return domain.LogEntry{}, Change{}, err
	}
	now := c.now()
	e := domain.LogEntry{
		ID:                  id,
		ProjectID:           projectID,
		Status:              domain.StatusDraft,
		Version:             1,
		Title:               d.Title,
		Body:                d.Body,
		EntryDate:           d.EntryDate,
		Location:            d.Location,
		Weather:             d.Weather,
		IsConfidential:      d.IsConfidential,
		AuthorID:            author.ID,
		Assignees:           dedupe(d.Assignees),
		RequiredSignatories: dedupe(d.Signatories),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	return e, Change{
		Event:   "entry.created",
		To:      domain.StatusDraft,
		Payload: map[string]any{"title": e.Title, "confidential": e.IsConfidential},
	}, nil
}

// Update edits the content of a draft.
func (c Controller) Update(e domain.LogEntry, actor domain.User, p Patch, signatories []domain.User) (domain.LogEntry, Change, error) {
	if e.Status != domain.StatusDraft {
		return e, Change{}, domain.TransitionError{Action: "edit", From: e.Status}
	}
	if !c.authorOrAdmin(e, actor) {
		return e, Change{}, auth.Forbidden("author or admin")
	}
	if !c.table().For(actor).CanEditContent {
		return e, Change{}, auth.Forbidden("edit content")
	}
	if err := c.ValidateSignatories(signatories); err != nil {
		return e, Change{}, err
	}
	out := e.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Body != nil {
		out.Body = *p.Body
	}
	if p.EntryDate != nil {
		out.EntryDate = *p.EntryDate
	}
	if p.Location != nil {
		out.Location = *p.Location
	}
	if p.Weather != nil {
		out.Weather = *p.Weather
	}
	if p.IsConfidential != nil {
		out.IsConfidential = *p.IsConfidential
	}
	if p.Assignees != nil {
		out.Assignees = dedupe(*p.Assignees)
	}
	if p.Signatories != nil {
		out.RequiredSignatories = dedupe(*p.Signatories)
	}
	out.UpdatedAt = c.now()
	return out, Change{Event: "entry.updated", From: e.Status, To: out.Status}, nil
}

// CheckDelete validates an explicit deletion.
func (c Controller) CheckDelete(e domain.LogEntry, actor domain.User) error {
	if !c.table().For(actor).CanDelete {
		return auth.Forbidden("delete")
	}
	if e.Status == domain.StatusSigned {
		return domain.TransitionError{Action: "delete", From: e.Status}
	}
	return nil
}

// SendForReview attaches the review policy and submits the draft.
func (c Controller) SendForReview(e domain.LogEntry, actor domain.User, req review.Request) (domain.LogEntry, Change, error) {
	if e.Status != domain.StatusDraft {
		return e, Change{}, domain.TransitionError{Action: "send for review", From: e.Status}
	}
	if !c.authorOrAdmin(e, actor) {
		return e, Change{}, auth.Forbidden("author or admin")
	}
	if len(e.RequiredSignatories) == 0 {
		return e, Change{}, fmt.Errorf("%w: entry has no required signatories", domain.ErrValidation)
	}
	out := e.Clone()
	if err := c.Resolver.CreateReviewObligations(&out, actor, c.table().For(actor), req); err != nil {
		return e, Change{}, err
	}
	out.ReviewCompletedBy = nil
	out.ReviewCompletedAt = nil
	out.Status = domain.StatusSubmitted
	out.UpdatedAt = c.now()
	payload := map[string]any{"policy": string(out.PolicyKind())}
	if pending := out.PendingReviewBy(); pending != nil {
		payload["pending_review_by"] = string(*pending)
	}
	if tasks := out.ReviewTasks(); tasks != nil {
		reviewers := make([]string, 0, len(tasks))
		for _, t := range tasks {
			reviewers = append(reviewers, t.ReviewerID)
		}
		payload["reviewers"] = reviewers
	}
	return out, Change{
		Event:   "entry.review.requested",
		From:    e.Status,
		To:      out.Status,
		Summary: ledger.Summary(out.SignatureTasks),
		Payload: payload,
	}, nil
}

// RecordReviewAction routes a verdict to the active policy and advances to
// NEEDS_REVIEW once every obligation is satisfied.
func (c Controller) RecordReviewAction(e domain.LogEntry, actor domain.User, v review.Verdict) (domain.LogEntry, Change, error) {
	if e.Status != domain.StatusSubmitted && e.Status != domain.StatusNeedsReview {
		return e, Change{}, domain.TransitionError{Action: "review", From: e.Status}
	}
	out := e.Clone()
	outcome, err := c.Resolver.RecordAction(&out, actor, v)
	if errors.Is(err, domain.ErrAlreadyReviewed) {
		return e, Change{
			Event:    "entry.review.recorded",
			From:     e.Status,
			To:       e.Status,
			Summary:  ledger.Summary(e.SignatureTasks),
			Replayed: true,
		}, nil
	}
	if err != nil {
		return e, Change{}, err
	}
	now := c.now()
	out.UpdatedAt = now
	change := Change{
		Event:   "entry.review.recorded",
		From:    e.Status,
		Payload: map[string]any{"verdict": string(v.Kind), "informational": outcome.Informational},
	}
	if outcome.PendingBy != nil {
		change.Payload["pending_review_by"] = string(*outcome.PendingBy)
	}
	if out.Status == domain.StatusSubmitted && c.Resolver.IsReviewSatisfied(out) {
		by := actor.ID
		out.ReviewCompletedBy = &by
		out.ReviewCompletedAt = &now
		out.Status = domain.StatusNeedsReview
		change.Event = "entry.review.satisfied"
	}
	change.To = out.Status
	change.Summary = ledger.Summary(out.SignatureTasks)
	return out, change, nil
}

// Approve moves a reviewed entry to APPROVED and opens the signature tasks.
func (c Controller) Approve(e domain.LogEntry, actor domain.User) (domain.LogEntry, Change, error) {
	if e.Status != domain.StatusNeedsReview {
		return e, Change{}, domain.TransitionError{Action: "approve", From: e.Status}
	}
	caps := c.table().For(actor)
	if !caps.IsAdmin && !caps.CanEditContent {
		return e, Change{}, auth.Forbidden("approve")
	}
	if !c.Resolver.IsReviewSatisfied(e) {
		return e, Change{}, domain.ErrReviewIncomplete
	}
	out := e.Clone()
	summary := c.Ledger.Open(&out)
	out.Status = domain.StatusApproved
	out.UpdatedAt = c.now()
	return out, Change{
		Event:   "entry.approved",
		From:    e.Status,
		To:      out.Status,
		Summary: summary,
		Payload: map[string]any{"signature_tasks": summary.Total},
	}, nil
}

// Sign records a signature and seals the entry when the ledger completes.
func (c Controller) Sign(ctx context.Context, e domain.LogEntry, signer domain.User, taskID string, consent ledger.Consent) (domain.LogEntry, Change, error) {
	if e.Status != domain.StatusApproved && e.Status != domain.StatusSigned {
		return e, Change{}, domain.TransitionError{Action: "sign", From: e.Status}
	}
	if !c.table().For(signer).CanSign {
		return e, Change{}, auth.Forbidden("sign")
	}
	out := e.Clone()
	summary, err := c.Ledger.Sign(ctx, &out, taskID, signer, consent)
	if errors.Is(err, domain.ErrAlreadySigned) {
		return e, Change{
			Event:    "entry.signature.recorded",
			From:     e.Status,
			To:       e.Status,
			Summary:  ledger.Summary(e.SignatureTasks),
			Replayed: true,
		}, nil
	}
	if err != nil {
		return e, Change{}, err
	}
	out.UpdatedAt = c.now()
	change := Change{
		Event:   "entry.signature.recorded",
		From:    e.Status,
		Summary: summary,
		Payload: map[string]any{"signer_id": signer.ID, "signed": summary.Signed, "total": summary.Total},
	}
	if summary.Completed && out.Status == domain.StatusApproved {
		out.Status = domain.StatusSigned
		change.Event = "entry.signed"
	}
	change.To = out.Status
	return out, change, nil
}

// Reject clears outstanding review and signature tasks. A non-final
// rejection returns the entry to DRAFT; a final one closes it as REJECTED.
func (c Controller) Reject(e domain.LogEntry, actor domain.User, reason string, final bool) (domain.LogEntry, Change, error) {
	if e.Status != domain.StatusSubmitted && e.Status != domain.StatusNeedsReview {
		return e, Change{}, domain.TransitionError{Action: "reject", From: e.Status}
	}
	caps := c.table().For(actor)
	allowed := caps.IsAdmin || c.Resolver.Addressed(e, actor) ||
		(e.Status == domain.StatusNeedsReview && caps.CanEditContent)
	if !allowed {
		return e, Change{}, auth.Forbidden("reviewer or admin")
	}
	if final && !caps.IsAdmin {
		return e, Change{}, auth.Forbidden("admin")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return e, Change{}, fmt.Errorf("%w: rejection reason required", domain.ErrValidation)
	}
	out := e.Clone()
	c.Resolver.Clear(&out)
	c.Ledger.Clear(&out)
	out.ReviewCompletedBy = nil
	out.ReviewCompletedAt = nil
	out.Status = domain.StatusDraft
	if final {
		out.Status = domain.StatusRejected
	}
	out.UpdatedAt = c.now()
	return out, Change{
		Event:   "entry.rejected",
		From:    e.Status,
		To:      out.Status,
		Summary: ledger.Summary(out.SignatureTasks),
		Payload: map[string]any{"reason": reason, "final": final},
	}, nil
}

// AddSignatory adds a required signatory to an approved entry.
func (c Controller) AddSignatory(e domain.LogEntry, actor, user domain.User) (domain.LogEntry, Change, error) {
	if e.Status != domain.StatusApproved {
		return e, Change{}, domain.TransitionError{Action: "add signatory", From: e.Status}
	}
	if !c.authorOrAdmin(e, actor) {
		return e, Change{}, auth.Forbidden("author or admin")
	}
	if err := c.ValidateSignatories([]domain.User{user}); err != nil {
		return e, Change{}, err
	}
	out := e.Clone()
	summary, err := c.Ledger.AddSignatory(&out, user.ID)
	if err != nil {
		return e, Change{}, err
	}
	out.UpdatedAt = c.now()
	return out, Change{
		Event:   "entry.signatory.added",
		From:    e.Status,
		To:      out.Status,
		Summary: summary,
		Payload: map[string]any{"signatory_id": user.ID},
	}, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
