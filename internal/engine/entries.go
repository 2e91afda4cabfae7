package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"bitacora/internal/domain"
	"bitacora/internal/engine/auth"
	"bitacora/internal/engine/ledger"
	"bitacora/internal/engine/lifecycle"
	"bitacora/internal/engine/review"
	"bitacora/internal/events"
	"bitacora/internal/repo"
)

// EntryView is an entry as seen by one viewer.
type EntryView struct {
	Entry   domain.LogEntry
	Summary domain.SignatureSummary
	// ContentVisible is false when the entry is confidential and the viewer
	// is not entitled to its content; the caller redacts.
	ContentVisible bool
	Replayed       bool
}

type CreateEntryOptions struct {
	ProjectID      string `validate:"required"`
	Title          string `validate:"required,max=200"`
	Body           string
	EntryDate      string `validate:"omitempty,datetime=2006-01-02"`
	Location       string `validate:"max=200"`
	Weather        string `validate:"max=100"`
	IsConfidential bool
	Assignees      []string `validate:"dive,required"`
	Signatories    []string `validate:"dive,required"`
	ActorID        string
}

type UpdateEntryOptions struct {
	Title          *string `validate:"omitempty,min=1,max=200"`
	Body           *string
	EntryDate      *string `validate:"omitempty,datetime=2006-01-02"`
	Location       *string `validate:"omitempty,max=200"`
	Weather        *string `validate:"omitempty,max=100"`
	IsConfidential *bool
	Assignees      *[]string
	Signatories    *[]string
	ActorID        string
}

type SendForReviewOptions struct {
	// Policy is parallel or handoff; empty uses the project default.
	Policy        string
	Reviewers     []string `validate:"dive,required"`
	IncludeAuthor *bool
	Target        string
	ActorID       string
}

type ReviewActionOptions struct {
	Verdict string `validate:"required"`
	Comment string `validate:"max=4000"`
	Target  string
	ActorID string
}

type SignOptions struct {
	TaskID  string
	Consent bool
	Secret  string
	ActorID string
}

type RejectOptions struct {
	Reason  string `validate:"required,max=2000"`
	Final   bool
	ActorID string
}

func (e Engine) view(entry domain.LogEntry, viewer domain.User) EntryView {
	return EntryView{
		Entry:          entry,
		Summary:        ledger.Summary(entry.SignatureTasks),
		ContentVisible: auth.CanViewContent(entry, viewer),
	}
}

func (e Engine) loadEntry(ctx context.Context, projectID, id string) (domain.LogEntry, error) {
	entry, err := e.Repo.GetEntry(ctx, id)
	if err != nil {
		return entry, fmt.Errorf("entry %s: %w", id, err)
	}
	if projectID != "" && entry.ProjectID != projectID {
		return entry, fmt.Errorf("entry %s: %w", id, repo.ErrNotFound)
	}
	return entry, nil
}

// GetEntry returns an entry with its signature summary.
func (e Engine) GetEntry(ctx context.Context, projectID, id, viewerID string) (EntryView, error) {
	viewer, err := e.actor(ctx, viewerID)
	if err != nil {
		return EntryView{}, err
	}
	entry, err := e.loadEntry(ctx, projectID, id)
	if err != nil {
		return EntryView{}, err
	}
	return e.view(entry, viewer), nil
}

// ListEntries returns the project's entries as seen by viewerID.
func (e Engine) ListEntries(ctx context.Context, f repo.EntryFilters, viewerID string) ([]EntryView, error) {
	viewer, err := e.actor(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	if f.Status != "" {
		st, err := domain.ParseEntryStatus(f.Status)
		if err != nil {
			return nil, err
		}
		f.Status = string(st)
	}
	entries, err := e.Repo.ListEntries(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		out = append(out, e.view(entry, viewer))
	}
	return out, nil
}

// CreateEntry stores a new draft.
func (e Engine) CreateEntry(ctx context.Context, opts CreateEntryOptions) (EntryView, error) {
	if err := validate.Struct(opts); err != nil {
		return EntryView{}, validationError(err)
	}
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return EntryView{}, err
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return EntryView{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	signatories, err := e.users(ctx, opts.Signatories)
	if err != nil {
		return EntryView{}, err
	}
	if _, err := e.users(ctx, opts.Assignees); err != nil {
		return EntryView{}, err
	}
	entry, change, err := e.Controller().Create(e.newID(), opts.ProjectID, actor, lifecycle.Draft{
		Title:          opts.Title,
		Body:           opts.Body,
		EntryDate:      opts.EntryDate,
		Location:       opts.Location,
		Weather:        opts.Weather,
		IsConfidential: opts.IsConfidential,
		Assignees:      opts.Assignees,
		Signatories:    opts.Signatories,
	}, signatories)
	if err != nil {
		return EntryView{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return EntryView{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEntry(ctx, tx, entry); err != nil {
		return EntryView{}, fmt.Errorf("insert entry: %w", err)
	}
	if err := e.appendChange(ctx, tx, entry, actor, change); err != nil {
		return EntryView{}, err
	}
	if err := tx.Commit(); err != nil {
		return EntryView{}, err
	}
	return e.view(entry, actor), nil
}

// UpdateEntry edits a draft.
func (e Engine) UpdateEntry(ctx context.Context, projectID, id string, opts UpdateEntryOptions) (EntryView, error) {
	if err := validate.Struct(opts); err != nil {
		return EntryView{}, validationError(err)
	}
	var signatories []domain.User
	if opts.Signatories != nil {
		var err error
		if signatories, err = e.users(ctx, *opts.Signatories); err != nil {
			return EntryView{}, err
		}
	}
	if opts.Assignees != nil {
		if _, err := e.users(ctx, *opts.Assignees); err != nil {
			return EntryView{}, err
		}
	}
	patch := lifecycle.Patch{
		Title:          opts.Title,
		Body:           opts.Body,
		EntryDate:      opts.EntryDate,
		Location:       opts.Location,
		Weather:        opts.Weather,
		IsConfidential: opts.IsConfidential,
		Assignees:      opts.Assignees,
		Signatories:    opts.Signatories,
	}
	return e.mutate(ctx, projectID, id, opts.ActorID, func(c lifecycle.Controller, entry domain.LogEntry, actor domain.User) (domain.LogEntry, lifecycle.Change, error) {
		return c.Update(entry, actor, patch, signatories)
	})
}

// DeleteEntry removes an entry. Signed entries are permanent.
func (e Engine) DeleteEntry(ctx context.Context, projectID, id, actorID string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	entry, err := e.loadEntry(ctx, projectID, id)
	if err != nil {
		return err
	}
	if err := e.Controller().CheckDelete(entry, actor); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteEntry(ctx, tx, entry.ID, entry.Version); err != nil {
		if errors.Is(err, repo.ErrVersionMismatch) {
			return fmt.Errorf("%w: entry %s changed concurrently", domain.ErrConflict, id)
		}
		return err
	}
	if err := e.appendChange(ctx, tx, entry, actor, lifecycle.Change{
		Event: "entry.deleted", From: entry.Status, Payload: map[string]any{"title": entry.Title},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SendForReview submits a draft under the requested review policy.
func (e Engine) SendForReview(ctx context.Context, projectID, id string, opts SendForReviewOptions) (EntryView, error) {
	if err := validate.Struct(opts); err != nil {
		return EntryView{}, validationError(err)
	}
	req := review.Request{Reviewers: opts.Reviewers, ExcludeAuthor: !e.config().IncludeAuthor()}
	if opts.IncludeAuthor != nil {
		req.ExcludeAuthor = !*opts.IncludeAuthor
	}
	if opts.Policy != "" {
		kind, err := domain.ParsePolicyKind(opts.Policy)
		if err != nil {
			return EntryView{}, err
		}
		req.Policy = kind
	}
	if opts.Target != "" {
		target, err := domain.ParseParty(opts.Target)
		if err != nil {
			return EntryView{}, err
		}
		req.Target = target
	}
	return e.mutate(ctx, projectID, id, opts.ActorID, func(c lifecycle.Controller, entry domain.LogEntry, actor domain.User) (domain.LogEntry, lifecycle.Change, error) {
		r := req
		if r.Policy == domain.PolicyNone && entry.Review == nil {
			r.Policy = e.config().DefaultPolicy()
		}
		return c.SendForReview(entry, actor, r)
	})
}

// RecordReviewAction applies a reviewer's verdict.
func (e Engine) RecordReviewAction(ctx context.Context, projectID, id string, opts ReviewActionOptions) (EntryView, error) {
	if err := validate.Struct(opts); err != nil {
		return EntryView{}, validationError(err)
	}
	kind, err := review.ParseVerdict(opts.Verdict)
	if err != nil {
		return EntryView{}, err
	}
	v := review.Verdict{Kind: kind, Comment: opts.Comment}
	if opts.Target != "" {
		target, err := domain.ParseParty(opts.Target)
		if err != nil {
			return EntryView{}, err
		}
		v.Target = &target
	}
	return e.mutate(ctx, projectID, id, opts.ActorID, func(c lifecycle.Controller, entry domain.LogEntry, actor domain.User) (domain.LogEntry, lifecycle.Change, error) {
		return c.RecordReviewAction(entry, actor, v)
	})
}

// Approve moves a reviewed entry to APPROVED and opens signature tasks.
func (e Engine) Approve(ctx context.Context, projectID, id, actorID string) (EntryView, error) {
	return e.mutate(ctx, projectID, id, actorID, func(c lifecycle.Controller, entry domain.LogEntry, actor domain.User) (domain.LogEntry, lifecycle.Change, error) {
		return c.Approve(entry, actor)
	})
}

// Sign records the actor's signature.
func (e Engine) Sign(ctx context.Context, projectID, id string, opts SignOptions) (EntryView, error) {
	consent := ledger.Consent{Consent: opts.Consent, Secret: opts.Secret}
	return e.mutate(ctx, projectID, id, opts.ActorID, func(c lifecycle.Controller, entry domain.LogEntry, actor domain.User) (domain.LogEntry, lifecycle.Change, error) {
		return c.Sign(ctx, entry, actor, opts.TaskID, consent)
	})
}

// Reject returns an entry under review to DRAFT, or closes it for good when Final.
func (e Engine) Reject(ctx context.Context, projectID, id string, opts RejectOptions) (EntryView, error) {
	if err := validate.Struct(opts); err != nil {
		return EntryView{}, validationError(err)
	}
	return e.mutate(ctx, projectID, id, opts.ActorID, func(c lifecycle.Controller, entry domain.LogEntry, actor domain.User) (domain.LogEntry, lifecycle.Change, error) {
		return c.Reject(entry, actor, opts.Reason, opts.Final)
	})
}

// AddSignatory adds a signer to an approved entry.
func (e Engine) AddSignatory(ctx context.Context, projectID, id, userID, actorID string) (EntryView, error) {
	user, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return EntryView{}, fmt.Errorf("user %s: %w", userID, err)
	}
	return e.mutate(ctx, projectID, id, actorID, func(c lifecycle.Controller, entry domain.LogEntry, actor domain.User) (domain.LogEntry, lifecycle.Change, error) {
		return c.AddSignatory(entry, actor, user)
	})
}

type mutation func(c lifecycle.Controller, entry domain.LogEntry, actor domain.User) (domain.LogEntry, lifecycle.Change, error)

// mutate loads the entry, applies op and saves the result at the loaded
// version. A concurrent write makes the save fail; the operation is then
// replayed on fresh state until the attempt budget is spent. If the fresh
// state no longer admits the operation the caller gets ErrConflict.
func (e Engine) mutate(ctx context.Context, projectID, id, actorID string, op mutation) (EntryView, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return EntryView{}, err
	}
	c := e.Controller()
	attempts := e.config().MaxAttempts()
	for attempt := 1; ; attempt++ {
		entry, err := e.loadEntry(ctx, projectID, id)
		if err != nil {
			return EntryView{}, err
		}
		out, change, err := op(c, entry, actor)
		if err != nil {
			if attempt > 1 && lostRace(err) {
				return EntryView{}, fmt.Errorf("%w: entry %s changed concurrently (%v)", domain.ErrConflict, id, err)
			}
			return EntryView{}, err
		}
		if change.Replayed {
			v := e.view(out, actor)
			v.Replayed = true
			return v, nil
		}
		if e.beforeSave != nil {
			e.beforeSave(ctx, id)
		}
		version, err := e.save(ctx, out, actor, change)
		if errors.Is(err, repo.ErrVersionMismatch) {
			if attempt >= attempts {
				e.log().Warn("entry write conflict", zap.String("entry_id", id), zap.Int("attempts", attempt))
				return EntryView{}, fmt.Errorf("%w: entry %s changed concurrently", domain.ErrConflict, id)
			}
			e.log().Warn("retrying entry write", zap.String("entry_id", id), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return EntryView{}, err
		}
		out.Version = version
		if change.From != change.To {
			e.log().Info("entry transition",
				zap.String("entry_id", out.ID),
				zap.String("from", string(change.From)),
				zap.String("to", string(change.To)),
				zap.String("actor_id", actor.ID))
		}
		return e.view(out, actor), nil
	}
}

// lostRace reports whether err is a precondition failure caused by state
// another writer committed.
func lostRace(err error) bool {
	return errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrReviewIncomplete) ||
		errors.Is(err, domain.ErrForbidden)
}

func (e Engine) save(ctx context.Context, entry domain.LogEntry, actor domain.User, change lifecycle.Change) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	version, err := e.Repo.SaveEntry(ctx, tx, entry)
	if err != nil {
		return 0, err
	}
	if err := e.appendChange(ctx, tx, entry, actor, change); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

func (e Engine) appendChange(ctx context.Context, tx *sql.Tx, entry domain.LogEntry, actor domain.User, change lifecycle.Change) error {
	payload := events.Payload{}
	for k, v := range change.Payload {
		payload[k] = v
	}
	if change.From != "" {
		payload["from"] = string(change.From)
	}
	if change.To != "" {
		payload["to"] = string(change.To)
	}
	_, err := e.events().Append(ctx, tx, events.Event{
		Type:       change.Event,
		ProjectID:  entry.ProjectID,
		EntityKind: events.KindEntry,
		EntityID:   entry.ID,
		ActorID:    actor.ID,
		Payload:    payload,
	})
	return err
}

func (e Engine) users(ctx context.Context, ids []string) ([]domain.User, error) {
	users, err := e.Repo.GetUsers(ctx, ids)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return users, err
}
