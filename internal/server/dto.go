package server

import (
	"encoding/json"

	"bitacora/internal/domain"
	"bitacora/internal/engine"
	"bitacora/internal/engine/auth"
	"bitacora/internal/engine/review"
)

// Request payloads

type LoginRequest struct {
	UserID   string `json:"user_id" minLength:"1"`
	Password string `json:"password" minLength:"1"`
}

type CreateUserRequest struct {
	ID          string `json:"id" minLength:"1"`
	FullName    string `json:"full_name" minLength:"1"`
	ProjectRole string `json:"project_role" enum:"resident,supervisor,director,contractor_rep,interventor,observer"`
	AppRole     string `json:"app_role,omitempty"`
	Entity      string `json:"entity" minLength:"1" doc:"Organization name; resolved through the configured aliases"`
	Password    string `json:"password,omitempty"`
}

type CreateEntryRequest struct {
	Title          string   `json:"title" minLength:"1" maxLength:"200"`
	Body           string   `json:"body,omitempty"`
	EntryDate      string   `json:"entry_date,omitempty" format:"date"`
	Location       string   `json:"location,omitempty"`
	Weather        string   `json:"weather,omitempty"`
	IsConfidential bool     `json:"is_confidential,omitempty"`
	Assignees      []string `json:"assignees,omitempty"`
	Signatories    []string `json:"signatories,omitempty"`
}

type UpdateEntryRequest struct {
	Title          *string   `json:"title,omitempty"`
	Body           *string   `json:"body,omitempty"`
	EntryDate      *string   `json:"entry_date,omitempty"`
	Location       *string   `json:"location,omitempty"`
	Weather        *string   `json:"weather,omitempty"`
	IsConfidential *bool     `json:"is_confidential,omitempty"`
	Assignees      *[]string `json:"assignees,omitempty"`
	Signatories    *[]string `json:"signatories,omitempty"`
}

type ReviewRequest struct {
	Policy        string   `json:"policy,omitempty" enum:"parallel,handoff"`
	Reviewers     []string `json:"reviewers,omitempty"`
	IncludeAuthor *bool    `json:"include_author,omitempty"`
	Target        string   `json:"target,omitempty" enum:"CONTRACTOR,INTERVENTORIA"`
}

type ReviewActionRequest struct {
	Verdict string `json:"verdict" enum:"comment,approve,forward"`
	Comment string `json:"comment,omitempty"`
	Target  string `json:"target,omitempty" enum:"CONTRACTOR,INTERVENTORIA"`
}

type SignRequest struct {
	TaskID  string `json:"task_id,omitempty"`
	Consent bool   `json:"consent"`
	Secret  string `json:"secret,omitempty" doc:"Signing credential, required when the project demands it"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
	Final  bool   `json:"final,omitempty"`
}

type AddSignatoryRequest struct {
	UserID string `json:"user_id" minLength:"1"`
}

// Response payloads

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type MeResponse struct {
	User         domain.User       `json:"user"`
	Capabilities auth.Capabilities `json:"capabilities"`
}

type ReviewPolicyResponse struct {
	Kind            string                 `json:"kind" enum:"parallel,handoff"`
	PendingReviewBy *string                `json:"pending_review_by,omitempty"`
	Tasks           []domain.ReviewTask    `json:"tasks,omitempty"`
	Comments        []domain.ReviewComment `json:"comments,omitempty"`
	Satisfied       bool                   `json:"satisfied"`
}

type EntryResponse struct {
	ID                  string                  `json:"id"`
	ProjectID           string                  `json:"project_id"`
	Status              string                  `json:"status" enum:"DRAFT,SUBMITTED,NEEDS_REVIEW,APPROVED,SIGNED,REJECTED"`
	Version             int                     `json:"version"`
	Title               string                  `json:"title"`
	Body                *string                 `json:"body,omitempty"`
	EntryDate           string                  `json:"entry_date,omitempty"`
	Location            *string                 `json:"location,omitempty"`
	Weather             *string                 `json:"weather,omitempty"`
	IsConfidential      bool                    `json:"is_confidential"`
	Redacted            bool                    `json:"redacted"`
	AuthorID            string                  `json:"author_id"`
	Assignees           []string                `json:"assignees"`
	RequiredSignatories []string                `json:"required_signatories"`
	Review              *ReviewPolicyResponse   `json:"review,omitempty"`
	ReviewCompletedBy   *string                 `json:"review_completed_by,omitempty"`
	ReviewCompletedAt   *string                 `json:"review_completed_at,omitempty" format:"date-time"`
	SignatureTasks      []domain.SignatureTask  `json:"signature_tasks"`
	Signatures          []domain.Signature      `json:"signatures"`
	SignatureSummary    domain.SignatureSummary `json:"signature_summary"`
	Replayed            bool                    `json:"replayed,omitempty"`
	CreatedAt           string                  `json:"created_at" format:"date-time"`
	UpdatedAt           string                  `json:"updated_at" format:"date-time"`
}

type paginatedEntries struct {
	Items []EntryResponse `json:"items"`
}

type paginatedUsers struct {
	Items []domain.User `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func optional(s string) *string {
	return &s
}

// NewEntryResponse renders an entry for one viewer. Content fields are
// omitted when the viewer may not see them.
func NewEntryResponse(v engine.EntryView) EntryResponse {
	e := v.Entry
	resp := EntryResponse{
		ID:                  e.ID,
		ProjectID:           e.ProjectID,
		Status:              string(e.Status),
		Version:             e.Version,
		Title:               e.Title,
		EntryDate:           e.EntryDate,
		IsConfidential:      e.IsConfidential,
		Redacted:            !v.ContentVisible,
		AuthorID:            e.AuthorID,
		Assignees:           nonNilSlice(e.Assignees),
		RequiredSignatories: nonNilSlice(e.RequiredSignatories),
		ReviewCompletedBy:   e.ReviewCompletedBy,
		ReviewCompletedAt:   e.ReviewCompletedAt,
		SignatureTasks:      nonNilSlice(e.SignatureTasks),
		Signatures:          nonNilSlice(e.Signatures),
		SignatureSummary:    v.Summary,
		Replayed:            v.Replayed,
		CreatedAt:           e.CreatedAt,
		UpdatedAt:           e.UpdatedAt,
	}
	if v.ContentVisible {
		resp.Body = optional(e.Body)
		resp.Location = optional(e.Location)
		resp.Weather = optional(e.Weather)
	}
	if e.Review != nil {
		rp := &ReviewPolicyResponse{
			Kind:      string(e.PolicyKind()),
			Tasks:     e.ReviewTasks(),
			Satisfied: review.Resolver{}.IsReviewSatisfied(e),
		}
		if p := e.PendingReviewBy(); p != nil {
			rp.PendingReviewBy = optional(string(*p))
		}
		if v.ContentVisible {
			rp.Comments = e.ReviewComments()
		}
		resp.Review = rp
	}
	return resp
}

func mapEntries(items []engine.EntryView) []EntryResponse {
	out := make([]EntryResponse, 0, len(items))
	for _, v := range items {
		out = append(out, NewEntryResponse(v))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
