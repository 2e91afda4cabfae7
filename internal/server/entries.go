package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"bitacora/internal/domain"
	"bitacora/internal/engine"
	"bitacora/internal/repo"
)

type entryPath struct {
	ProjectID string `path:"project_id"`
	ID        string `path:"id"`
}

type entryOutput struct {
	Body EntryResponse `json:"body"`
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func entryResult(v engine.EntryView, err error) (*entryOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &entryOutput{Body: NewEntryResponse(v)}, nil
}

func registerEntries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entry",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/entries",
		Summary:       "Create a draft log entry",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      CreateEntryRequest `json:"body"`
	}) (*entryOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return entryResult(e.CreateEntry(ctx, engine.CreateEntryOptions{
			ProjectID:      input.ProjectID,
			Title:          input.Body.Title,
			Body:           input.Body.Body,
			EntryDate:      input.Body.EntryDate,
			Location:       input.Body.Location,
			Weather:        input.Body.Weather,
			IsConfidential: input.Body.IsConfidential,
			Assignees:      input.Body.Assignees,
			Signatories:    input.Body.Signatories,
			ActorID:        userID,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entries",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/entries",
		Summary:     "List log entries",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"DRAFT,SUBMITTED,NEEDS_REVIEW,APPROVED,SIGNED,REJECTED"`
		AuthorID  string `query:"author_id"`
		SignerID  string `query:"signer_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEntries `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListEntries(ctx, repo.EntryFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			AuthorID:  input.AuthorID,
			SignerID:  input.SignerID,
			Limit:     normalizeLimit(input.Limit),
		}, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedEntries `json:"body"`
		}{Body: paginatedEntries{Items: mapEntries(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entry",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/entries/{id}",
		Summary:     "Get a log entry",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *entryPath) (*entryOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return entryResult(e.GetEntry(ctx, input.ProjectID, input.ID, userID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-entry",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/entries/{id}",
		Summary:     "Edit a draft",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		entryPath
		Body UpdateEntryRequest `json:"body"`
	}) (*entryOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return entryResult(e.UpdateEntry(ctx, input.ProjectID, input.ID, engine.UpdateEntryOptions{
			Title:          input.Body.Title,
			Body:           input.Body.Body,
			EntryDate:      input.Body.EntryDate,
			Location:       input.Body.Location,
			Weather:        input.Body.Weather,
			IsConfidential: input.Body.IsConfidential,
			Assignees:      input.Body.Assignees,
			Signatories:    input.Body.Signatories,
			ActorID:        userID,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-entry",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/entries/{id}",
		Summary:       "Delete an unsigned entry",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *entryPath) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteEntry(ctx, input.ProjectID, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerReview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "send-for-review",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/entries/{id}/review-requests",
		Summary:     "Submit a draft for review",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		entryPath
		Body ReviewRequest `json:"body"`
	}) (*entryOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return entryResult(e.SendForReview(ctx, input.ProjectID, input.ID, engine.SendForReviewOptions{
			Policy:        input.Body.Policy,
			Reviewers:     input.Body.Reviewers,
			IncludeAuthor: input.Body.IncludeAuthor,
			Target:        input.Body.Target,
			ActorID:       userID,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-review-action",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/entries/{id}/review-actions",
		Summary:     "Record a review verdict",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		entryPath
		Body ReviewActionRequest `json:"body"`
	}) (*entryOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return entryResult(e.RecordReviewAction(ctx, input.ProjectID, input.ID, engine.ReviewActionOptions{
			Verdict: input.Body.Verdict,
			Comment: input.Body.Comment,
			Target:  input.Body.Target,
			ActorID: userID,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-entry",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/entries/{id}/approve",
		Summary:     "Approve a reviewed entry and open signature tasks",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *entryPath) (*entryOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return entryResult(e.Approve(ctx, input.ProjectID, input.ID, userID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-entry",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/entries/{id}/reject",
		Summary:     "Return an entry to draft, or reject it for good",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		entryPath
		Body RejectRequest `json:"body"`
	}) (*entryOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return entryResult(e.Reject(ctx, input.ProjectID, input.ID, engine.RejectOptions{
			Reason:  input.Body.Reason,
			Final:   input.Body.Final,
			ActorID: userID,
		}))
	})
}

func registerSignatures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sign-entry",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/entries/{id}/signatures",
		Summary:     "Sign an approved entry",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		entryPath
		Body SignRequest `json:"body"`
	}) (*entryOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return entryResult(e.Sign(ctx, input.ProjectID, input.ID, engine.SignOptions{
			TaskID:  input.Body.TaskID,
			Consent: input.Body.Consent,
			Secret:  input.Body.Secret,
			ActorID: userID,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-signatory",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/entries/{id}/signatories",
		Summary:     "Add a required signatory to an approved entry",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		entryPath
		Body AddSignatoryRequest `json:"body"`
	}) (*entryOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return entryResult(e.AddSignatory(ctx, input.ProjectID, input.ID, input.Body.UserID, userID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "signature-summary",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/entries/{id}/signature-summary",
		Summary:     "Signature progress",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *entryPath) (*struct {
		Body domain.SignatureSummary `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.GetEntry(ctx, input.ProjectID, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SignatureSummary `json:"body"`
		}{Body: v.Summary}, nil
	})
}
