package bitacorasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bitácora HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

type SignatureTask struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	SignerID string  `json:"signer_id"`
	SignedAt *string `json:"signed_at,omitempty"`
}

type SignatureSummary struct {
	Total     int  `json:"total"`
	Signed    int  `json:"signed"`
	Pending   int  `json:"pending"`
	Completed bool `json:"completed"`
}

type ReviewTask struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	ReviewerID string `json:"reviewer_id"`
}

type Review struct {
	Kind            string       `json:"kind"`
	PendingReviewBy *string      `json:"pending_review_by,omitempty"`
	Tasks           []ReviewTask `json:"tasks,omitempty"`
	Satisfied       bool         `json:"satisfied"`
}

// Entry is the API view of a log entry. Body, Location and Weather are nil
// when the entry is confidential and the caller may not read it.
type Entry struct {
	ID                  string           `json:"id"`
	ProjectID           string           `json:"project_id"`
	Status              string           `json:"status"`
	Version             int              `json:"version"`
	Title               string           `json:"title"`
	Body                *string          `json:"body,omitempty"`
	EntryDate           string           `json:"entry_date,omitempty"`
	Location            *string          `json:"location,omitempty"`
	Weather             *string          `json:"weather,omitempty"`
	IsConfidential      bool             `json:"is_confidential"`
	Redacted            bool             `json:"redacted"`
	AuthorID            string           `json:"author_id"`
	RequiredSignatories []string         `json:"required_signatories"`
	Review              *Review          `json:"review,omitempty"`
	SignatureTasks      []SignatureTask  `json:"signature_tasks"`
	SignatureSummary    SignatureSummary `json:"signature_summary"`
	Replayed            bool             `json:"replayed,omitempty"`
}

// NewEntry is the payload for CreateEntry.
type NewEntry struct {
	Title          string   `json:"title"`
	Body           string   `json:"body,omitempty"`
	EntryDate      string   `json:"entry_date,omitempty"`
	Location       string   `json:"location,omitempty"`
	Weather        string   `json:"weather,omitempty"`
	IsConfidential bool     `json:"is_confidential,omitempty"`
	Assignees      []string `json:"assignees,omitempty"`
	Signatories    []string `json:"signatories,omitempty"`
}

// ReviewRequest selects the review policy when sending an entry for review.
type ReviewRequest struct {
	Policy        string   `json:"policy,omitempty"`
	Reviewers     []string `json:"reviewers,omitempty"`
	IncludeAuthor *bool    `json:"include_author,omitempty"`
	Target        string   `json:"target,omitempty"`
}

type Capabilities struct {
	CanEditContent   bool `json:"can_edit_content"`
	CanSign          bool `json:"can_sign"`
	CanDelete        bool `json:"can_delete"`
	IsContractorUser bool `json:"is_contractor_user"`
	IsAdmin          bool `json:"is_admin"`
}

type User struct {
	ID          string `json:"id"`
	FullName    string `json:"full_name"`
	ProjectRole string `json:"project_role"`
	AppRole     string `json:"app_role"`
	Entity      string `json:"entity"`
}

type Me struct {
	User         User         `json:"user"`
	Capabilities Capabilities `json:"capabilities"`
}

// Event represents one audit log record.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the machine-readable error code
// of the envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges credentials for a bearer token and stores it on the client.
func (c *Client) Login(ctx context.Context, userID, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "v0/auth/login", map[string]string{"user_id": userID, "password": password}, &resp)
	if err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// Me returns the authenticated user and its capabilities.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "v0/me", nil, &resp)
	return resp, err
}

func (c *Client) CreateEntry(ctx context.Context, in NewEntry) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, c.projectPath("entries"), in, &resp)
	return resp, err
}

func (c *Client) GetEntry(ctx context.Context, id string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodGet, c.entryPath(id, ""), nil, &resp)
	return resp, err
}

// ListEntries returns entries, optionally filtered by status.
func (c *Client) ListEntries(ctx context.Context, status string) ([]Entry, error) {
	endpoint := c.projectPath("entries")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Entry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) SendForReview(ctx context.Context, id string, req ReviewRequest) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, c.entryPath(id, "review-requests"), req, &resp)
	return resp, err
}

// ReviewAction records a verdict: comment, approve or forward.
func (c *Client) ReviewAction(ctx context.Context, id, verdict, comment string) (Entry, error) {
	body := map[string]string{"verdict": verdict}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Entry
	err := c.do(ctx, http.MethodPost, c.entryPath(id, "review-actions"), body, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, id string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, c.entryPath(id, "approve"), nil, &resp)
	return resp, err
}

func (c *Client) Reject(ctx context.Context, id, reason string, final bool) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, c.entryPath(id, "reject"), map[string]any{"reason": reason, "final": final}, &resp)
	return resp, err
}

// Sign records the caller's signature. secret may be empty when the project
// does not require a signing credential.
func (c *Client) Sign(ctx context.Context, id string, consent bool, secret string) (Entry, error) {
	body := map[string]any{"consent": consent}
	if secret != "" {
		body["secret"] = secret
	}
	var resp Entry
	err := c.do(ctx, http.MethodPost, c.entryPath(id, "signatures"), body, &resp)
	return resp, err
}

func (c *Client) AddSignatory(ctx context.Context, id, userID string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, c.entryPath(id, "signatories"), map[string]string{"user_id": userID}, &resp)
	return resp, err
}

func (c *Client) SignatureSummary(ctx context.Context, id string) (SignatureSummary, error) {
	var resp SignatureSummary
	err := c.do(ctx, http.MethodGet, c.entryPath(id, "signature-summary"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) entryPath(id, action string) string {
	p := "entries/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return c.projectPath(p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
