package domain

// LogEntry is one daily construction log record. It owns its review
// policy, signature tasks and signatures; users are referenced by id.
type LogEntry struct {
	ID                  string
	ProjectID           string
	Status              EntryStatus
	Version             int
	Title               string
	Body                string
	EntryDate           string
	Location            string
	Weather             string
	IsConfidential      bool
	AuthorID            string
	Assignees           []string
	RequiredSignatories []string
	SignatureTasks      []SignatureTask
	Signatures          []Signature
	Review              ReviewPolicy
	ReviewCompletedBy   *string
	ReviewCompletedAt   *string
	CreatedAt           string
	UpdatedAt           string
}

type SignatureTask struct {
	ID         string              `json:"id"`
	Status     SignatureTaskStatus `json:"status" enum:"PENDING,SIGNED,DECLINED,CANCELLED"`
	SignerID   string              `json:"signer_id"`
	AssignedAt string              `json:"assigned_at" format:"date-time"`
	SignedAt   *string             `json:"signed_at,omitempty" format:"date-time"`
}

// Signature is the immutable record of a completed signature.
type Signature struct {
	ID                  string              `json:"id"`
	SignerID            string              `json:"signer_id"`
	SignedAt            string              `json:"signed_at" format:"date-time"`
	SignatureTaskStatus SignatureTaskStatus `json:"signature_task_status"`
	SignatureTaskID     string              `json:"signature_task_id"`
}

type ReviewTask struct {
	ID          string           `json:"id"`
	Status      ReviewTaskStatus `json:"status" enum:"PENDING,COMPLETED"`
	ReviewerID  string           `json:"reviewer_id"`
	AssignedAt  string           `json:"assigned_at" format:"date-time"`
	CompletedAt *string          `json:"completed_at,omitempty" format:"date-time"`
}

type ReviewComment struct {
	ID        string `json:"id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// SignatureSummary is derived from the signature tasks and is never stored.
type SignatureSummary struct {
	Total     int  `json:"total"`
	Signed    int  `json:"signed"`
	Pending   int  `json:"pending"`
	Completed bool `json:"completed"`
}

// ReviewPolicy is either *ParallelReview or *SequentialHandoff. A nil
// policy means the entry has never been sent for review.
type ReviewPolicy interface {
	Kind() PolicyKind
	clone() ReviewPolicy
}

// ParallelReview is the legacy multi-reviewer policy: one task per reviewer,
// completed in any order.
type ParallelReview struct {
	Tasks    []ReviewTask
	Comments []ReviewComment
}

func (p *ParallelReview) Kind() PolicyKind { return PolicyParallel }

func (p *ParallelReview) clone() ReviewPolicy {
	return &ParallelReview{
		Tasks:    append([]ReviewTask(nil), p.Tasks...),
		Comments: append([]ReviewComment(nil), p.Comments...),
	}
}

// SequentialHandoff is the two-party policy. PendingBy names the party that
// must act next; nil means the hand-off is settled.
type SequentialHandoff struct {
	PendingBy *Party
}

func (p *SequentialHandoff) Kind() PolicyKind { return PolicyHandoff }

func (p *SequentialHandoff) clone() ReviewPolicy {
	out := &SequentialHandoff{}
	if p.PendingBy != nil {
		party := *p.PendingBy
		out.PendingBy = &party
	}
	return out
}

// PolicyKind returns the discriminator of the attached review policy.
func (e LogEntry) PolicyKind() PolicyKind {
	if e.Review == nil {
		return PolicyNone
	}
	return e.Review.Kind()
}

// ReviewTasks returns the parallel-review tasks, or nil under any other policy.
func (e LogEntry) ReviewTasks() []ReviewTask {
	if p, ok := e.Review.(*ParallelReview); ok {
		return p.Tasks
	}
	return nil
}

// ReviewComments returns the parallel-review comments, or nil.
func (e LogEntry) ReviewComments() []ReviewComment {
	if p, ok := e.Review.(*ParallelReview); ok {
		return p.Comments
	}
	return nil
}

// PendingReviewBy returns the party addressed by the hand-off policy, or nil.
func (e LogEntry) PendingReviewBy() *Party {
	if p, ok := e.Review.(*SequentialHandoff); ok {
		return p.PendingBy
	}
	return nil
}

// IsSignatory reports whether userID is one of the required signatories.
func (e LogEntry) IsSignatory(userID string) bool {
	return contains(e.RequiredSignatories, userID)
}

// IsAssignee reports whether userID is assigned to the entry.
func (e LogEntry) IsAssignee(userID string) bool {
	return contains(e.Assignees, userID)
}

// SignatureTaskFor returns the index of the signer's task, or -1.
func (e LogEntry) SignatureTaskFor(signerID string) int {
	for i, t := range e.SignatureTasks {
		if t.SignerID == signerID && t.Status != SignatureCancelled {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so an operation can mutate it and be discarded
// on failure.
func (e LogEntry) Clone() LogEntry {
	out := e
	out.Assignees = append([]string(nil), e.Assignees...)
	out.RequiredSignatories = append([]string(nil), e.RequiredSignatories...)
	out.SignatureTasks = make([]SignatureTask, len(e.SignatureTasks))
	for i, t := range e.SignatureTasks {
		out.SignatureTasks[i] = t
		if t.SignedAt != nil {
			ts := *t.SignedAt
			out.SignatureTasks[i].SignedAt = &ts
		}
	}
	out.Signatures = append([]Signature(nil), e.Signatures...)
	if e.Review != nil {
		out.Review = e.Review.clone()
	}
	if e.ReviewCompletedBy != nil {
		v := *e.ReviewCompletedBy
		out.ReviewCompletedBy = &v
	}
	if e.ReviewCompletedAt != nil {
		v := *e.ReviewCompletedAt
		out.ReviewCompletedAt = &v
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
