package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"bitacora/internal/domain"
)

// ErrVersionMismatch reports that the entry changed since it was loaded.
var ErrVersionMismatch = errors.New("entry version mismatch")

type EntryFilters struct {
	ProjectID string
	Status    string
	AuthorID  string
	// SignerID matches entries where the user has a signature task.
	SignerID string
	Limit    int
}

const entryColumns = `id,project_id,status,version,title,COALESCE(body,''),COALESCE(entry_date,''),COALESCE(location,''),COALESCE(weather,''),
is_confidential,author_id,COALESCE(policy_kind,''),pending_review_by,review_completed_by,review_completed_at,created_at,updated_at`

func scanEntry(scan func(dest ...any) error) (domain.LogEntry, error) {
	var (
		e                           domain.LogEntry
		status, policy              string
		confidential                int
		pending, reviewBy, reviewAt sql.NullString
	)
	err := scan(&e.ID, &e.ProjectID, &status, &e.Version, &e.Title, &e.Body, &e.EntryDate, &e.Location, &e.Weather,
		&confidential, &e.AuthorID, &policy, &pending, &reviewBy, &reviewAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	e.Status = domain.EntryStatus(status)
	e.IsConfidential = confidential != 0
	e.ReviewCompletedBy = stringPtr(reviewBy)
	e.ReviewCompletedAt = stringPtr(reviewAt)
	switch domain.PolicyKind(policy) {
	case domain.PolicyParallel:
		e.Review = &domain.ParallelReview{}
	case domain.PolicyHandoff:
		h := &domain.SequentialHandoff{}
		if pending.Valid && pending.String != "" {
			party := domain.Party(pending.String)
			h.PendingBy = &party
		}
		e.Review = h
	}
	return e, nil
}

// GetEntry loads the full aggregate.
func (r Repo) GetEntry(ctx context.Context, id string) (domain.LogEntry, error) {
	e, err := scanEntry(r.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if err := r.loadChildren(ctx, &e); err != nil {
		return e, err
	}
	return e, nil
}

// ListEntries returns entries newest first, fully loaded.
func (r Repo) ListEntries(ctx context.Context, f EntryFilters) ([]domain.LogEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AuthorID != "" {
		clauses = append(clauses, "author_id=?")
		args = append(args, f.AuthorID)
	}
	if f.SignerID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM signature_tasks st WHERE st.entry_id=entries.id AND st.signer_id=?)")
		args = append(args, f.SignerID)
	}
	query := `SELECT ` + entryColumns + ` FROM entries WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.LogEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	// Children are loaded after the cursor is closed; the pool holds one connection.
	for i := range res {
		if err := r.loadChildren(ctx, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) loadChildren(ctx context.Context, e *domain.LogEntry) error {
	var err error
	if e.Assignees, err = r.listIDs(ctx, `SELECT user_id FROM entry_assignees WHERE entry_id=? ORDER BY position`, e.ID); err != nil {
		return err
	}
	if e.RequiredSignatories, err = r.listIDs(ctx, `SELECT user_id FROM entry_signatories WHERE entry_id=? ORDER BY position`, e.ID); err != nil {
		return err
	}
	if e.SignatureTasks, err = r.listSignatureTasks(ctx, e.ID); err != nil {
		return err
	}
	if e.Signatures, err = r.listSignatures(ctx, e.ID); err != nil {
		return err
	}
	if p, ok := e.Review.(*domain.ParallelReview); ok {
		if p.Tasks, err = r.listReviewTasks(ctx, e.ID); err != nil {
			return err
		}
		if p.Comments, err = r.listReviewComments(ctx, e.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) listIDs(ctx context.Context, query, entryID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) listSignatureTasks(ctx context.Context, entryID string) ([]domain.SignatureTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,status,signer_id,assigned_at,signed_at FROM signature_tasks WHERE entry_id=? ORDER BY position`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SignatureTask
	for rows.Next() {
		var t domain.SignatureTask
		var status string
		var signedAt sql.NullString
		if err := rows.Scan(&t.ID, &status, &t.SignerID, &t.AssignedAt, &signedAt); err != nil {
			return nil, err
		}
		t.Status = domain.SignatureTaskStatus(status)
		t.SignedAt = stringPtr(signedAt)
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) listSignatures(ctx context.Context, entryID string) ([]domain.Signature, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,signer_id,signed_at,task_status,signature_task_id FROM signatures WHERE entry_id=? ORDER BY signed_at, rowid`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signature
	for rows.Next() {
		var s domain.Signature
		var status string
		if err := rows.Scan(&s.ID, &s.SignerID, &s.SignedAt, &status, &s.SignatureTaskID); err != nil {
			return nil, err
		}
		s.SignatureTaskStatus = domain.SignatureTaskStatus(status)
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) listReviewTasks(ctx context.Context, entryID string) ([]domain.ReviewTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,status,reviewer_id,assigned_at,completed_at FROM review_tasks WHERE entry_id=? ORDER BY position`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewTask
	for rows.Next() {
		var t domain.ReviewTask
		var status string
		var completedAt sql.NullString
		if err := rows.Scan(&t.ID, &status, &t.ReviewerID, &t.AssignedAt, &completedAt); err != nil {
			return nil, err
		}
		t.Status = domain.ReviewTaskStatus(status)
		t.CompletedAt = stringPtr(completedAt)
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) listReviewComments(ctx context.Context, entryID string) ([]domain.ReviewComment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,author_id,body,created_at FROM review_comments WHERE entry_id=? ORDER BY created_at, rowid`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewComment
	for rows.Next() {
		var c domain.ReviewComment
		if err := rows.Scan(&c.ID, &c.AuthorID, &c.Body, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func policyColumns(e domain.LogEntry) (kind, pending any) {
	switch p := e.Review.(type) {
	case *domain.ParallelReview:
		return string(domain.PolicyParallel), nil
	case *domain.SequentialHandoff:
		if p.PendingBy != nil {
			return string(domain.PolicyHandoff), string(*p.PendingBy)
		}
		return string(domain.PolicyHandoff), nil
	}
	return nil, nil
}

// InsertEntry stores a new aggregate.
func (r Repo) InsertEntry(ctx context.Context, tx *sql.Tx, e domain.LogEntry) error {
	kind, pending := policyColumns(e)
	_, err := tx.ExecContext(ctx, `INSERT INTO entries(id,project_id,status,version,title,body,entry_date,location,weather,is_confidential,author_id,
policy_kind,pending_review_by,review_completed_by,review_completed_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, string(e.Status), e.Version, e.Title, nullable(e.Body), nullable(e.EntryDate), nullable(e.Location), nullable(e.Weather),
		boolInt(e.IsConfidential), e.AuthorID, kind, pending, nullableStringPtr(e.ReviewCompletedBy), nullableStringPtr(e.ReviewCompletedAt),
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return err
	}
	return r.writeChildren(ctx, tx, e)
}

// SaveEntry writes the aggregate if its stored version still equals
// e.Version and bumps the version. It returns ErrVersionMismatch otherwise.
func (r Repo) SaveEntry(ctx context.Context, tx *sql.Tx, e domain.LogEntry) (int, error) {
	kind, pending := policyColumns(e)
	res, err := tx.ExecContext(ctx, `UPDATE entries SET status=?,version=version+1,title=?,body=?,entry_date=?,location=?,weather=?,is_confidential=?,
policy_kind=?,pending_review_by=?,review_completed_by=?,review_completed_at=?,updated_at=? WHERE id=? AND version=?`,
		string(e.Status), e.Title, nullable(e.Body), nullable(e.EntryDate), nullable(e.Location), nullable(e.Weather), boolInt(e.IsConfidential),
		kind, pending, nullableStringPtr(e.ReviewCompletedBy), nullableStringPtr(e.ReviewCompletedAt), e.UpdatedAt, e.ID, e.Version)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrVersionMismatch
	}
	for _, table := range []string{"entry_assignees", "entry_signatories", "signature_tasks", "review_tasks"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE entry_id=?`, e.ID); err != nil {
			return 0, err
		}
	}
	if err := r.writeChildren(ctx, tx, e); err != nil {
		return 0, err
	}
	return e.Version + 1, nil
}

// writeChildren replaces the mutable child rows. Signatures and comments are
// append-only and only ever inserted.
func (r Repo) writeChildren(ctx context.Context, tx *sql.Tx, e domain.LogEntry) error {
	for i, id := range e.Assignees {
		if _, err := tx.ExecContext(ctx, `INSERT INTO entry_assignees(entry_id,user_id,position) VALUES (?,?,?)`, e.ID, id, i); err != nil {
			return err
		}
	}
	for i, id := range e.RequiredSignatories {
		if _, err := tx.ExecContext(ctx, `INSERT INTO entry_signatories(entry_id,user_id,position) VALUES (?,?,?)`, e.ID, id, i); err != nil {
			return err
		}
	}
	for i, t := range e.SignatureTasks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO signature_tasks(id,entry_id,signer_id,status,assigned_at,signed_at,position) VALUES (?,?,?,?,?,?,?)`,
			t.ID, e.ID, t.SignerID, string(t.Status), t.AssignedAt, nullableStringPtr(t.SignedAt), i); err != nil {
			return err
		}
	}
	for _, s := range e.Signatures {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO signatures(id,entry_id,signer_id,signature_task_id,task_status,signed_at) VALUES (?,?,?,?,?,?)`,
			s.ID, e.ID, s.SignerID, s.SignatureTaskID, string(s.SignatureTaskStatus), s.SignedAt); err != nil {
			return err
		}
	}
	p, ok := e.Review.(*domain.ParallelReview)
	if !ok {
		return nil
	}
	for i, t := range p.Tasks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO review_tasks(id,entry_id,reviewer_id,status,assigned_at,completed_at,position) VALUES (?,?,?,?,?,?,?)`,
			t.ID, e.ID, t.ReviewerID, string(t.Status), t.AssignedAt, nullableStringPtr(t.CompletedAt), i); err != nil {
			return err
		}
	}
	for _, c := range p.Comments {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO review_comments(id,entry_id,author_id,body,created_at) VALUES (?,?,?,?,?)`,
			c.ID, e.ID, c.AuthorID, c.Body, c.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

// DeleteEntry removes the aggregate at the expected version.
func (r Repo) DeleteEntry(ctx context.Context, tx *sql.Tx, id string, version int) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id=? AND version=?`, id, version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionMismatch
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
