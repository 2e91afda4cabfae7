package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitacora/internal/domain"
	"bitacora/internal/engine/ledger"
	"bitacora/internal/engine/review"
)

var (
	resident = domain.User{ID: "u-res", ProjectRole: domain.RoleResident, AppRole: domain.AppRoleEditor, Entity: domain.EntityInterventoria}
	interv   = domain.User{ID: "u-int", ProjectRole: domain.RoleInterventor, AppRole: domain.AppRoleEditor, Entity: domain.EntityInterventoria}
	contrep  = domain.User{ID: "u-con", ProjectRole: domain.RoleContractorRep, AppRole: domain.AppRoleEditor, Entity: domain.EntityContratista}
	admin    = domain.User{ID: "u-adm", ProjectRole: domain.RoleDirector, AppRole: domain.AppRoleAdmin, Entity: domain.EntityIDU}
	viewer   = domain.User{ID: "u-view", ProjectRole: domain.RoleSupervisor, AppRole: domain.AppRoleViewer, Entity: domain.EntityIDU}
)

type fixedVerifier map[string]string

func (f fixedVerifier) VerifyCredential(_ context.Context, userID, secret string) (bool, error) {
	return f[userID] == secret, nil
}

func newController() Controller {
	now := func() time.Time { return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) }
	n := 0
	newID := func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return Controller{
		Resolver: review.Resolver{Now: now, NewID: newID},
		Ledger:   ledger.Ledger{Now: now, NewID: newID},
		Now:      now,
	}
}

func newDraft(t *testing.T, c Controller, author domain.User, signers ...domain.User) domain.LogEntry {
	t.Helper()
	ids := make([]string, 0, len(signers))
	for _, s := range signers {
		ids = append(ids, s.ID)
	}
	e, change, err := c.Create("e-1", "p-1", author, Draft{Title: "Pour slab B2", Signatories: ids}, signers)
	require.NoError(t, err)
	require.Equal(t, "entry.created", change.Event)
	require.Equal(t, domain.StatusDraft, e.Status)
	return e
}

func sign(t *testing.T, c Controller, e domain.LogEntry, u domain.User) (domain.LogEntry, Change) {
	t.Helper()
	out, change, err := c.Sign(context.Background(), e, u, "", ledger.Consent{Consent: true})
	require.NoError(t, err)
	return out, change
}

func TestParallelReviewThroughSignature(t *testing.T) {
	c := newController()
	e := newDraft(t, c, resident, interv, contrep)

	e, change, err := c.SendForReview(e, resident, review.Request{Policy: domain.PolicyParallel})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, e.Status)
	assert.Equal(t, domain.StatusSubmitted, change.To)
	require.Len(t, e.ReviewTasks(), 2)

	e, change, err = c.RecordReviewAction(e, interv, review.Verdict{Kind: review.VerdictApprove})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, e.Status)
	assert.Equal(t, "entry.review.recorded", change.Event)

	e, change, err = c.RecordReviewAction(e, contrep, review.Verdict{Kind: review.VerdictComment, Comment: "Rebar spacing checked"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNeedsReview, e.Status)
	assert.Equal(t, "entry.review.satisfied", change.Event)
	require.NotNil(t, e.ReviewCompletedBy)
	assert.Equal(t, contrep.ID, *e.ReviewCompletedBy)
	require.Len(t, e.ReviewComments(), 1)

	e, change, err = c.Approve(e, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, e.Status)
	assert.Equal(t, domain.SignatureSummary{Total: 2, Pending: 2}, change.Summary)

	e, change = sign(t, c, e, interv)
	assert.Equal(t, domain.StatusApproved, e.Status)
	assert.Equal(t, domain.SignatureSummary{Total: 2, Signed: 1, Pending: 1}, change.Summary)

	e, change = sign(t, c, e, contrep)
	assert.Equal(t, domain.StatusSigned, e.Status)
	assert.Equal(t, "entry.signed", change.Event)
	assert.True(t, change.Summary.Completed)
	assert.Len(t, e.Signatures, 2)
}

func TestHandoffAlternatesParties(t *testing.T) {
	c := newController()
	e := newDraft(t, c, contrep, interv, contrep)

	_, _, err := c.SendForReview(e, contrep, review.Request{Policy: domain.PolicyHandoff, Target: domain.PartyContractor})
	require.ErrorIs(t, err, domain.ErrForbidden)

	e, _, err = c.SendForReview(e, contrep, review.Request{Policy: domain.PolicyHandoff, Target: domain.PartyInterventoria})
	require.NoError(t, err)
	require.NotNil(t, e.PendingReviewBy())
	assert.Equal(t, domain.PartyInterventoria, *e.PendingReviewBy())

	_, _, err = c.RecordReviewAction(e, contrep, review.Verdict{Kind: review.VerdictApprove})
	require.ErrorIs(t, err, domain.ErrForbidden)

	e, _, err = c.RecordReviewAction(e, interv, review.Verdict{Kind: review.VerdictForward})
	require.NoError(t, err)
	assert.Equal(t, domain.PartyContractor, *e.PendingReviewBy())
	assert.Equal(t, domain.StatusSubmitted, e.Status)

	e, _, err = c.RecordReviewAction(e, contrep, review.Verdict{Kind: review.VerdictApprove})
	require.NoError(t, err)
	assert.Nil(t, e.PendingReviewBy())
	assert.Equal(t, domain.StatusNeedsReview, e.Status)

	_, change, err := c.RecordReviewAction(e, contrep, review.Verdict{Kind: review.VerdictApprove})
	require.NoError(t, err)
	assert.True(t, change.Replayed)
}

func TestApproveChecks(t *testing.T) {
	c := newController()
	e := newDraft(t, c, resident, interv)

	_, _, err := c.Approve(e, admin)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	pending := e.Clone()
	pending.Status = domain.StatusNeedsReview
	pending.Review = &domain.ParallelReview{Tasks: []domain.ReviewTask{{ID: "rt", Status: domain.ReviewPending, ReviewerID: interv.ID}}}

	_, _, err = c.Approve(pending, viewer)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, _, err = c.Approve(pending, admin)
	require.ErrorIs(t, err, domain.ErrReviewIncomplete)
	assert.Empty(t, pending.SignatureTasks)
}

func TestSignRequiresConsentAndLeavesEntryUntouched(t *testing.T) {
	c := newController()
	c.Ledger.RequireCredential = true
	c.Ledger.Verifier = fixedVerifier{interv.ID: "s3cret"}
	e := newDraft(t, c, resident, interv)
	e, _, err := c.SendForReview(e, resident, review.Request{Policy: domain.PolicyParallel})
	require.NoError(t, err)
	e, _, err = c.RecordReviewAction(e, interv, review.Verdict{Kind: review.VerdictApprove})
	require.NoError(t, err)
	e, _, err = c.Approve(e, admin)
	require.NoError(t, err)

	out, _, err := c.Sign(context.Background(), e, interv, "", ledger.Consent{Consent: false, Secret: "s3cret"})
	require.ErrorIs(t, err, domain.ErrInvalidConsent)
	assert.Equal(t, domain.SignaturePending, out.SignatureTasks[0].Status)
	assert.Empty(t, out.Signatures)

	_, _, err = c.Sign(context.Background(), e, interv, "", ledger.Consent{Consent: true, Secret: "wrong"})
	require.ErrorIs(t, err, domain.ErrInvalidConsent)

	_, _, err = c.Sign(context.Background(), e, contrep, "", ledger.Consent{Consent: true})
	require.ErrorIs(t, err, domain.ErrForbidden)

	signed, change, err := c.Sign(context.Background(), e, interv, "", ledger.Consent{Consent: true, Secret: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSigned, signed.Status)
	assert.Equal(t, domain.SignatureSummary{Total: 1, Signed: 1, Completed: true}, change.Summary)

	again, change, err := c.Sign(context.Background(), signed, interv, "", ledger.Consent{Consent: true, Secret: "s3cret"})
	require.NoError(t, err)
	assert.True(t, change.Replayed)
	assert.Len(t, again.Signatures, 1)
}

func TestRejectReturnsToDraftAndKeepsPolicyKind(t *testing.T) {
	c := newController()
	e := newDraft(t, c, resident, interv, contrep)
	e, _, err := c.SendForReview(e, resident, review.Request{Policy: domain.PolicyParallel})
	require.NoError(t, err)

	_, _, err = c.Reject(e, interv, "", false)
	require.ErrorIs(t, err, domain.ErrValidation)
	_, _, err = c.Reject(e, interv, "Wrong slab", true)
	require.ErrorIs(t, err, domain.ErrForbidden)

	e, change, err := c.Reject(e, interv, "Wrong slab", false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, e.Status)
	assert.Equal(t, domain.StatusSubmitted, change.From)
	assert.Empty(t, e.ReviewTasks())
	assert.Equal(t, domain.PolicyParallel, e.PolicyKind())

	_, _, err = c.SendForReview(e, resident, review.Request{Policy: domain.PolicyHandoff, Target: domain.PartyContractor})
	require.ErrorIs(t, err, domain.ErrValidation)

	e, _, err = c.SendForReview(e, resident, review.Request{})
	require.NoError(t, err)
	assert.Len(t, e.ReviewTasks(), 2)

	e, _, err = c.Reject(e, admin, "Duplicate of yesterday", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, e.Status)
	assert.True(t, e.Status.Terminal())
}

func TestViewerCannotBeSignatory(t *testing.T) {
	c := newController()
	_, _, err := c.Create("e-2", "p-1", resident, Draft{Title: "t", Signatories: []string{viewer.ID}}, []domain.User{viewer})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, _, err = c.Create("e-2", "p-1", viewer, Draft{Title: "t"}, nil)
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestSendForReviewNeedsSignatoriesAndAuthor(t *testing.T) {
	c := newController()
	e := newDraft(t, c, resident)
	_, _, err := c.SendForReview(e, resident, review.Request{Policy: domain.PolicyParallel})
	require.ErrorIs(t, err, domain.ErrValidation)

	e = newDraft(t, c, resident, interv)
	_, _, err = c.SendForReview(e, interv, review.Request{Policy: domain.PolicyParallel})
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestAddSignatoryAfterApproval(t *testing.T) {
	c := newController()
	e := newDraft(t, c, resident, interv)
	e, _, err := c.SendForReview(e, resident, review.Request{Policy: domain.PolicyParallel})
	require.NoError(t, err)
	e, _, err = c.RecordReviewAction(e, interv, review.Verdict{Kind: review.VerdictApprove})
	require.NoError(t, err)
	e, _, err = c.Approve(e, admin)
	require.NoError(t, err)

	_, _, err = c.AddSignatory(e, resident, interv)
	require.ErrorIs(t, err, domain.ErrValidation)

	e, change, err := c.AddSignatory(e, resident, contrep)
	require.NoError(t, err)
	assert.Equal(t, domain.SignatureSummary{Total: 2, Pending: 2}, change.Summary)

	e, _ = sign(t, c, e, interv)
	assert.Equal(t, domain.StatusApproved, e.Status)
	e, _ = sign(t, c, e, contrep)
	assert.Equal(t, domain.StatusSigned, e.Status)
}

func TestUpdateAndDeleteRules(t *testing.T) {
	c := newController()
	e := newDraft(t, c, resident, interv)
	title := "Pour slab B3"
	out, _, err := c.Update(e, resident, Patch{Title: &title}, nil)
	require.NoError(t, err)
	assert.Equal(t, title, out.Title)
	assert.Equal(t, "Pour slab B2", e.Title)

	_, _, err = c.Update(e, interv, Patch{Title: &title}, nil)
	require.ErrorIs(t, err, domain.ErrForbidden)

	require.ErrorIs(t, c.CheckDelete(e, resident), domain.ErrForbidden)
	require.NoError(t, c.CheckDelete(e, admin))
	e.Status = domain.StatusSigned
	require.ErrorIs(t, c.CheckDelete(e, admin), domain.ErrInvalidTransition)
}
